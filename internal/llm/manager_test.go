package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aishell/internal/config"
)

// fakeProvider is a scriptable in-memory Provider.
type fakeProvider struct {
	mu        sync.Mutex
	name      string
	reply     string
	embedding []float32
	err       error
	calls     int
	embeds    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(context.Context, []Message, Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func (f *fakeProvider) Embed(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds++
	return f.embedding, f.err
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{Config: config.Default().LLM})
	require.NoError(t, err)
	return m
}

func TestAnalyzeIntentUsesProvider(t *testing.T) {
	m := newTestManager(t)
	m.SetProvider(FuncIntent, &fakeProvider{
		name:  "fake",
		reply: `{"primary_intent": "database_query", "confidence": 0.87}`,
	})

	res := m.AnalyzeIntent(context.Background(), "show me the users table", Context{})
	assert.Equal(t, IntentDatabaseQuery, res.PrimaryIntent)
	assert.InDelta(t, 0.87, res.Confidence, 1e-9)
	assert.Equal(t, "provider", res.Source)
}

func TestAnalyzeIntentFallsBackOnProviderError(t *testing.T) {
	m := newTestManager(t)
	m.SetProvider(FuncIntent, &fakeProvider{name: "down", err: errors.New("connection refused")})

	res := m.AnalyzeIntent(context.Background(), "SELECT * FROM users", Context{})
	assert.Equal(t, IntentDatabaseQuery, res.PrimaryIntent)
	assert.Equal(t, "rules", res.Source)
}

func TestAnalyzeIntentClampsConfidence(t *testing.T) {
	m := newTestManager(t)
	m.SetProvider(FuncIntent, &fakeProvider{
		name:  "fake",
		reply: `{"primary_intent": "teleportation", "confidence": 7.5}`,
	})

	res := m.AnalyzeIntent(context.Background(), "whatever", Context{})
	assert.Equal(t, IntentOther, res.PrimaryIntent, "unknown intents collapse to other")
	assert.Equal(t, 1.0, res.Confidence)
}

func TestRuleBasedIntent(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", IntentOther},
		{"ls -la", IntentFileOperation},
		{"cd /var/log", IntentNavigation},
		{"SELECT id FROM orders", IntentDatabaseQuery},
		{"$vault.db_password", IntentVaultAccess},
		{"hello there", IntentOther},
	}
	for _, tt := range tests {
		res := ruleBasedIntent(tt.input)
		assert.Equal(t, tt.want, res.PrimaryIntent, "input %q", tt.input)
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
	}
	assert.Zero(t, ruleBasedIntent("").Confidence, "empty input scores zero")
}

func TestCompleteDegradesToEmpty(t *testing.T) {
	m := newTestManager(t)

	// No provider configured.
	out, err := m.Complete(context.Background(), "", "explain this error")
	require.NoError(t, err)
	assert.Empty(t, out)

	// Provider failing.
	m.SetProvider(FuncCompletion, &fakeProvider{name: "down", err: errors.New("boom")})
	out, err = m.Complete(context.Background(), "", "explain this error")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEmbedCacheBypassesProvider(t *testing.T) {
	m := newTestManager(t)
	fp := &fakeProvider{name: "embedder", embedding: []float32{1, 2, 3}}
	m.SetProvider(FuncEmbedding, fp)

	v1, err := m.Embed(context.Background(), "users table")
	require.NoError(t, err)
	v2, err := m.Embed(context.Background(), "users table")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	fp.mu.Lock()
	assert.Equal(t, 1, fp.embeds, "second call must be served from cache")
	fp.mu.Unlock()
}

func TestProviderSwitchIsAtomic(t *testing.T) {
	m := newTestManager(t)
	old := &fakeProvider{name: "old", reply: `{"primary_intent": "other", "confidence": 0.5}`}
	m.SetProvider(FuncIntent, old)

	loaded := m.providerFor(FuncIntent)

	m.SetProvider(FuncIntent, &fakeProvider{name: "new", reply: `{"primary_intent": "navigation", "confidence": 0.5}`})

	// The handle loaded before the switch still points at the old provider.
	assert.Equal(t, "old", loaded.Name())
	assert.Equal(t, "new", m.providerFor(FuncIntent).Name())
}

func TestManagerRejectsUnknownRouting(t *testing.T) {
	cfg := config.Default().LLM
	cfg.Intent = "ghost"
	_, err := NewManager(ManagerOptions{Config: cfg})
	require.Error(t, err)
}
