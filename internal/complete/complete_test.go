package complete

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aishell/internal/vector"
)

type fixedKeys []string

func (f fixedKeys) Names() []string { return f }

type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// axisEmbedder maps known texts to fixed vectors so similarity ordering
// is deterministic.
func axisEmbedder(vectors map[string][]float32) embedderFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		if v, ok := vectors[text]; ok {
			return v, nil
		}
		return []float32{0, 0, 1}, nil
	}
}

func seededIndex(t *testing.T) *vector.Store {
	t.Helper()
	s, err := vector.New(3)
	require.NoError(t, err)
	docs := []struct {
		text   string
		source string
		vec    []float32
	}{
		{"users", vector.SourceCatalog, []float32{1, 0, 0}},
		{"user_events", vector.SourceCatalog, []float32{0.9, 0.1, 0}},
		{"payments", vector.SourceCatalog, []float32{0, 1, 0}},
		{"connect <dsn>", vector.SourceCommand, []float32{0, 0, 1}},
		{"vault list", vector.SourceCommand, []float32{0, 0.2, 0.9}},
	}
	for _, d := range docs {
		require.NoError(t, s.Insert(vector.Document{Source: d.source, Text: d.text}, d.vec))
	}
	return s
}

func TestVaultPrefixCompletesNamesOnly(t *testing.T) {
	e := NewEngine(Options{Vault: fixedKeys{"prod-db", "prod-api", "staging-db"}})

	buf := "connect $vault.prod"
	got := e.Complete(context.Background(), buf, len(buf))

	require.Len(t, got, 2)
	texts := []string{got[0].Text, got[1].Text}
	assert.ElementsMatch(t, []string{"$vault.prod-db", "$vault.prod-api"}, texts)
	for _, c := range got {
		assert.Equal(t, SourceVault, c.Source)
	}
}

func TestVaultPrefixIgnoresSemanticSources(t *testing.T) {
	e := NewEngine(Options{
		Vault:    fixedKeys{"prod-db"},
		Embedder: axisEmbedder(nil),
		Index:    seededIndex(t),
	})
	buf := "$vault."
	got := e.Complete(context.Background(), buf, len(buf))
	require.NotEmpty(t, got)
	for _, c := range got {
		assert.Equal(t, SourceVault, c.Source)
	}
}

func TestSQLContextQueriesSchema(t *testing.T) {
	e := NewEngine(Options{
		Embedder: axisEmbedder(map[string][]float32{"user": {1, 0, 0}}),
		Index:    seededIndex(t),
	})

	buf := "SELECT * FROM user"
	got := e.Complete(context.Background(), buf, len(buf))

	require.NotEmpty(t, got)
	assert.Equal(t, "users", got[0].Text, "closest catalog object first")
	assert.Equal(t, SourceSchema, got[0].Source)
	for _, c := range got {
		assert.NotEqual(t, SourceCommands, c.Source)
	}
}

func TestNonSQLBufferSuggestsCommands(t *testing.T) {
	e := NewEngine(Options{
		Embedder: axisEmbedder(map[string][]float32{"connect to prod": {0, 0, 1}}),
		Index:    seededIndex(t),
	})

	buf := "connect to prod"
	got := e.Complete(context.Background(), buf, len(buf))

	require.NotEmpty(t, got)
	assert.Equal(t, SourceCommands, got[0].Source)
	assert.Equal(t, "connect <dsn>", got[0].Text)
}

func TestSlowSourceOmittedSilently(t *testing.T) {
	slow := embedderFunc(func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := NewEngine(Options{
		Embedder: slow,
		Index:    seededIndex(t),
		Deadline: 20 * time.Millisecond,
	})

	start := time.Now()
	buf := "SELECT * FROM user"
	got := e.Complete(context.Background(), buf, len(buf))

	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRankingSourcePriorityBeatsScore(t *testing.T) {
	cs := []Candidate{
		{Text: "commands-high", Source: SourceCommands, Score: 0.99},
		{Text: "schema-low", Source: SourceSchema, Score: 0.10},
		{Text: "vault-mid", Source: SourceVault, Score: 0.50},
	}
	rank(cs)
	assert.Equal(t, "vault-mid", cs[0].Text)
	assert.Equal(t, "schema-low", cs[1].Text)
	assert.Equal(t, "commands-high", cs[2].Text)
}

func TestTokenAt(t *testing.T) {
	tests := []struct {
		buffer string
		cursor int
		want   string
	}{
		{"SELECT * FROM use", 17, "use"},
		{"connect $vault.prod", 19, "$vault.prod"},
		{"a b", 1, "a"},
		{"", 0, ""},
		{"abc", 99, "abc"},
		{"abc", -5, "abc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tokenAt(tt.buffer, tt.cursor), "buffer %q cursor %d", tt.buffer, tt.cursor)
	}
}

func TestInSQLContext(t *testing.T) {
	assert.True(t, inSQLContext("select id from users"))
	assert.True(t, inSQLContext("WITH cte AS (SELECT 1)"))
	assert.True(t, inSQLContext("health; SELECT * FROM t"))
	assert.False(t, inSQLContext("ls -la"))
	assert.False(t, inSQLContext(""))
}

func TestEmptyBufferNoCandidates(t *testing.T) {
	e := NewEngine(Options{
		Embedder: axisEmbedder(nil),
		Index:    seededIndex(t),
	})
	assert.Empty(t, e.Complete(context.Background(), "", 0))
}
