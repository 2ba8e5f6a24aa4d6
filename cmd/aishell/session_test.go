package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aishell/internal/bus"
	"aishell/internal/config"
	"aishell/internal/core"
)

// testApplication builds an application rooted in a temp state dir with
// a usable keystore entry, so the vault opens.
func testApplication(t *testing.T) *application {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()

	keystoreDir := filepath.Join(cfg.StateDir, "keystore")
	require.NoError(t, os.MkdirAll(keystoreDir, 0o700))
	require.NoError(t, os.WriteFile(
		filepath.Join(keystoreDir, cfg.Vault.KeystoreEntry),
		[]byte("test-master-secret"), 0o600))

	a, err := newApplication(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestSessionLifecycle(t *testing.T) {
	a := testApplication(t)

	sess, err := newSession(a)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"bus", "vault", "connections", "history", "llm",
		"vector", "enrich", "panel", "completer",
	}, sess.orch.Names())

	ctx := context.Background()
	require.NoError(t, sess.orch.Start(ctx))

	report := sess.orch.Health(ctx)
	assert.Equal(t, core.StatusHealthy, report.Checks["vault"].Status)
	assert.Equal(t, core.StatusHealthy, report.Checks["history"].Status)
	// No embedding provider configured: the semantic index stays off.
	assert.Equal(t, core.StatusDegraded, report.Checks["vector"].Status)
	assert.Equal(t, core.StatusDegraded, report.Status)

	assert.NotNil(t, sess.pipeline)
	assert.NotNil(t, sess.panels)
	assert.NotNil(t, sess.completer)

	require.NoError(t, sess.orch.Stop(ctx))
}

func TestSessionReplMetaCommands(t *testing.T) {
	a := testApplication(t)

	sess, err := newSession(a)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sess.orch.Start(ctx))
	defer func() { require.NoError(t, sess.orch.Stop(ctx)) }()

	in := strings.NewReader("\\health\n\\connections\n\\q\n")
	var out bytes.Buffer
	require.NoError(t, sess.repl(ctx, in, &out))

	assert.Contains(t, out.String(), "overall: degraded")
}

func TestSessionApplyConfigPublishesUpdate(t *testing.T) {
	a := testApplication(t)

	sess, err := newSession(a)
	require.NoError(t, err)

	updated := make(chan *config.Config, 1)
	unsubscribe := a.events.Subscribe(bus.TopicConfigUpdated, func(ev bus.Event) {
		if next, ok := ev.Payload.(*config.Config); ok {
			updated <- next
		}
	})
	defer unsubscribe()

	next := config.Default()
	next.StateDir = a.cfg.StateDir
	next.OutputFormat = "json"
	sess.applyConfig(next)

	assert.Equal(t, "json", sess.cfg.Load().OutputFormat)
	select {
	case got := <-updated:
		assert.Equal(t, "json", got.OutputFormat)
	case <-time.After(time.Second):
		t.Fatal("config.updated was not published")
	}
}
