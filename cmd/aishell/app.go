package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"aishell/internal/bus"
	"aishell/internal/config"
	"aishell/internal/db"
	"aishell/internal/fault"
	"aishell/internal/gate"
	"aishell/internal/llm"
	"aishell/internal/risk"
	"aishell/internal/vault"
)

// application wires the components a single CLI invocation needs. Heavy
// pieces (vault, LLM manager, history) come up lazily so commands that
// never touch them pay nothing.
type application struct {
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger
	events  *bus.Bus

	connections *db.Manager
	saved       *connectionFile

	vaultOnce sync.Once
	vaultErr  error
	vaultInst *vault.Vault

	llmOnce sync.Once
	llmErr  error
	llmInst *llm.Manager

	historyOnce sync.Once
	historyErr  error
	historyInst *gate.HistoryStore
}

func newApplication(cfg *config.Config, logger *zap.Logger) (*application, error) {
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "creating state directory")
	}
	events := bus.New(bus.Options{
		HighWater:    cfg.Bus.HighWaterMark,
		CriticalWait: cfg.Bus.CriticalDeadline,
		Logger:       logger,
	})
	onStats := func(stats db.PoolStats) {
		_ = events.Publish(bus.Event{
			Topic:    bus.TopicPoolStats,
			Priority: bus.PriorityLow,
			Payload:  stats,
		})
	}
	return &application{
		cfg:         cfg,
		logger:      logger,
		events:      events,
		connections: db.NewManager(logger, onStats),
		saved:       newConnectionFile(filepath.Join(cfg.StateDir, "connections.yaml")),
	}, nil
}

func (a *application) close() {
	a.connections.CloseAll()
	if a.historyInst != nil {
		a.historyInst.Close()
	}
	a.events.Close()
}

// vault opens the credential vault on first use. A missing keystore
// entry fails closed here rather than at startup.
func (a *application) vault() (*vault.Vault, error) {
	a.vaultOnce.Do(func() {
		ks := vault.NewFileKeystore(filepath.Join(a.cfg.StateDir, "keystore"))
		a.vaultInst, a.vaultErr = vault.Open(ks, vault.Options{
			Path:          filepath.Join(a.cfg.StateDir, "vault.enc"),
			KeystoreEntry: a.cfg.Vault.KeystoreEntry,
			Iterations:    a.cfg.Vault.Iterations,
			Logger:        a.logger,
		})
	})
	return a.vaultInst, a.vaultErr
}

func (a *application) llm() (*llm.Manager, error) {
	a.llmOnce.Do(func() {
		var sensitive llm.SensitiveSource
		if v, err := a.vault(); err == nil {
			sensitive = v
		}
		a.llmInst, a.llmErr = llm.NewManager(llm.ManagerOptions{
			Config:    a.cfg.LLM,
			Logger:    a.logger,
			Events:    a.events,
			Sensitive: sensitive,
		})
	})
	return a.llmInst, a.llmErr
}

func (a *application) history() (*gate.HistoryStore, error) {
	a.historyOnce.Do(func() {
		a.historyInst, a.historyErr = gate.OpenHistory(
			filepath.Join(a.cfg.StateDir, "history.db"))
	})
	return a.historyInst, a.historyErr
}

// gate assembles the execution gate. Vault and LLM degrade to nil when
// unavailable; history failures surface because unrecorded user SQL is
// worse than a failed command.
func (a *application) gate() (*gate.Gate, error) {
	history, err := a.history()
	if err != nil {
		return nil, err
	}
	opts := gate.Options{
		Risk:      risk.NewAnalyzer(),
		History:   history,
		Events:    a.events,
		Logger:    a.logger,
		Confirmer: &terminalConfirmer{autoYes: flagConfirm},
		OnExplanation: func(_, explanation string) {
			fmt.Fprintln(os.Stderr, "hint:", explanation)
		},
	}
	if v, err := a.vault(); err == nil {
		opts.Redactor = v
	}
	if m, err := a.llm(); err == nil {
		opts.Explainer = m
	}
	return gate.New(opts), nil
}

func (a *application) poolOptions() db.PoolOptions {
	p := a.cfg.Pool
	opts := db.DefaultPoolOptions()
	if p.MinConns > 0 {
		opts.MinConns = p.MinConns
	}
	if p.MaxConns > 0 {
		opts.MaxConns = p.MaxConns
	}
	if p.AcquireTimeout > 0 {
		opts.AcquireTimeout = p.AcquireTimeout
	}
	if p.ValidationWindow > 0 {
		opts.ValidationWindow = p.ValidationWindow
	}
	if p.MaxValidationRetries > 0 {
		opts.MaxValidationRetries = p.MaxValidationRetries
	}
	opts.SweepInterval = p.HealthSweepInterval
	return opts
}

// dial connects a saved connection by name and registers it with the
// manager. The pool stats feed the bus.
func (a *application) dial(name string) (*db.Client, error) {
	if c, err := a.connections.Get(name); err == nil {
		return c, nil
	}
	saved, err := a.saved.get(name)
	if err != nil {
		return nil, err
	}
	dsn, err := a.expandVaultRefs(saved.DSN)
	if err != nil {
		return nil, err
	}
	return a.connect(name, dsn)
}

func (a *application) connect(name, dsn string) (*db.Client, error) {
	return a.connections.Connect(name, dsn, a.poolOptions())
}

// active resolves the connection a data command should run against:
// the active saved connection, dialled on demand.
func (a *application) active(ctx context.Context) (*db.Client, error) {
	if c, err := a.connections.Active(); err == nil {
		return c, nil
	}
	name := a.saved.activeName()
	if name == "" {
		return nil, fault.New(fault.KindNotFound, "no active connection; run connect first")
	}
	client, err := a.dial(name)
	if err != nil {
		return nil, err
	}
	if err := a.connections.Use(name); err != nil {
		return nil, err
	}
	if h := client.HealthCheck(ctx); h.Status != "healthy" {
		return nil, fault.Wrap(fault.KindUnavailable, h.Err, "connection "+name+" is unhealthy")
	}
	return client, nil
}

var vaultRefPattern = regexp.MustCompile(`\$vault\.([A-Za-z0-9_-]+)`)

// expandVaultRefs substitutes $vault.<name> references in a DSN with the
// stored credential values.
func (a *application) expandVaultRefs(dsn string) (string, error) {
	if !strings.Contains(dsn, "$vault.") {
		return dsn, nil
	}
	v, err := a.vault()
	if err != nil {
		return "", err
	}
	var expandErr error
	out := vaultRefPattern.ReplaceAllStringFunc(dsn, func(ref string) string {
		name := strings.TrimPrefix(ref, "$vault.")
		value, err := v.Retrieve(name, false)
		if err != nil {
			expandErr = err
			return ref
		}
		return value
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// terminalConfirmer prompts on stderr and reads one line from stdin.
type terminalConfirmer struct {
	autoYes bool
}

func (t *terminalConfirmer) Confirm(ctx context.Context, req gate.ConfirmationRequest) (bool, error) {
	if t.autoYes {
		return true, nil
	}
	fmt.Fprintf(os.Stderr, "%s risk statement on %s:\n  %s\n", req.Level, req.Connection, req.SQL)
	for _, w := range req.Warnings {
		fmt.Fprintln(os.Stderr, "  warning:", w)
	}
	fmt.Fprint(os.Stderr, "Proceed? [y/N] ")

	line := make(chan string, 1)
	go func() {
		r := bufio.NewReader(os.Stdin)
		s, _ := r.ReadString('\n')
		line <- s
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case s := <-line:
		s = strings.ToLower(strings.TrimSpace(s))
		return s == "y" || s == "yes", nil
	}
}
