package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aishell/internal/bus"
	"aishell/internal/complete"
	"aishell/internal/config"
	"aishell/internal/core"
	"aishell/internal/enrich"
	"aishell/internal/fault"
	"aishell/internal/gate"
	"aishell/internal/llm"
	"aishell/internal/panel"
	"aishell/internal/vector"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run an interactive session",
	Long: `Starts the full component stack (vault, connections, semantic index,
LLM manager, enrichment pipeline, panel layout, completer) under the
lifecycle orchestrator and reads statements from stdin. Lines go through
the same risk gate as the query command.

Meta commands: \q quits, \health reports component health, \use <name>
switches connections, \connections lists them, \complete <text> shows
completion candidates.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

var sessionRows int

func init() {
	sessionCmd.Flags().IntVar(&sessionRows, "rows", 40, "terminal rows for panel layout")
}

// coreModule adapts plain functions to the core.Module interface. Nil
// hooks are no-ops; a nil health reports healthy.
type coreModule struct {
	name   string
	start  func(ctx context.Context) error
	stop   func(ctx context.Context) error
	health func(ctx context.Context) core.CheckResult
}

func (m *coreModule) Name() string { return m.name }

func (m *coreModule) Start(ctx context.Context) error {
	if m.start == nil {
		return nil
	}
	return m.start(ctx)
}

func (m *coreModule) Stop(ctx context.Context) error {
	if m.stop == nil {
		return nil
	}
	return m.stop(ctx)
}

func (m *coreModule) Health(ctx context.Context) core.CheckResult {
	if m.health == nil {
		return core.CheckResult{Status: core.StatusHealthy}
	}
	return m.health(ctx)
}

// session is the long-lived interactive mode. Unlike the one-shot
// commands, which build only what they touch, every component here is
// registered with the orchestrator and driven through its lifecycle:
// dependency-ordered startup, reverse-ordered shutdown, aggregated
// health.
type session struct {
	app    *application
	logger *zap.Logger
	cfg    atomic.Pointer[config.Config]

	orch      *core.Orchestrator
	index     *vector.Store
	pipeline  *enrich.Pipeline
	panels    *panel.Orchestrator
	completer *complete.Engine

	id   string
	rows int
}

func newSession(a *application) (*session, error) {
	s := &session{
		app:    a,
		logger: a.logger,
		orch:   core.NewOrchestrator(a.logger, core.DefaultShutdownTimeout),
		id:     uuid.NewString(),
		rows:   sessionRows,
	}
	if s.rows <= 0 {
		s.rows = 40
	}
	s.cfg.Store(a.cfg)

	modules := []core.Module{
		&coreModule{
			name: "bus",
			health: func(context.Context) core.CheckResult {
				st := a.events.Stats()
				return core.CheckResult{
					Status: core.StatusHealthy,
					Detail: fmt.Sprintf("depth %d, dropped %d", st.QueueDepth, st.Dropped),
				}
			},
		},
		&coreModule{
			// The vault fails closed without its keystore entry. The
			// session still comes up: redaction, $vault refs and name
			// completion just stay off until the entry exists.
			name: "vault",
			start: func(context.Context) error {
				if _, err := a.vault(); err != nil {
					s.logger.Warn("vault locked", zap.Error(err))
				}
				return nil
			},
			health: func(context.Context) core.CheckResult { return a.vaultHealth() },
		},
		&coreModule{
			name:   "connections",
			start:  s.startConnections,
			stop:   func(context.Context) error { a.connections.CloseAll(); return nil },
			health: s.connectionsHealth,
		},
		&coreModule{
			name:   "history",
			start:  func(context.Context) error { _, err := a.history(); return err },
			health: func(context.Context) core.CheckResult { return a.historyHealth() },
		},
		&coreModule{
			name:  "llm",
			start: func(context.Context) error { _, err := a.llm(); return err },
			health: func(context.Context) core.CheckResult {
				routed := 0
				for _, name := range []string{s.cfg.Load().LLM.Intent, s.cfg.Load().LLM.Completion, s.cfg.Load().LLM.Embedding} {
					if name != "" {
						routed++
					}
				}
				return core.CheckResult{
					Status: core.StatusHealthy,
					Detail: fmt.Sprintf("%d function(s) routed", routed),
				}
			},
		},
		&coreModule{
			name:  "vector",
			start: s.startVector,
			stop:  s.stopVector,
			health: func(context.Context) core.CheckResult {
				if s.index == nil {
					return core.CheckResult{Status: core.StatusDegraded, Detail: "no embedding provider"}
				}
				return core.CheckResult{
					Status: core.StatusHealthy,
					Detail: fmt.Sprintf("%d document(s)", s.index.Len()),
				}
			},
		},
		&coreModule{
			name:  "enrich",
			start: s.startEnrichment,
			stop:  func(context.Context) error { s.pipeline.Close(); return nil },
			health: func(context.Context) core.CheckResult {
				if s.pipeline == nil {
					return core.CheckResult{Status: core.StatusDegraded, Detail: "not started"}
				}
				processed, skipped, dropped := s.pipeline.Stats()
				return core.CheckResult{
					Status: core.StatusHealthy,
					Detail: fmt.Sprintf("processed %d, skipped %d, dropped %d", processed, skipped, dropped),
				}
			},
		},
		&coreModule{
			name: "panel",
			start: func(context.Context) error {
				s.panels = panel.NewOrchestrator(a.events, s.logger)
				return nil
			},
		},
		&coreModule{
			name:  "completer",
			start: s.startCompleter,
		},
	}
	for _, m := range modules {
		if err := s.orch.Register(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// startConnections dials the saved active connection. Failure is not
// fatal: the session starts and health reports the dead connection.
func (s *session) startConnections(context.Context) error {
	name := s.app.saved.activeName()
	if name == "" {
		return nil
	}
	if _, err := s.app.dial(name); err != nil {
		s.logger.Warn("active connection unavailable",
			zap.String("connection", name), zap.Error(err))
		return nil
	}
	return s.app.connections.Use(name)
}

func (s *session) connectionsHealth(ctx context.Context) core.CheckResult {
	names := s.app.connections.Names()
	if len(names) == 0 {
		return core.CheckResult{Status: core.StatusHealthy, Detail: "no open connections"}
	}
	healthy := 0
	for _, name := range names {
		client, err := s.app.connections.Get(name)
		if err != nil {
			continue
		}
		if client.HealthCheck(ctx).Status == "healthy" {
			healthy++
		}
	}
	detail := fmt.Sprintf("%d/%d healthy", healthy, len(names))
	switch healthy {
	case len(names):
		return core.CheckResult{Status: core.StatusHealthy, Detail: detail}
	case 0:
		return core.CheckResult{Status: core.StatusUnhealthy, Detail: detail}
	default:
		return core.CheckResult{Status: core.StatusDegraded, Detail: detail}
	}
}

// startVector probes the embedding provider for its dimensionality, then
// loads the snapshot and seeds the command corpus. Without an embedding
// provider the semantic index stays off and dependents degrade.
func (s *session) startVector(ctx context.Context) error {
	manager, err := s.app.llm()
	if err != nil {
		return nil
	}
	probe, err := manager.Embed(ctx, "aishell")
	if err != nil {
		s.logger.Info("semantic index disabled", zap.Error(err))
		return nil
	}

	index, err := vector.New(len(probe))
	if err != nil {
		return err
	}
	path := s.snapshotPath()
	if err := index.Load(path); err != nil && fault.KindOf(err) != fault.KindNotFound {
		s.logger.Warn("index snapshot not loaded", zap.String("path", path), zap.Error(err))
	}
	if err := vector.SeedCommandPatterns(ctx, index, manager, nil); err != nil {
		s.logger.Warn("command patterns not seeded", zap.Error(err))
	}
	s.index = index
	return nil
}

func (s *session) stopVector(context.Context) error {
	if s.index == nil {
		return nil
	}
	return s.index.Save(s.snapshotPath())
}

func (s *session) snapshotPath() string {
	return filepath.Join(s.app.cfg.StateDir, "index.snapshot.json")
}

func (s *session) startEnrichment(context.Context) error {
	opts := enrich.PipelineOptions{
		Config:      s.cfg.Load().Enrich,
		Logger:      s.logger,
		Events:      s.app.events,
		Index:       s.index,
		Connections: s.app.connections,
	}
	if m, err := s.app.llm(); err == nil {
		opts.Intents = m
		opts.Embedder = m
	}
	if v, err := s.app.vault(); err == nil {
		opts.Credentials = v
	}
	if h, err := s.app.history(); err == nil {
		opts.History = h
	}
	s.pipeline = enrich.NewPipeline(opts)
	s.pipeline.Start()
	return nil
}

func (s *session) startCompleter(context.Context) error {
	opts := complete.Options{
		Index:  s.index,
		Logger: s.logger,
	}
	if v, err := s.app.vault(); err == nil {
		opts.Vault = v
	}
	if m, err := s.app.llm(); err == nil {
		opts.Embedder = m
	}
	s.completer = complete.NewEngine(opts)
	return nil
}

// applyConfig is the hot-reload hook: the new document is stored for the
// prompt loop and announced on the bus so components can pick up the
// fields they apply live.
func (s *session) applyConfig(next *config.Config) {
	s.cfg.Store(next)
	_ = s.app.events.Publish(bus.Event{
		Topic:    bus.TopicConfigUpdated,
		Priority: bus.PriorityNormal,
		Payload:  next,
	})
}

func runSession(cmd *cobra.Command, args []string) error {
	sess, err := newSession(app)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := sess.orch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sess.orch.Stop(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if stopWatch, err := config.Watch(app.cfgPath, logger, sess.applyConfig); err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	unsubscribe := app.events.Subscribe(bus.TopicPanelUpdate, sess.showEnrichment)
	defer unsubscribe()

	return sess.repl(ctx, os.Stdin, os.Stdout)
}

// showEnrichment prints the enrichment result for this session's input
// on stderr, keeping stdout clean for query results.
func (s *session) showEnrichment(ev bus.Event) {
	update, ok := ev.Payload.(enrich.Update)
	if !ok || update.Session != s.id {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %.2f]", update.Intent.PrimaryIntent, update.Intent.Confidence)
	for _, name := range sortedSectionNames(update.Sections) {
		fmt.Fprintf(&b, " %s", name)
	}
	fmt.Fprintln(os.Stderr, b.String())
}

func sortedSectionNames(sections map[string]any) []string {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *session) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, `aishell session started; \q quits, \health reports`)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, `\`) {
			if quit := s.metaCommand(ctx, out, line); quit {
				return nil
			}
			continue
		}

		s.submitEnrichment(line)
		s.updatePanels(line)
		if err := s.executeLine(ctx, out, line); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func (s *session) metaCommand(ctx context.Context, out io.Writer, line string) (quit bool) {
	name, rest, _ := strings.Cut(line[1:], " ")
	switch name {
	case "q", "quit", "exit":
		return true
	case "health":
		s.renderHealth(ctx, out)
	case "connections":
		saved, active, err := s.app.saved.list()
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return false
		}
		for _, c := range saved {
			marker := " "
			if c.Name == active {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, c.Name)
		}
	case "use":
		if err := s.app.saved.setActive(strings.TrimSpace(rest)); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	case "complete":
		for _, c := range s.completer.Complete(ctx, rest, len(rest)) {
			fmt.Fprintf(out, "%-10s %s\n", c.Source, c.Text)
		}
	default:
		fmt.Fprintf(out, "unknown command \\%s\n", name)
	}
	return false
}

func (s *session) renderHealth(ctx context.Context, out io.Writer) {
	report := s.orch.Health(ctx)
	rs := resultSet{Columns: []string{"component", "status", "detail"}}
	for _, name := range sortedKeys(report.Checks) {
		check := report.Checks[name]
		rs.Rows = append(rs.Rows, []any{name, string(check.Status), check.Detail})
	}
	rs.Summary = "overall: " + string(report.Status)
	if err := renderTo(out, s.cfg.Load().OutputFormat, rs); err != nil {
		fmt.Fprintln(out, "error:", err)
	}
}

func (s *session) submitEnrichment(line string) {
	cwd, _ := os.Getwd()
	var recent []string
	if h, err := s.app.history(); err == nil {
		recent = h.Recent(5)
	}
	s.pipeline.Submit(enrich.Request{
		Session: s.id,
		Input:   line,
		Context: llm.Context{CWD: cwd, RecentHistory: recent},
	})
}

func (s *session) updatePanels(line string) {
	s.panels.Update(panel.State{
		TerminalHeight: s.rows,
		Content: panel.ContentSizes{
			PromptLines: 1 + strings.Count(line, "\n"),
		},
	})
}

func (s *session) executeLine(ctx context.Context, out io.Writer, line string) error {
	client, err := s.app.active(ctx)
	if err != nil {
		return err
	}
	g, err := s.app.gate()
	if err != nil {
		return err
	}
	defer g.Close()

	execCtx, cancel := context.WithTimeout(ctx, commandTimeout())
	defer cancel()
	result, assessment, err := g.Execute(execCtx, client, line, nil, gate.ExecOptions{Force: flagForce})
	if err != nil {
		return err
	}
	return renderTo(out, s.cfg.Load().OutputFormat, resultToSet(result, assessment))
}
