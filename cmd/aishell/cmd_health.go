package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"aishell/internal/core"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every registered connection and local component",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shell state: connections, vault, history",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	saved, _, err := app.saved.list()
	if err != nil {
		return err
	}

	// One-shot probe: the saved connections and local stores register as
	// modules and the orchestrator aggregates, same as session mode.
	orch := core.NewOrchestrator(logger, 0)
	for _, c := range saved {
		name := c.Name
		err := orch.Register(&coreModule{
			name: "db:" + name,
			health: func(ctx context.Context) core.CheckResult {
				return app.connectionHealth(ctx, name)
			},
		})
		if err != nil {
			return err
		}
	}
	for _, m := range []*coreModule{
		{name: "vault", health: func(context.Context) core.CheckResult { return app.vaultHealth() }},
		{name: "history", health: func(context.Context) core.CheckResult { return app.historyHealth() }},
	} {
		if err := orch.Register(m); err != nil {
			return err
		}
	}

	report := orch.Health(ctx)
	rs := resultSet{Columns: []string{"component", "status", "detail"}}
	for _, name := range sortedKeys(report.Checks) {
		check := report.Checks[name]
		rs.Rows = append(rs.Rows, []any{name, string(check.Status), check.Detail})
	}
	rs.Summary = "overall: " + string(report.Status)
	if err := render(rs); err != nil {
		return err
	}
	if report.Status == core.StatusUnhealthy {
		return connectionError(fmt.Errorf("all components unhealthy"))
	}
	return nil
}

// connectionHealth dials a saved connection on demand and probes it.
func (a *application) connectionHealth(ctx context.Context, name string) core.CheckResult {
	client, err := a.dial(name)
	if err != nil {
		return core.CheckResult{Status: core.StatusUnhealthy, Detail: err.Error()}
	}
	h := client.HealthCheck(ctx)
	if h.Status != "healthy" {
		detail := ""
		if h.Err != nil {
			detail = h.Err.Error()
		}
		return core.CheckResult{Status: core.StatusUnhealthy, Detail: detail}
	}
	return core.CheckResult{
		Status: core.StatusHealthy,
		Detail: fmt.Sprintf("%.1fms", h.LatencyMS),
	}
}

func (a *application) vaultHealth() core.CheckResult {
	if _, err := a.vault(); err != nil {
		return core.CheckResult{Status: core.StatusUnhealthy, Detail: err.Error()}
	}
	return core.CheckResult{Status: core.StatusHealthy}
}

func (a *application) historyHealth() core.CheckResult {
	if _, err := a.history(); err != nil {
		return core.CheckResult{Status: core.StatusUnhealthy, Detail: err.Error()}
	}
	return core.CheckResult{Status: core.StatusHealthy}
}

func sortedKeys(m map[string]core.CheckResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runStatus(cmd *cobra.Command, args []string) error {
	saved, active, err := app.saved.list()
	if err != nil {
		return err
	}

	rs := resultSet{Columns: []string{"key", "value"}}
	add := func(key string, value any) {
		rs.Rows = append(rs.Rows, []any{key, value})
	}
	add("state_dir", cfg.StateDir)
	add("connections", fmt.Sprintf("%d", len(saved)))
	if active != "" {
		add("active", active)
	} else {
		add("active", "(none)")
	}
	add("log_level", cfg.LogLevel)
	add("output_format", cfg.OutputFormat)

	routing := []struct{ fn, provider string }{
		{"llm.intent", cfg.LLM.Intent},
		{"llm.completion", cfg.LLM.Completion},
		{"llm.embedding", cfg.LLM.Embedding},
	}
	for _, r := range routing {
		if r.provider == "" {
			r.provider = "(rule-based/disabled)"
		}
		add(r.fn, r.provider)
	}

	if info, err := os.Stat(filepath.Join(cfg.StateDir, "vault.enc")); err == nil {
		add("vault", fmt.Sprintf("%d bytes", info.Size()))
	} else {
		add("vault", "(empty)")
	}
	if info, err := os.Stat(filepath.Join(cfg.StateDir, "history.db")); err == nil {
		add("history", fmt.Sprintf("%d bytes", info.Size()))
	} else {
		add("history", "(empty)")
	}
	return render(rs)
}
