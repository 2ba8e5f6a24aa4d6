package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"aishell/internal/db"
	"aishell/internal/fault"
	"aishell/internal/gate"
	"aishell/internal/risk"
)

var queryCmd = &cobra.Command{
	Use:   "query <sql> [param...]",
	Short: "Execute a SQL statement on the active connection",
	Long: `Executes one statement through the risk gate. Positional parameters
bind to ? / $1 placeholders; values are never interpolated into the SQL.

HIGH risk statements prompt for confirmation (or use --confirm);
CRITICAL statements additionally require --force. --dry-run prints the
risk assessment without executing.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var explainCmd = &cobra.Command{
	Use:   "explain <sql>",
	Short: "Show the execution plan for a statement",
	Args:  cobra.ExactArgs(1),
	RunE:  runExplain,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize <sql>",
	Short: "Suggest optimizations for a statement",
	Long: `Collects the execution plan and asks the configured LLM provider for
optimization suggestions. Requires a completion provider in the config.`,
	Args: cobra.ExactArgs(1),
	RunE: runOptimize,
}

var slowQueriesCmd = &cobra.Command{
	Use:   "slow-queries",
	Short: "Show the slowest recorded queries",
	Args:  cobra.NoArgs,
	RunE:  runSlowQueries,
}

var slowQueriesLimit int

func init() {
	slowQueriesCmd.Flags().IntVar(&slowQueriesLimit, "limit", 10, "number of queries to show")
}

func runQuery(cmd *cobra.Command, args []string) error {
	stmt := args[0]
	params := make([]any, 0, len(args)-1)
	for _, p := range args[1:] {
		params = append(params, p)
	}

	if flagDryRun {
		assessment := risk.NewAnalyzer().Analyze(stmt)
		rs := resultSet{
			Columns: []string{"level", "operations", "warnings"},
			Rows: [][]any{{
				assessment.Level.String(),
				strings.Join(assessment.Operations, ", "),
				strings.Join(assessment.Warnings, "; "),
			}},
		}
		return render(rs)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	client, err := app.active(ctx)
	if err != nil {
		return connectionError(err)
	}
	g, err := app.gate()
	if err != nil {
		return err
	}
	defer g.Close()

	result, assessment, err := g.Execute(ctx, client, stmt, params, gate.ExecOptions{Force: flagForce})
	if err != nil {
		if fault.KindOf(err) == fault.KindRiskRejected {
			return err
		}
		return queryError(err)
	}
	return render(resultToSet(result, assessment))
}

func resultToSet(result *db.Result, assessment risk.Assessment) resultSet {
	rs := resultSet{Columns: result.Columns, Rows: result.Rows}
	if len(result.Rows) > 0 {
		rs.Summary = fmt.Sprintf("%d row(s) in %s [%s]",
			len(result.Rows), result.Duration.Round(timePrecision), assessment.Level)
	} else {
		rs.Summary = fmt.Sprintf("%d row(s) affected in %s [%s]",
			result.RowsAffected, result.Duration.Round(timePrecision), assessment.Level)
	}
	return rs
}

// explainStatement builds the engine-specific plan statement.
func explainStatement(kind db.Kind, stmt string) (string, error) {
	switch kind {
	case db.KindPostgres, db.KindMySQL:
		return "EXPLAIN " + stmt, nil
	case db.KindSQLite:
		return "EXPLAIN QUERY PLAN " + stmt, nil
	default:
		return "", fault.Errorf(fault.KindInvalidInput,
			"explain is not supported for %s connections", kind)
	}
}

func runExplain(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	client, err := app.active(ctx)
	if err != nil {
		return connectionError(err)
	}
	plan, err := explainStatement(client.Kind(), args[0])
	if err != nil {
		return err
	}
	result, err := client.Execute(ctx, plan, nil)
	if err != nil {
		return queryError(err)
	}
	return render(resultSet{Columns: result.Columns, Rows: result.Rows})
}

func runOptimize(cmd *cobra.Command, args []string) error {
	stmt := args[0]
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	manager, err := app.llm()
	if err != nil {
		return err
	}

	// The plan is context for the model; a plan failure is not fatal.
	planText := ""
	if client, err := app.active(ctx); err == nil {
		if plan, err := explainStatement(client.Kind(), stmt); err == nil {
			if result, err := client.Execute(ctx, plan, nil); err == nil {
				var lines []string
				for _, row := range result.Rows {
					cells := make([]string, len(row))
					for i, v := range row {
						cells[i] = cellString(v)
					}
					lines = append(lines, strings.Join(cells, " "))
				}
				planText = strings.Join(lines, "\n")
			}
		}
	}

	anonymized, mapping := manager.Anonymize(stmt)
	prompt := "Suggest optimizations for this SQL statement.\n\nStatement:\n" + anonymized
	if planText != "" {
		prompt += "\n\nExecution plan:\n" + planText
	}
	reply, err := manager.Complete(ctx,
		"You are a database performance engineer. Be specific and brief.", prompt)
	if err != nil {
		return err
	}
	if reply == "" {
		return fault.New(fault.KindProvider,
			"no completion provider configured; set llm.completion in the config")
	}
	fmt.Println(manager.Deanonymize(reply, mapping))
	return nil
}

func runSlowQueries(cmd *cobra.Command, args []string) error {
	history, err := app.history()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	records, err := history.SlowestRecords(ctx, slowQueriesLimit)
	if err != nil {
		return err
	}
	rs := resultSet{Columns: []string{"duration", "connection", "risk", "sql"}}
	for _, rec := range records {
		rs.Rows = append(rs.Rows, []any{
			rec.Duration.Round(timePrecision).String(),
			rec.Connection,
			rec.RiskLevel.String(),
			rec.SQLRedacted,
		})
	}
	rs.Summary = fmt.Sprintf("%d query(ies)", len(records))
	return render(rs)
}
