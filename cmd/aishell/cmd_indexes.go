package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"aishell/internal/db"
	"aishell/internal/fault"
	"aishell/internal/gate"
)

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Inspect and manage indexes on the active connection",
}

var indexesListCmd = &cobra.Command{
	Use:   "list [table]",
	Short: "List indexes, optionally for one table",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIndexesList,
}

var indexesCreateCmd = &cobra.Command{
	Use:   "create <table> <column>...",
	Short: "Create an index",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runIndexesCreate,
}

var indexesDropCmd = &cobra.Command{
	Use:   "drop <name>",
	Short: "Drop an index",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexesDrop,
}

var indexesAnalyzeCmd = &cobra.Command{
	Use:   "analyze <table>",
	Short: "Refresh planner statistics for a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexesAnalyze,
}

var (
	indexName   string
	indexUnique bool
)

func init() {
	indexesCreateCmd.Flags().StringVar(&indexName, "name", "", "index name (default idx_<table>_<columns>)")
	indexesCreateCmd.Flags().BoolVar(&indexUnique, "unique", false, "create a unique index")
	indexesCmd.AddCommand(indexesListCmd, indexesCreateCmd, indexesDropCmd, indexesAnalyzeCmd)
}

func indexListStatement(kind db.Kind, table string) (string, []any, error) {
	switch kind {
	case db.KindPostgres:
		stmt := `SELECT indexname, tablename, indexdef FROM pg_indexes WHERE schemaname = 'public'`
		if table != "" {
			return stmt + ` AND tablename = $1 ORDER BY indexname`, []any{table}, nil
		}
		return stmt + ` ORDER BY indexname`, nil, nil
	case db.KindMySQL:
		stmt := `SELECT index_name, table_name, column_name FROM information_schema.statistics
			WHERE table_schema = DATABASE()`
		if table != "" {
			return stmt + ` AND table_name = ? ORDER BY index_name, seq_in_index`, []any{table}, nil
		}
		return stmt + ` ORDER BY index_name, seq_in_index`, nil, nil
	case db.KindSQLite:
		stmt := `SELECT name, tbl_name, COALESCE(sql, '') FROM sqlite_master WHERE type = 'index'`
		if table != "" {
			return stmt + ` AND tbl_name = ? ORDER BY name`, []any{table}, nil
		}
		return stmt + ` ORDER BY name`, nil, nil
	default:
		return "", nil, fault.Errorf(fault.KindInvalidInput,
			"index management is not supported for %s connections", kind)
	}
}

func runIndexesList(cmd *cobra.Command, args []string) error {
	table := ""
	if len(args) == 1 {
		table = args[0]
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	client, err := app.active(ctx)
	if err != nil {
		return connectionError(err)
	}
	stmt, params, err := indexListStatement(client.Kind(), table)
	if err != nil {
		return err
	}
	result, err := client.Execute(ctx, stmt, params)
	if err != nil {
		return queryError(err)
	}
	return render(resultSet{
		Columns: result.Columns,
		Rows:    result.Rows,
		Summary: fmt.Sprintf("%d index(es)", len(result.Rows)),
	})
}

// runIndexDDL sends index DDL through the execution gate like any other
// user statement.
func runIndexDDL(ctx context.Context, stmt string) error {
	client, err := app.active(ctx)
	if err != nil {
		return connectionError(err)
	}
	g, err := app.gate()
	if err != nil {
		return err
	}
	defer g.Close()

	result, assessment, err := g.Execute(ctx, client, stmt, nil, gate.ExecOptions{Force: flagForce})
	if err != nil {
		if fault.KindOf(err) == fault.KindRiskRejected {
			return err
		}
		return queryError(err)
	}
	return render(resultToSet(result, assessment))
}

func runIndexesCreate(cmd *cobra.Command, args []string) error {
	table, columns := args[0], args[1:]
	name := indexName
	if name == "" {
		name = "idx_" + table + "_" + strings.Join(columns, "_")
	}
	unique := ""
	if indexUnique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, name, table, strings.Join(columns, ", "))

	if flagDryRun {
		fmt.Println(stmt)
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()
	return runIndexDDL(ctx, stmt)
}

func runIndexesDrop(cmd *cobra.Command, args []string) error {
	stmt := "DROP INDEX " + args[0]
	if flagDryRun {
		fmt.Println(stmt)
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()
	return runIndexDDL(ctx, stmt)
}

func runIndexesAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout())
	defer cancel()

	client, err := app.active(ctx)
	if err != nil {
		return connectionError(err)
	}
	var stmt string
	switch client.Kind() {
	case db.KindMySQL:
		stmt = "ANALYZE TABLE " + args[0]
	case db.KindPostgres, db.KindSQLite:
		stmt = "ANALYZE " + args[0]
	default:
		return fault.Errorf(fault.KindInvalidInput,
			"analyze is not supported for %s connections", client.Kind())
	}
	if _, err := client.Execute(ctx, stmt, nil); err != nil {
		return queryError(err)
	}
	fmt.Printf("analyzed %s\n", args[0])
	return nil
}
