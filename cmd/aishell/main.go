package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aishell/internal/config"
	"aishell/internal/fault"
	"aishell/internal/logging"
)

// timePrecision rounds durations for display.
const timePrecision = 10 * time.Microsecond

// Exit codes.
const (
	exitOK               = 0
	exitGeneral          = 1
	exitInvalidArgs      = 2
	exitConnectionError  = 3
	exitQueryError       = 4
	exitPermissionDenied = 5
	exitCancelled        = 6
)

var (
	// Global flags
	flagConfig  string
	flagFormat  string
	flagOutput  string
	flagVerbose bool
	flagDryRun  bool
	flagConfirm bool
	flagForce   bool
	flagTimeout int // milliseconds

	cfg    *config.Config
	logger *zap.Logger
	app    *application
)

var rootCmd = &cobra.Command{
	Use:   "aishell",
	Short: "AI-Shell - LLM-augmented database administration terminal",
	Long: `aishell is a database administration shell with LLM augmentation.

It manages pooled connections to PostgreSQL, MySQL, SQLite, Redis and
MongoDB, gates every user statement behind a SQL risk analysis, keeps
credentials in an encrypted vault, and enriches the prompt with
intent-aware context from a local vector index.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fault.Wrap(fault.KindInvalidInput, err, "loading configuration")
		}
		if cmd.Flags().Changed("format") {
			cfg.OutputFormat = flagFormat
		}
		if err := validFormat(cfg.OutputFormat); err != nil {
			return err
		}

		logger, err = logging.New(cfg.LogLevel, flagVerbose)
		if err != nil {
			return fault.Wrap(fault.KindInvalidInput, err, "initialising logger")
		}

		app, err = newApplication(cfg, logger)
		if err != nil {
			return err
		}
		app.cfgPath = path
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func validFormat(format string) error {
	switch format {
	case "text", "json", "table", "csv":
		return nil
	default:
		return fault.Errorf(fault.KindInvalidInput,
			"invalid format %q (want text|json|table|csv)", format)
	}
}

// commandTimeout derives the per-command context deadline from --timeout.
func commandTimeout() time.Duration {
	if flagTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(flagTimeout) * time.Millisecond
}

// exitError pins a specific exit code to an error when the fault kind
// alone is ambiguous (connection vs query failures share kinds).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func connectionError(err error) error {
	return &exitError{code: exitConnectionError, err: err}
}

func queryError(err error) error {
	return &exitError{code: exitQueryError, err: err}
}

func codeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		// Risk rejection inside a query path still means cancelled.
		if k := fault.KindOf(err); k == fault.KindRiskRejected || k == fault.KindCancelled {
			return exitCancelled
		}
		return ee.code
	}
	switch fault.KindOf(err) {
	case fault.KindInvalidInput:
		return exitInvalidArgs
	case fault.KindPermissionDenied:
		return exitPermissionDenied
	case fault.KindRiskRejected, fault.KindCancelled:
		return exitCancelled
	default:
		return exitGeneral
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ~/.aishell/config.yaml)")
	pf.StringVar(&flagFormat, "format", "text", "output format: text|json|table|csv")
	pf.StringVarP(&flagOutput, "output", "o", "", "write output to file instead of stdout")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&flagDryRun, "dry-run", false, "analyze without executing")
	pf.BoolVar(&flagConfirm, "confirm", false, "answer yes to confirmation prompts")
	pf.BoolVar(&flagForce, "force", false, "acknowledge CRITICAL risk statements")
	pf.IntVar(&flagTimeout, "timeout", 0, "command timeout in milliseconds")

	rootCmd.AddCommand(
		connectCmd, disconnectCmd, useCmd, connectionsCmd,
		queryCmd, explainCmd, optimizeCmd, slowQueriesCmd,
		indexesCmd, backupCmd, vaultCmd,
		healthCmd, statusCmd, sessionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(codeFor(err))
	}
}
