// Package logging builds the zap loggers used across aishell.
// Components receive *zap.Logger handles from the orchestrator; nothing in
// this repository logs through a package-level global.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the process logger. Level is one of debug/info/warn/error;
// verbose forces debug regardless of level. The AI_SHELL_LOG_LEVEL
// environment variable, when set, wins over both.
func New(level string, verbose bool) (*zap.Logger, error) {
	if env := os.Getenv("AI_SHELL_LOG_LEVEL"); env != "" {
		level = env
	}
	if verbose {
		level = "debug"
	}

	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info", "":
		lvl = zapcore.InfoLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Nop returns a logger that discards everything. Used as the default in
// component constructors so a nil logger is never dereferenced.
func Nop() *zap.Logger {
	return zap.NewNop()
}
