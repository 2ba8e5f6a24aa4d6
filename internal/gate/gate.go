// Package gate is the single entry point for user-typed SQL. Nothing
// reaches a driver without a risk assessment, and nothing reaches the
// history log without vault redaction.
package gate

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aishell/internal/bus"
	"aishell/internal/db"
	"aishell/internal/fault"
	"aishell/internal/risk"
)

// Redactor strips credential values from SQL before it is persisted or
// published. The vault satisfies this.
type Redactor interface {
	AutoRedact(text string) string
}

// Explainer turns a driver error into a short human explanation. The
// llm.Manager satisfies this; it degrades to the empty string.
type Explainer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Confirmer answers a confirmation request. The CLI wires this to the
// terminal; a nil Confirmer declines everything.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (bool, error)
}

// ConfirmationRequest is published on confirmation.required and handed
// to the Confirmer. SQL here is already redacted.
type ConfirmationRequest struct {
	SQL        string
	Connection string
	Level      risk.Level
	Warnings   []string
}

// QueryEvent is the payload of query.completed and query.failed.
type QueryEvent struct {
	SQL        string
	Connection string
	Level      risk.Level
	RowCount   int64
	Duration   time.Duration
	Error      string
}

// ExecOptions modify one execution.
type ExecOptions struct {
	// Force acknowledges a CRITICAL assessment and bypasses the
	// interactive confirmation for HIGH.
	Force bool
}

// Options wire a Gate. Risk is required; everything else degrades.
type Options struct {
	Risk      *risk.Analyzer
	Redactor  Redactor
	Explainer Explainer
	Confirmer Confirmer
	History   *HistoryStore
	Events    *bus.Bus
	Logger    *zap.Logger

	// ExplainTimeout bounds the background error-explanation call.
	ExplainTimeout time.Duration

	// OnExplanation receives the best-effort explanation when it
	// arrives, after Execute has already returned.
	OnExplanation func(sql, explanation string)
}

// Gate mediates all user SQL execution.
type Gate struct {
	risk           *risk.Analyzer
	redactor       Redactor
	explainer      Explainer
	confirmer      Confirmer
	history        *HistoryStore
	events         *bus.Bus
	logger         *zap.Logger
	explainTimeout time.Duration
	onExplanation  func(sql, explanation string)

	wg sync.WaitGroup
}

func New(opts Options) *Gate {
	if opts.Risk == nil {
		opts.Risk = risk.NewAnalyzer()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ExplainTimeout <= 0 {
		opts.ExplainTimeout = 5 * time.Second
	}
	return &Gate{
		risk:           opts.Risk,
		redactor:       opts.Redactor,
		explainer:      opts.Explainer,
		confirmer:      opts.Confirmer,
		history:        opts.History,
		events:         opts.Events,
		logger:         opts.Logger,
		explainTimeout: opts.ExplainTimeout,
		onExplanation:  opts.OnExplanation,
	}
}

// Execute runs one statement through the full sequence: risk check,
// confirmation, pooled execution, redacted history record, lifecycle
// event. The connection is released on every exit path.
func (g *Gate) Execute(ctx context.Context, client *db.Client, stmt string, params []any, opts ExecOptions) (*db.Result, risk.Assessment, error) {
	assessment := g.risk.Analyze(stmt)
	redacted := g.redact(stmt)

	if risk.RequiresConfirmation(assessment.Level) {
		if err := g.confirm(ctx, client.Name(), redacted, assessment, opts); err != nil {
			return nil, assessment, err
		}
	}

	conn, err := client.Acquire(ctx)
	if err != nil {
		return nil, assessment, err
	}

	started := time.Now()
	result, execErr := conn.Execute(ctx, stmt, params)
	conn.Release()
	elapsed := time.Since(started)

	rec := QueryRecord{
		SQLRedacted: redacted,
		Connection:  client.Name(),
		StartedAt:   started,
		Duration:    elapsed,
		RiskLevel:   assessment.Level,
	}

	if execErr != nil {
		rec.Error = execErr.Error()
		g.record(rec)
		g.publish(bus.TopicQueryFailed, QueryEvent{
			SQL:        redacted,
			Connection: client.Name(),
			Level:      assessment.Level,
			Duration:   elapsed,
			Error:      execErr.Error(),
		})
		g.explainAsync(stmt, redacted, execErr)
		return nil, assessment, execErr
	}

	rec.RowCount = rowCount(result)
	g.record(rec)
	g.publish(bus.TopicQueryCompleted, QueryEvent{
		SQL:        redacted,
		Connection: client.Name(),
		Level:      assessment.Level,
		RowCount:   rec.RowCount,
		Duration:   elapsed,
	})
	return result, assessment, nil
}

// confirm enforces the gating policy: HIGH needs an affirmative answer,
// CRITICAL additionally needs the explicit force acknowledgment.
func (g *Gate) confirm(ctx context.Context, connection, redacted string, a risk.Assessment, opts ExecOptions) error {
	req := ConfirmationRequest{
		SQL:        redacted,
		Connection: connection,
		Level:      a.Level,
		Warnings:   a.Warnings,
	}
	if g.events != nil {
		if err := g.events.Publish(bus.Event{
			Topic:    bus.TopicConfirmationRequired,
			Critical: true,
			Payload:  req,
		}); err != nil {
			g.logger.Warn("confirmation event not delivered", zap.Error(err))
		}
	}

	if a.Level >= risk.Critical && !opts.Force {
		return fault.Errorf(fault.KindRiskRejected,
			"%s statement requires --force: %s", a.Level, strings.Join(a.Warnings, "; "))
	}
	if opts.Force {
		return nil
	}
	if g.confirmer == nil {
		return fault.Errorf(fault.KindRiskRejected,
			"%s statement requires confirmation and no confirmer is available", a.Level)
	}
	ok, err := g.confirmer.Confirm(ctx, req)
	if err != nil {
		return fault.Wrap(fault.KindRiskRejected, err, "confirmation failed")
	}
	if !ok {
		return fault.Errorf(fault.KindRiskRejected, "execution declined by user")
	}
	return nil
}

// explainAsync asks for a failure explanation without blocking the
// caller. The result is delivered through OnExplanation, if set.
func (g *Gate) explainAsync(stmt, redacted string, execErr error) {
	if g.explainer == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.explainTimeout)
		defer cancel()

		prompt := "The following SQL statement failed.\n\nStatement:\n" + redacted +
			"\n\nError:\n" + execErr.Error() +
			"\n\nExplain the likely cause in at most two sentences."
		explanation, err := g.explainer.Complete(ctx,
			"You are a database administrator explaining query failures.", prompt)
		if err != nil || explanation == "" {
			return
		}
		g.logger.Info("query failure explained",
			zap.String("sql", redacted),
			zap.String("explanation", explanation))
		if g.onExplanation != nil {
			g.onExplanation(stmt, explanation)
		}
	}()
}

// Close waits for in-flight background explanations.
func (g *Gate) Close() {
	g.wg.Wait()
}

func (g *Gate) redact(stmt string) string {
	if g.redactor == nil {
		return stmt
	}
	return g.redactor.AutoRedact(stmt)
}

func (g *Gate) record(rec QueryRecord) {
	if g.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.history.Append(ctx, rec); err != nil {
		g.logger.Warn("query record not persisted", zap.Error(err))
	}
}

func (g *Gate) publish(topic string, ev QueryEvent) {
	if g.events == nil {
		return
	}
	_ = g.events.Publish(bus.Event{
		Topic:    topic,
		Priority: bus.PriorityNormal,
		Payload:  ev,
	})
}

func rowCount(r *db.Result) int64 {
	if r == nil {
		return 0
	}
	if len(r.Rows) > 0 {
		return int64(len(r.Rows))
	}
	return r.RowsAffected
}
