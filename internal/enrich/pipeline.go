package enrich

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aishell/internal/bus"
	"aishell/internal/config"
	"aishell/internal/llm"
	"aishell/internal/vector"
)

// IntentAnalyzer classifies an enrichment request. The llm.Manager
// satisfies this; it degrades internally and never returns an error.
type IntentAnalyzer interface {
	AnalyzeIntent(ctx context.Context, input string, c llm.Context) llm.IntentResult
}

// Embedder produces vectors for table-candidate lookups.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ConnectionInfo exposes the connection registry facts the pipeline
// surfaces. The db.Manager satisfies this.
type ConnectionInfo interface {
	Count() int
	ActiveName() string
}

// CredentialNames lists stored credential names, never values.
type CredentialNames interface {
	Names() []string
}

// HistorySource returns the most recent executed statements, already
// redacted by the execution gate.
type HistorySource interface {
	Recent(n int) []string
}

// Update is one enrichment result, published on panel.update.
type Update struct {
	Session  string
	Input    string
	Intent   llm.IntentResult
	Sections map[string]any
	Elapsed  time.Duration
}

// PipelineOptions wires the pipeline's collaborators. Everything except
// Config and Events is optional; missing collaborators just produce
// fewer sections.
type PipelineOptions struct {
	Config      config.EnrichConfig
	Logger      *zap.Logger
	Events      *bus.Bus
	Intents     IntentAnalyzer
	Embedder    Embedder
	Index       *vector.Store
	Connections ConnectionInfo
	Credentials CredentialNames
	History     HistorySource
}

// Pipeline consumes enrichment requests from a bounded queue with a
// single worker. Requests that went stale while queued, or that were
// superseded by newer input in the same session, are skipped rather
// than enriched: the panel only ever reflects the latest keystroke.
type Pipeline struct {
	logger *zap.Logger
	events *bus.Bus

	intents     IntentAnalyzer
	embedder    Embedder
	index       *vector.Store
	connections ConnectionInfo
	credentials CredentialNames
	history     HistorySource

	stalenessWindow  time.Duration
	gathererDeadline time.Duration

	queue *queue

	mu        sync.Mutex
	nextSeq   uint64
	latestSeq map[string]uint64

	skipped   atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// NewPipeline builds a stopped pipeline; call Start to begin consuming.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = time.Second
	}
	if cfg.GathererDeadline <= 0 {
		cfg.GathererDeadline = 250 * time.Millisecond
	}
	return &Pipeline{
		logger:           opts.Logger,
		events:           opts.Events,
		intents:          opts.Intents,
		embedder:         opts.Embedder,
		index:            opts.Index,
		connections:      opts.Connections,
		credentials:      opts.Credentials,
		history:          opts.History,
		stalenessWindow:  cfg.StalenessWindow,
		gathererDeadline: cfg.GathererDeadline,
		queue:            newQueue(cfg.QueueSize),
		latestSeq:        make(map[string]uint64),
		done:             make(chan struct{}),
		now:              time.Now,
	}
}

// Start launches the single consumer goroutine.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.consume(ctx)
}

// Submit enqueues a request without blocking. It always succeeds from
// the caller's view; on overflow an older, less urgent request is
// evicted and counted as dropped.
func (p *Pipeline) Submit(r Request) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = p.now()
	}
	p.mu.Lock()
	p.nextSeq++
	r.seq = p.nextSeq
	p.latestSeq[r.Session] = r.seq
	p.mu.Unlock()

	if evicted := p.queue.tryPut(r); evicted != nil {
		p.dropped.Add(1)
		p.logger.Debug("enrichment request evicted",
			zap.String("session", evicted.Session),
			zap.String("input", evicted.Input))
	}
}

// Stats reports pipeline counters.
func (p *Pipeline) Stats() (processed, skipped, dropped uint64) {
	return p.processed.Load(), p.skipped.Load(), p.dropped.Load()
}

// Close stops the consumer and waits for the in-flight request.
func (p *Pipeline) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.queue.close()
	if p.cancel != nil {
		<-p.done
	}
}

func (p *Pipeline) consume(ctx context.Context) {
	defer close(p.done)
	for {
		req, ok := p.queue.take()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, req)
	}
}

// process enriches one request. The supersession check runs twice: once
// on dequeue and again right before publishing, so a panel update never
// describes input the user has already replaced.
func (p *Pipeline) process(ctx context.Context, req Request) {
	if p.shouldSkip(req) {
		p.skipped.Add(1)
		p.logger.Debug("skipping stale enrichment request",
			zap.String("session", req.Session),
			zap.String("input", req.Input))
		return
	}

	start := p.now()

	intent := llm.IntentResult{PrimaryIntent: llm.IntentOther, Source: "none"}
	if p.intents != nil {
		intent = p.intents.AnalyzeIntent(ctx, req.Input, req.Context)
	}

	sections := p.runGatherers(ctx, p.gatherersFor(intent, req))

	if p.superseded(req) {
		p.skipped.Add(1)
		return
	}
	p.processed.Add(1)
	p.publish(Update{
		Session:  req.Session,
		Input:    req.Input,
		Intent:   intent,
		Sections: sections,
		Elapsed:  p.now().Sub(start),
	})
}

// shouldSkip applies both freshness rules: too old, or no longer the
// newest input for its session.
func (p *Pipeline) shouldSkip(req Request) bool {
	if p.now().Sub(req.SubmittedAt) > p.stalenessWindow {
		return true
	}
	return p.superseded(req)
}

func (p *Pipeline) superseded(req Request) bool {
	p.mu.Lock()
	latest := p.latestSeq[req.Session]
	p.mu.Unlock()
	return latest > req.seq
}

func (p *Pipeline) publish(u Update) {
	if p.events == nil {
		return
	}
	_ = p.events.Publish(bus.Event{
		Topic:    bus.TopicPanelUpdate,
		Priority: bus.PriorityLow,
		Payload:  u,
	})
}
