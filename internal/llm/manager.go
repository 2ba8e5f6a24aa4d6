package llm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"aishell/internal/bus"
	"aishell/internal/config"
	"aishell/internal/fault"
)

// Function names one of the manager's logical capabilities. Each routes
// to its own provider handle and can be switched independently.
type Function string

const (
	FuncIntent     Function = "intent"
	FuncCompletion Function = "completion"
	FuncEmbedding  Function = "embedding"
)

// SensitiveSource supplies values that must never leave the process in
// the clear. The vault satisfies this.
type SensitiveSource interface {
	SensitiveValues() []string
}

// providerSlot wraps a Provider so handles swap atomically: requests in
// flight keep the slot they loaded, new requests take the new one.
type providerSlot struct {
	provider Provider
}

// Manager routes intent analysis, completion, pseudonymisation and
// embeddings. Provider failures retry with exponential backoff, then the
// call degrades (rule-based intent, empty completion) and an llm.error
// event is published; errors never reach the keystroke loop.
type Manager struct {
	cfg       config.LLMConfig
	logger    *zap.Logger
	events    *bus.Bus
	sensitive SensitiveSource

	intent     atomic.Pointer[providerSlot]
	completion atomic.Pointer[providerSlot]
	embedding  atomic.Pointer[providerSlot]

	embedCache *lru.Cache[string, []float32]
}

// ManagerOptions configure a Manager. Events and Sensitive may be nil.
type ManagerOptions struct {
	Config    config.LLMConfig
	Logger    *zap.Logger
	Events    *bus.Bus
	Sensitive SensitiveSource
}

// NewManager builds providers from the config's function routing. A
// function routed to a missing provider name is an error; a function
// routed nowhere stays nil and degrades immediately.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cacheSize := opts.Config.EmbedCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, err, "creating embedding cache")
	}

	m := &Manager{
		cfg:        opts.Config,
		logger:     opts.Logger,
		events:     opts.Events,
		sensitive:  opts.Sensitive,
		embedCache: cache,
	}

	for fn, name := range map[Function]string{
		FuncIntent:     opts.Config.Intent,
		FuncCompletion: opts.Config.Completion,
		FuncEmbedding:  opts.Config.Embedding,
	} {
		if name == "" {
			continue
		}
		pcfg, ok := opts.Config.Providers[name]
		if !ok {
			return nil, fault.Errorf(fault.KindInvalidInput,
				"llm function %q routed to unknown provider %q", fn, name)
		}
		p, err := NewProvider(name, pcfg)
		if err != nil {
			return nil, err
		}
		m.SetProvider(fn, p)
	}
	return m, nil
}

// SetProvider swaps the handle for one function. The swap is atomic:
// requests already holding the old provider finish on it.
func (m *Manager) SetProvider(fn Function, p Provider) {
	slot := &providerSlot{provider: p}
	switch fn {
	case FuncIntent:
		m.intent.Store(slot)
	case FuncCompletion:
		m.completion.Store(slot)
	case FuncEmbedding:
		m.embedding.Store(slot)
	}
}

func (m *Manager) providerFor(fn Function) Provider {
	var slot *providerSlot
	switch fn {
	case FuncIntent:
		slot = m.intent.Load()
	case FuncCompletion:
		slot = m.completion.Load()
	case FuncEmbedding:
		slot = m.embedding.Load()
	}
	if slot == nil {
		return nil
	}
	return slot.provider
}

// AnalyzeIntent classifies user input. With no provider, or after the
// retry ceiling, it falls back to rule-based classification; it never
// returns an error to the caller.
func (m *Manager) AnalyzeIntent(ctx context.Context, input string, c Context) IntentResult {
	p := m.providerFor(FuncIntent)
	if p == nil {
		return ruleBasedIntent(input)
	}

	reply, err := m.generate(ctx, p, intentPrompt(input, c), Params{MaxTokens: 256, Temperature: 0})
	if err != nil {
		m.reportError(FuncIntent, p.Name(), err)
		return ruleBasedIntent(input)
	}
	res, ok := parseIntentResponse(reply)
	if !ok {
		m.logger.Warn("unparseable intent reply, using rules",
			zap.String("provider", p.Name()))
		return ruleBasedIntent(input)
	}
	return res
}

// Complete generates text for a prompt. Degraded mode returns the empty
// string with a nil error; the caller treats it as no suggestion.
func (m *Manager) Complete(ctx context.Context, system, prompt string) (string, error) {
	p := m.providerFor(FuncCompletion)
	if p == nil {
		return "", nil
	}
	messages := []Message{{Role: "user", Content: prompt}}
	if system != "" {
		messages = append([]Message{{Role: "system", Content: system}}, messages...)
	}
	reply, err := m.generate(ctx, p, messages, DefaultParams())
	if err != nil {
		m.reportError(FuncCompletion, p.Name(), err)
		return "", nil
	}
	return reply, nil
}

// Embed returns the embedding for text, consulting the LRU cache first.
// Cache hits bypass the provider entirely.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := m.embedCache.Get(text); ok {
		return vec, nil
	}
	p := m.providerFor(FuncEmbedding)
	if p == nil {
		return nil, fault.New(fault.KindProvider, "no embedding provider configured")
	}

	var vec []float32
	op := func() error {
		var err error
		vec, err = p.Embed(ctx, text)
		return retryable(err)
	}
	if err := backoff.Retry(op, m.backoffPolicy(ctx)); err != nil {
		m.reportError(FuncEmbedding, p.Name(), err)
		return nil, err
	}
	m.embedCache.Add(text, vec)
	return vec, nil
}

// Anonymize pseudonymises sensitive spans: emails, IPv4 addresses,
// bearer-shaped tokens and vault-known credential values. The returned
// map reverses the substitution exactly.
func (m *Manager) Anonymize(text string) (string, AnonymizeMap) {
	a := newAnonymizer()
	var creds []string
	if m.sensitive != nil {
		creds = m.sensitive.SensitiveValues()
	}
	out := a.anonymize(text, creds)
	return out, a.mapping
}

// Deanonymize reverses an Anonymize pass.
func (m *Manager) Deanonymize(text string, mapping AnonymizeMap) string {
	return deanonymize(text, mapping)
}

// generate runs one provider call under the function deadline with
// exponential-backoff retries.
func (m *Manager) generate(ctx context.Context, p Provider, messages []Message, params Params) (string, error) {
	var reply string
	op := func() error {
		callCtx := ctx
		if m.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
			defer cancel()
		}
		var err error
		reply, err = p.Generate(callCtx, messages, params)
		return retryable(err)
	}
	if err := backoff.Retry(op, m.backoffPolicy(ctx)); err != nil {
		return "", err
	}
	return reply, nil
}

func (m *Manager) backoffPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	retries := m.cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

// retryable marks input errors permanent so backoff stops immediately;
// provider and transport failures keep retrying.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	switch fault.KindOf(err) {
	case fault.KindInvalidInput, fault.KindPermissionDenied:
		return backoff.Permanent(err)
	default:
		return err
	}
}

// reportError logs and publishes a provider failure without surfacing it
// to the interactive path.
func (m *Manager) reportError(fn Function, provider string, err error) {
	m.logger.Warn("llm call failed, degrading",
		zap.String("function", string(fn)),
		zap.String("provider", provider),
		zap.Error(err))
	if m.events != nil {
		_ = m.events.Publish(bus.Event{
			Topic:    bus.TopicLLMError,
			Priority: bus.PriorityNormal,
			Payload: map[string]any{
				"function": string(fn),
				"provider": provider,
				"error":    err.Error(),
			},
		})
	}
}
