// Package bus is the priority pub/sub backbone. Every cross-component
// notification (pool stats, enrichment output, confirmation prompts, query
// lifecycle) flows through one Bus instance owned by the orchestrator.
package bus

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aishell/internal/fault"
)

// Well-known topics. Components publish and subscribe by these names; the
// bus itself attaches no meaning to them.
const (
	TopicPanelUpdate          = "panel.update"
	TopicLayoutUpdate         = "layout.update"
	TopicQueryCompleted       = "query.completed"
	TopicQueryFailed          = "query.failed"
	TopicConfirmationRequired = "confirmation.required"
	TopicLLMError             = "llm.error"
	TopicPoolStats            = "pool.stats"
	TopicConfigUpdated        = "config.updated"
	TopicHandlerError         = "bus.handler_error"
)

// Priorities. Lower is dispatched first. UI redraws (layout) preempt
// enrichment output by contract.
const (
	PriorityCritical = 0
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 5
)

// Event is one message on the bus. Critical events block the publisher
// until every handler has run; everything else is fire-and-forget.
type Event struct {
	ID        string
	Topic     string
	Priority  int
	Critical  bool
	Timestamp time.Time
	Payload   any
}

// Handler processes one delivered event. Panics are recovered by the
// dispatcher and reported on TopicHandlerError.
type Handler func(Event)

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published  uint64
	Dispatched uint64
	Dropped    uint64
	QueueDepth int
}

// Options configure a Bus.
type Options struct {
	// HighWater is the queue capacity. Beyond it non-critical publishes
	// are dropped and critical publishes block.
	HighWater int
	// CriticalWait bounds how long a critical publish waits for queue
	// space before failing.
	CriticalWait time.Duration
	Logger       *zap.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		HighWater:    1024,
		CriticalWait: 2 * time.Second,
		Logger:       zap.NewNop(),
	}
}

type queueItem struct {
	ev   Event
	seq  uint64
	done chan struct{} // non-nil for critical events
}

// eventQueue orders by priority, then by submission sequence, so dispatch
// is strictly priority-ordered and FIFO within a priority.
type eventQueue []*queueItem

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].ev.Priority != q[j].ev.Priority {
		return q[i].ev.Priority < q[j].ev.Priority
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)        { *q = append(*q, x.(*queueItem)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Bus is a priority event bus drained by a single dispatcher goroutine.
type Bus struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    eventQueue
	seq      uint64
	handlers map[string]map[uint64]Handler
	nextSub  uint64
	closed   bool

	published  atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64

	wg sync.WaitGroup // tracks dispatcher and in-flight non-critical handlers
}

// New creates and starts a bus.
func New(opts Options) *Bus {
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultOptions().HighWater
	}
	if opts.CriticalWait <= 0 {
		opts.CriticalWait = DefaultOptions().CriticalWait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Bus{
		opts:     opts,
		logger:   opts.Logger,
		handlers: make(map[string]map[uint64]Handler),
	}
	b.cond = sync.NewCond(&b.mu)
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	id := b.nextSub
	b.nextSub++
	b.handlers[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Publish enqueues an event. Non-critical publishes never block: when the
// queue is at its high-water mark the event is dropped and the dropped
// counter incremented. Critical publishes wait for space up to
// CriticalWait, then wait again for every handler to finish.
func (b *Bus) Publish(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Critical && ev.Priority > PriorityCritical {
		ev.Priority = PriorityCritical
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fault.New(fault.KindUnavailable, "event bus is closed")
	}

	if len(b.queue) >= b.opts.HighWater {
		if !ev.Critical {
			b.mu.Unlock()
			b.dropped.Add(1)
			return nil
		}
		if !b.waitForSpaceLocked(time.Now().Add(b.opts.CriticalWait)) {
			b.mu.Unlock()
			return fault.Errorf(fault.KindTimeout, "critical publish to %q timed out waiting for queue space", ev.Topic)
		}
		if b.closed {
			b.mu.Unlock()
			return fault.New(fault.KindUnavailable, "event bus is closed")
		}
	}

	item := &queueItem{ev: ev, seq: b.seq}
	b.seq++
	if ev.Critical {
		item.done = make(chan struct{})
	}
	heap.Push(&b.queue, item)
	b.published.Add(1)
	b.cond.Broadcast()
	b.mu.Unlock()

	if item.done != nil {
		<-item.done
	}
	return nil
}

// waitForSpaceLocked blocks until the queue has room or the deadline
// passes. The caller holds b.mu.
func (b *Bus) waitForSpaceLocked(deadline time.Time) bool {
	for len(b.queue) >= b.opts.HighWater && !b.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, b.cond.Broadcast)
		b.cond.Wait()
		timer.Stop()
	}
	return len(b.queue) < b.opts.HighWater
}

// dispatch is the single consumer of the queue.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		item := heap.Pop(&b.queue).(*queueItem)
		hs := b.handlersForLocked(item.ev.Topic)
		b.cond.Broadcast() // a slot freed up; unblock critical publishers
		b.mu.Unlock()

		b.dispatched.Add(1)

		if item.done != nil {
			var wg sync.WaitGroup
			for _, h := range hs {
				wg.Add(1)
				go func(h Handler) {
					defer wg.Done()
					b.invoke(h, item.ev)
				}(h)
			}
			wg.Wait()
			close(item.done)
			continue
		}

		for _, h := range hs {
			b.wg.Add(1)
			go func(h Handler) {
				defer b.wg.Done()
				b.invoke(h, item.ev)
			}(h)
		}
	}
}

func (b *Bus) handlersForLocked(topic string) []Handler {
	m := b.handlers[topic]
	hs := make([]Handler, 0, len(m))
	for _, h := range m {
		hs = append(hs, h)
	}
	return hs
}

// invoke runs one handler with panic containment. A panicking handler is
// reported on TopicHandlerError and never takes the dispatcher down.
func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", ev.Topic),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
			if ev.Topic != TopicHandlerError {
				_ = b.Publish(Event{
					Topic:    TopicHandlerError,
					Priority: PriorityHigh,
					Payload:  map[string]any{"topic": ev.Topic, "event_id": ev.ID, "panic": r},
				})
			}
		}
	}()
	h(ev)
}

// Stats returns a counter snapshot.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	depth := len(b.queue)
	b.mu.Unlock()
	return Stats{
		Published:  b.published.Load(),
		Dispatched: b.dispatched.Load(),
		Dropped:    b.dropped.Load(),
		QueueDepth: depth,
	}
}

// Close stops the bus after draining the queue and waits for in-flight
// handlers. Publishing after Close fails with Unavailable.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
}
