package panel

import (
	"sync"

	"go.uber.org/zap"

	"aishell/internal/bus"
)

// Orchestrator caches the last layout and publishes layout.update only
// when geometry actually changes, so keystrokes that do not move panel
// boundaries cost nothing downstream.
type Orchestrator struct {
	events *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	last *Layout
}

func NewOrchestrator(events *bus.Bus, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{events: events, logger: logger}
}

// Update recomputes the layout for the state and announces it if it
// differs from the previous one. Layout events carry high priority so
// redraws preempt queued enrichment updates.
func (o *Orchestrator) Update(s State) Layout {
	l := Compute(s)

	o.mu.Lock()
	changed := o.last == nil || *o.last != l
	if changed {
		o.last = &l
	}
	o.mu.Unlock()

	if changed && o.events != nil {
		if err := o.events.Publish(bus.Event{
			Topic:    bus.TopicLayoutUpdate,
			Priority: bus.PriorityHigh,
			Payload:  l,
		}); err != nil {
			o.logger.Warn("layout update not published", zap.Error(err))
		}
	}
	return l
}

// Current returns the last emitted layout, if any.
func (o *Orchestrator) Current() (Layout, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Layout{}, false
	}
	return *o.last, true
}
