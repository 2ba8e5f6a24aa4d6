// Package core owns module lifecycle: registration, dependency-ordered
// startup, reverse-ordered shutdown and health aggregation.
package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aishell/internal/fault"
)

// Status is an aggregate or per-module health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one module's health answer.
type CheckResult struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport aggregates every registered module.
type HealthReport struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Module is one lifecycle participant. Registration order is dependency
// order: a module may rely on everything registered before it.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) CheckResult
}

// DefaultShutdownTimeout bounds the whole reverse shutdown pass.
const DefaultShutdownTimeout = 10 * time.Second

// Orchestrator holds the module registry and drives lifecycle.
type Orchestrator struct {
	logger          *zap.Logger
	shutdownTimeout time.Duration

	mu      sync.Mutex
	modules []Module
	byName  map[string]Module
	started []Module
}

func NewOrchestrator(logger *zap.Logger, shutdownTimeout time.Duration) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Orchestrator{
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		byName:          make(map[string]Module),
	}
}

// Register adds a module. Names are unique.
func (o *Orchestrator) Register(m Module) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.byName[m.Name()]; exists {
		return fault.Errorf(fault.KindDuplicateName, "module %q already registered", m.Name())
	}
	o.byName[m.Name()] = m
	o.modules = append(o.modules, m)
	return nil
}

// Names lists registered modules in registration order.
func (o *Orchestrator) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, len(o.modules))
	for i, m := range o.modules {
		names[i] = m.Name()
	}
	return names
}

// Start brings modules up in registration order. On failure everything
// already started is stopped again, in reverse, before the error is
// returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	modules := append([]Module(nil), o.modules...)
	o.mu.Unlock()

	for _, m := range modules {
		o.logger.Info("starting module", zap.String("module", m.Name()))
		if err := m.Start(ctx); err != nil {
			o.logger.Error("module failed to start",
				zap.String("module", m.Name()), zap.Error(err))
			o.stopStarted()
			return fault.Wrap(fault.KindOf(err), err, "starting "+m.Name())
		}
		o.mu.Lock()
		o.started = append(o.started, m)
		o.mu.Unlock()
	}
	return nil
}

// Stop shuts started modules down in reverse order under one deadline.
// A module that does not return in time is abandoned along with the
// rest of the pass; their names come back in the error.
func (o *Orchestrator) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.shutdownTimeout)
	defer cancel()

	o.mu.Lock()
	started := append([]Module(nil), o.started...)
	o.started = nil
	o.mu.Unlock()

	var aborted []string
	for i := len(started) - 1; i >= 0; i-- {
		m := started[i]
		if len(aborted) > 0 {
			// A previous module blew the deadline; everything that
			// remains is hard-aborted.
			aborted = append(aborted, m.Name())
			continue
		}

		done := make(chan error, 1)
		go func() { done <- m.Stop(ctx) }()
		select {
		case err := <-done:
			if err != nil {
				o.logger.Warn("module stop failed",
					zap.String("module", m.Name()), zap.Error(err))
			} else {
				o.logger.Info("module stopped", zap.String("module", m.Name()))
			}
		case <-ctx.Done():
			o.logger.Error("module stop deadline exceeded, hard aborting",
				zap.String("module", m.Name()))
			aborted = append(aborted, m.Name())
		}
	}

	if len(aborted) > 0 {
		return fault.Errorf(fault.KindTimeout,
			"shutdown hard-aborted modules: %s", strings.Join(aborted, ", "))
	}
	return nil
}

// stopStarted unwinds a partial startup.
func (o *Orchestrator) stopStarted() {
	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()

	o.mu.Lock()
	started := append([]Module(nil), o.started...)
	o.started = nil
	o.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			o.logger.Warn("rollback stop failed",
				zap.String("module", started[i].Name()), zap.Error(err))
		}
	}
}

// Health polls every registered module and aggregates: all healthy is
// healthy, all unhealthy is unhealthy, anything in between is degraded.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	o.mu.Lock()
	modules := append([]Module(nil), o.modules...)
	o.mu.Unlock()

	report := HealthReport{Checks: make(map[string]CheckResult, len(modules))}
	healthy, unhealthy := 0, 0
	for _, m := range modules {
		res := m.Health(ctx)
		report.Checks[m.Name()] = res
		switch res.Status {
		case StatusHealthy:
			healthy++
		case StatusUnhealthy:
			unhealthy++
		}
	}

	switch {
	case len(modules) == 0 || healthy == len(modules):
		report.Status = StatusHealthy
	case unhealthy == len(modules):
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}
	return report
}
