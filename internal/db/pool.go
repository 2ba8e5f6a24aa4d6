package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aishell/internal/fault"
)

// PoolStats is a point-in-time snapshot of pool counters, published
// periodically for monitoring.
type PoolStats struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Active        int    `json:"active"`
	Idle          int    `json:"idle"`
	Total         int    `json:"total"`
	Waiting       int    `json:"waiting"`
	MaxConns      int    `json:"max_connections"`
	MinConns      int    `json:"min_connections"`
	Validations   uint64 `json:"validations"`
	Failures      uint64 `json:"failures"`
	Reconnections uint64 `json:"reconnections"`
	Exhausted     uint64 `json:"pool_exhausted_total"`
}

// PoolOptions configure a Pool.
type PoolOptions struct {
	Name     string
	Kind     Kind
	MinConns int
	MaxConns int
	// AcquireTimeout bounds Acquire when the caller's context carries no
	// earlier deadline.
	AcquireTimeout time.Duration
	// ValidationWindow is how long a successful ping stays trusted. A
	// connection validated inside the window is handed out without a
	// round trip.
	ValidationWindow time.Duration
	// MaxValidationRetries is how many replacement attempts Acquire makes
	// before surfacing Unavailable.
	MaxValidationRetries int
	// SweepInterval paces the background health sweep over idle
	// connections. Zero disables the sweep.
	SweepInterval time.Duration
	// OnStats, when set, receives a stats snapshot after every
	// validation, failure or reconnection.
	OnStats func(PoolStats)
	Logger  *zap.Logger
}

// DefaultPoolOptions returns the production defaults.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MinConns:             2,
		MaxConns:             10,
		AcquireTimeout:       10 * time.Second,
		ValidationWindow:     5 * time.Second,
		MaxValidationRetries: 3,
		SweepInterval:        30 * time.Second,
	}
}

// Pool owns a set of driver connections and hands out validated borrows.
// Every Acquire returns a connection that is either freshly dialled or has
// passed a liveness check within the validation window.
type Pool struct {
	opts    PoolOptions
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond // broadcast when a connection is returned or the pool closes
	idle    []*Conn
	active  map[*Conn]struct{}
	total   int
	waiting int
	nextID  uint64
	closed  bool
	stopCh  chan struct{}
	sweepWG sync.WaitGroup

	validations   uint64
	failures      uint64
	reconnections uint64
	exhausted     uint64
}

// NewPool creates a pool and pre-warms MinConns connections in the
// background. Warm-up failures are logged, not fatal: the first Acquire
// will retry dialling.
func NewPool(factory Factory, opts PoolOptions) *Pool {
	def := DefaultPoolOptions()
	if opts.MinConns <= 0 {
		opts.MinConns = def.MinConns
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = def.MaxConns
	}
	if opts.MaxConns < opts.MinConns {
		opts.MaxConns = opts.MinConns
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	if opts.ValidationWindow <= 0 {
		opts.ValidationWindow = def.ValidationWindow
	}
	if opts.MaxValidationRetries <= 0 {
		opts.MaxValidationRetries = def.MaxValidationRetries
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Pool{
		opts:    opts,
		factory: factory,
		logger:  opts.Logger,
		active:  make(map[*Conn]struct{}),
		stopCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.warmUp()
	if opts.SweepInterval > 0 {
		p.sweepWG.Add(1)
		go p.sweepLoop()
	}
	return p
}

func (p *Pool) warmUp() {
	for i := 0; i < p.opts.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.opts.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		c, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.logger.Warn("pool warm-up dial failed",
				zap.String("pool", p.opts.Name), zap.Error(err))
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.raw.Close()
			return
		}
		c.state.Store(stateIdle)
		p.idle = append(p.idle, c)
		p.cond.Signal()
		p.mu.Unlock()
	}
}

// Acquire returns a validated connection. It fails with PoolExhausted
// when the deadline passes while the pool is at capacity with every
// connection held, and with Unavailable when validation and replacement
// keep failing.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(p.opts.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	retries := 0
	waited := false
	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, fault.Wrap(fault.KindTimeout, err, "acquire cancelled")
		}
		if p.closed {
			p.mu.Unlock()
			return nil, fault.Errorf(fault.KindUnavailable, "pool %q is closed", p.opts.Name)
		}

		// Idle connections first, newest to oldest.
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()

			if c.validatedWithin(p.opts.ValidationWindow) {
				c.state.Store(stateInUse)
				p.mu.Lock()
				p.active[c] = struct{}{}
				p.mu.Unlock()
				return c, nil
			}

			p.countValidation()
			pingCtx, cancel := context.WithDeadline(ctx, deadline)
			err := c.Ping(pingCtx)
			cancel()
			if err == nil {
				c.state.Store(stateInUse)
				p.mu.Lock()
				p.active[c] = struct{}{}
				p.mu.Unlock()
				return c, nil
			}

			p.countFailure()
			p.logger.Warn("connection failed validation",
				zap.String("pool", p.opts.Name), zap.Uint64("conn_id", c.id), zap.Error(err))
			_ = c.raw.Close()
			p.mu.Lock()
			p.total--
			retries++
			if retries >= p.opts.MaxValidationRetries {
				p.mu.Unlock()
				return nil, fault.Errorf(fault.KindUnavailable,
					"pool %q: %d consecutive validation failures", p.opts.Name, retries)
			}
		}

		// Grow the pool if allowed.
		if p.total < p.opts.MaxConns {
			p.total++
			p.mu.Unlock()

			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				retries++
				if retries >= p.opts.MaxValidationRetries {
					p.mu.Unlock()
					return nil, fault.Wrap(fault.KindUnavailable, err, "dialling replacement connection")
				}
				continue
			}
			p.countReconnection()

			c.state.Store(stateInUse)
			p.mu.Lock()
			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}

		// Exhausted: wait for a release or the deadline. The counter
		// records one exhaustion per blocked Acquire, not per wakeup.
		if !waited {
			p.exhausted++
			waited = true
		}
		p.waiting++

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fault.Errorf(fault.KindPoolExhausted,
				"pool %q exhausted: no connection within %s", p.opts.Name, p.opts.AcquireTimeout)
		}
		timer := time.AfterFunc(remaining, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
		p.waiting--
	}
}

// release returns a connection to the idle set if healthy, or discards it.
// Idempotent: a connection that is not active is ignored.
func (p *Pool) release(c *Conn) {
	p.mu.Lock()
	if _, ok := p.active[c]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, c)

	if p.closed || c.state.Load() == stateBroken {
		p.total--
		p.mu.Unlock()
		_ = c.raw.Close()
		p.mu.Lock()
		p.cond.Signal()
		p.mu.Unlock()
		return
	}

	c.state.Store(stateIdle)
	p.idle = append(p.idle, c)
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	raw, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()
	c := &Conn{raw: raw, id: id, pool: p, createdAt: time.Now()}
	c.lastValidated.Store(time.Now().UnixNano())
	return c, nil
}

// sweepLoop pings idle connections in the background so dead ones are
// removed before a caller trips over them.
func (p *Pool) sweepLoop() {
	defer p.sweepWG.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	stale := make([]*Conn, 0, len(p.idle))
	fresh := p.idle[:0]
	for _, c := range p.idle {
		if c.validatedWithin(p.opts.ValidationWindow) {
			fresh = append(fresh, c)
		} else {
			stale = append(stale, c)
		}
	}
	p.idle = fresh
	p.mu.Unlock()

	for _, c := range stale {
		p.countValidation()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := c.Ping(ctx)
		cancel()

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.raw.Close()
			return
		}
		if err != nil {
			p.total--
			p.mu.Unlock()
			p.countFailure()
			p.logger.Warn("health sweep removed connection",
				zap.String("pool", p.opts.Name), zap.Uint64("conn_id", c.id), zap.Error(err))
			_ = c.raw.Close()
			continue
		}
		c.state.Store(stateIdle)
		p.idle = append(p.idle, c)
		p.cond.Signal()
		p.mu.Unlock()
	}
}

func (p *Pool) countValidation()   { p.bump(&p.validations) }
func (p *Pool) countFailure()      { p.bump(&p.failures) }
func (p *Pool) countReconnection() { p.bump(&p.reconnections) }

func (p *Pool) bump(counter *uint64) {
	p.mu.Lock()
	*counter++
	p.mu.Unlock()
	if p.opts.OnStats != nil {
		p.opts.OnStats(p.Stats())
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Name:          p.opts.Name,
		Kind:          string(p.opts.Kind),
		Active:        len(p.active),
		Idle:          len(p.idle),
		Total:         p.total,
		Waiting:       p.waiting,
		MaxConns:      p.opts.MaxConns,
		MinConns:      p.opts.MinConns,
		Validations:   p.validations,
		Failures:      p.failures,
		Reconnections: p.reconnections,
		Exhausted:     p.exhausted,
	}
}

// Close drains the pool: idle connections close immediately, active ones
// get drainTimeout to come back before being force-closed.
func (p *Pool) Close() {
	const drainTimeout = 10 * time.Second

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()

	for _, c := range p.idle {
		_ = c.raw.Close()
		p.total--
	}
	p.idle = nil
	remaining := len(p.active)
	p.mu.Unlock()

	p.sweepWG.Wait()

	if remaining == 0 {
		return
	}
	deadline := time.After(drainTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			n := len(p.active)
			p.mu.Unlock()
			if n == 0 {
				return
			}
		case <-deadline:
			p.mu.Lock()
			for c := range p.active {
				_ = c.raw.Close()
				p.total--
			}
			p.active = make(map[*Conn]struct{})
			p.mu.Unlock()
			p.logger.Warn("force-closed active connections after drain timeout",
				zap.String("pool", p.opts.Name))
			return
		}
	}
}
