package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aishell/internal/fault"
)

// Health is the result of a client health probe.
type Health struct {
	Status    string        `json:"status"` // healthy | unhealthy
	LatencyMS float64       `json:"latency_ms"`
	CheckedAt time.Time     `json:"checked_at"`
	Err       error         `json:"-"`
	TTL       time.Duration `json:"-"`
}

// ClientOptions configure a Client.
type ClientOptions struct {
	Name   string
	Pool   PoolOptions
	Logger *zap.Logger
	// OnStats receives pool counter snapshots, typically wired to the
	// event bus by the orchestrator.
	OnStats func(PoolStats)
}

// Client is one named database connection: a parsed DSN plus a validating
// pool of driver connections. All engines expose the same surface.
type Client struct {
	name   string
	cs     ConnString
	pool   *Pool
	logger *zap.Logger

	healthMu   sync.Mutex
	lastHealth Health
}

// healthCacheTTL is how long a health result may be reused before a fresh
// round trip is required.
const healthCacheTTL = 5 * time.Second

// NewClient parses dsn, builds the engine factory and starts the pool.
// It returns without dialling; the pool warms up in the background and
// the first Acquire surfaces dial errors.
func NewClient(dsn string, opts ClientOptions) (*Client, error) {
	cs, err := Parse(dsn)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = cs.Redacted()
	}

	factory, err := factoryFor(cs)
	if err != nil {
		return nil, err
	}

	poolOpts := opts.Pool
	poolOpts.Name = opts.Name
	poolOpts.Kind = cs.Kind
	poolOpts.Logger = opts.Logger
	poolOpts.OnStats = opts.OnStats

	c := &Client{
		name:   opts.Name,
		cs:     cs,
		pool:   NewPool(factory, poolOpts),
		logger: opts.Logger,
	}
	opts.Logger.Info("database client created",
		zap.String("name", opts.Name),
		zap.String("target", cs.Redacted()))
	return c, nil
}

func factoryFor(cs ConnString) (Factory, error) {
	switch cs.Kind {
	case KindPostgres, KindMySQL, KindSQLite:
		return sqlFactory(cs)
	case KindRedis:
		return redisFactory(cs)
	case KindMongo:
		return mongoFactory(cs)
	default:
		return nil, fault.Errorf(fault.KindInvalidInput, "no driver for %q", cs.Kind)
	}
}

// Name returns the client's registry name.
func (c *Client) Name() string { return c.name }

// Kind returns the engine kind.
func (c *Client) Kind() Kind { return c.cs.Kind }

// Target returns the redacted connection target for display.
func (c *Client) Target() string { return c.cs.Redacted() }

// Acquire borrows a validated connection from the pool.
func (c *Client) Acquire(ctx context.Context) (*Conn, error) {
	return c.pool.Acquire(ctx)
}

// Execute borrows a connection, runs one statement and releases on every
// exit path. Internal catalog and health queries use this; user SQL goes
// through the execution gate instead.
func (c *Client) Execute(ctx context.Context, stmt string, params []any) (*Result, error) {
	conn, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()
	return conn.Execute(ctx, stmt, params)
}

// HealthCheck probes the connection, reusing the previous result while it
// is younger than the cache TTL.
func (c *Client) HealthCheck(ctx context.Context) Health {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	if !c.lastHealth.CheckedAt.IsZero() && time.Since(c.lastHealth.CheckedAt) < healthCacheTTL {
		return c.lastHealth
	}

	start := time.Now()
	conn, err := c.pool.Acquire(ctx)
	if err == nil {
		err = conn.Ping(ctx)
		conn.Release()
	}
	h := Health{
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
		CheckedAt: time.Now(),
		TTL:       healthCacheTTL,
	}
	if err != nil {
		h.Status = "unhealthy"
		h.Err = err
	} else {
		h.Status = "healthy"
	}
	c.lastHealth = h
	return h
}

// Stats returns the pool counters.
func (c *Client) Stats() PoolStats { return c.pool.Stats() }

// Close drains the pool.
func (c *Client) Close() { c.pool.Close() }
