// Package db provides a uniform client contract over Postgres, MySQL,
// MongoDB, Redis and SQLite, backed by a validating connection pool.
package db

import (
	"context"
	"sync/atomic"
	"time"
)

// Result is the uniform shape returned by every driver. Row values are
// driver-native Go types; command-style engines (Redis, Mongo) surface a
// single-column reply.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	Duration     time.Duration
}

// Raw is one live driver-level connection. Implementations must be safe to
// call from a single borrower at a time; the pool never shares a Raw
// between borrowers.
type Raw interface {
	// Execute runs a parameterised statement. Params are bound by the
	// driver; they are never interpolated into the statement text.
	Execute(ctx context.Context, stmt string, params []any) (*Result, error)
	// Ping is a cheap liveness round trip.
	Ping(ctx context.Context) error
	Close() error
}

// Factory dials a new Raw. The pool calls it for warm-up, growth and
// replacement of broken connections.
type Factory func(ctx context.Context) (Raw, error)

// Connection states. Broken is terminal: a broken connection is removed
// from the pool and never reused.
const (
	stateIdle int32 = iota
	stateInUse
	stateBroken
)

// Conn is a pooled connection borrow. Callers get one from Acquire, run
// statements through it, and must Release it on every exit path.
type Conn struct {
	raw  Raw
	id   uint64
	pool *Pool

	state         atomic.Int32
	createdAt     time.Time
	lastValidated atomic.Int64 // unix nanos of the last successful ping
}

// Execute runs a statement on the borrowed connection. A driver error
// marks the connection broken so Release discards it.
func (c *Conn) Execute(ctx context.Context, stmt string, params []any) (*Result, error) {
	res, err := c.raw.Execute(ctx, stmt, params)
	if err != nil && ctx.Err() == nil {
		// Context expiry is the caller's doing, not connection damage.
		c.state.Store(stateBroken)
	}
	return res, err
}

// Ping revalidates the connection and refreshes its validation stamp.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.raw.Ping(ctx); err != nil {
		c.state.Store(stateBroken)
		return err
	}
	c.lastValidated.Store(time.Now().UnixNano())
	return nil
}

// Release returns the connection to its pool. Idempotent.
func (c *Conn) Release() {
	c.pool.release(c)
}

// MarkBroken flags the connection so Release discards it instead of
// returning it to the idle set.
func (c *Conn) MarkBroken() {
	c.state.Store(stateBroken)
}

func (c *Conn) validatedWithin(window time.Duration) bool {
	return time.Since(time.Unix(0, c.lastValidated.Load())) <= window
}
