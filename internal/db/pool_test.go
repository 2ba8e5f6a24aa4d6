package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"aishell/internal/fault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRaw is an in-memory driver connection with scriptable failures.
type fakeRaw struct {
	mu      sync.Mutex
	pings   int
	execs   int
	pingErr error
	execErr error
	closed  bool
}

func (f *fakeRaw) Execute(ctx context.Context, stmt string, params []any) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &Result{Columns: []string{"ok"}, Rows: [][]any{{1}}}, nil
}

func (f *fakeRaw) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeRaw) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRaw) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeRaw) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// fakeFactory tracks every Raw it hands out.
type fakeFactory struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	raws    []*fakeRaw
}

func (f *fakeFactory) factory(ctx context.Context) (Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	raw := &fakeRaw{}
	f.raws = append(f.raws, raw)
	return raw, nil
}

// waitWarm blocks until the background warm-up has parked n idle
// connections, so tests see deterministic pool contents.
func waitWarm(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Idle >= n
	}, time.Second, 2*time.Millisecond)
}

func testPoolOptions() PoolOptions {
	opts := DefaultPoolOptions()
	opts.Name = "test"
	opts.MinConns = 1
	opts.MaxConns = 2
	opts.AcquireTimeout = time.Second
	opts.SweepInterval = 0 // no background sweep in unit tests
	return opts
}

func TestAcquireReleaseReuse(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	defer p.Close()
	waitWarm(t, p, 1)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c1.Release()

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c2.Release()

	assert.Same(t, c1, c2, "healthy connection should be reused")
}

func TestFreshConnectionSkipsValidationPing(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	raw := c.raw.(*fakeRaw)
	c.Release()

	// Still inside the validation window: no round trip.
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c2.Release()
	assert.Zero(t, raw.pingCount())
}

func TestStaleConnectionIsRevalidated(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	raw := c.raw.(*fakeRaw)
	c.Release()

	c.lastValidated.Store(time.Now().Add(-time.Minute).UnixNano())

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c2.Release()
	assert.Equal(t, 1, raw.pingCount())
	assert.Equal(t, uint64(1), p.Stats().Validations)
}

func TestFailedValidationReplacesConnection(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	dead := c.raw.(*fakeRaw)
	c.Release()

	dead.setPingErr(errors.New("connection reset"))
	c.lastValidated.Store(time.Now().Add(-time.Minute).UnixNano())

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c2.Release()

	assert.NotSame(t, c, c2)
	dead.mu.Lock()
	assert.True(t, dead.closed, "failed connection must be closed")
	dead.mu.Unlock()

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Failures)
	assert.GreaterOrEqual(t, stats.Reconnections, uint64(1))
}

func TestAcquireSurfacesUnavailableAfterRetries(t *testing.T) {
	ff := &fakeFactory{}
	opts := testPoolOptions()
	opts.MinConns = 1
	opts.MaxConns = 1
	p := NewPool(ff.factory, opts)
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c.raw.(*fakeRaw).setPingErr(errors.New("gone"))
	c.Release()
	c.lastValidated.Store(time.Now().Add(-time.Minute).UnixNano())

	// Replacement dials fail too.
	ff.mu.Lock()
	ff.dialErr = errors.New("host unreachable")
	ff.mu.Unlock()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
}

func TestAcquireAtCapacitySurfacesPoolExhausted(t *testing.T) {
	ff := &fakeFactory{}
	opts := testPoolOptions()
	opts.MinConns = 1
	opts.MaxConns = 1
	opts.AcquireTimeout = 100 * time.Millisecond
	p := NewPool(ff.factory, opts)
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindPoolExhausted, fault.KindOf(err))
	assert.Equal(t, uint64(1), p.Stats().Exhausted,
		"one blocked Acquire counts one exhaustion")

	c.Release()
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2.Release()
}

func TestAcquireCancelledWhileWaitingIsTimeout(t *testing.T) {
	ff := &fakeFactory{}
	opts := testPoolOptions()
	opts.MinConns = 1
	opts.MaxConns = 1
	opts.AcquireTimeout = 2 * time.Second
	p := NewPool(ff.factory, opts)
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
}

func TestWaiterWakesOnRelease(t *testing.T) {
	ff := &fakeFactory{}
	opts := testPoolOptions()
	opts.MinConns = 1
	opts.MaxConns = 1
	opts.AcquireTimeout = 2 * time.Second
	p := NewPool(ff.factory, opts)
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c2, err := p.Acquire(context.Background())
		if err == nil {
			got <- c2
		}
		close(got)
	}()

	time.Sleep(50 * time.Millisecond)
	c.Release()

	select {
	case c2, ok := <-got:
		require.True(t, ok, "waiter did not acquire")
		c2.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestBrokenConnectionDiscardedOnRelease(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	raw := c.raw.(*fakeRaw)
	c.MarkBroken()
	c.Release()

	raw.mu.Lock()
	assert.True(t, raw.closed)
	raw.mu.Unlock()

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer c2.Release()
	assert.NotSame(t, c, c2)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c.Release()
	c.Release() // second release is a no-op

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecuteErrorMarksBroken(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	raw := c.raw.(*fakeRaw)
	raw.mu.Lock()
	raw.execErr = errors.New("server closed the connection")
	raw.mu.Unlock()

	_, err = c.Execute(context.Background(), "SELECT 1", nil)
	require.Error(t, err)
	c.Release()

	raw.mu.Lock()
	assert.True(t, raw.closed, "broken connection must not return to the pool")
	raw.mu.Unlock()
}

func TestOnStatsPublished(t *testing.T) {
	var published atomic.Int64
	ff := &fakeFactory{}
	opts := testPoolOptions()
	opts.OnStats = func(PoolStats) { published.Add(1) }
	p := NewPool(ff.factory, opts)
	defer p.Close()
	waitWarm(t, p, 1)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c.Release()
	c.lastValidated.Store(time.Now().Add(-time.Minute).UnixNano())

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2.Release()

	assert.Greater(t, published.Load(), int64(0))
}

func TestAcquireAfterClose(t *testing.T) {
	ff := &fakeFactory{}
	p := NewPool(ff.factory, testPoolOptions())
	p.Close()

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))

	p.Close() // idempotent
}
