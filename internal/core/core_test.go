package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aishell/internal/fault"
)

// fakeModule records lifecycle calls against a shared journal so tests
// can assert ordering.
type fakeModule struct {
	name     string
	startErr error
	stopErr  error
	health   CheckResult
	stopWait chan struct{}

	journal *journal
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (f *fakeModule) Name() string { return f.name }

func (f *fakeModule) Start(context.Context) error {
	f.journal.add("start:" + f.name)
	return f.startErr
}

func (f *fakeModule) Stop(ctx context.Context) error {
	if f.stopWait != nil {
		select {
		case <-f.stopWait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.journal.add("stop:" + f.name)
	return f.stopErr
}

func (f *fakeModule) Health(context.Context) CheckResult {
	if f.health.Status == "" {
		return CheckResult{Status: StatusHealthy}
	}
	return f.health
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	o := NewOrchestrator(nil, 0)
	j := &journal{}
	require.NoError(t, o.Register(&fakeModule{name: "vault", journal: j}))

	err := o.Register(&fakeModule{name: "vault", journal: j})
	require.Error(t, err)
	assert.Equal(t, fault.KindDuplicateName, fault.KindOf(err))
}

func TestStartStopOrdering(t *testing.T) {
	o := NewOrchestrator(nil, time.Second)
	j := &journal{}
	for _, name := range []string{"bus", "vault", "db"} {
		require.NoError(t, o.Register(&fakeModule{name: name, journal: j}))
	}

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Stop(context.Background()))

	assert.Equal(t, []string{
		"start:bus", "start:vault", "start:db",
		"stop:db", "stop:vault", "stop:bus",
	}, j.list())
}

func TestStartFailureUnwindsInReverse(t *testing.T) {
	o := NewOrchestrator(nil, time.Second)
	j := &journal{}
	require.NoError(t, o.Register(&fakeModule{name: "bus", journal: j}))
	require.NoError(t, o.Register(&fakeModule{name: "vault", journal: j}))
	require.NoError(t, o.Register(&fakeModule{name: "db", journal: j, startErr: errors.New("dial failed")}))

	err := o.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{
		"start:bus", "start:vault", "start:db",
		"stop:vault", "stop:bus",
	}, j.list())
}

func TestStopHardAbortsAfterDeadline(t *testing.T) {
	o := NewOrchestrator(nil, 50*time.Millisecond)
	j := &journal{}
	blocked := make(chan struct{})
	defer close(blocked)

	require.NoError(t, o.Register(&fakeModule{name: "first", journal: j}))
	require.NoError(t, o.Register(&fakeModule{name: "slow", journal: j, stopWait: blocked}))
	require.NoError(t, o.Start(context.Background()))

	err := o.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.Contains(t, err.Error(), "slow")
	assert.Contains(t, err.Error(), "first", "modules after the stuck one are abandoned too")
	assert.NotContains(t, j.list(), "stop:first")
}

func TestStopIsIdempotent(t *testing.T) {
	o := NewOrchestrator(nil, time.Second)
	j := &journal{}
	require.NoError(t, o.Register(&fakeModule{name: "only", journal: j}))
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Stop(context.Background()))
	require.NoError(t, o.Stop(context.Background()), "second stop has nothing to do")
	assert.Equal(t, []string{"start:only", "stop:only"}, j.list())
}

func TestHealthAggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one unhealthy", []Status{StatusHealthy, StatusUnhealthy}, StatusDegraded},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"all unhealthy", []Status{StatusUnhealthy, StatusUnhealthy}, StatusUnhealthy},
		{"empty registry", nil, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(nil, 0)
			j := &journal{}
			for i, s := range tt.statuses {
				require.NoError(t, o.Register(&fakeModule{
					name:    string(rune('a' + i)),
					journal: j,
					health:  CheckResult{Status: s},
				}))
			}
			report := o.Health(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}
