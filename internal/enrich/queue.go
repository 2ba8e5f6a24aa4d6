// Package enrich runs the background context-enrichment pipeline: it
// turns keystroke-level requests into panel updates without ever blocking
// the producer.
package enrich

import (
	"sync"
	"time"

	"aishell/internal/llm"
)

// Request is one enrichment unit of work. Lower Priority dispatches
// first, matching the event bus convention.
type Request struct {
	ID          string
	Session     string
	Input       string
	Context     llm.Context
	Priority    int
	SubmittedAt time.Time

	seq uint64
}

// queue is a bounded priority queue with non-blocking try-put. On
// overflow the incoming request replaces the oldest entry of the lowest
// priority class, so a burst of typing can never block the keystroke
// producer or starve newer input.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []Request
	capacity int
	closed   bool
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 64
	}
	q := &queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// tryPut inserts without blocking. Returns the request that was evicted
// to make room, if any.
func (q *queue) tryPut(r Request) (evicted *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	if len(q.items) >= q.capacity {
		victim := q.oldestLowestLocked()
		ev := q.items[victim]
		evicted = &ev
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}
	q.items = append(q.items, r)
	q.notEmpty.Signal()
	return evicted
}

// oldestLowestLocked finds the entry to evict: the numerically highest
// (least urgent) priority present, and among those the earliest seq.
func (q *queue) oldestLowestLocked() int {
	victim := 0
	for i := 1; i < len(q.items); i++ {
		cur, v := q.items[i], q.items[victim]
		if cur.Priority > v.Priority || (cur.Priority == v.Priority && cur.seq < v.seq) {
			victim = i
		}
	}
	return victim
}

// take blocks until an item is available or the queue closes. It returns
// the most urgent item, FIFO within a priority class.
func (q *queue) take() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return Request{}, false
	}

	best := 0
	for i := 1; i < len(q.items); i++ {
		cur, b := q.items[i], q.items[best]
		if cur.Priority < b.Priority || (cur.Priority == b.Priority && cur.seq < b.seq) {
			best = i
		}
	}
	r := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return r, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
