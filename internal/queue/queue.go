// Package queue provides the bounded hand-off between collection workers
// and the storage sink. Producers never block for more than the configured
// enqueue wait; when the queue is full after the wait, the item is dropped
// and counted.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/argus/config"
	"github.com/xtxerr/argus/internal/logging"
	"github.com/xtxerr/argus/internal/metrics"
)

var log = logging.Component("queue")

// Queue is a fixed-capacity FIFO of collected items.
type Queue struct {
	items chan metrics.Item
	wait  time.Duration

	// Statistics
	attempted atomic.Int64
	accepted  atomic.Int64
	dropped   atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// Stats holds queue statistics. Dropped is always Attempted minus Accepted.
type Stats struct {
	Capacity  int   `json:"capacity"`
	Depth     int   `json:"depth"`
	Attempted int64 `json:"attempted"`
	Accepted  int64 `json:"accepted"`
	Dropped   int64 `json:"dropped"`
}

// New creates a queue with the given capacity and enqueue wait.
func New(capacity int, wait time.Duration) *Queue {
	if capacity <= 0 {
		capacity = config.DefaultQueueCapacity
	}
	if wait < 0 {
		wait = config.DefaultEnqueueWait
	}
	return &Queue{
		items:  make(chan metrics.Item, capacity),
		wait:   wait,
		closed: make(chan struct{}),
	}
}

// Enqueue offers an item to the queue, waiting up to the configured bound
// for space. Returns false if the item was dropped.
func (q *Queue) Enqueue(item metrics.Item) bool {
	q.attempted.Add(1)

	select {
	case <-q.closed:
		q.drop(item)
		return false
	default:
	}

	// Fast path: space available right now.
	select {
	case q.items <- item:
		q.accepted.Add(1)
		return true
	default:
	}

	if q.wait <= 0 {
		q.drop(item)
		return false
	}

	timer := time.NewTimer(q.wait)
	defer timer.Stop()

	select {
	case q.items <- item:
		q.accepted.Add(1)
		return true
	case <-timer.C:
		q.drop(item)
		return false
	case <-q.closed:
		q.drop(item)
		return false
	}
}

// drop counts a dropped item and logs the first drop and every
// DefaultDropLogInterval-th after it.
func (q *Queue) drop(item metrics.Item) {
	n := q.dropped.Add(1)
	if n%config.DefaultDropLogInterval == 1 {
		log.Warn("queue full, dropping item",
			"kind", item.Kind.String(),
			"target", item.Target,
			"dropped_total", n)
	}
}

// Dequeue removes the oldest item, blocking until one is available, the
// context is cancelled, or the queue is closed and empty.
// Returns false if no item was obtained.
func (q *Queue) Dequeue(ctx context.Context) (metrics.Item, bool) {
	// Buffered items remain deliverable after Close.
	select {
	case item := <-q.items:
		return item, true
	default:
	}

	select {
	case item := <-q.items:
		return item, true
	case <-ctx.Done():
		return metrics.Item{}, false
	case <-q.closed:
		select {
		case item := <-q.items:
			return item, true
		default:
			return metrics.Item{}, false
		}
	}
}

// TryDequeue removes the oldest item without blocking.
// Returns false if the queue is empty.
func (q *Queue) TryDequeue() (metrics.Item, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		return metrics.Item{}, false
	}
}

// Close stops the queue. Subsequent enqueues are dropped; items already
// accepted stay dequeueable so consumers can drain.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	return Stats{
		Capacity:  cap(q.items),
		Depth:     len(q.items),
		Attempted: q.attempted.Load(),
		Accepted:  q.accepted.Load(),
		Dropped:   q.dropped.Load(),
	}
}
