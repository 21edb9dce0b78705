// Package dispatch holds the bounded queue between signal detection and the
// execution workers. A full queue drops work instead of blocking producers.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// Job is one follower's share of a leader signal. RetryTradeID is set when
// the job re-drives an existing copy trade instead of claiming a new one.
type Job struct {
	Config       domain.FollowerConfig `json:"config"`
	Signal       domain.TradeSignal    `json:"signal"`
	Sizing       *Sizing               `json:"sizing,omitempty"`
	RetryTradeID string                `json:"retry_trade_id,omitempty"`
	EnqueuedAt   time.Time             `json:"enqueued_at"`
}

// Sizing is an order size computed ahead of dispatch, usually while the
// leader's transaction was still pending.
type Sizing struct {
	SizeUSDC float64 `json:"size_usdc"`
	Price    float64 `json:"price"`
	Slippage float64 `json:"slippage"`
}

// Queue is a bounded FIFO. Enqueue reports false when the job was dropped
// because the queue was full. Dequeue reports false when the queue is empty.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
	Dequeue(ctx context.Context) (Job, bool, error)
	Len(ctx context.Context) (int, error)
	Stats() Stats
}

// MemoryQueue is an in-process ring buffer.
type MemoryQueue struct {
	mu    sync.Mutex
	buf   []Job
	head  int
	size  int
	stats *Counters
	now   func() time.Time
}

// NewMemoryQueue creates a queue holding at most maxSize jobs.
func NewMemoryQueue(maxSize int) *MemoryQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &MemoryQueue{
		buf:   make([]Job, maxSize),
		stats: NewCounters(),
		now:   time.Now,
	}
}

// Enqueue appends job unless the queue is full.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	if q.size == len(q.buf) {
		q.mu.Unlock()
		q.stats.Dropped()
		return false, nil
	}
	q.buf[(q.head+q.size)%len(q.buf)] = job
	q.size++
	depth := q.size
	q.mu.Unlock()

	q.stats.Enqueued(depth)
	return true, nil
}

// Dequeue pops the oldest job.
func (q *MemoryQueue) Dequeue(_ context.Context) (Job, bool, error) {
	q.mu.Lock()
	if q.size == 0 {
		q.mu.Unlock()
		return Job{}, false, nil
	}
	job := q.buf[q.head]
	q.buf[q.head] = Job{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	depth := q.size
	q.mu.Unlock()

	q.stats.Dequeued(depth, q.now().Sub(job.EnqueuedAt))
	return job, true, nil
}

// Len returns the current depth.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size, nil
}

// Stats returns a snapshot of the queue counters.
func (q *MemoryQueue) Stats() Stats {
	return q.stats.Snapshot()
}

var _ Queue = (*MemoryQueue)(nil)
