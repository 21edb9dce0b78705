package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polycopy/internal/dispatch"
)

//go:embed scripts/bounded_push.lua
var boundedPushLua string

// DispatchQueue implements dispatch.Queue as a Redis list so queued jobs
// survive a restart. The length check and push run in one script.
type DispatchQueue struct {
	rdb     *redis.Client
	key     string
	maxSize int
	push    *redis.Script
	stats   *dispatch.Counters
	now     func() time.Time
}

// NewDispatchQueue creates a queue at key, under the client's namespace,
// holding at most maxSize jobs.
func NewDispatchQueue(c *Client, key string, maxSize int) *DispatchQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &DispatchQueue{
		rdb:     c.Underlying(),
		key:     c.Key(key),
		maxSize: maxSize,
		push:    redis.NewScript(boundedPushLua),
		stats:   dispatch.NewCounters(),
		now:     time.Now,
	}
}

// Enqueue appends job unless the list is at capacity.
func (q *DispatchQueue) Enqueue(ctx context.Context, job dispatch.Job) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("redis: marshal job: %w", err)
	}
	depth, err := q.push.Run(ctx, q.rdb, []string{q.key}, q.maxSize, data).Int()
	if err != nil {
		return false, fmt.Errorf("redis: enqueue: %w", err)
	}
	if depth < 0 {
		q.stats.Dropped()
		return false, nil
	}
	q.stats.Enqueued(depth)
	return true, nil
}

// Dequeue pops the oldest job.
func (q *DispatchQueue) Dequeue(ctx context.Context) (dispatch.Job, bool, error) {
	data, err := q.rdb.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return dispatch.Job{}, false, nil
	}
	if err != nil {
		return dispatch.Job{}, false, fmt.Errorf("redis: dequeue: %w", err)
	}
	var job dispatch.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return dispatch.Job{}, false, fmt.Errorf("redis: unmarshal job: %w", err)
	}
	depth, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		depth = 0
	}
	q.stats.Dequeued(int(depth), q.now().Sub(job.EnqueuedAt))
	return job, true, nil
}

// Len returns the list length.
func (q *DispatchQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: queue length: %w", err)
	}
	return int(n), nil
}

// Stats returns counters observed by this process.
func (q *DispatchQueue) Stats() dispatch.Stats {
	return q.stats.Snapshot()
}

var _ dispatch.Queue = (*DispatchQueue)(nil)
