// Package ratelimit bounds concurrency and request rate per external API
// class.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// Class names one external API.
type Class string

const (
	ClassData     Class = "data"
	ClassGamma    Class = "gamma"
	ClassCLOB     Class = "clob"
	ClassSubgraph Class = "subgraph"
	ClassRPC      Class = "rpc"
)

// ErrUnknownClass is returned for a class with no configured limits.
var ErrUnknownClass = errors.New("ratelimit: unknown class")

// Limits configures one class. Limit per Window is enforced only when a
// window limiter is supplied and Limit > 0.
type Limits struct {
	MaxConcurrent int
	Limit         int
	Window        time.Duration
}

// Stats is a point-in-time view of one class.
type Stats struct {
	Running int64
	Queued  int64
	Done    int64
}

type class struct {
	name    Class
	limits  Limits
	sem     *semaphore.Weighted
	running atomic.Int64
	queued  atomic.Int64
	done    atomic.Int64
}

// Limiter gates calls per class. A nil *Limiter runs every call unguarded.
type Limiter struct {
	classes map[Class]*class
	window  domain.RateLimiter
	poll    time.Duration
}

// New creates a Limiter. window may be nil to disable request-rate limits.
func New(limits map[Class]Limits, window domain.RateLimiter) *Limiter {
	l := &Limiter{
		classes: make(map[Class]*class, len(limits)),
		window:  window,
		poll:    50 * time.Millisecond,
	}
	for name, lim := range limits {
		if lim.MaxConcurrent < 1 {
			lim.MaxConcurrent = 1
		}
		l.classes[name] = &class{
			name:   name,
			limits: lim,
			sem:    semaphore.NewWeighted(int64(lim.MaxConcurrent)),
		}
	}
	return l
}

// Do runs fn once a concurrency slot and, if configured, a rate-window slot
// are available for c.
func (l *Limiter) Do(ctx context.Context, c Class, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	cl, ok := l.classes[c]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, c)
	}

	cl.queued.Add(1)
	err := cl.sem.Acquire(ctx, 1)
	cl.queued.Add(-1)
	if err != nil {
		return err
	}
	defer cl.sem.Release(1)

	if err := l.waitWindow(ctx, cl); err != nil {
		return err
	}

	cl.running.Add(1)
	defer func() {
		cl.running.Add(-1)
		cl.done.Add(1)
	}()
	return fn(ctx)
}

func (l *Limiter) waitWindow(ctx context.Context, cl *class) error {
	if l.window == nil || cl.limits.Limit <= 0 || cl.limits.Window <= 0 {
		return nil
	}
	key := "api:" + string(cl.name)
	for {
		allowed, err := l.window.Allow(ctx, key, cl.limits.Limit, cl.limits.Window)
		if err != nil {
			return fmt.Errorf("ratelimit: %s window: %w", cl.name, err)
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Run is Do for calls that return a value.
func Run[T any](ctx context.Context, l *Limiter, c Class, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, c, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Stats returns counters for c. Unknown classes report zeros.
func (l *Limiter) Stats(c Class) Stats {
	if l == nil {
		return Stats{}
	}
	cl, ok := l.classes[c]
	if !ok {
		return Stats{}
	}
	return Stats{
		Running: cl.running.Load(),
		Queued:  cl.queued.Load(),
		Done:    cl.done.Load(),
	}
}
