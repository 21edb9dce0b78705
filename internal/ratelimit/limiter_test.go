package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyBound(t *testing.T) {
	l := New(map[Class]Limits{ClassCLOB: {MaxConcurrent: 2}}, nil)

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), ClassCLOB, func(context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				cur.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if st := l.Stats(ClassCLOB); st.Done != 10 || st.Running != 0 || st.Queued != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestUnknownClass(t *testing.T) {
	l := New(map[Class]Limits{ClassRPC: {MaxConcurrent: 1}}, nil)
	err := l.Do(context.Background(), ClassGamma, func(context.Context) error { return nil })
	if !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("err = %v", err)
	}
}

func TestNilLimiterRunsDirectly(t *testing.T) {
	var l *Limiter
	v, err := Run(context.Background(), l, ClassRPC, func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

type countingWindow struct {
	mu      sync.Mutex
	calls   int
	allowAt int
}

func (w *countingWindow) Allow(context.Context, string, int, time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.calls >= w.allowAt, nil
}

func TestWindowWaitsUntilAllowed(t *testing.T) {
	w := &countingWindow{allowAt: 3}
	l := New(map[Class]Limits{ClassCLOB: {MaxConcurrent: 1, Limit: 1, Window: time.Second}}, w)
	l.poll = time.Millisecond

	ran := false
	if err := l.Do(context.Background(), ClassCLOB, func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !ran || w.calls != 3 {
		t.Fatalf("ran=%v calls=%d", ran, w.calls)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(map[Class]Limits{ClassRPC: {MaxConcurrent: 1}}, nil)
	release := make(chan struct{})
	go l.Do(context.Background(), ClassRPC, func(context.Context) error { <-release; return nil })
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, ClassRPC, func(context.Context) error { return nil })
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
