package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// testClient connects to POLYCOPY_TEST_REDIS_ADDR or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("POLYCOPY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POLYCOPY_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{Addr: addr, PoolSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDispatchQueueBounded(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	key := "test:queue:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), c.Key(key)) })

	q := NewDispatchQueue(c, key, 2)
	for i, want := range []bool{true, true, false} {
		ok, err := q.Enqueue(ctx, dispatch.Job{RetryTradeID: string(rune('a' + i))})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if ok != want {
			t.Fatalf("Enqueue %d = %v, want %v", i, ok, want)
		}
	}
	job, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("Dequeue = %v, %v", ok, err)
	}
	if job.RetryTradeID != "a" {
		t.Errorf("Dequeue order: got %q, want a", job.RetryTradeID)
	}
	if st := q.Stats(); st.Dropped != 1 || st.Enqueued != 2 || st.Dequeued != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestDedupFirstSeen(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	d := NewDedup(c)
	key := "test:" + uuid.NewString()

	first, err := d.FirstSeen(ctx, key, time.Minute)
	if err != nil || !first {
		t.Fatalf("first FirstSeen = %v, %v", first, err)
	}
	again, err := d.FirstSeen(ctx, key, time.Minute)
	if err != nil || again {
		t.Fatalf("second FirstSeen = %v, %v", again, err)
	}
}

func TestLockManager(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)
	key := "test:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := lm.Acquire(ctx, key, time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire err = %v, want ErrLockHeld", err)
	}
	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}
	unlock2()
}

func TestRateLimiterWindow(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("Allow %d = %v, %v", i, ok, err)
		}
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("fourth request allowed inside the window")
	}
}

func TestCaches(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	token := uuid.NewString()

	mc := NewMarketCache(c)
	if _, err := mc.GetByToken(ctx, token); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByToken miss err = %v", err)
	}
	info := domain.MarketInfo{ID: "1", Slug: "will-it-rain", TokenID: token, Active: true}
	if err := mc.Set(ctx, info, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := mc.GetByToken(ctx, token)
	if err != nil || got != info {
		t.Fatalf("GetByToken = %+v, %v", got, err)
	}

	pc := NewPriceCache(c)
	ts := time.Unix(1700000000, 0)
	if err := pc.SetPrice(ctx, token, 0.42, ts); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	p, at, err := pc.GetPrice(ctx, token)
	if err != nil || p != 0.42 || !at.Equal(ts) {
		t.Fatalf("GetPrice = %v, %v, %v", p, at, err)
	}
}

func TestSignalBusStreamReplay(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	stream := "test:events:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })

	bus := NewSignalBus(c, 5)
	for i := 0; i < 3; i++ {
		if err := bus.StreamAppend(ctx, stream, []byte{byte('a' + i)}); err != nil {
			t.Fatalf("StreamAppend: %v", err)
		}
	}
	msgs, err := bus.StreamRead(ctx, stream, "0-0", 10)
	if err != nil {
		t.Fatalf("StreamRead: %v", err)
	}
	if len(msgs) != 3 || string(msgs[0].Payload) != "a" || string(msgs[2].Payload) != "c" {
		t.Fatalf("messages = %+v", msgs)
	}
	rest, err := bus.StreamRead(ctx, stream, msgs[2].ID, 10)
	if err != nil || len(rest) != 0 {
		t.Fatalf("read past end = %v, %v", rest, err)
	}
}
