package claim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testJob() dispatch.Job {
	return dispatch.Job{
		Config: domain.FollowerConfig{ID: "cfg-1", ProxyAddress: "0xProxy", Active: true},
		Signal: domain.TradeSignal{
			TraderAddress: "0xLeader",
			Side:          domain.OrderSideBuy,
			TokenID:       "123",
			Size:          100,
			Price:         0.5,
			SourceTxHash:  "0xABC",
		},
	}
}

var backoff = Backoff{Base: time.Second, Max: 8 * time.Second, MaxRetries: 3}

func TestConcurrentClaimsYieldOneTrade(t *testing.T) {
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := c.Claim(context.Background(), testJob(), Order{SizeUSDC: 10, Price: 0.5})
			if err != nil {
				t.Error(err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("claims won = %d, want 1", wins.Load())
	}

	got, err := store.GetByIdempotencyKey(context.Background(), "cfg-1:0xabc:123")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CopyTradePending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestDifferentConfigsClaimIndependently(t *testing.T) {
	c := NewClaimer(memory.NewCopyTradeStore(), backoff)
	j1, j2 := testJob(), testJob()
	j2.Config.ID = "cfg-2"
	_, ok1, _ := c.Claim(context.Background(), j1, Order{SizeUSDC: 1, Price: 0.5})
	_, ok2, _ := c.Claim(context.Background(), j2, Order{SizeUSDC: 1, Price: 0.5})
	if !ok1 || !ok2 {
		t.Fatalf("ok1=%v ok2=%v", ok1, ok2)
	}
}

func TestBeginIsCompareAndSet(t *testing.T) {
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	tr, _, _ := c.Claim(context.Background(), testJob(), Order{SizeUSDC: 10, Price: 0.5})

	a, b := tr, tr
	if err := c.Begin(context.Background(), &a); err != nil {
		t.Fatal(err)
	}
	if err := c.Begin(context.Background(), &b); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second begin err = %v, want conflict", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := backoff.Delay(i); got != w {
			t.Errorf("delay(%d) = %s, want %s", i, got, w)
		}
	}
}

func TestRetryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	queue := dispatch.NewMemoryQueue(10)
	c := NewClaimer(store, backoff)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	job := testJob()
	lookup := func(id string) (domain.FollowerConfig, bool) { return job.Config, id == job.Config.ID }
	sw := NewSweeper(store, queue, lookup, backoff, SweeperConfig{}, quietLogger())

	tr, _, _ := c.Claim(ctx, job, Order{SizeUSDC: 10, Price: 0.5})
	for attempt := 0; attempt <= backoff.MaxRetries; attempt++ {
		if err := c.Begin(ctx, &tr); err != nil {
			t.Fatalf("attempt %d begin: %v", attempt, err)
		}
		if err := c.Fail(ctx, &tr, "ORDER_REJECTED", "no liquidity", true); err != nil {
			t.Fatal(err)
		}
		if attempt == backoff.MaxRetries {
			break
		}
		if tr.NextRetryAt == nil {
			t.Fatalf("attempt %d: retry not scheduled", attempt)
		}

		// Not yet due.
		if n, _ := sw.SweepOnce(ctx, now); n != 0 {
			t.Fatalf("swept before due: %d", n)
		}
		n, err := sw.SweepOnce(ctx, *tr.NextRetryAt)
		if err != nil || n != 1 {
			t.Fatalf("sweep n=%d err=%v", n, err)
		}
		queued, ok, _ := queue.Dequeue(ctx)
		if !ok || queued.RetryTradeID != tr.ID {
			t.Fatalf("retry job missing: %+v", queued)
		}
		tr, _ = store.GetByID(ctx, tr.ID)
		if tr.Status != domain.CopyTradePending || tr.RetryCount != attempt+1 {
			t.Fatalf("after sweep status=%s retries=%d", tr.Status, tr.RetryCount)
		}
	}

	final, _ := store.GetByID(ctx, tr.ID)
	if final.Status != domain.CopyTradeFailed || final.NextRetryAt != nil {
		t.Fatalf("expected terminal failure, got %s next=%v", final.Status, final.NextRetryAt)
	}
	if final.ErrorCode != "ORDER_REJECTED" || final.ErrorMessage != "no liquidity" {
		t.Fatalf("error not persisted: %+v", final)
	}
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	tr, _, _ := c.Claim(ctx, testJob(), Order{SizeUSDC: 10, Price: 0.5})
	c.Begin(ctx, &tr)
	c.Fail(ctx, &tr, "INSUFFICIENT_PROXY_FUNDS", "balance 1 < 10", false)
	if tr.NextRetryAt != nil {
		t.Fatal("non-retryable failure scheduled a retry")
	}
}

func TestSweepRestoresRetryWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	queue := dispatch.NewMemoryQueue(1)
	queue.Enqueue(ctx, dispatch.Job{})
	c := NewClaimer(store, backoff)
	job := testJob()
	lookup := func(string) (domain.FollowerConfig, bool) { return job.Config, true }
	sw := NewSweeper(store, queue, lookup, backoff, SweeperConfig{}, quietLogger())

	tr, _, _ := c.Claim(ctx, job, Order{SizeUSDC: 10, Price: 0.5})
	c.Begin(ctx, &tr)
	c.Fail(ctx, &tr, "RPC_FAILURE", "timeout", true)

	n, err := sw.SweepOnce(ctx, tr.NextRetryAt.Add(time.Second))
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got, _ := store.GetByID(ctx, tr.ID)
	if got.Status != domain.CopyTradeFailed || got.RetryCount != 0 || got.NextRetryAt == nil {
		t.Fatalf("retry not restored: %+v", got)
	}
}

func TestSettlementPendingThenSettle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	tr, _, _ := c.Claim(ctx, testJob(), Order{SizeUSDC: 10, Price: 0.5})
	c.Begin(ctx, &tr)
	if err := c.Succeed(ctx, &tr, true); err != nil {
		t.Fatal(err)
	}
	if tr.Status != domain.CopyTradeSettlementPending || !tr.SettlementDeferred {
		t.Fatalf("status=%s deferred=%v", tr.Status, tr.SettlementDeferred)
	}
	if err := c.Settle(ctx, &tr, "0xsettle"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByID(ctx, tr.ID)
	if got.Status != domain.CopyTradeExecuted || got.SettlementTxHash != "0xsettle" {
		t.Fatalf("got %+v", got)
	}
	if err := c.Settle(ctx, &got, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("settling twice err = %v", err)
	}
}

func TestExpireStalePending(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }
	tr, _, _ := c.Claim(ctx, testJob(), Order{SizeUSDC: 10, Price: 0.5})

	sw := NewSweeper(store, dispatch.NewMemoryQueue(1), nil, backoff, SweeperConfig{PendingTTL: 10 * time.Minute}, quietLogger())
	if n, _ := sw.ExpireStale(ctx, start.Add(5*time.Minute)); n != 0 {
		t.Fatalf("expired too early: %d", n)
	}
	if n, _ := sw.ExpireStale(ctx, start.Add(11*time.Minute)); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	got, _ := store.GetByID(ctx, tr.ID)
	if got.Status != domain.CopyTradeFailed || got.ErrorCode != "EXPIRED" {
		t.Fatalf("got %+v", got)
	}
}

func TestExpireStaleLeavesTradesWithTransfers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return start }
	tr, _, _ := c.Claim(ctx, testJob(), Order{SizeUSDC: 10, Price: 0.5})

	// A held retry back in the queue: FAILED with a pull, then PENDING.
	marked := tr
	marked.FundTxHash = "0x01"
	marked.Status = domain.CopyTradeFailed
	if err := store.Transition(ctx, &marked, domain.CopyTradePending); err != nil {
		t.Fatal(err)
	}
	marked.Status = domain.CopyTradePending
	if err := store.Transition(ctx, &marked, domain.CopyTradeFailed); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(store, dispatch.NewMemoryQueue(1), nil, backoff, SweeperConfig{PendingTTL: 10 * time.Minute}, quietLogger())
	if n, _ := sw.ExpireStale(ctx, start.Add(time.Hour)); n != 0 {
		t.Fatalf("expired = %d, want 0", n)
	}
	if got, _ := store.GetByID(ctx, tr.ID); got.Status != domain.CopyTradePending {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestHoldRetriesPastMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	tr, _, _ := c.Claim(ctx, testJob(), Order{SizeUSDC: 10, Price: 0.5})
	tr.RetryCount = backoff.MaxRetries

	if err := c.Begin(ctx, &tr); err != nil {
		t.Fatal(err)
	}
	if !c.Exhausted(tr) {
		t.Fatal("trade at MaxRetries not exhausted")
	}
	if err := c.Hold(ctx, &tr, "TX_IN_FLIGHT", "pull unconfirmed"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByID(ctx, tr.ID)
	if got.Status != domain.CopyTradeFailed || got.NextRetryAt == nil || got.ErrorCode != "TX_IN_FLIGHT" {
		t.Fatalf("held trade = %s next=%v code=%s", got.Status, got.NextRetryAt, got.ErrorCode)
	}
}

func TestCheckpointKeepsStatusAndPersistsMarkers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	tr, _, _ := c.Claim(ctx, testJob(), Order{SizeUSDC: 10, Price: 0.5})
	c.Begin(ctx, &tr)

	stale := tr
	tr.FundTxHash = "0xfund"
	if err := c.Checkpoint(ctx, &tr); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByID(ctx, tr.ID)
	if got.Status != domain.CopyTradeExecuting || got.FundTxHash != "0xfund" {
		t.Fatalf("got %s fund=%q", got.Status, got.FundTxHash)
	}
	// A stale copy cannot overwrite a finished trade.
	if err := c.Succeed(ctx, &tr, false); err != nil {
		t.Fatal(err)
	}
	if err := c.Checkpoint(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("checkpoint after success err = %v, want conflict", err)
	}
}

func TestBeginClearsPreviousErrorAndSucceedKeepsWarnings(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCopyTradeStore()
	c := NewClaimer(store, backoff)
	tr, _, _ := c.Claim(ctx, testJob(), Order{SizeUSDC: 10, Price: 0.5})
	tr.ErrorCode, tr.ErrorMessage = "ORDER_REJECTED", "no liquidity"

	if err := c.Begin(ctx, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.ErrorCode != "" || tr.ErrorMessage != "" {
		t.Fatalf("begin kept error %q", tr.ErrorCode)
	}
	tr.ErrorCode = "LEDGER_UNRECORDED"
	if err := c.Succeed(ctx, &tr, true); err != nil {
		t.Fatal(err)
	}
	if tr.ErrorCode != "LEDGER_UNRECORDED" || tr.ExecutedAt == nil {
		t.Fatalf("succeed: code=%q executed=%v", tr.ErrorCode, tr.ExecutedAt)
	}
	filled := *tr.ExecutedAt
	if err := c.Settle(ctx, &tr, "0xs"); err != nil {
		t.Fatal(err)
	}
	if !tr.ExecutedAt.Equal(filled) {
		t.Fatal("settle moved the fill time")
	}
}
