package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// testClient connects to POLYCOPY_TEST_POSTGRES_DSN and migrates, or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POLYCOPY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLYCOPY_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func newTrade() *domain.CopyTrade {
	now := time.Now().UTC().Truncate(time.Microsecond)
	tx := "0x" + uuid.NewString()
	return &domain.CopyTrade{
		ID:             uuid.NewString(),
		ConfigID:       "cfg-1",
		IdempotencyKey: domain.IdempotencyKey("cfg-1", tx, "123"),
		FollowerWallet: "0xfollower",
		ProxyAddress:   "0xproxy",
		LeaderTrader:   "0xleader",
		SourceTxHash:   tx,
		TokenID:        "123",
		Side:           domain.OrderSideBuy,
		LeaderSize:     100,
		LeaderPrice:    0.5,
		CopySize:       5,
		CopyPrice:      0.5,
		Slippage:       0.02,
		Status:         domain.CopyTradePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCopyTradeClaimAndTransition(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewCopyTradeStore(c.Pool())

	tr := newTrade()
	ok, err := s.InsertIfAbsent(ctx, tr)
	if err != nil || !ok {
		t.Fatalf("InsertIfAbsent = %v, %v", ok, err)
	}
	dup := *tr
	dup.ID = uuid.NewString()
	if ok, err := s.InsertIfAbsent(ctx, &dup); err != nil || ok {
		t.Fatalf("duplicate InsertIfAbsent = %v, %v", ok, err)
	}

	tr.Status = domain.CopyTradeExecuting
	if err := s.Transition(ctx, tr, domain.CopyTradePending); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := s.Transition(ctx, tr, domain.CopyTradePending); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale Transition err = %v, want ErrConflict", err)
	}

	got, err := s.GetByIdempotencyKey(ctx, tr.IdempotencyKey)
	if err != nil {
		t.Fatalf("GetByIdempotencyKey: %v", err)
	}
	if got.ID != tr.ID || got.Status != domain.CopyTradeExecuting {
		t.Errorf("got %s/%s", got.ID, got.Status)
	}

	fund := domain.TxRef{Hash: common.HexToHash("0xf0"), Nonce: 41}
	tr.SetFundTx(fund)
	tr.RealizedPnL = 1.25
	if err := s.Transition(ctx, tr, domain.CopyTradeExecuting); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	got, _ = s.GetByID(ctx, tr.ID)
	if ref, ok := got.FundTx(); !ok || ref != fund || got.RealizedPnL != 1.25 {
		t.Errorf("markers = %+v ok=%v pnl=%v", ref, ok, got.RealizedPnL)
	}
	stale, err := s.ListStale(ctx, domain.CopyTradeExecuting, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	found := false
	for _, st := range stale {
		found = found || st.ID == tr.ID
	}
	if !found {
		t.Error("executing trade missing from ListStale")
	}
}

func TestExecutedTotalsFiltersWallet(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewCopyTradeStore(c.Pool())

	tr := newTrade()
	tr.FollowerWallet = "0x" + uuid.NewString()
	if _, err := s.InsertIfAbsent(ctx, tr); err != nil {
		t.Fatal(err)
	}
	since := tr.CreatedAt.Add(-time.Second)
	tr.Status = domain.CopyTradeExecuting
	if err := s.Transition(ctx, tr, domain.CopyTradePending); err != nil {
		t.Fatal(err)
	}
	filled := tr.CreatedAt
	tr.Status, tr.ExecutedAt = domain.CopyTradeExecuted, &filled
	if err := s.Transition(ctx, tr, domain.CopyTradeExecuting); err != nil {
		t.Fatal(err)
	}
	got, err := s.ExecutedTotals(ctx, since, domain.TradeFilter{FollowerWallet: strings.ToUpper(tr.FollowerWallet)})
	if err != nil {
		t.Fatalf("ExecutedTotals: %v", err)
	}
	if got.Count != 1 || got.Notional != tr.CopySize {
		t.Errorf("totals = %+v", got)
	}
}

func TestLedgerMarkSettledIsAtomic(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	trades := NewCopyTradeStore(c.Pool())
	ledger := NewLedgerStore(c.Pool())

	tr := newTrade()
	if _, err := trades.InsertIfAbsent(ctx, tr); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	var ids []string
	for i := 0; i < 2; i++ {
		e := &domain.ReimbursementLedgerEntry{
			ID:           uuid.NewString(),
			CopyTradeID:  tr.ID,
			ProxyAddress: "0xproxy",
			BotAddress:   "0xbot",
			Amount:       decimal.RequireFromString("2.5"),
			Currency:     "USDC",
			Status:       domain.LedgerPending,
			CreatedAt:    time.Now(),
		}
		if err := ledger.Insert(ctx, e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, e.ID)
		if err := ledger.Insert(ctx, e); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("duplicate Insert err = %v, want ErrAlreadyExists", err)
		}
	}
	if err := ledger.MarkSubmitted(ctx, ids, "0xabc", 7); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}

	missing := append([]string{uuid.NewString()}, ids...)
	if err := ledger.MarkSettled(ctx, missing, "0xabc", time.Now()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("MarkSettled with unknown id err = %v, want ErrConflict", err)
	}
	if err := ledger.MarkSettled(ctx, ids, "0xabc", time.Now()); err != nil {
		t.Fatalf("MarkSettled: %v", err)
	}
	pending, err := ledger.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	for _, e := range pending {
		for _, id := range ids {
			if e.ID == id {
				t.Errorf("entry %s still pending", id)
			}
		}
	}
}
