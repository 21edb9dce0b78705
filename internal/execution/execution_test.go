package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/claim"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/position"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
)

const proxyHex = "0x00000000000000000000000000000000000000aa"

var botAddr = common.HexToAddress("0x00000000000000000000000000000000000000b0")

type fakeChain struct {
	mu          sync.Mutex
	proxyUSDC   int64
	proxyTokens int64
	botUSDC     int64
	approved    bool
	allowance   int64
	balanceErr  error
	sent        []chain.Transfer
	kinds       map[common.Hash]chain.TransferKind
	waitErrs    map[chain.TransferKind][]error
	states      map[chain.TransferKind]chain.TxState
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		proxyUSDC:   100_000_000,
		proxyTokens: 100_000_000,
		approved:    true,
		allowance:   math.MaxInt64,
		kinds:       make(map[common.Hash]chain.TransferKind),
		waitErrs:    make(map[chain.TransferKind][]error),
		states:      make(map[chain.TransferKind]chain.TxState),
	}
}

// failNextWait makes the next Wait on a transfer of kind return err.
func (f *fakeChain) failNextWait(kind chain.TransferKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitErrs[kind] = append(f.waitErrs[kind], err)
}

func (f *fakeChain) setState(kind chain.TransferKind, s chain.TxState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[kind] = s
}

func (f *fakeChain) movesOf(kind chain.TransferKind) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, tr := range f.sent {
		if tr.Kind == kind {
			out = append(out, tr.Amount.Int64())
		}
	}
	return out
}

func (f *fakeChain) transfers(kind chain.TransferKind) []chain.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.Transfer
	for _, tr := range f.sent {
		if tr.Kind == kind {
			out = append(out, tr)
		}
	}
	return out
}

func (f *fakeChain) BotAddress() common.Address { return botAddr }

func (f *fakeChain) USDCBalance(_ context.Context, owner common.Address) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if owner == botAddr {
		return big.NewInt(f.botUSDC), nil
	}
	return big.NewInt(f.proxyUSDC), nil
}

func (f *fakeChain) TokenBalance(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(f.proxyTokens), nil
}

func (f *fakeChain) ProxyAllowance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(f.allowance), nil
}

func (f *fakeChain) ProxyApprovedForAll(context.Context, common.Address) (bool, error) {
	return f.approved, nil
}

func (f *fakeChain) Submit(_ context.Context, tr chain.Transfer) (domain.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tr)
	n := uint64(len(f.sent))
	if tr.Nonce != nil {
		n = *tr.Nonce
	}
	ref := domain.TxRef{Hash: common.BigToHash(big.NewInt(int64(len(f.sent)))), Nonce: n}
	f.kinds[ref.Hash] = tr.Kind
	return ref, nil
}

func (f *fakeChain) Wait(_ context.Context, ref domain.TxRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := f.kinds[ref.Hash]
	if errs := f.waitErrs[kind]; len(errs) > 0 {
		f.waitErrs[kind] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeChain) TxState(_ context.Context, ref domain.TxRef) (chain.TxState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[f.kinds[ref.Hash]]; ok {
		return s, nil
	}
	return chain.TxMined, nil
}

type fakeExchange struct {
	mu     sync.Mutex
	orders []domain.MarketOrderRequest
	result domain.OrderResult
	err    error
}

func (f *fakeExchange) CreateMarketOrder(_ context.Context, req domain.MarketOrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if f.err != nil {
		return domain.OrderResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeExchange) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []domain.ReimbursementLedgerEntry
	calls   int
	err     error
}

func (f *fakeLedger) Record(_ context.Context, e domain.ReimbursementLedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

type fakeReserve int64

func (f fakeReserve) ReservedUSDC(context.Context) (*big.Int, error) {
	return big.NewInt(int64(f)), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

type harness struct {
	chain    *fakeChain
	exchange *fakeExchange
	trades   *memory.CopyTradeStore
	tracker  *position.Tracker
	ledger   *fakeLedger
	audit    *memory.AuditStore
	notifier *fakeNotifier
	proc     *Processor
}

// wiring adjusts the collaborators before the processor is built.
type wiring func(h *harness, svc *ServiceDeps, proc *ProcessorDeps)

func newHarness(t *testing.T, svcCfg Config, procCfg ProcessorConfig, wire ...wiring) *harness {
	t.Helper()
	h := &harness{
		chain:    newFakeChain(),
		exchange: &fakeExchange{result: domain.OrderResult{Success: true, OrderID: "ord-1", TransactionHashes: []string{"0xfill"}}},
		trades:   memory.NewCopyTradeStore(),
		tracker:  position.NewTracker(),
		ledger:   &fakeLedger{},
		audit:    memory.NewAuditStore(),
		notifier: &fakeNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	claimer := claim.NewClaimer(h.trades, claim.Backoff{Base: time.Second, Max: time.Minute, MaxRetries: 3})
	svcDeps := ServiceDeps{Positions: h.tracker, Ledger: h.ledger, Progress: claimer}
	procDeps := ProcessorDeps{Audit: h.audit, Notifier: h.notifier}
	for _, w := range wire {
		w(h, &svcDeps, &procDeps)
	}
	if svcCfg.LedgerRetryDelay == 0 {
		svcCfg.LedgerRetryDelay = time.Millisecond
	}
	svc := NewService(h.chain, h.exchange, svcDeps, svcCfg, logger)
	h.proc = NewProcessor(claimer, h.trades, svc, procDeps, procCfg, logger)
	return h
}

// requeue does what the retry sweeper does for a due trade, then runs the
// retry job.
func (h *harness) requeue(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	tr, err := h.trades.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != domain.CopyTradeFailed || tr.NextRetryAt == nil {
		t.Fatalf("trade %s is %s with retry %v, want a scheduled retry", id, tr.Status, tr.NextRetryAt)
	}
	retry := tr
	retry.Status = domain.CopyTradePending
	retry.RetryCount++
	retry.NextRetryAt = nil
	if err := h.trades.Transition(ctx, &retry, domain.CopyTradeFailed); err != nil {
		t.Fatal(err)
	}
	if err := h.proc.Process(ctx, dispatch.Job{RetryTradeID: id}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) events() []string {
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	return append([]string(nil), h.notifier.events...)
}

func (h *harness) trade(t *testing.T, job dispatch.Job) domain.CopyTrade {
	t.Helper()
	key := domain.IdempotencyKey(job.Config.ID, job.Signal.SourceTxHash, job.Signal.TokenID)
	tr, err := h.trades.GetByIdempotencyKey(context.Background(), key)
	if err != nil {
		t.Fatalf("trade %s: %v", key, err)
	}
	return tr
}

func leaderJob(side domain.OrderSide, scale float64) dispatch.Job {
	return dispatch.Job{
		Config: domain.FollowerConfig{
			ID:              "cfg-1",
			FollowerWallet:  "0xfollower",
			ProxyAddress:    proxyHex,
			LeaderAddress:   "0xleader",
			Mode:            domain.SizingPercentage,
			SizeScale:       scale,
			MaxSizePerTrade: 20,
			SlippageType:    domain.SlippageFixed,
			MaxSlippage:     2,
			AutoExecute:     true,
			Active:          true,
		},
		Signal: domain.TradeSignal{
			TraderAddress: "0xleader",
			Side:          side,
			TokenID:       "1234",
			Size:          100,
			Price:         0.5,
			SourceTxHash:  "0xSRC",
		},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBuyCopiesLeaderAndSettles(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	job := leaderJob(domain.OrderSideBuy, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeExecuted {
		t.Fatalf("status = %s (%s)", tr.Status, tr.ErrorMessage)
	}
	if !approx(tr.CopySize, 10) || !approx(tr.FilledShares, 20) {
		t.Fatalf("size = %v shares = %v, want $10 / 20", tr.CopySize, tr.FilledShares)
	}
	if pulls := h.chain.movesOf(chain.PullUSDC); len(pulls) != 1 || pulls[0] != 10_000_000 {
		t.Fatalf("usdc pulls = %v", pulls)
	}
	if pushes := h.chain.movesOf(chain.PushTokens); len(pushes) != 1 || pushes[0] != 20_000_000 {
		t.Fatalf("token pushes = %v", pushes)
	}
	order := h.exchange.orders[0]
	if order.OrderType != domain.OrderTypeFOK || !approx(order.Amount, 20) || !approx(order.Price, 0.51) {
		t.Fatalf("order = %+v", order)
	}

	m := h.tracker.Metrics("1234")
	if !approx(m.Shares, 20) || !approx(m.CostBasis, 10) || !approx(m.AvgPrice, 0.5) {
		t.Fatalf("position = %+v", m)
	}
	if tr.OrderID != "ord-1" || tr.TxHash != "0xfill" || tr.ExecutedAt == nil {
		t.Fatalf("fill details not stored: %+v", tr)
	}
	if tr.FundTxHash == "" || tr.SettlementTxHash == "" || tr.FundTxHash == tr.SettlementTxHash {
		t.Fatalf("transfer markers = fund %q settle %q", tr.FundTxHash, tr.SettlementTxHash)
	}
}

func TestTenPercentOfFiftyIsFive(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	job := leaderJob(domain.OrderSideBuy, 0.1)
	s := h.proc.Size(context.Background(), job.Config, job.Signal)
	if !approx(s.SizeUSDC, 5) || !approx(s.Slippage, 0.02) {
		t.Fatalf("sizing = %+v", s)
	}
}

func TestInsufficientProxyFundsIsTerminal(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.chain.proxyUSDC = 5_000_000
	job := leaderJob(domain.OrderSideBuy, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeFailed || tr.ErrorCode != CodeInsufficientProxyFunds {
		t.Fatalf("trade = %s/%s", tr.Status, tr.ErrorCode)
	}
	if tr.NextRetryAt != nil {
		t.Fatal("insufficient funds must not be retried")
	}
	if h.exchange.calls() != 0 {
		t.Fatal("exchange contacted")
	}
	if len(h.events()) != 1 || h.events()[0] != "trade_failed" {
		t.Fatalf("notifications = %v", h.events())
	}
}

func TestRejectedOrderRefundsAndRetries(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.exchange.result = domain.OrderResult{Success: false, Message: "no liquidity"}
	job := leaderJob(domain.OrderSideBuy, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if refunds := h.chain.movesOf(chain.PushUSDC); len(refunds) != 1 || refunds[0] != 10_000_000 {
		t.Fatalf("refunds = %v", refunds)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeFailed || tr.ErrorCode != CodeOrderRejected || tr.NextRetryAt == nil {
		t.Fatalf("trade = %s/%s retry=%v", tr.Status, tr.ErrorCode, tr.NextRetryAt)
	}
	if len(h.events()) != 0 {
		t.Fatal("retryable failure should not alert")
	}
	if h.tracker.Metrics("1234").Shares != 0 {
		t.Fatal("position changed without a fill")
	}
	if tr.FundTxHash != "" || tr.SettlementTxHash != "" {
		t.Fatalf("refunded trade kept markers: fund %q refund %q", tr.FundTxHash, tr.SettlementTxHash)
	}
}

func TestFloatSkipsPullAndRecordsReimbursement(t *testing.T) {
	h := newHarness(t, Config{UseFloat: true}, ProcessorConfig{})
	h.chain.botUSDC = 50_000_000
	job := leaderJob(domain.OrderSideBuy, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if pulls := h.chain.movesOf(chain.PullUSDC); len(pulls) != 0 {
		t.Fatalf("float path pulled %v", pulls)
	}
	if len(h.ledger.entries) != 1 {
		t.Fatalf("ledger entries = %d", len(h.ledger.entries))
	}
	e := h.ledger.entries[0]
	if e.Amount.String() != "10" || e.Status != domain.LedgerPending || e.CopyTradeID != h.trade(t, job).ID {
		t.Fatalf("entry = %+v", e)
	}
	if !h.trade(t, job).UsedExecutionWalletFloat {
		t.Fatal("float flag not stored")
	}
}

func TestFloatFallsBackToPullWhenWalletShort(t *testing.T) {
	h := newHarness(t, Config{UseFloat: true}, ProcessorConfig{})
	h.chain.botUSDC = 1_000_000
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(h.chain.movesOf(chain.PullUSDC)) != 1 || len(h.ledger.entries) != 0 {
		t.Fatal("expected a pull and no reimbursement")
	}
}

func TestDuplicateJobExecutesOnce(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	job := leaderJob(domain.OrderSideBuy, 0.2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.proc.Process(context.Background(), job); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if h.exchange.calls() != 1 {
		t.Fatalf("orders placed = %d, want 1", h.exchange.calls())
	}
}

func TestDeferredSettlementParksTrade(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{DeferSettlement: true})
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeSettlementPending || !tr.SettlementDeferred {
		t.Fatalf("status = %s", tr.Status)
	}
	if len(h.chain.movesOf(chain.PushTokens)) != 0 {
		t.Fatal("tokens pushed despite deferral")
	}
}

func TestSellPullsTokensAndReturnsProceeds(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.tracker.OnBuy("1234", 40, 0.4)
	h.exchange.result = domain.OrderResult{Success: true, OrderID: "ord-2", FilledShares: 20, FilledPrice: 0.5}
	job := leaderJob(domain.OrderSideSell, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if pulls := h.chain.movesOf(chain.PullTokens); len(pulls) != 1 || pulls[0] != 20_000_000 {
		t.Fatalf("token pulls = %v", pulls)
	}
	if pushes := h.chain.movesOf(chain.PushUSDC); len(pushes) != 1 || pushes[0] != 10_000_000 {
		t.Fatalf("usdc pushes = %v", pushes)
	}
	if got := h.exchange.orders[0].Price; !approx(got, 0.49) {
		t.Fatalf("sell worst price = %v, want 0.49", got)
	}
	m := h.tracker.Metrics("1234")
	if !approx(m.Shares, 20) || !approx(m.RealizedPnL, 2) {
		t.Fatalf("position = %+v", m)
	}
	if tr := h.trade(t, job); !approx(tr.RealizedPnL, 2) {
		t.Fatalf("trade realized pnl = %v, want 2", tr.RealizedPnL)
	}
}

func TestSellWithoutApprovalIsTerminal(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.chain.approved = false
	job := leaderJob(domain.OrderSideSell, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.ErrorCode != CodeAllowanceMissing || tr.NextRetryAt != nil {
		t.Fatalf("trade = %s retry=%v", tr.ErrorCode, tr.NextRetryAt)
	}
	if len(h.chain.movesOf(chain.PullTokens)) != 0 {
		t.Fatal("tokens pulled without approval")
	}
}

func TestRPCFailureIsRetryable(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.chain.balanceErr = errors.New("connection reset")
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.ErrorCode != CodeRPCFailure || tr.NextRetryAt == nil {
		t.Fatalf("trade = %s retry=%v", tr.ErrorCode, tr.NextRetryAt)
	}
}

func TestRetryJobReDrivesPendingTrade(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.exchange.err = errors.New("timeout")
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)

	h.exchange.err = nil
	h.requeue(t, tr.ID)
	if got := h.trade(t, job); got.Status != domain.CopyTradeExecuted || got.RetryCount != 1 {
		t.Fatalf("after retry: %s count=%d", got.Status, got.RetryCount)
	}
}

func TestInvalidTokenIsTerminal(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	job := leaderJob(domain.OrderSideBuy, 0.2)
	job.Signal.TokenID = "0xnot-decimal"
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if tr := h.trade(t, job); tr.ErrorCode != CodeInvalidToken || tr.NextRetryAt != nil {
		t.Fatalf("trade = %s", tr.ErrorCode)
	}
}

func TestAutoExecuteOffLeavesPending(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	job := leaderJob(domain.OrderSideBuy, 0.2)
	job.Config.AutoExecute = false
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if tr := h.trade(t, job); tr.Status != domain.CopyTradePending {
		t.Fatalf("status = %s", tr.Status)
	}
	if h.exchange.calls() != 0 {
		t.Fatal("order placed with auto-execute off")
	}
}

func TestBuyWithoutAllowanceIsTerminal(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.chain.allowance = 1_000_000
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeFailed || tr.ErrorCode != CodeAllowanceMissing || tr.NextRetryAt != nil {
		t.Fatalf("trade = %s/%s retry=%v", tr.Status, tr.ErrorCode, tr.NextRetryAt)
	}
	if pulls := h.chain.movesOf(chain.PullUSDC); len(pulls) != 0 {
		t.Fatalf("pulled %v without allowance", pulls)
	}
	if h.exchange.calls() != 0 {
		t.Fatal("exchange contacted")
	}
}

func TestFloatReserveKeepsOwedProceeds(t *testing.T) {
	h := newHarness(t, Config{UseFloat: true}, ProcessorConfig{}, func(_ *harness, svc *ServiceDeps, _ *ProcessorDeps) {
		svc.Reserve = fakeReserve(10_000_000)
	})
	h.chain.botUSDC = 15_000_000
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(h.chain.movesOf(chain.PullUSDC)) != 1 || len(h.ledger.entries) != 0 {
		t.Fatal("float spent money owed to a follower")
	}
}

func TestFloatLedgerFailureIsFlaggedOnTrade(t *testing.T) {
	h := newHarness(t, Config{UseFloat: true}, ProcessorConfig{})
	h.chain.botUSDC = 50_000_000
	h.ledger.err = errors.New("db down")
	job := leaderJob(domain.OrderSideBuy, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeExecuted {
		t.Fatalf("status = %s, a filled trade must still be recorded", tr.Status)
	}
	if tr.ErrorCode != CodeLedgerUnrecorded || !strings.Contains(tr.ErrorMessage, "db down") {
		t.Fatalf("error = %s %q", tr.ErrorCode, tr.ErrorMessage)
	}
	if h.ledger.calls != 3 {
		t.Fatalf("ledger attempts = %d, want 3", h.ledger.calls)
	}
}

func TestFloatLedgerDuplicateCountsAsRecorded(t *testing.T) {
	h := newHarness(t, Config{UseFloat: true}, ProcessorConfig{})
	h.chain.botUSDC = 50_000_000
	h.ledger.err = domain.ErrAlreadyExists
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if tr := h.trade(t, job); tr.ErrorCode != "" || h.ledger.calls != 1 {
		t.Fatalf("error = %q after %d calls", tr.ErrorCode, h.ledger.calls)
	}
}

func TestPullTimeoutIsResolvedNotRepeated(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.chain.failNextWait(chain.PullUSDC, fmt.Errorf("chain: wait: %w", chain.ErrReceiptTimeout))
	h.chain.setState(chain.PullUSDC, chain.TxPending)
	job := leaderJob(domain.OrderSideBuy, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeFailed || tr.ErrorCode != CodeTxInFlight || tr.FundTxHash == "" {
		t.Fatalf("trade = %s/%s fund=%q", tr.Status, tr.ErrorCode, tr.FundTxHash)
	}
	if h.exchange.calls() != 0 {
		t.Fatal("order placed before the pull was mined")
	}

	// Still unmined on the first retry: held again, nothing resent.
	h.requeue(t, tr.ID)
	if got := h.trade(t, job); got.ErrorCode != CodeTxInFlight || got.NextRetryAt == nil {
		t.Fatalf("pending pull: %s retry=%v", got.ErrorCode, got.NextRetryAt)
	}

	h.chain.setState(chain.PullUSDC, chain.TxMined)
	h.requeue(t, tr.ID)
	got := h.trade(t, job)
	if got.Status != domain.CopyTradeExecuted {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	if pulls := h.chain.movesOf(chain.PullUSDC); len(pulls) != 1 {
		t.Fatalf("usdc pulls = %v, want exactly one", pulls)
	}
	if h.exchange.calls() != 1 {
		t.Fatalf("orders = %d", h.exchange.calls())
	}
}

func TestUnresolvedPullOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		waitErr   error
		state     chain.TxState
		wantPulls int
		wantCode  string
	}{
		{"reverted pull is sent again", chain.ErrTxReverted, chain.TxReverted, 2, ""},
		{"dropped pull is resent on its nonce", chain.ErrReceiptTimeout, chain.TxDropped, 2, ""},
		{"replaced by an unseen tx needs an operator", chain.ErrReceiptTimeout, chain.TxUnknown, 1, CodeReconcileRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, ProcessorConfig{})
			h.chain.failNextWait(chain.PullUSDC, tt.waitErr)
			h.chain.setState(chain.PullUSDC, tt.state)
			job := leaderJob(domain.OrderSideBuy, 0.2)
			if err := h.proc.Process(context.Background(), job); err != nil {
				t.Fatal(err)
			}
			first := h.trade(t, job)
			h.requeue(t, first.ID)

			got := h.trade(t, job)
			pulls := h.chain.transfers(chain.PullUSDC)
			if len(pulls) != tt.wantPulls {
				t.Fatalf("pulls = %d, want %d", len(pulls), tt.wantPulls)
			}
			if tt.wantCode != "" {
				if got.Status != domain.CopyTradeFailed || got.ErrorCode != tt.wantCode || got.NextRetryAt != nil {
					t.Fatalf("trade = %s/%s retry=%v", got.Status, got.ErrorCode, got.NextRetryAt)
				}
				if ev := h.events(); len(ev) != 1 || ev[0] != "trade_failed" {
					t.Fatalf("notifications = %v", ev)
				}
				return
			}
			if got.Status != domain.CopyTradeExecuted {
				t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
			}
			if tt.state == chain.TxDropped {
				if pulls[1].Nonce == nil || *pulls[1].Nonce != first.FundTxNonce {
					t.Fatalf("resent pull nonce = %v, want %d", pulls[1].Nonce, first.FundTxNonce)
				}
			}
		})
	}
}

func TestRefundTimeoutHoldsTradeUntilMined(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.exchange.result = domain.OrderResult{Success: false, Message: "no liquidity"}
	h.chain.failNextWait(chain.PushUSDC, chain.ErrReceiptTimeout)
	job := leaderJob(domain.OrderSideBuy, 0.2)

	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeFailed || tr.NextRetryAt == nil {
		t.Fatalf("trade = %s retry=%v", tr.Status, tr.NextRetryAt)
	}
	if tr.FundTxHash == "" || tr.SettlementTxHash == "" {
		t.Fatalf("markers = fund %q refund %q", tr.FundTxHash, tr.SettlementTxHash)
	}

	h.exchange.result = domain.OrderResult{Success: true, OrderID: "ord-9"}
	h.requeue(t, tr.ID)
	got := h.trade(t, job)
	if got.Status != domain.CopyTradeExecuted || got.OrderID != "ord-9" {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	// The refund landed, so the retry starts over with a fresh pull.
	if pulls, refunds := h.chain.movesOf(chain.PullUSDC), h.chain.movesOf(chain.PushUSDC); len(pulls) != 2 || len(refunds) != 1 {
		t.Fatalf("pulls = %v refunds = %v", pulls, refunds)
	}
}

func TestHeldTradeAlertsOnceRetriesRunOut(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.chain.failNextWait(chain.PullUSDC, chain.ErrReceiptTimeout)
	h.chain.setState(chain.PullUSDC, chain.TxPending)
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	id := h.trade(t, job).ID
	for i := 0; i < 3; i++ {
		h.requeue(t, id)
	}
	got := h.trade(t, job)
	if got.NextRetryAt == nil || got.RetryCount != 3 {
		t.Fatalf("held trade retry=%v count=%d", got.NextRetryAt, got.RetryCount)
	}
	if ev := h.events(); len(ev) != 1 || ev[0] != "trade_stuck" {
		t.Fatalf("notifications = %v", ev)
	}
	if len(h.chain.movesOf(chain.PullUSDC)) != 1 {
		t.Fatal("held pull was resent")
	}
}

func TestGasHintRidesOnThePull(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	hint := &domain.GasHint{MaxFeePerGas: big.NewInt(90), MaxPriorityFeePerGas: big.NewInt(30)}
	job := leaderJob(domain.OrderSideBuy, 0.2)
	job.Signal.Gas = hint
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	pulls := h.chain.transfers(chain.PullUSDC)
	if len(pulls) != 1 || pulls[0].Gas != hint {
		t.Fatalf("pull gas = %+v", pulls)
	}
	if pushes := h.chain.transfers(chain.PushTokens); len(pushes) != 1 || pushes[0].Gas != nil {
		t.Fatalf("settlement push carried the leader's fees: %+v", pushes)
	}
}

func TestSettlementTimeoutDefersWithMarker(t *testing.T) {
	h := newHarness(t, Config{}, ProcessorConfig{})
	h.chain.failNextWait(chain.PushTokens, chain.ErrReceiptTimeout)
	job := leaderJob(domain.OrderSideBuy, 0.2)
	if err := h.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	tr := h.trade(t, job)
	if tr.Status != domain.CopyTradeSettlementPending || tr.SettlementTxHash == "" {
		t.Fatalf("trade = %s settle=%q", tr.Status, tr.SettlementTxHash)
	}
}
