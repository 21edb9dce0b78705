// Package settlement finishes deferred copy-trade settlements, repays
// execution-wallet float from follower proxies and redeems resolved
// positions.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/claim"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// Codes recovery leaves on trades it cannot finish alone.
const (
	CodeWalletShort          = "WALLET_SHORT"
	CodeSettlementUnprovable = "SETTLEMENT_UNPROVABLE"
	CodeExecutionAbandoned   = "EXECUTION_ABANDONED"
	CodeExecutionInterrupted = "EXECUTION_INTERRUPTED"
)

var errStillPending = errors.New("settlement transfer not mined yet")

// RecoveryChain is what recovery needs on-chain.
type RecoveryChain interface {
	BotAddress() common.Address
	USDCBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, owner common.Address, tokenID *big.Int) (*big.Int, error)
	Submit(ctx context.Context, tr chain.Transfer) (domain.TxRef, error)
	Wait(ctx context.Context, ref domain.TxRef) error
	TxState(ctx context.Context, ref domain.TxRef) (chain.TxState, error)
}

// RecoveryConfig tunes the recovery loop.
type RecoveryConfig struct {
	Batch    int
	Interval time.Duration
	// StaleExecuting is how long a trade may sit in EXECUTING without a
	// checkpoint before its worker is presumed dead. Zero disables the sweep.
	StaleExecuting time.Duration
	// ReserveScan bounds how many deferred trades ReservedUSDC sums.
	ReserveScan int
}

// Recovery pushes assets of SETTLEMENT_PENDING trades back to their proxies
// and reconciles trades whose worker died mid-execution.
type Recovery struct {
	trades   domain.CopyTradeStore
	claimer  *claim.Claimer
	chain    RecoveryChain
	notifier Notifier
	cfg      RecoveryConfig
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewRecovery creates a Recovery. notifier may be nil.
func NewRecovery(trades domain.CopyTradeStore, claimer *claim.Claimer, c RecoveryChain, notifier Notifier, cfg RecoveryConfig, logger *slog.Logger) *Recovery {
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReserveScan <= 0 {
		cfg.ReserveScan = 1000
	}
	return &Recovery{
		trades:   trades,
		claimer:  claimer,
		chain:    c,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "settlement_recovery")),
		inflight: make(map[string]bool),
	}
}

// Run recovers every interval until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := r.ReconcileStale(ctx, now); err != nil {
				r.logger.ErrorContext(ctx, "stale execution sweep failed", slog.String("error", err.Error()))
			}
			if _, err := r.RecoverOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "recovery pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RecoverOnce settles one batch and returns how many trades reached
// EXECUTED. Per-trade failures are logged and left for the next pass.
func (r *Recovery) RecoverOnce(ctx context.Context) (int, error) {
	pending, err := r.trades.ListByStatus(ctx, domain.CopyTradeSettlementPending, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("settlement: list pending: %w", err)
	}
	settled := 0
	for i := range pending {
		t := pending[i]
		if !r.acquire(t.ID) {
			continue
		}
		err := r.settle(ctx, &t)
		r.release(t.ID)
		switch {
		case errors.Is(err, errStillPending):
			r.logger.DebugContext(ctx, "settlement transfer pending", slog.String("trade_id", t.ID))
		case err != nil:
			r.logger.WarnContext(ctx, "settlement deferred again",
				slog.String("trade_id", t.ID),
				slog.String("error", err.Error()),
			)
		default:
			settled++
		}
	}
	return settled, nil
}

// settle returns a deferred trade's assets. A transfer recorded by an
// earlier attempt is resolved first and only resent when it can no longer
// land. The execution wallet's balance is never taken as proof that a trade
// was already paid: other trades share the same token and USDC.
func (r *Recovery) settle(ctx context.Context, t *domain.CopyTrade) error {
	var nonce *uint64
	if ref, ok := t.SettlementTx(); ok {
		state, err := r.chain.TxState(ctx, ref)
		if err != nil {
			return fmt.Errorf("settlement status: %w", err)
		}
		switch state {
		case chain.TxMined:
			return r.close(ctx, t, ref)
		case chain.TxPending:
			return errStillPending
		case chain.TxUnknown:
			err := fmt.Errorf("nonce %d of %s consumed by another transaction", ref.Nonce, ref.Hash.Hex())
			r.flag(ctx, t, CodeSettlementUnprovable, err.Error())
			return err
		case chain.TxDropped:
			n := ref.Nonce
			nonce = &n
		}
		t.SetSettlementTx(domain.TxRef{})
	}

	tokenID, ok := chain.ParseTokenID(t.TokenID)
	if !ok {
		return fmt.Errorf("invalid token id %q", t.TokenID)
	}
	proxy := common.HexToAddress(t.ProxyAddress)
	bot := r.chain.BotAddress()

	tr := chain.Transfer{Proxy: proxy, Nonce: nonce}
	var (
		held *big.Int
		err  error
	)
	switch t.Side {
	case domain.OrderSideBuy:
		tr.Kind, tr.TokenID = chain.PushTokens, tokenID
		tr.Amount = chain.ToBaseUnits(t.FilledShares)
		held, err = r.chain.TokenBalance(ctx, bot, tokenID)
	case domain.OrderSideSell:
		tr.Kind = chain.PushUSDC
		tr.Amount = chain.ToBaseUnits(t.FilledShares * t.FilledPrice)
		held, err = r.chain.USDCBalance(ctx, bot)
	default:
		return fmt.Errorf("unknown side %q", t.Side)
	}
	if err != nil {
		return fmt.Errorf("balance check: %w", err)
	}
	if tr.Amount.Sign() == 0 {
		return r.close(ctx, t, domain.TxRef{})
	}
	if held.Cmp(tr.Amount) < 0 {
		err := fmt.Errorf("execution wallet holds %s, owes %s", held, tr.Amount)
		r.flag(ctx, t, CodeWalletShort, err.Error())
		return err
	}

	ref, err := r.chain.Submit(ctx, tr)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	t.SetSettlementTx(ref)
	if err := r.claimer.Checkpoint(ctx, t); err != nil {
		r.logger.ErrorContext(ctx, "settlement sent but not recorded",
			slog.String("trade_id", t.ID),
			slog.String("tx_hash", ref.Hash.Hex()),
			slog.String("error", err.Error()),
		)
	}
	if err := r.chain.Wait(ctx, ref); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return r.close(ctx, t, ref)
}

func (r *Recovery) close(ctx context.Context, t *domain.CopyTrade, ref domain.TxRef) error {
	if t.ErrorCode == CodeWalletShort || t.ErrorCode == CodeSettlementUnprovable {
		t.ErrorCode, t.ErrorMessage = "", ""
	}
	hash := ""
	if !ref.IsZero() {
		hash = ref.Hash.Hex()
	}
	if err := r.claimer.Settle(ctx, t, hash); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "deferred settlement completed",
		slog.String("trade_id", t.ID),
		slog.String("tx_hash", hash),
	)
	return nil
}

// flag records why a trade is stuck and alerts once per cause.
func (r *Recovery) flag(ctx context.Context, t *domain.CopyTrade, code, msg string) {
	if t.ErrorCode == code {
		return
	}
	t.ErrorCode, t.ErrorMessage = code, msg
	if err := r.claimer.Checkpoint(ctx, t); err != nil {
		r.logger.WarnContext(ctx, "settlement flag not stored",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
	r.notify(ctx, "settlement_stuck", "Deferred settlement needs attention",
		fmt.Sprintf("trade %s %s token %s for %s: %s: %s", t.ID, t.Side, t.TokenID, t.ProxyAddress, code, msg))
}

// ReservedUSDC sums the proceeds of deferred SELLs still owed to proxies.
// Float-funded BUYs must not spend it.
func (r *Recovery) ReservedUSDC(ctx context.Context) (*big.Int, error) {
	pending, err := r.trades.ListByStatus(ctx, domain.CopyTradeSettlementPending, r.cfg.ReserveScan)
	if err != nil {
		return nil, fmt.Errorf("settlement: list pending: %w", err)
	}
	total := new(big.Int)
	for _, t := range pending {
		if t.Side == domain.OrderSideSell {
			total.Add(total, chain.ToBaseUnits(t.FilledShares*t.FilledPrice))
		}
	}
	return total, nil
}

// ReconcileStale settles the fate of EXECUTING trades whose worker stopped
// checkpointing. A filled order is parked for settlement; a transfer still
// on the trade is held for the processor to resolve; anything else is
// abandoned for an operator. It returns how many trades it moved.
func (r *Recovery) ReconcileStale(ctx context.Context, now time.Time) (int, error) {
	if r.cfg.StaleExecuting <= 0 {
		return 0, nil
	}
	stale, err := r.trades.ListStale(ctx, domain.CopyTradeExecuting, now.Add(-r.cfg.StaleExecuting), r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("settlement: list stale executing: %w", err)
	}
	moved := 0
	for i := range stale {
		t := stale[i]
		if !r.acquire(t.ID) {
			continue
		}
		event, err := r.reconcile(ctx, &t)
		r.release(t.ID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			r.logger.WarnContext(ctx, "stale execution not reconciled",
				slog.String("trade_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if event == "" {
			continue
		}
		moved++
		r.logger.WarnContext(ctx, "stale execution reconciled",
			slog.String("trade_id", t.ID),
			slog.String("status", string(t.Status)),
			slog.String("code", t.ErrorCode),
		)
		r.notify(ctx, event, "Interrupted copy trade",
			fmt.Sprintf("trade %s %s token %s for %s is now %s", t.ID, t.Side, t.TokenID, t.ProxyAddress, t.Status))
	}
	return moved, nil
}

func (r *Recovery) reconcile(ctx context.Context, t *domain.CopyTrade) (string, error) {
	if t.OrderID != "" {
		return "execution_recovered", r.claimer.Succeed(ctx, t, true)
	}
	if ref, ok := t.FundTx(); ok {
		state, err := r.chain.TxState(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("pull status: %w", err)
		}
		if state == chain.TxPending {
			return "", nil
		}
		msg := fmt.Sprintf("worker stopped with pull %s %s", ref.Hash.Hex(), state)
		return "execution_interrupted", r.claimer.Hold(ctx, t, CodeExecutionInterrupted, msg)
	}
	if _, ok := t.SettlementTx(); ok {
		return "execution_interrupted", r.claimer.Hold(ctx, t, CodeExecutionInterrupted, "worker stopped during a refund")
	}
	return "execution_abandoned", r.claimer.Fail(ctx, t, CodeExecutionAbandoned,
		"worker stopped before any recorded transfer", false)
}

func (r *Recovery) notify(ctx context.Context, event, title, msg string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, msg); err != nil {
		r.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

func (r *Recovery) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Recovery) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
