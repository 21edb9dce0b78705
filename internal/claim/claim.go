// Package claim guarantees that each follower executes a leader fill at most
// once and drives copy trades through their status machine.
package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
)

// Backoff computes retry delays as Base*2^n capped at Max.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// Delay returns the wait before retry number retryCount+1.
func (b Backoff) Delay(retryCount int) time.Duration {
	d := b.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// CanRetry reports whether a trade that has been retried retryCount times
// may be retried again.
func (b Backoff) CanRetry(retryCount int) bool {
	return retryCount < b.MaxRetries
}

// Order is the sized follower order a job resolves to.
type Order struct {
	SizeUSDC float64
	Price    float64
	Slippage float64
}

// Claimer creates and transitions copy trades.
type Claimer struct {
	store   domain.CopyTradeStore
	backoff Backoff
	now     func() time.Time
}

// NewClaimer creates a Claimer.
func NewClaimer(store domain.CopyTradeStore, backoff Backoff) *Claimer {
	return &Claimer{store: store, backoff: backoff, now: time.Now}
}

// Claim inserts a PENDING copy trade for job. It returns claimed=false when
// another worker already owns the idempotency key.
func (c *Claimer) Claim(ctx context.Context, job dispatch.Job, order Order) (domain.CopyTrade, bool, error) {
	sig := job.Signal
	now := c.now().UTC()
	t := domain.CopyTrade{
		ID:             uuid.NewString(),
		ConfigID:       job.Config.ID,
		IdempotencyKey: domain.IdempotencyKey(job.Config.ID, sig.SourceTxHash, sig.TokenID),
		FollowerWallet: strings.ToLower(job.Config.FollowerWallet),
		ProxyAddress:   strings.ToLower(job.Config.ProxyAddress),
		LeaderTrader:   strings.ToLower(sig.TraderAddress),
		SourceTxHash:   strings.ToLower(sig.SourceTxHash),
		TokenID:        sig.TokenID,
		MarketSlug:     sig.MarketSlug,
		Side:           sig.Side,
		LeaderSize:     sig.Size,
		LeaderPrice:    sig.Price,
		CopySize:       order.SizeUSDC,
		CopyPrice:      order.Price,
		Slippage:       order.Slippage,
		SignalPending:  sig.IsPending,
		Status:         domain.CopyTradePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ok, err := c.store.InsertIfAbsent(ctx, &t)
	if err != nil {
		return domain.CopyTrade{}, false, fmt.Errorf("claim: insert %s: %w", t.IdempotencyKey, err)
	}
	return t, ok, nil
}

// Begin moves a PENDING trade to EXECUTING and clears the previous
// attempt's error. It returns domain.ErrConflict when another worker got
// there first.
func (c *Claimer) Begin(ctx context.Context, t *domain.CopyTrade) error {
	return c.move(ctx, t, domain.CopyTradeExecuting, func(t *domain.CopyTrade) {
		t.ErrorCode = ""
		t.ErrorMessage = ""
	})
}

// Checkpoint persists t's progress markers without changing its status.
func (c *Claimer) Checkpoint(ctx context.Context, t *domain.CopyTrade) error {
	return c.move(ctx, t, t.Status, func(*domain.CopyTrade) {})
}

// Succeed records a fill. A deferred settlement parks the trade in
// SETTLEMENT_PENDING for the recovery loop. ExecutedAt is the fill time
// either way. An error code set during execution is kept as a warning.
func (c *Claimer) Succeed(ctx context.Context, t *domain.CopyTrade, deferred bool) error {
	next := domain.CopyTradeExecuted
	if deferred {
		next = domain.CopyTradeSettlementPending
	}
	return c.move(ctx, t, next, func(t *domain.CopyTrade) {
		t.NextRetryAt = nil
		t.SettlementDeferred = deferred
		at := c.now().UTC()
		t.ExecutedAt = &at
	})
}

// Fail records an execution error. Retryable errors with attempts left get a
// next retry time; everything else is terminal.
func (c *Claimer) Fail(ctx context.Context, t *domain.CopyTrade, code, msg string, retryable bool) error {
	return c.move(ctx, t, domain.CopyTradeFailed, func(t *domain.CopyTrade) {
		t.ErrorCode = code
		t.ErrorMessage = msg
		t.NextRetryAt = nil
		if retryable && c.backoff.CanRetry(t.RetryCount) {
			at := c.now().UTC().Add(c.backoff.Delay(t.RetryCount))
			t.NextRetryAt = &at
		}
	})
}

// Hold fails a trade whose transfer is still unresolved. It always gets a
// retry, whatever its count, so the transfer is looked up again before
// anything is resubmitted.
func (c *Claimer) Hold(ctx context.Context, t *domain.CopyTrade, code, msg string) error {
	return c.move(ctx, t, domain.CopyTradeFailed, func(t *domain.CopyTrade) {
		t.ErrorCode = code
		t.ErrorMessage = msg
		at := c.now().UTC().Add(c.backoff.Delay(t.RetryCount))
		t.NextRetryAt = &at
	})
}

// Exhausted reports whether t has used up its ordinary retries.
func (c *Claimer) Exhausted(t domain.CopyTrade) bool {
	return !c.backoff.CanRetry(t.RetryCount)
}

// Settle completes a SETTLEMENT_PENDING trade.
func (c *Claimer) Settle(ctx context.Context, t *domain.CopyTrade, txHash string) error {
	return c.move(ctx, t, domain.CopyTradeExecuted, func(t *domain.CopyTrade) {
		if txHash != "" {
			t.SettlementTxHash = txHash
		}
		if t.ExecutedAt == nil {
			at := c.now().UTC()
			t.ExecutedAt = &at
		}
	})
}

func (c *Claimer) move(ctx context.Context, t *domain.CopyTrade, next domain.CopyTradeStatus, mutate func(*domain.CopyTrade)) error {
	from := t.Status
	if !from.CanTransition(next) {
		return fmt.Errorf("claim: %s %s -> %s: %w", t.ID, from, next, domain.ErrInvalidTransition)
	}
	updated := *t
	updated.Status = next
	updated.UpdatedAt = c.now().UTC()
	mutate(&updated)

	if err := c.store.Transition(ctx, &updated, from); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("claim: %s %s -> %s: %w", t.ID, from, next, err)
		}
		return fmt.Errorf("claim: transition %s: %w", t.ID, err)
	}
	*t = updated
	return nil
}
