package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/ratelimit"
)

// TransferKind names an asset movement between a proxy and the execution
// wallet.
type TransferKind string

const (
	PullUSDC   TransferKind = "pull-usdc"
	PullTokens TransferKind = "pull-tokens"
	PushUSDC   TransferKind = "push-usdc"
	PushTokens TransferKind = "push-tokens"
)

// Transfer is one asset movement. TokenID is set for outcome-token kinds.
type Transfer struct {
	Kind    TransferKind
	Proxy   common.Address
	TokenID *big.Int
	Amount  *big.Int
	Gas     *domain.GasHint
	// Nonce reuses the slot of a dropped attempt.
	Nonce *uint64
}

// TxState is the observed outcome of a submitted transaction.
type TxState int

const (
	TxPending TxState = iota
	TxMined
	TxReverted
	TxDropped
	TxUnknown
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	case TxReverted:
		return "reverted"
	case TxDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

func (c *Contracts) encode(tr Transfer) (common.Address, []byte, error) {
	bot := c.BotAddress()
	switch tr.Kind {
	case PullUSDC:
		inner, err := ERC20ABI.Pack("transfer", bot, tr.Amount)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("chain: pack transfer: %w", err)
		}
		return c.proxyCall(tr.Proxy, c.addrs.USDC, inner)
	case PullTokens:
		inner, err := CTFABI.Pack("safeTransferFrom", tr.Proxy, bot, tr.TokenID, tr.Amount, []byte{})
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("chain: pack safeTransferFrom: %w", err)
		}
		return c.proxyCall(tr.Proxy, c.addrs.CTF, inner)
	case PushUSDC:
		data, err := ERC20ABI.Pack("transfer", tr.Proxy, tr.Amount)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("chain: pack transfer: %w", err)
		}
		return c.addrs.USDC, data, nil
	case PushTokens:
		data, err := CTFABI.Pack("safeTransferFrom", bot, tr.Proxy, tr.TokenID, tr.Amount, []byte{})
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("chain: pack safeTransferFrom: %w", err)
		}
		return c.addrs.CTF, data, nil
	}
	return common.Address{}, nil, fmt.Errorf("chain: unknown transfer kind %q", tr.Kind)
}

// Submit signs and broadcasts tr without waiting for it to be mined.
func (c *Contracts) Submit(ctx context.Context, tr Transfer) (domain.TxRef, error) {
	to, data, err := c.encode(tr)
	if err != nil {
		return domain.TxRef{}, err
	}
	tracked, err := ratelimit.Run(ctx, c.limiter, ratelimit.ClassRPC, func(ctx context.Context) (domain.TrackedTx, error) {
		return c.wallet.Send(ctx, to, data, TxOpts{Gas: tr.Gas, Label: string(tr.Kind), Nonce: tr.Nonce})
	})
	if err != nil {
		return domain.TxRef{}, err
	}
	return domain.TxRef{Hash: tracked.Hash, Nonce: tracked.Nonce}, nil
}

// Wait blocks until ref, or the replacement standing in for it, is mined.
func (c *Contracts) Wait(ctx context.Context, ref domain.TxRef) error {
	if _, err := c.wallet.WaitMined(ctx, ref.Hash); err != nil {
		return fmt.Errorf("chain: wait %s: %w", ref.Hash.Hex(), err)
	}
	return nil
}

// TxState reports what became of ref.
func (c *Contracts) TxState(ctx context.Context, ref domain.TxRef) (TxState, error) {
	return ratelimit.Run(ctx, c.limiter, ratelimit.ClassRPC, func(ctx context.Context) (TxState, error) {
		return c.wallet.Status(ctx, ref)
	})
}

// BinaryIndexSets are the CTF index sets of a two-outcome condition.
var BinaryIndexSets = []*big.Int{big.NewInt(1), big.NewInt(2)}

// Redeem has proxy redeem its outcome tokens of a resolved condition for
// USDC. Losing index sets burn for nothing, so a repeat call pays zero.
func (c *Contracts) Redeem(ctx context.Context, proxy common.Address, conditionID common.Hash, indexSets []*big.Int) (common.Hash, error) {
	inner, err := CTFABI.Pack("redeemPositions", c.addrs.USDC, [32]byte{}, [32]byte(conditionID), indexSets)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack redeemPositions: %w", err)
	}
	to, data, err := c.proxyCall(proxy, c.addrs.CTF, inner)
	if err != nil {
		return common.Hash{}, err
	}
	return c.sendAndWait(ctx, to, data, "redeem")
}
