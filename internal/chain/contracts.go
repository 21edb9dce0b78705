package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/ratelimit"
)

// Addresses are the contracts the pipeline touches.
type Addresses struct {
	USDC         common.Address
	CTF          common.Address
	Exchange     common.Address
	ProxyFactory common.Address
	// Executor, when set, routes proxy calls through executeOnProxy instead
	// of calling the proxy's own execute.
	Executor common.Address
}

// Contracts reads balances and moves funds between follower proxies and the
// execution wallet.
type Contracts struct {
	backend Backend
	wallet  *Wallet
	addrs   Addresses
	limiter *ratelimit.Limiter
}

// NewContracts creates Contracts. limiter may be nil.
func NewContracts(backend Backend, wallet *Wallet, addrs Addresses, limiter *ratelimit.Limiter) *Contracts {
	return &Contracts{backend: backend, wallet: wallet, addrs: addrs, limiter: limiter}
}

// BotAddress is the execution wallet.
func (c *Contracts) BotAddress() common.Address { return c.wallet.Address() }

// USDCBalance returns owner's USDC balance in base units.
func (c *Contracts) USDCBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callBig(ctx, ERC20ABI, c.addrs.USDC, "balanceOf", owner)
}

// USDCAllowance returns what spender may pull from owner.
func (c *Contracts) USDCAllowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return c.callBig(ctx, ERC20ABI, c.addrs.USDC, "allowance", owner, spender)
}

// TokenBalance returns owner's balance of an outcome token.
func (c *Contracts) TokenBalance(ctx context.Context, owner common.Address, tokenID *big.Int) (*big.Int, error) {
	return c.callBig(ctx, CTFABI, c.addrs.CTF, "balanceOf", owner, tokenID)
}

// IsApprovedForAll reports whether operator may move owner's outcome tokens.
func (c *Contracts) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	out, err := c.call(ctx, CTFABI, c.addrs.CTF, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// ExchangeAllowance is the execution wallet's USDC allowance to the exchange.
func (c *Contracts) ExchangeAllowance(ctx context.Context) (*big.Int, error) {
	return c.USDCAllowance(ctx, c.BotAddress(), c.addrs.Exchange)
}

// ExchangeApprovedForAll reports whether the exchange may move the execution
// wallet's outcome tokens.
func (c *Contracts) ExchangeApprovedForAll(ctx context.Context) (bool, error) {
	return c.IsApprovedForAll(ctx, c.BotAddress(), c.addrs.Exchange)
}

// ProxyAllowance is the USDC allowance proxy granted the executor contract.
// Without an executor the bot calls the proxy directly and needs none.
func (c *Contracts) ProxyAllowance(ctx context.Context, proxy common.Address) (*big.Int, error) {
	if c.addrs.Executor == (common.Address{}) {
		return new(big.Int).Set(maxUint256), nil
	}
	return c.USDCAllowance(ctx, proxy, c.addrs.Executor)
}

// ProxyApprovedForAll reports whether the executor contract may move the
// proxy's outcome tokens.
func (c *Contracts) ProxyApprovedForAll(ctx context.Context, proxy common.Address) (bool, error) {
	if c.addrs.Executor == (common.Address{}) {
		return true, nil
	}
	return c.IsApprovedForAll(ctx, proxy, c.addrs.Executor)
}

// ResolveProxy returns the proxy wallet the factory assigned to user.
func (c *Contracts) ResolveProxy(ctx context.Context, user common.Address) (common.Address, error) {
	out, err := c.call(ctx, FactoryABI, c.addrs.ProxyFactory, "getUserProxy", user)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: getUserProxy: unexpected output %T", out[0])
	}
	return addr, nil
}

// EnsureApprovals grants the exchange unlimited USDC allowance and operator
// rights over outcome tokens when they are missing.
func (c *Contracts) EnsureApprovals(ctx context.Context) error {
	allowance, err := c.ExchangeAllowance(ctx)
	if err != nil {
		return err
	}
	if allowance.Cmp(halfMax) < 0 {
		data, err := ERC20ABI.Pack("approve", c.addrs.Exchange, maxUint256)
		if err != nil {
			return fmt.Errorf("chain: pack approve: %w", err)
		}
		if _, err := c.sendAndWait(ctx, c.addrs.USDC, data, "approve-usdc"); err != nil {
			return err
		}
	}
	approved, err := c.ExchangeApprovedForAll(ctx)
	if err != nil {
		return err
	}
	if !approved {
		data, err := CTFABI.Pack("setApprovalForAll", c.addrs.Exchange, true)
		if err != nil {
			return fmt.Errorf("chain: pack setApprovalForAll: %w", err)
		}
		if _, err := c.sendAndWait(ctx, c.addrs.CTF, data, "approve-ctf"); err != nil {
			return err
		}
	}
	return nil
}

// proxyCall wraps data for target in the proxy pass-through, routed via the
// executor contract when one is configured.
func (c *Contracts) proxyCall(proxy, target common.Address, data []byte) (common.Address, []byte, error) {
	if c.addrs.Executor != (common.Address{}) {
		outer, err := ExecutorABI.Pack("executeOnProxy", proxy, target, data)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("chain: pack executeOnProxy: %w", err)
		}
		return c.addrs.Executor, outer, nil
	}
	outer, err := ProxyABI.Pack("execute", target, data)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("chain: pack execute: %w", err)
	}
	return proxy, outer, nil
}

func (c *Contracts) sendAndWait(ctx context.Context, to common.Address, data []byte, label string) (common.Hash, error) {
	tracked, err := ratelimit.Run(ctx, c.limiter, ratelimit.ClassRPC, func(ctx context.Context) (domain.TrackedTx, error) {
		return c.wallet.Send(ctx, to, data, TxOpts{Label: label})
	})
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := c.wallet.WaitMined(ctx, tracked.Hash)
	if err != nil {
		return tracked.Hash, fmt.Errorf("chain: %s: %w", label, err)
	}
	return receipt.TxHash, nil
}

func (c *Contracts) call(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := ratelimit.Run(ctx, c.limiter, ratelimit.ClassRPC, func(ctx context.Context) ([]byte, error) {
		return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: %s returned nothing", method)
	}
	return out, nil
}

func (c *Contracts) callBig(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, parsed, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s: unexpected output %T", method, out[0])
	}
	return v, nil
}

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	halfMax    = new(big.Int).Rsh(maxUint256, 1)
)
