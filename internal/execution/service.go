package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/sizing"
)

var errNotMined = errors.New("not mined yet")

// Chain is the on-chain surface the service needs.
type Chain interface {
	BotAddress() common.Address
	USDCBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, owner common.Address, tokenID *big.Int) (*big.Int, error)
	ProxyAllowance(ctx context.Context, proxy common.Address) (*big.Int, error)
	ProxyApprovedForAll(ctx context.Context, proxy common.Address) (bool, error)
	Submit(ctx context.Context, tr chain.Transfer) (domain.TxRef, error)
	Wait(ctx context.Context, ref domain.TxRef) error
	TxState(ctx context.Context, ref domain.TxRef) (chain.TxState, error)
}

// Exchange places market orders.
type Exchange interface {
	CreateMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.OrderResult, error)
}

// Positions receives every fill.
type Positions interface {
	OnBuy(tokenID string, shares, price float64)
	OnSell(tokenID string, shares, price float64) float64
}

// LedgerRecorder stores float reimbursements owed by a proxy.
type LedgerRecorder interface {
	Record(ctx context.Context, entry domain.ReimbursementLedgerEntry) error
}

// Progress persists a trade's transfer markers mid-execution.
type Progress interface {
	Checkpoint(ctx context.Context, t *domain.CopyTrade) error
}

// FloatReserve reports execution-wallet USDC already owed to followers.
type FloatReserve interface {
	ReservedUSDC(ctx context.Context) (*big.Int, error)
}

// ServiceDeps are the optional collaborators of a Service.
type ServiceDeps struct {
	Positions Positions
	Ledger    LedgerRecorder
	Progress  Progress
	Reserve   FloatReserve
}

// Options tunes one execution.
type Options struct {
	DeferSettlement bool
	Gas             *domain.GasHint
}

// Result describes a filled copy trade.
type Result struct {
	OrderID            string
	TxHashes           []string
	FilledShares       float64
	FilledPrice        float64
	SettlementDeferred bool
	UsedFloat          bool
	FundTxHash         string
	ReturnTxHash       string
	RealizedPnL        float64
}

// Config controls the float policy.
type Config struct {
	// UseFloat lets BUYs spend the execution wallet's own USDC when it holds
	// enough, skipping the pull and recording a reimbursement instead.
	UseFloat         bool
	LedgerRetryDelay time.Duration
}

const ledgerAttempts = 3

// Service executes copy trades on behalf of follower proxies.
type Service struct {
	chain     Chain
	exchange  Exchange
	positions Positions
	ledger    LedgerRecorder
	progress  Progress
	reserve   FloatReserve
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. The float policy is off without a ledger.
func NewService(c Chain, ex Exchange, deps ServiceDeps, cfg Config, logger *slog.Logger) *Service {
	if deps.Ledger == nil {
		cfg.UseFloat = false
	}
	if cfg.LedgerRetryDelay <= 0 {
		cfg.LedgerRetryDelay = 200 * time.Millisecond
	}
	return &Service{
		chain:     c,
		exchange:  ex,
		positions: deps.Positions,
		ledger:    deps.Ledger,
		progress:  deps.Progress,
		reserve:   deps.Reserve,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "execution")),
		now:       time.Now,
	}
}

// Execute runs t against the exchange and records its progress on t. The
// trade's CopySize is USDC for both sides; shares are CopySize/CopyPrice.
//
// Transfers left by an earlier attempt are looked up before anything is
// sent: a mined pull is reused, a pending one holds the trade, and only a
// reverted or dropped one is sent again.
func (s *Service) Execute(ctx context.Context, t *domain.CopyTrade, opts Options) (Result, error) {
	tokenID, ok := chain.ParseTokenID(t.TokenID)
	if !ok {
		return Result{}, fail(CodeInvalidToken, false, "token id %q", t.TokenID)
	}
	if !common.IsHexAddress(t.ProxyAddress) {
		return Result{}, fail(CodeInvalidOrder, false, "proxy address %q", t.ProxyAddress)
	}
	if t.CopyPrice <= 0 || t.CopyPrice >= 1 || t.CopySize <= 0 {
		return Result{}, fail(CodeInvalidOrder, false, "size %.6f at price %.6f", t.CopySize, t.CopyPrice)
	}
	if t.Side != domain.OrderSideBuy && t.Side != domain.OrderSideSell {
		return Result{}, fail(CodeInvalidOrder, false, "side %q", t.Side)
	}
	proxy := common.HexToAddress(t.ProxyAddress)

	if t.OrderID != "" {
		// Filled before a crash; settlement is left to recovery.
		return resultOf(t, nil, true), nil
	}
	funded, nonce, err := s.resume(ctx, t)
	if err != nil {
		return Result{}, err
	}
	if t.Side == domain.OrderSideBuy {
		return s.buy(ctx, t, proxy, tokenID, opts, funded, nonce)
	}
	return s.sell(ctx, t, proxy, tokenID, opts, funded, nonce)
}

// resume resolves the transfer markers of an earlier attempt. It reports
// whether the execution wallet already holds the trade's funds, and the
// nonce of a dropped pull to send the next one with.
func (s *Service) resume(ctx context.Context, t *domain.CopyTrade) (bool, *uint64, error) {
	if ref, ok := t.SettlementTx(); ok {
		state, err := s.chain.TxState(ctx, ref)
		if err != nil {
			return false, nil, rpcFailure("refund status", err)
		}
		switch state {
		case chain.TxMined:
			t.SetFundTx(domain.TxRef{})
			t.SetSettlementTx(domain.TxRef{})
			s.checkpoint(ctx, t)
			return false, nil, nil
		case chain.TxPending:
			return false, nil, inFlight("refund", ref, errNotMined)
		case chain.TxUnknown:
			return false, nil, unprovable("refund", ref)
		}
		t.SetSettlementTx(domain.TxRef{})
	}

	ref, ok := t.FundTx()
	if !ok {
		return false, nil, nil
	}
	state, err := s.chain.TxState(ctx, ref)
	if err != nil {
		return false, nil, rpcFailure("pull status", err)
	}
	switch state {
	case chain.TxMined:
		return true, nil, nil
	case chain.TxPending:
		return false, nil, inFlight("pull", ref, errNotMined)
	case chain.TxUnknown:
		return false, nil, unprovable("pull", ref)
	case chain.TxDropped:
		t.SetFundTx(domain.TxRef{})
		nonce := ref.Nonce
		return false, &nonce, nil
	}
	t.SetFundTx(domain.TxRef{})
	return false, nil, nil
}

func (s *Service) buy(ctx context.Context, t *domain.CopyTrade, proxy common.Address, tokenID *big.Int, opts Options, funded bool, nonce *uint64) (Result, error) {
	amount := chain.ToBaseUnits(t.CopySize)
	log := s.logger.With(slog.String("trade_id", t.ID), slog.String("side", "BUY"))

	useFloat := false
	if !funded {
		balance, err := s.chain.USDCBalance(ctx, proxy)
		if err != nil {
			return Result{}, rpcFailure("proxy usdc balance", err)
		}
		if balance.Cmp(amount) < 0 {
			return Result{}, fail(CodeInsufficientProxyFunds, false,
				"proxy holds %s, need %s", chain.FromBaseUnits(balance), chain.FromBaseUnits(amount))
		}
		if s.cfg.UseFloat {
			if useFloat, err = s.floatCovers(ctx, amount); err != nil {
				return Result{}, err
			}
		}
		if !useFloat {
			allowance, err := s.chain.ProxyAllowance(ctx, proxy)
			if err != nil {
				return Result{}, rpcFailure("proxy allowance", err)
			}
			if allowance.Cmp(amount) < 0 {
				return Result{}, fail(CodeAllowanceMissing, false, "usdc allowance %s", chain.FromBaseUnits(allowance))
			}
			pull := chain.Transfer{Kind: chain.PullUSDC, Proxy: proxy, Amount: amount, Gas: opts.Gas, Nonce: nonce}
			if err := s.fund(ctx, t, pull); err != nil {
				return Result{}, err
			}
		}
	}

	shares := t.CopySize / t.CopyPrice
	order, err := s.placeOrder(ctx, *t, shares)
	if err != nil {
		if !useFloat {
			s.refund(ctx, t, chain.Transfer{Kind: chain.PushUSDC, Proxy: proxy, Amount: amount}, log)
		}
		return Result{}, err
	}
	fill(t, order, shares, useFloat)
	if s.positions != nil {
		s.positions.OnBuy(t.TokenID, t.FilledShares, t.FilledPrice)
	}
	if useFloat {
		s.recordFloat(ctx, t, proxy, amount, log)
	}
	s.checkpoint(ctx, t)

	push := chain.Transfer{Kind: chain.PushTokens, Proxy: proxy, TokenID: tokenID, Amount: chain.ToBaseUnits(t.FilledShares)}
	deferred := s.settle(ctx, t, push, opts, log)
	return resultOf(t, order.TransactionHashes, deferred), nil
}

func (s *Service) sell(ctx context.Context, t *domain.CopyTrade, proxy common.Address, tokenID *big.Int, opts Options, funded bool, nonce *uint64) (Result, error) {
	shares := t.CopySize / t.CopyPrice
	tokens := chain.ToBaseUnits(shares)
	log := s.logger.With(slog.String("trade_id", t.ID), slog.String("side", "SELL"))

	if !funded {
		balance, err := s.chain.TokenBalance(ctx, proxy, tokenID)
		if err != nil {
			return Result{}, rpcFailure("proxy token balance", err)
		}
		if balance.Cmp(tokens) < 0 {
			return Result{}, fail(CodeInsufficientProxyFunds, false,
				"proxy holds %s shares, need %s", chain.FromBaseUnits(balance), chain.FromBaseUnits(tokens))
		}
		approved, err := s.chain.ProxyApprovedForAll(ctx, proxy)
		if err != nil {
			return Result{}, rpcFailure("proxy ctf approval", err)
		}
		if !approved {
			return Result{}, fail(CodeAllowanceMissing, false, "ctf approval missing")
		}
		pull := chain.Transfer{Kind: chain.PullTokens, Proxy: proxy, TokenID: tokenID, Amount: tokens, Gas: opts.Gas, Nonce: nonce}
		if err := s.fund(ctx, t, pull); err != nil {
			return Result{}, err
		}
	}

	order, err := s.placeOrder(ctx, *t, shares)
	if err != nil {
		s.refund(ctx, t, chain.Transfer{Kind: chain.PushTokens, Proxy: proxy, TokenID: tokenID, Amount: tokens}, log)
		return Result{}, err
	}
	fill(t, order, shares, false)
	if s.positions != nil {
		t.RealizedPnL = s.positions.OnSell(t.TokenID, t.FilledShares, t.FilledPrice)
	}
	s.checkpoint(ctx, t)

	proceeds := chain.ToBaseUnits(t.FilledShares * t.FilledPrice)
	push := chain.Transfer{Kind: chain.PushUSDC, Proxy: proxy, Amount: proceeds}
	deferred := s.settle(ctx, t, push, opts, log)
	return resultOf(t, order.TransactionHashes, deferred), nil
}

// floatCovers reports whether the execution wallet's unreserved USDC can
// pay for amount.
func (s *Service) floatCovers(ctx context.Context, amount *big.Int) (bool, error) {
	float, err := s.chain.USDCBalance(ctx, s.chain.BotAddress())
	if err != nil {
		return false, rpcFailure("execution wallet balance", err)
	}
	if s.reserve != nil {
		reserved, err := s.reserve.ReservedUSDC(ctx)
		if err != nil {
			return false, rpcFailure("float reserve", err)
		}
		float = new(big.Int).Sub(float, reserved)
	}
	return float.Cmp(amount) >= 0, nil
}

// fund moves the trade's input into the execution wallet. The marker is
// stored before waiting, so a timeout leaves a pull to look up rather than
// one to repeat.
func (s *Service) fund(ctx context.Context, t *domain.CopyTrade, tr chain.Transfer) error {
	ref, err := s.chain.Submit(ctx, tr)
	if err != nil {
		return rpcFailure(string(tr.Kind), err)
	}
	t.SetFundTx(ref)
	s.checkpoint(ctx, t)
	if err := s.chain.Wait(ctx, ref); err != nil {
		if errors.Is(err, chain.ErrTxReverted) {
			t.SetFundTx(domain.TxRef{})
			return rpcFailure(string(tr.Kind), err)
		}
		return inFlight(string(tr.Kind), ref, err)
	}
	return nil
}

// refund returns pulled funds after a failed order. Until the refund is
// mined both markers stay on the trade and the next attempt resolves them.
func (s *Service) refund(ctx context.Context, t *domain.CopyTrade, tr chain.Transfer, log *slog.Logger) {
	if _, ok := t.FundTx(); !ok {
		return
	}
	ref, err := s.chain.Submit(ctx, tr)
	if err != nil {
		log.ErrorContext(ctx, "refund not sent", slog.String("error", err.Error()))
		return
	}
	t.SetSettlementTx(ref)
	s.checkpoint(ctx, t)
	if err := s.chain.Wait(ctx, ref); err != nil {
		log.ErrorContext(ctx, "refund not confirmed",
			slog.String("tx_hash", ref.Hash.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}
	t.SetFundTx(domain.TxRef{})
	t.SetSettlementTx(domain.TxRef{})
	log.InfoContext(ctx, "refunded proxy", slog.String("tx_hash", ref.Hash.Hex()))
}

// settle returns the fill to the proxy. It reports whether settlement was
// left to the recovery loop.
func (s *Service) settle(ctx context.Context, t *domain.CopyTrade, tr chain.Transfer, opts Options, log *slog.Logger) bool {
	if opts.DeferSettlement {
		return true
	}
	ref, err := s.chain.Submit(ctx, tr)
	if err != nil {
		log.WarnContext(ctx, "settlement not sent, deferring", slog.String("error", err.Error()))
		return true
	}
	t.SetSettlementTx(ref)
	s.checkpoint(ctx, t)
	if err := s.chain.Wait(ctx, ref); err != nil {
		log.WarnContext(ctx, "settlement not confirmed, deferring",
			slog.String("tx_hash", ref.Hash.Hex()),
			slog.String("error", err.Error()),
		)
		return true
	}
	return false
}

// recordFloat writes the reimbursement a float-funded BUY leaves owed. A
// write that still fails is flagged on the trade for the ledger backfill.
func (s *Service) recordFloat(ctx context.Context, t *domain.CopyTrade, proxy common.Address, amount *big.Int, log *slog.Logger) {
	entry := domain.ReimbursementLedgerEntry{
		CopyTradeID:  t.ID,
		ProxyAddress: proxy.Hex(),
		BotAddress:   s.chain.BotAddress().Hex(),
		Amount:       chain.FromBaseUnits(amount),
		Currency:     "USDC",
		Status:       domain.LedgerPending,
		CreatedAt:    s.now().UTC(),
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = s.ledger.Record(ctx, entry)
		if err == nil || errors.Is(err, domain.ErrAlreadyExists) {
			return
		}
		if attempt == ledgerAttempts || !sleep(ctx, s.cfg.LedgerRetryDelay) {
			break
		}
	}
	t.ErrorCode = CodeLedgerUnrecorded
	t.ErrorMessage = fmt.Sprintf("float reimbursement of %s USDC not recorded: %v", entry.Amount, err)
	log.ErrorContext(ctx, "float reimbursement not recorded",
		slog.String("amount", entry.Amount.String()),
		slog.String("error", err.Error()),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) checkpoint(ctx context.Context, t *domain.CopyTrade) {
	if s.progress == nil {
		return
	}
	if err := s.progress.Checkpoint(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "checkpoint failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) placeOrder(ctx context.Context, t domain.CopyTrade, shares float64) (domain.OrderResult, error) {
	req := domain.MarketOrderRequest{
		TokenID:   t.TokenID,
		Side:      t.Side,
		Amount:    shares,
		Price:     sizing.WorstPrice(t.Side, t.CopyPrice, t.Slippage),
		OrderType: domain.OrderTypeFOK,
	}
	out, err := s.exchange.CreateMarketOrder(ctx, req)
	if err != nil {
		return out, &Error{Code: CodeOrderRejected, Retryable: true, Err: err}
	}
	if !out.Success {
		return out, fail(CodeOrderRejected, true, "%s", out.Message)
	}
	return out, nil
}

// fill stores the order's outcome on t. Zero fill fields fall back to the
// requested size and reference price.
func fill(t *domain.CopyTrade, out domain.OrderResult, shares float64, float bool) {
	t.OrderID = out.OrderID
	if len(out.TransactionHashes) > 0 {
		t.TxHash = out.TransactionHashes[0]
	}
	t.FilledShares = shares
	if out.FilledShares > 0 {
		t.FilledShares = out.FilledShares
	}
	t.FilledPrice = t.CopyPrice
	if out.FilledPrice > 0 {
		t.FilledPrice = out.FilledPrice
	}
	t.UsedExecutionWalletFloat = float
}

func resultOf(t *domain.CopyTrade, txHashes []string, deferred bool) Result {
	r := Result{
		OrderID:            t.OrderID,
		TxHashes:           txHashes,
		FilledShares:       t.FilledShares,
		FilledPrice:        t.FilledPrice,
		SettlementDeferred: deferred,
		UsedFloat:          t.UsedExecutionWalletFloat,
		FundTxHash:         t.FundTxHash,
		RealizedPnL:        t.RealizedPnL,
	}
	if !deferred {
		r.ReturnTxHash = t.SettlementTxHash
	}
	return r
}
