package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polycopy/internal/chain"
	"github.com/alanyoungcy/polycopy/internal/claim"
	"github.com/alanyoungcy/polycopy/internal/crypto"
	"github.com/alanyoungcy/polycopy/internal/detector"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/execution"
	"github.com/alanyoungcy/polycopy/internal/notify"
	"github.com/alanyoungcy/polycopy/internal/platform/goldsky"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
	"github.com/alanyoungcy/polycopy/internal/position"
	"github.com/alanyoungcy/polycopy/internal/settlement"
	"github.com/alanyoungcy/polycopy/internal/txmonitor"
)

var _ chain.TxTracker = (*txmonitor.Monitor)(nil)

// engine is everything that signs: the wallet, its contracts and monitor,
// the authenticated exchange client and the execution and settlement
// services built on them.
type engine struct {
	wallet    *chain.Wallet
	contracts *chain.Contracts
	monitor   *txmonitor.Monitor
	clob      *polymarket.ClobClient
	tracker   *position.Tracker
	claimer   *claim.Claimer
	ledger    *settlement.Ledger
	recovery  *settlement.Recovery
	redeemer  *settlement.Redeemer
	processor *execution.Processor
}

func (a *App) backoff() claim.Backoff {
	return claim.Backoff{
		Base:       a.cfg.Retry.BaseBackoff.Duration,
		Max:        a.cfg.Retry.MaxBackoff.Duration,
		MaxRetries: a.cfg.Retry.MaxRetries,
	}
}

func (a *App) addresses() chain.Addresses {
	c := a.cfg.Chain
	addrs := chain.Addresses{
		USDC:     common.HexToAddress(c.USDC),
		CTF:      common.HexToAddress(c.CTF),
		Exchange: common.HexToAddress(a.cfg.Polymarket.Exchange),
	}
	if c.ProxyFactory != "" {
		addrs.ProxyFactory = common.HexToAddress(c.ProxyFactory)
	}
	if c.Executor != "" {
		addrs.Executor = common.HexToAddress(c.Executor)
	}
	return addrs
}

// buildEngine loads the execution key and constructs the signing side.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engine, error) {
	cfg := a.cfg
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
		Address:          cfg.Wallet.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load key: %w", err)
	}
	if addr, err := crypto.KeyAddress(key); err == nil {
		a.logger.InfoContext(ctx, "execution key loaded", slog.String("address", addr.Hex()))
	}

	wallet, err := chain.NewWallet(deps.Eth, key, chain.WalletConfig{
		ChainID:        int64(cfg.Chain.ChainID),
		ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		MutexQueueMax:  cfg.Chain.MutexQueueMax,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wallet: %w", err)
	}
	contracts := chain.NewContracts(deps.Eth, wallet, a.addresses(), deps.Limiter)

	mcfg := txmonitor.DefaultConfig()
	mcfg.PollInterval = cfg.TxMonitor.PollInterval.Duration
	mcfg.StuckThreshold = cfg.TxMonitor.StuckThreshold.Duration
	mcfg.GasBumpPercent = cfg.TxMonitor.GasBumpPercent
	if cfg.TxMonitor.DefaultPriority > 0 {
		mcfg.DefaultPriority = gweiToWei(cfg.TxMonitor.DefaultPriority)
	}
	monitor := txmonitor.New(deps.Eth, wallet.Replace, mcfg, a.logger)
	monitor.OnReplaced(func(old, repl domain.TrackedTx) {
		msg := fmt.Sprintf("%s nonce %d: %s replaced by %s", old.Label, old.Nonce, old.Hash.Hex(), repl.Hash.Hex())
		if err := deps.Notifier.Notify(context.WithoutCancel(ctx), notify.EventTxReplaced, "Stuck transaction replaced", msg); err != nil {
			a.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	})
	wallet.SetTracker(monitor)

	signer, err := crypto.NewSigner(key, int64(cfg.Chain.ChainID), common.HexToAddress(cfg.Polymarket.Exchange))
	if err != nil {
		return nil, fmt.Errorf("app: order signer: %w", err)
	}
	var creds *crypto.HMACAuth
	if cfg.Builder.ApiKey != "" {
		creds = &crypto.HMACAuth{
			Key:        cfg.Builder.ApiKey,
			Secret:     cfg.Builder.ApiSecret,
			Passphrase: cfg.Builder.ApiPassphrase,
		}
	}
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, creds, deps.Limiter, cfg.Polymarket.SignatureType)
	if creds == nil {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("app: clob credentials: %w", err)
		}
	}

	tracker := position.NewTracker()
	states, err := deps.PositionStore.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load positions: %w", err)
	}
	tracker.Load(states)

	claimer := claim.NewClaimer(deps.CopyTrades, a.backoff())
	ledger := settlement.NewLedger(deps.Ledger, contracts, deps.Locks, settlement.LedgerDeps{
		Trades:   deps.CopyTrades,
		Writer:   deps.BlobWriter,
		Reader:   deps.BlobReader,
		Notifier: deps.Notifier,
	}, settlement.LedgerConfig{
		Interval:        cfg.Settlement.LedgerInterval.Duration,
		LockTTL:         cfg.Settlement.LedgerLockTTL.Duration,
		ArchiveReceipts: cfg.Settlement.ArchiveReceipts && deps.BlobWriter != nil,
	}, a.logger)
	recovery := settlement.NewRecovery(deps.CopyTrades, claimer, contracts, deps.Notifier, settlement.RecoveryConfig{
		Batch:          cfg.Settlement.RecoveryBatch,
		Interval:       cfg.Settlement.RecoveryInterval.Duration,
		StaleExecuting: cfg.Settlement.StaleExecutingAfter.Duration,
	}, a.logger)
	redeemer := settlement.NewRedeemer(contracts, deps.Gamma, tracker,
		followerSet{store: deps.Followers, static: staticFollowers(ctx, cfg.Followers, nil, a.logger)},
		deps.Notifier, cfg.Settlement.RedeemInterval.Duration, a.logger)

	svc := execution.NewService(contracts, clob, execution.ServiceDeps{
		Positions: tracker,
		Ledger:    ledger,
		Progress:  claimer,
		Reserve:   recovery,
	}, execution.Config{
		UseFloat: cfg.Settlement.UseFloat,
	}, a.logger)
	processor := execution.NewProcessor(claimer, deps.CopyTrades, svc, execution.ProcessorDeps{
		Books:    clob,
		Audit:    deps.AuditStore,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
		Guard:    execution.NewGuardrails(deps.CopyTrades, deps.RateWindow, a.guardrails()),
	}, execution.ProcessorConfig{
		DeferSettlement: cfg.Settlement.DeferSettlement,
		DefaultSlippage: cfg.Pipeline.DefaultSlippage,
	}, a.logger)

	a.logger.InfoContext(ctx, "execution wallet ready",
		slog.String("address", wallet.Address().Hex()),
		slog.Int("positions", len(states)),
	)
	return &engine{
		wallet:    wallet,
		contracts: contracts,
		monitor:   monitor,
		clob:      clob,
		tracker:   tracker,
		claimer:   claimer,
		ledger:    ledger,
		recovery:  recovery,
		redeemer:  redeemer,
		processor: processor,
	}, nil
}

func (a *App) guardrails() execution.GuardrailConfig {
	g := a.cfg.Guardrails
	return execution.GuardrailConfig{
		EmergencyPause:     g.EmergencyPause,
		MaxTradeUSD:        g.MaxTradeUSD,
		DailyCapUSD:        g.DailyCapUSD,
		WalletDailyCapUSD:  g.WalletDailyCapUSD,
		MarketDailyCapUSD:  g.MarketDailyCapUSD,
		MarketCaps:         g.MarketCaps,
		MaxTradesPerWindow: g.MaxTradesPerWindow,
		TradeWindow:        g.TradeWindow.Duration,
		GlobalOrdersPerMin: g.GlobalOrdersPerMin,
		UserOrdersPerMin:   g.UserOrdersPerMin,
		MaxSignalAge:       g.MaxSignalAge.Duration,
	}
}

// followerSet lists stored and statically configured followers together.
type followerSet struct {
	store  domain.FollowerConfigStore
	static []domain.FollowerConfig
}

func (f followerSet) ListActive(ctx context.Context) ([]domain.FollowerConfig, error) {
	out, err := f.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, f.static...), nil
}

// buildSources creates the enabled detector sources. books prices pending
// transfers and may be an unauthenticated client.
func (a *App) buildSources(ctx context.Context, deps *Dependencies, books detector.BookReader) ([]detector.Source, error) {
	cfg := a.cfg
	var sources []detector.Source

	if cfg.Pipeline.MempoolEnabled {
		rpcClient, err := rpc.DialContext(ctx, cfg.Chain.WSURL)
		if err != nil {
			return nil, fmt.Errorf("app: dial ws rpc: %w", err)
		}
		a.closers = append(a.closers, rpcClient.Close)
		prices := detector.NewBookPriceSource(books, deps.PriceCache, 0, a.logger)
		sources = append(sources, detector.NewPendingProvider(chain.NewPendingFeed(rpcClient), prices, detector.PendingConfig{
			CTF:    common.HexToAddress(cfg.Chain.CTF),
			Buffer: cfg.Pipeline.SignalBuffer,
		}, a.logger))
	}
	if cfg.Pipeline.ActivityEnabled {
		sources = append(sources, detector.NewActivityProvider(cfg.Polymarket.ActivityWSHost, cfg.Pipeline.SignalBuffer, a.logger))
	}
	if cfg.Goldsky.URL != "" {
		client := goldsky.NewClient(cfg.Goldsky.URL, cfg.Goldsky.APIKey, deps.Limiter)
		sources = append(sources, detector.NewPollProvider(client, detector.PollConfig{
			BaseInterval: cfg.Goldsky.PollInterval.Duration,
			MaxInterval:  cfg.Goldsky.MaxInterval.Duration,
			Buffer:       cfg.Pipeline.SignalBuffer,
		}, a.logger))
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("app: no signal sources enabled")
	}
	return sources, nil
}

func gweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).BigInt()
}
