package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	s3blob "github.com/alanyoungcy/polycopy/internal/blob/s3"
	"github.com/alanyoungcy/polycopy/internal/cache/redis"
	"github.com/alanyoungcy/polycopy/internal/config"
	"github.com/alanyoungcy/polycopy/internal/dispatch"
	"github.com/alanyoungcy/polycopy/internal/domain"
	"github.com/alanyoungcy/polycopy/internal/notify"
	"github.com/alanyoungcy/polycopy/internal/platform/polymarket"
	"github.com/alanyoungcy/polycopy/internal/ratelimit"
	"github.com/alanyoungcy/polycopy/internal/store/memory"
	"github.com/alanyoungcy/polycopy/internal/store/postgres"
)

// Dependencies bundles the storage, cache, transport and alerting
// implementations the modes share. Postgres, Redis and S3 each fall back to
// an in-process implementation (or nil) when disabled.
type Dependencies struct {
	// Stores
	CopyTrades    domain.CopyTradeStore
	Ledger        domain.LedgerStore
	Followers     domain.FollowerConfigStore
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches and coordination
	Queue       dispatch.Queue
	Dedup       domain.DedupStore
	Locks       domain.LockManager
	PriceCache  domain.PriceCache
	MarketCache domain.MarketCache
	RateWindow  domain.RateLimiter
	SignalBus   domain.SignalBus // nil without Redis

	// Blob storage, nil without S3
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// External APIs
	Limiter *ratelimit.Limiter
	Gamma   *polymarket.GammaClient
	Eth     *ethclient.Client

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if cfg.Database.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		} else if pending, err := pgClient.PendingMigrations(ctx); err != nil {
			logger.WarnContext(ctx, "migration check failed", slog.String("error", err.Error()))
		} else if len(pending) > 0 {
			logger.WarnContext(ctx, "database schema is behind", slog.Any("pending_migrations", pending))
		}

		pool := pgClient.Pool()
		deps.CopyTrades = postgres.NewCopyTradeStore(pool)
		deps.Ledger = postgres.NewLedgerStore(pool)
		deps.Followers = postgres.NewFollowerConfigStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	} else {
		logger.WarnContext(ctx, "database disabled, copy trades are kept in memory only")
		deps.CopyTrades = memory.NewCopyTradeStore()
		deps.Ledger = memory.NewLedgerStore()
		deps.Followers = memory.NewFollowerConfigStore()
		deps.PositionStore = memory.NewPositionStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Dedup = redis.NewDedup(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.RateWindow = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))
		if cfg.Pipeline.QueueBackend == "redis" {
			deps.Queue = redis.NewDispatchQueue(redisClient, cfg.Pipeline.QueueKey, cfg.Pipeline.QueueMaxSize)
		}
	} else {
		deps.Dedup = memory.NewDedupStore()
		deps.Locks = memory.NewLockManager()
		deps.PriceCache = memory.NewPriceCache()
		deps.MarketCache = memory.NewMarketCache()
		deps.RateWindow = memory.NewRateLimiter()
	}
	if deps.Queue == nil {
		deps.Queue = dispatch.NewMemoryQueue(cfg.Pipeline.QueueMaxSize)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 health check failed", slog.String("error", err.Error()))
		} else {
			logger.InfoContext(ctx, "s3 ready",
				slog.String("bucket", s3Client.Bucket()),
				slog.String("receipts", s3Client.Key("ledger/receipts")),
			)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		if cfg.Database.Enabled {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, reader, deps.CopyTrades, deps.AuditStore)
		}
	}

	// --- Rate limits and read-side APIs ---
	deps.Limiter = ratelimit.New(rateLimits(cfg.RateLimit), deps.RateWindow)
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost, deps.Limiter, deps.MarketCache, logger)

	// --- Chain RPC ---
	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(fmt.Errorf("wire: dial rpc: %w", err))
	}
	closers = append(closers, eth.Close)
	deps.Eth = eth

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func rateLimits(cfg config.RateLimitConfig) map[ratelimit.Class]ratelimit.Limits {
	out := make(map[ratelimit.Class]ratelimit.Limits, len(cfg.Classes))
	for name, c := range cfg.Classes {
		out[ratelimit.Class(strings.ToLower(name))] = ratelimit.Limits{
			MaxConcurrent: c.MaxConcurrent,
			Limit:         c.Limit,
			Window:        c.Window.Duration,
		}
	}
	return out
}

// proxyResolver maps a follower wallet to its proxy address.
type proxyResolver interface {
	ResolveProxy(ctx context.Context, user common.Address) (common.Address, error)
}

// staticFollowers converts the [[followers]] entries. Entries without a
// proxy address are resolved through the proxy factory when resolver is
// set and skipped otherwise.
func staticFollowers(ctx context.Context, entries []config.FollowerEntry, resolver proxyResolver, logger *slog.Logger) []domain.FollowerConfig {
	out := make([]domain.FollowerConfig, 0, len(entries))
	for _, e := range entries {
		proxy := e.ProxyAddress
		if proxy == "" {
			if resolver == nil || !common.IsHexAddress(e.FollowerWallet) {
				logger.WarnContext(ctx, "follower has no proxy address, skipped", slog.String("config_id", e.ID))
				continue
			}
			addr, err := resolver.ResolveProxy(ctx, common.HexToAddress(e.FollowerWallet))
			if err != nil {
				logger.WarnContext(ctx, "proxy resolution failed, follower skipped",
					slog.String("config_id", e.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			proxy = addr.Hex()
		}
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, domain.FollowerConfig{
			ID:              id,
			FollowerWallet:  e.FollowerWallet,
			ProxyAddress:    proxy,
			LeaderAddress:   e.LeaderAddress,
			Mode:            domain.SizingMode(strings.ToUpper(e.Mode)),
			SizeScale:       e.SizeScale,
			FixedAmount:     e.FixedAmount,
			MaxSizePerTrade: e.MaxSizePerTrade,
			MinSizePerTrade: e.MinSizePerTrade,
			SlippageType:    domain.SlippageType(strings.ToUpper(e.SlippageType)),
			MaxSlippage:     e.MaxSlippage,
			AutoExecute:     e.AutoExecute,
			Active:          true,
		})
	}
	return out
}
