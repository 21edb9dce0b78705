package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYCOPY_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYCOPY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYCOPY_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYCOPY_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYCOPY_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Address, "POLYCOPY_WALLET_ADDRESS")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "POLYCOPY_CHAIN_RPC_URL")
	setStr(&cfg.Chain.WSURL, "POLYCOPY_CHAIN_WS_URL")
	setInt(&cfg.Chain.ChainID, "POLYCOPY_CHAIN_ID")
	setStr(&cfg.Chain.USDC, "POLYCOPY_CHAIN_USDC")
	setStr(&cfg.Chain.CTF, "POLYCOPY_CHAIN_CTF")
	setStr(&cfg.Chain.ProxyFactory, "POLYCOPY_CHAIN_PROXY_FACTORY")
	setStr(&cfg.Chain.Executor, "POLYCOPY_CHAIN_EXECUTOR")
	setBool(&cfg.Chain.AutoApprove, "POLYCOPY_CHAIN_AUTO_APPROVE")
	setDuration(&cfg.Chain.ReceiptTimeout, "POLYCOPY_CHAIN_RECEIPT_TIMEOUT")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYCOPY_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYCOPY_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ActivityWSHost, "POLYCOPY_POLYMARKET_ACTIVITY_WS_HOST")
	setInt(&cfg.Polymarket.SignatureType, "POLYCOPY_POLYMARKET_SIGNATURE_TYPE")

	// ── Builder ──
	setStr(&cfg.Builder.ApiKey, "POLYCOPY_BUILDER_API_KEY")
	setStr(&cfg.Builder.ApiSecret, "POLYCOPY_BUILDER_API_SECRET")
	setStr(&cfg.Builder.ApiPassphrase, "POLYCOPY_BUILDER_API_PASSPHRASE")

	// ── Goldsky ──
	setStr(&cfg.Goldsky.URL, "POLYCOPY_GOLDSKY_URL")
	setStr(&cfg.Goldsky.APIKey, "POLYCOPY_GOLDSKY_API_KEY")
	setDuration(&cfg.Goldsky.PollInterval, "POLYCOPY_GOLDSKY_POLL_INTERVAL")

	// ── Database ──
	setBool(&cfg.Database.Enabled, "POLYCOPY_DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "POLYCOPY_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "POLYCOPY_DATABASE_HOST")
	setInt(&cfg.Database.Port, "POLYCOPY_DATABASE_PORT")
	setStr(&cfg.Database.Database, "POLYCOPY_DATABASE_NAME")
	setStr(&cfg.Database.User, "POLYCOPY_DATABASE_USER")
	setStr(&cfg.Database.Password, "POLYCOPY_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "POLYCOPY_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "POLYCOPY_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "POLYCOPY_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "POLYCOPY_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYCOPY_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYCOPY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYCOPY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYCOPY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYCOPY_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "POLYCOPY_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "POLYCOPY_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYCOPY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYCOPY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYCOPY_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYCOPY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYCOPY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYCOPY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYCOPY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYCOPY_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POLYCOPY_S3_PREFIX")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Workers, "POLYCOPY_PIPELINE_WORKERS")
	setInt(&cfg.Pipeline.QueueMaxSize, "POLYCOPY_PIPELINE_QUEUE_MAX_SIZE")
	setStr(&cfg.Pipeline.QueueBackend, "POLYCOPY_PIPELINE_QUEUE_BACKEND")
	setBool(&cfg.Pipeline.ExecutePendingSignals, "POLYCOPY_PIPELINE_EXECUTE_PENDING_SIGNALS")
	setBool(&cfg.Pipeline.MempoolEnabled, "POLYCOPY_PIPELINE_MEMPOOL_ENABLED")
	setBool(&cfg.Pipeline.ActivityEnabled, "POLYCOPY_PIPELINE_ACTIVITY_ENABLED")
	setFloat64(&cfg.Pipeline.DefaultSlippage, "POLYCOPY_PIPELINE_DEFAULT_SLIPPAGE")
	setStr(&cfg.Pipeline.ArchiveCron, "POLYCOPY_PIPELINE_ARCHIVE_CRON")

	// ── Retry ──
	setInt(&cfg.Retry.MaxRetries, "POLYCOPY_RETRY_MAX_RETRIES")
	setDuration(&cfg.Retry.BaseBackoff, "POLYCOPY_RETRY_BASE_BACKOFF")
	setDuration(&cfg.Retry.MaxBackoff, "POLYCOPY_RETRY_MAX_BACKOFF")

	// ── Tx monitor ──
	setDuration(&cfg.TxMonitor.PollInterval, "POLYCOPY_TX_MONITOR_POLL_INTERVAL")
	setDuration(&cfg.TxMonitor.StuckThreshold, "POLYCOPY_TX_MONITOR_STUCK_THRESHOLD")
	setFloat64(&cfg.TxMonitor.GasBumpPercent, "POLYCOPY_TX_MONITOR_GAS_BUMP_PERCENT")

	// ── Settlement ──
	setBool(&cfg.Settlement.DeferSettlement, "POLYCOPY_SETTLEMENT_DEFER")
	setBool(&cfg.Settlement.UseFloat, "POLYCOPY_SETTLEMENT_USE_FLOAT")
	setDuration(&cfg.Settlement.RecoveryInterval, "POLYCOPY_SETTLEMENT_RECOVERY_INTERVAL")
	setDuration(&cfg.Settlement.LedgerInterval, "POLYCOPY_SETTLEMENT_LEDGER_INTERVAL")
	setBool(&cfg.Settlement.ArchiveReceipts, "POLYCOPY_SETTLEMENT_ARCHIVE_RECEIPTS")
	setDuration(&cfg.Settlement.StaleExecutingAfter, "POLYCOPY_SETTLEMENT_STALE_EXECUTING_AFTER")
	setBool(&cfg.Settlement.RedeemEnabled, "POLYCOPY_SETTLEMENT_REDEEM_ENABLED")
	setDuration(&cfg.Settlement.RedeemInterval, "POLYCOPY_SETTLEMENT_REDEEM_INTERVAL")

	// Guardrails
	setBool(&cfg.Guardrails.EmergencyPause, "POLYCOPY_GUARDRAILS_EMERGENCY_PAUSE")
	setFloat64(&cfg.Guardrails.MaxTradeUSD, "POLYCOPY_GUARDRAILS_MAX_TRADE_USD")
	setFloat64(&cfg.Guardrails.DailyCapUSD, "POLYCOPY_GUARDRAILS_DAILY_CAP_USD")
	setFloat64(&cfg.Guardrails.WalletDailyCapUSD, "POLYCOPY_GUARDRAILS_WALLET_DAILY_CAP_USD")
	setFloat64(&cfg.Guardrails.MarketDailyCapUSD, "POLYCOPY_GUARDRAILS_MARKET_DAILY_CAP_USD")
	setInt(&cfg.Guardrails.MaxTradesPerWindow, "POLYCOPY_GUARDRAILS_MAX_TRADES_PER_WINDOW")
	setInt(&cfg.Guardrails.GlobalOrdersPerMin, "POLYCOPY_GUARDRAILS_GLOBAL_ORDERS_PER_MIN")
	setInt(&cfg.Guardrails.UserOrdersPerMin, "POLYCOPY_GUARDRAILS_USER_ORDERS_PER_MIN")
	setDuration(&cfg.Guardrails.MaxSignalAge, "POLYCOPY_GUARDRAILS_MAX_SIGNAL_AGE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYCOPY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYCOPY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYCOPY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYCOPY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYCOPY_MODE")
	setStr(&cfg.LogLevel, "POLYCOPY_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
