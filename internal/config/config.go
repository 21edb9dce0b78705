// Package config defines the top-level configuration for the copy-trading
// pipeline and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYCOPY_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Chain      ChainConfig      `toml:"chain"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Builder    BuilderConfig    `toml:"builder"`
	Goldsky    GoldskyConfig    `toml:"goldsky"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Retry      RetryConfig      `toml:"retry"`
	TxMonitor  TxMonitorConfig  `toml:"tx_monitor"`
	Settlement SettlementConfig `toml:"settlement"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	Guardrails GuardrailsConfig `toml:"guardrails"`
	Followers  []FollowerEntry  `toml:"followers"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the execution wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// Address, when set, must be the address the loaded key controls.
	Address string `toml:"address"`
}

// ChainConfig holds RPC endpoints and contract addresses.
type ChainConfig struct {
	RPCURL       string `toml:"rpc_url"`
	WSURL        string `toml:"ws_url"`
	ChainID      int    `toml:"chain_id"`
	USDC         string `toml:"usdc"`
	CTF          string `toml:"ctf"`
	ProxyFactory string `toml:"proxy_factory"`
	Executor     string `toml:"executor"`
	// ReceiptTimeout bounds how long a submitter waits for a mined receipt.
	// It must outlast one stuck-transaction replacement cycle.
	ReceiptTimeout duration `toml:"receipt_timeout"`
	MutexQueueMax  int      `toml:"mutex_queue_max"`
	// AutoApprove grants the exchange USDC and outcome-token approvals from
	// the execution wallet at startup when they are missing.
	AutoApprove bool `toml:"auto_approve"`
}

// PolymarketConfig holds Polymarket API endpoints.
type PolymarketConfig struct {
	ClobHost       string `toml:"clob_host"`
	GammaHost      string `toml:"gamma_host"`
	ActivityWSHost string `toml:"activity_ws_host"`
	SignatureType  int    `toml:"signature_type"`
	Exchange       string `toml:"exchange"`
}

// BuilderConfig holds pre-provisioned CLOB L2 API credentials. When empty
// they are derived at startup.
type BuilderConfig struct {
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// GoldskyConfig holds the order-fill subgraph used as a polling fallback.
type GoldskyConfig struct {
	URL          string   `toml:"url"`
	APIKey       string   `toml:"api_key"`
	PollInterval duration `toml:"poll_interval"`
	MaxInterval  duration `toml:"max_interval"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
	Namespace    string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// PipelineConfig holds signal detection and dispatch parameters.
type PipelineConfig struct {
	Workers               int      `toml:"workers"`
	QueueMaxSize          int      `toml:"queue_max_size"`
	QueueBackend          string   `toml:"queue_backend"` // "memory" or "redis"
	QueueKey              string   `toml:"queue_key"`
	DrainInterval         duration `toml:"drain_interval"`
	ExecutePendingSignals bool     `toml:"execute_pending_signals"`
	MempoolEnabled        bool     `toml:"mempool_enabled"`
	ActivityEnabled       bool     `toml:"activity_enabled"`
	DedupTTL              duration `toml:"dedup_ttl"`
	SignalBuffer          int      `toml:"signal_buffer"`
	LagWarn               duration `toml:"lag_warn"`
	LagCritical           duration `toml:"lag_critical"`
	DepthWarn             int      `toml:"depth_warn"`
	DepthCritical         int      `toml:"depth_critical"`
	ConfigRefresh         duration `toml:"config_refresh"`
	PendingTradeTTL       duration `toml:"pending_trade_ttl"`
	DefaultSlippage       float64  `toml:"default_slippage"`
	ArchiveRetention      duration `toml:"archive_retention"`
	ArchiveCron           string   `toml:"archive_cron"`
	PositionFlush         duration `toml:"position_flush"`
}

// RetryConfig holds exponential backoff parameters for failed copy trades.
type RetryConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	BaseBackoff   duration `toml:"base_backoff"`
	MaxBackoff    duration `toml:"max_backoff"`
	SweepInterval duration `toml:"sweep_interval"`
	SweepBatch    int      `toml:"sweep_batch"`
}

// TxMonitorConfig holds stuck-transaction replacement parameters.
type TxMonitorConfig struct {
	PollInterval    duration `toml:"poll_interval"`
	StuckThreshold  duration `toml:"stuck_threshold"`
	GasBumpPercent  float64  `toml:"gas_bump_percent"`
	DefaultPriority float64  `toml:"default_priority_gwei"`
}

// SettlementConfig holds deferred settlement and reimbursement parameters.
type SettlementConfig struct {
	DeferSettlement  bool     `toml:"defer_settlement"`
	UseFloat         bool     `toml:"use_float"`
	RecoveryInterval duration `toml:"recovery_interval"`
	RecoveryBatch    int      `toml:"recovery_batch"`
	LedgerInterval   duration `toml:"ledger_interval"`
	LedgerLockTTL    duration `toml:"ledger_lock_ttl"`
	ArchiveReceipts  bool     `toml:"archive_receipts"`
	// StaleExecutingAfter is how long an EXECUTING trade may go without a
	// checkpoint before recovery reconciles it.
	StaleExecutingAfter duration `toml:"stale_executing_after"`
	RedeemInterval      duration `toml:"redeem_interval"`
	RedeemEnabled       bool     `toml:"redeem_enabled"`
}

// GuardrailsConfig holds operator trading limits. Zero disables a limit.
type GuardrailsConfig struct {
	EmergencyPause     bool               `toml:"emergency_pause"`
	MaxTradeUSD        float64            `toml:"max_trade_usd"`
	DailyCapUSD        float64            `toml:"daily_cap_usd"`
	WalletDailyCapUSD  float64            `toml:"wallet_daily_cap_usd"`
	MarketDailyCapUSD  float64            `toml:"market_daily_cap_usd"`
	MarketCaps         map[string]float64 `toml:"market_caps"`
	MaxTradesPerWindow int                `toml:"max_trades_per_window"`
	TradeWindow        duration           `toml:"trade_window"`
	GlobalOrdersPerMin int                `toml:"global_orders_per_min"`
	UserOrdersPerMin   int                `toml:"user_orders_per_min"`
	MaxSignalAge       duration           `toml:"max_signal_age"`
}

// RateLimitConfig holds per-API-class limits.
type RateLimitConfig struct {
	Classes map[string]RateClass `toml:"classes"`
}

// RateClass bounds one external API. Limit/Window is optional and shared
// across processes through Redis.
type RateClass struct {
	MaxConcurrent int      `toml:"max_concurrent"`
	Limit         int      `toml:"limit"`
	Window        duration `toml:"window"`
}

// FollowerEntry is a statically configured follower.
type FollowerEntry struct {
	ID              string  `toml:"id"`
	FollowerWallet  string  `toml:"follower_wallet"`
	ProxyAddress    string  `toml:"proxy_address"`
	LeaderAddress   string  `toml:"leader_address"`
	Mode            string  `toml:"mode"`
	SizeScale       float64 `toml:"size_scale"`
	FixedAmount     float64 `toml:"fixed_amount"`
	MaxSizePerTrade float64 `toml:"max_size_per_trade"`
	MinSizePerTrade float64 `toml:"min_size_per_trade"`
	SlippageType    string  `toml:"slippage_type"`
	MaxSlippage     float64 `toml:"max_slippage"`
	AutoExecute     bool    `toml:"auto_execute"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// Dur builds a config duration, mainly for tests and programmatic configs.
func Dur(d time.Duration) duration { return duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:         "https://polygon-rpc.com",
			ChainID:        137,
			USDC:           "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			CTF:            "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			ReceiptTimeout: duration{10 * time.Minute},
			MutexQueueMax:  50,
		},
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			GammaHost:      "https://gamma-api.polymarket.com",
			ActivityWSHost: "wss://ws-live-data.polymarket.com",
			SignatureType:  0,
			Exchange:       "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
		},
		Goldsky: GoldskyConfig{
			PollInterval: duration{5 * time.Second},
			MaxInterval:  duration{60 * time.Second},
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			Namespace:    "polycopy",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polycopy",
			ForcePathStyle: true,
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			QueueMaxSize:     5000,
			QueueBackend:     "memory",
			QueueKey:         "copytrading:supervisor:queue",
			DrainInterval:    duration{500 * time.Millisecond},
			MempoolEnabled:   true,
			ActivityEnabled:  true,
			DedupTTL:         duration{10 * time.Minute},
			SignalBuffer:     1024,
			LagWarn:          duration{2 * time.Second},
			LagCritical:      duration{10 * time.Second},
			DepthWarn:        1000,
			DepthCritical:    4000,
			ConfigRefresh:    duration{time.Minute},
			PendingTradeTTL:  duration{10 * time.Minute},
			DefaultSlippage:  0.02,
			ArchiveRetention: duration{30 * 24 * time.Hour},
			ArchiveCron:      "30 3 * * *",
			PositionFlush:    duration{time.Minute},
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseBackoff:   duration{5 * time.Second},
			MaxBackoff:    duration{5 * time.Minute},
			SweepInterval: duration{5 * time.Second},
			SweepBatch:    50,
		},
		TxMonitor: TxMonitorConfig{
			PollInterval:    duration{30 * time.Second},
			StuckThreshold:  duration{5 * time.Minute},
			GasBumpPercent:  0.2,
			DefaultPriority: 30,
		},
		Settlement: SettlementConfig{
			UseFloat:            true,
			RecoveryInterval:    duration{30 * time.Second},
			RecoveryBatch:       10,
			LedgerInterval:      duration{30 * time.Minute},
			LedgerLockTTL:       duration{5 * time.Minute},
			StaleExecutingAfter: duration{30 * time.Minute},
			RedeemInterval:      duration{15 * time.Minute},
			RedeemEnabled:       true,
		},
		Guardrails: GuardrailsConfig{
			TradeWindow: duration{10 * time.Minute},
		},
		RateLimit: RateLimitConfig{
			Classes: map[string]RateClass{
				"data":     {MaxConcurrent: 5},
				"gamma":    {MaxConcurrent: 5},
				"clob":     {MaxConcurrent: 5, Limit: 50, Window: duration{10 * time.Second}},
				"subgraph": {MaxConcurrent: 2},
				"rpc":      {MaxConcurrent: 10},
			},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_failed", "trade_stuck", "settlement_stuck", "execution_interrupted", "execution_abandoned", "redeem_failed", "tx_replaced", "ledger_failed", "error"},
		},
		Mode:     "copy",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"copy":    true,
	"monitor": true,
	"settle":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: copy, monitor, settle)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: monitor mode never signs.
	if !strings.EqualFold(c.Mode, "monitor") {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Wallet.Address != "" && !common.IsHexAddress(c.Wallet.Address) {
			errs = append(errs, fmt.Sprintf("wallet: address %q is not a hex address", c.Wallet.Address))
		}
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	for name, addr := range map[string]string{"usdc": c.Chain.USDC, "ctf": c.Chain.CTF} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chain: %s must be a hex address, got %q", name, addr))
		}
	}
	for name, addr := range map[string]string{"proxy_factory": c.Chain.ProxyFactory, "executor": c.Chain.Executor} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chain: %s must be a hex address, got %q", name, addr))
		}
	}
	if c.Pipeline.MempoolEnabled && c.Chain.WSURL == "" {
		errs = append(errs, "chain: ws_url is required when pipeline.mempool_enabled is set")
	}

	// Polymarket
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Pipeline.ActivityEnabled && c.Polymarket.ActivityWSHost == "" {
		errs = append(errs, "polymarket: activity_ws_host is required when pipeline.activity_enabled is set")
	}

	// Builder: all three fields must be set together, or all empty.
	bk := c.Builder.ApiKey != ""
	bs := c.Builder.ApiSecret != ""
	bp := c.Builder.ApiPassphrase != ""
	if (bk || bs || bp) && !(bk && bs && bp) {
		errs = append(errs, "builder: api_key, api_secret, and api_passphrase must all be set together")
	}

	// Database
	if c.Database.Enabled {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.S3.Enabled && c.Database.Enabled && len(strings.Fields(c.Pipeline.ArchiveCron)) != 5 {
		errs = append(errs, fmt.Sprintf("pipeline: archive_cron must have 5 fields, got %q", c.Pipeline.ArchiveCron))
	}

	// Pipeline
	if c.Pipeline.Workers < 1 {
		errs = append(errs, "pipeline: workers must be >= 1")
	}
	if c.Pipeline.QueueMaxSize < 1 {
		errs = append(errs, "pipeline: queue_max_size must be >= 1")
	}
	switch c.Pipeline.QueueBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "pipeline: queue_backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("pipeline: unknown queue_backend %q (valid: memory, redis)", c.Pipeline.QueueBackend))
	}
	if c.Pipeline.DefaultSlippage < 0 || c.Pipeline.DefaultSlippage >= 1 {
		errs = append(errs, "pipeline: default_slippage must be in [0, 1)")
	}

	// Retry
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry: max_retries must be >= 0")
	}
	if c.Retry.BaseBackoff.Duration <= 0 || c.Retry.MaxBackoff.Duration < c.Retry.BaseBackoff.Duration {
		errs = append(errs, "retry: base_backoff must be > 0 and <= max_backoff")
	}

	// Tx monitor
	if c.TxMonitor.StuckThreshold.Duration <= 0 {
		errs = append(errs, "tx_monitor: stuck_threshold must be > 0")
	}
	if c.TxMonitor.GasBumpPercent <= 0 {
		errs = append(errs, "tx_monitor: gas_bump_percent must be > 0")
	}
	// A receipt wait that ends before the monitor has had a chance to
	// replace a stuck transaction would report a live transfer as lost.
	if minWait := c.TxMonitor.StuckThreshold.Duration + c.TxMonitor.PollInterval.Duration; c.Chain.ReceiptTimeout.Duration <= minWait {
		errs = append(errs, fmt.Sprintf("chain: receipt_timeout %s must exceed tx_monitor stuck_threshold + poll_interval (%s)",
			c.Chain.ReceiptTimeout.Duration, minWait))
	}

	// Settlement
	if c.Settlement.StaleExecutingAfter.Duration <= 2*c.Chain.ReceiptTimeout.Duration {
		errs = append(errs, fmt.Sprintf("settlement: stale_executing_after %s must exceed twice chain.receipt_timeout",
			c.Settlement.StaleExecutingAfter.Duration))
	}
	if c.Settlement.RedeemEnabled && c.Settlement.RedeemInterval.Duration <= 0 {
		errs = append(errs, "settlement: redeem_interval must be > 0")
	}

	// Guardrails
	g := c.Guardrails
	for name, v := range map[string]float64{
		"max_trade_usd":        g.MaxTradeUSD,
		"daily_cap_usd":        g.DailyCapUSD,
		"wallet_daily_cap_usd": g.WalletDailyCapUSD,
		"market_daily_cap_usd": g.MarketDailyCapUSD,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("guardrails: %s must be >= 0", name))
		}
	}
	for slug, v := range g.MarketCaps {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("guardrails: market_caps[%q] must be >= 0", slug))
		}
	}
	if g.MaxTradesPerWindow < 0 || g.GlobalOrdersPerMin < 0 || g.UserOrdersPerMin < 0 {
		errs = append(errs, "guardrails: trade and order rate limits must be >= 0")
	}

	// Followers
	for i, f := range c.Followers {
		if f.ID == "" {
			errs = append(errs, fmt.Sprintf("followers[%d]: id must not be empty", i))
		}
		if !common.IsHexAddress(f.LeaderAddress) {
			errs = append(errs, fmt.Sprintf("followers[%d]: leader_address must be a hex address", i))
		}
		if f.ProxyAddress != "" && !common.IsHexAddress(f.ProxyAddress) {
			errs = append(errs, fmt.Sprintf("followers[%d]: proxy_address must be a hex address", i))
		}
		if f.ProxyAddress == "" && f.FollowerWallet == "" {
			errs = append(errs, fmt.Sprintf("followers[%d]: one of proxy_address or follower_wallet is required", i))
		}
		if f.MaxSizePerTrade <= 0 {
			errs = append(errs, fmt.Sprintf("followers[%d]: max_size_per_trade must be > 0", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
