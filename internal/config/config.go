// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FLASHARB_* environment
// variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Chain      ChainConfig      `toml:"chain"`
	Engine     EngineConfig     `toml:"engine"`
	Pathfinder PathfinderConfig `toml:"pathfinder"`
	Registry   RegistryConfig   `toml:"registry"`
	Executor   ExecutorConfig   `toml:"executor"`
	Feed       FeedConfig       `toml:"feed"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the signing key source.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds EVM node and executor-contract parameters.
type ChainConfig struct {
	RPCURL            string            `toml:"rpc_url"`
	ChainID           int64             `toml:"chain_id"`
	ExecutorAddr      string            `toml:"executor_addr"`
	FlashLoanProvider string            `toml:"flash_loan_provider"`
	CallTimeout       duration          `toml:"call_timeout"`
	Routers           map[string]string `toml:"routers"` // venue -> router contract
	Tokens            map[string]string `toml:"tokens"`  // symbol -> token contract
	QuoteDecimals     int               `toml:"quote_decimals"`
}

// EngineConfig holds detection-loop and guard parameters.
type EngineConfig struct {
	ScanInterval            duration `toml:"scan_interval"`
	ScanDebounce            duration `toml:"scan_debounce"`
	ExecQueueSize           int      `toml:"exec_queue_size"`
	GasPollInterval         duration `toml:"gas_poll_interval"`
	AutoExecute             bool     `toml:"auto_execute"`
	MinProfitBps            float64  `toml:"min_profit_bps"`
	MaxGasPriceGwei         float64  `toml:"max_gas_price_gwei"`
	MaxSlippageBps          float64  `toml:"max_slippage_bps"`
	MaxConcurrentExecutions int      `toml:"max_concurrent_executions"`
}

// PathfinderConfig holds cycle-search parameters.
type PathfinderConfig struct {
	MaxHops              int                `toml:"max_hops"`
	MinHopImprovementBps float64            `toml:"min_hop_improvement_bps"`
	FloorNetBps          float64            `toml:"floor_net_bps"`
	MaxTradeNotional     float64            `toml:"max_trade_notional"`
	LiquidityFraction    float64            `toml:"liquidity_fraction"`
	ImpactCoeff          float64            `toml:"impact_coeff"`
	PerVenueFeeBps       map[string]float64 `toml:"per_venue_fee_bps"`
	GasPerHopETH         float64            `toml:"gas_per_hop_eth"`
	ETHPriceUSD          float64            `toml:"eth_price_usd"`
	SelfFundedLimit      float64            `toml:"self_funded_limit"`
	TTL                  duration           `toml:"ttl"`
	EpochSeconds         int64              `toml:"epoch_seconds"`
}

// RegistryConfig holds opportunity lifecycle parameters.
type RegistryConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	Retention     duration `toml:"retention"`
	SweepInterval duration `toml:"sweep_interval"`
}

// ExecutorConfig holds execution attempt parameters.
type ExecutorConfig struct {
	ExecutionTimeout    duration `toml:"execution_timeout"`
	ConfirmPollInterval duration `toml:"confirm_poll_interval"`
	MinNetProfitBps     float64  `toml:"min_net_profit_bps"`
	LockTTL             duration `toml:"lock_ttl"`
	ETHPriceUSD         float64  `toml:"eth_price_usd"`
}

// VenueFeedConfig is one venue WebSocket subscription.
type VenueFeedConfig struct {
	Name  string   `toml:"name"`
	WsURL string   `toml:"ws_url"`
	Pairs []string `toml:"pairs"`
}

// FeedConfig holds quote ingestion parameters.
type FeedConfig struct {
	Venues []VenueFeedConfig `toml:"venues"`

	// BusChannel additionally ingests quotes published on the Redis signal
	// bus. Empty disables bus ingestion.
	BusChannel string `toml:"bus_channel"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// Namespace prefixes every channel, stream, and cache key.
	Namespace string `toml:"namespace"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`

	// RetentionDays is how long rows stay in Postgres before the archiver
	// moves them to object storage.
	RetentionDays int `toml:"retention_days"`

	// ArchiveInterval drives the background archive sweep.
	ArchiveInterval duration `toml:"archive_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:           1,
			FlashLoanProvider: "aave",
			CallTimeout:       duration{10 * time.Second},
			QuoteDecimals:     6,
		},
		Engine: EngineConfig{
			ScanInterval:            duration{2 * time.Second},
			ScanDebounce:            duration{100 * time.Millisecond},
			ExecQueueSize:           64,
			GasPollInterval:         duration{15 * time.Second},
			AutoExecute:             false,
			MinProfitBps:            30,
			MaxGasPriceGwei:         100,
			MaxSlippageBps:          50,
			MaxConcurrentExecutions: 3,
		},
		Pathfinder: PathfinderConfig{
			MaxHops:              4,
			MinHopImprovementBps: 5,
			FloorNetBps:          1,
			MaxTradeNotional:     50_000,
			LiquidityFraction:    0.01,
			ImpactCoeff:          0.5,
			PerVenueFeeBps: map[string]float64{
				"uniswap":   30,
				"sushiswap": 30,
				"curve":     4,
				"balancer":  30,
			},
			GasPerHopETH: 0.012,
			ETHPriceUSD:          3000,
			SelfFundedLimit:      10_000,
			TTL:                  duration{15 * time.Second},
			EpochSeconds:         15,
		},
		Registry: RegistryConfig{
			MaxRetries:    2,
			Retention:     duration{30 * time.Second},
			SweepInterval: duration{time.Second},
		},
		Executor: ExecutorConfig{
			ExecutionTimeout:    duration{30 * time.Second},
			ConfirmPollInterval: duration{500 * time.Millisecond},
			MinNetProfitBps:     1,
			LockTTL:             duration{45 * time.Second},
			ETHPriceUSD:         3000,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "flasharb",
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "flasharb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "flasharb-archive",
			ForcePathStyle:  true,
			RetentionDays:   90,
			ArchiveInterval: duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"executed", "failed", "wallet"},
		},
		Mode:     ModeScan,
		LogLevel: "info",
	}
}

// Modes accepted by Config.Mode. scan detects without executing; trade
// executes; full is trade plus every configured sidecar.
const (
	ModeScan  = "scan"
	ModeTrade = "trade"
	ModeFull  = "full"
)

var validModes = map[string]bool{
	ModeScan:  true,
	ModeTrade: true,
	ModeFull:  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validProviders = map[string]bool{
	"aave":     true,
	"compound": true,
	"dydx":     true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: scan, trade, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	trading := strings.ToLower(c.Mode) != "scan"
	if trading {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty for mode "+c.Mode)
		}
		if c.Chain.ExecutorAddr == "" {
			errs = append(errs, "chain: executor_addr must not be empty for mode "+c.Mode)
		}
		if !validProviders[strings.ToLower(c.Chain.FlashLoanProvider)] {
			errs = append(errs, fmt.Sprintf("chain: unknown flash_loan_provider %q (valid: aave, compound, dydx)", c.Chain.FlashLoanProvider))
		}
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must be positive, got %d", c.Chain.ChainID))
	}

	if c.Engine.MinProfitBps < 0 {
		errs = append(errs, "engine: min_profit_bps must be >= 0")
	}
	if c.Engine.MaxConcurrentExecutions < 1 {
		errs = append(errs, "engine: max_concurrent_executions must be >= 1")
	}

	if c.Pathfinder.MaxHops < 2 {
		errs = append(errs, "pathfinder: max_hops must be >= 2")
	}
	if c.Pathfinder.LiquidityFraction <= 0 || c.Pathfinder.LiquidityFraction > 1 {
		errs = append(errs, "pathfinder: liquidity_fraction must be in (0, 1]")
	}
	if c.Pathfinder.TTL.Duration <= 0 {
		errs = append(errs, "pathfinder: ttl must be positive")
	}

	if c.Registry.MaxRetries < 0 {
		errs = append(errs, "registry: max_retries must be >= 0")
	}

	if len(c.Feed.Venues) == 0 && c.Feed.BusChannel == "" {
		errs = append(errs, "feed: at least one venue or a bus_channel must be configured")
	}
	for i, v := range c.Feed.Venues {
		if v.Name == "" {
			errs = append(errs, fmt.Sprintf("feed: venues[%d]: name must not be empty", i))
		}
		if v.WsURL == "" {
			errs = append(errs, fmt.Sprintf("feed: venues[%d]: ws_url must not be empty", i))
		}
		if len(v.Pairs) == 0 {
			errs = append(errs, fmt.Sprintf("feed: venues[%d]: pairs must not be empty", i))
		}
	}
	if c.Feed.BusChannel != "" && !c.Redis.Enabled {
		errs = append(errs, "feed: bus_channel requires redis.enabled")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.S3.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiver requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
