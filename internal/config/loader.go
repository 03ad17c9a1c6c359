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
// built-in defaults, applies FLASHARB_* environment variable overrides, and
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

	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLASHARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Wallet.PrivateKey, "FLASHARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "FLASHARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "FLASHARB_WALLET_KEY_PASSWORD")

	setStr(&cfg.Chain.RPCURL, "FLASHARB_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "FLASHARB_CHAIN_ID")
	setStr(&cfg.Chain.ExecutorAddr, "FLASHARB_CHAIN_EXECUTOR_ADDR")
	setStr(&cfg.Chain.FlashLoanProvider, "FLASHARB_CHAIN_FLASH_LOAN_PROVIDER")
	setDuration(&cfg.Chain.CallTimeout, "FLASHARB_CHAIN_CALL_TIMEOUT")

	setDuration(&cfg.Engine.ScanInterval, "FLASHARB_ENGINE_SCAN_INTERVAL")
	setBool(&cfg.Engine.AutoExecute, "FLASHARB_ENGINE_AUTO_EXECUTE")
	setFloat64(&cfg.Engine.MinProfitBps, "FLASHARB_ENGINE_MIN_PROFIT_BPS")
	setFloat64(&cfg.Engine.MaxGasPriceGwei, "FLASHARB_ENGINE_MAX_GAS_PRICE_GWEI")
	setFloat64(&cfg.Engine.MaxSlippageBps, "FLASHARB_ENGINE_MAX_SLIPPAGE_BPS")
	setInt(&cfg.Engine.MaxConcurrentExecutions, "FLASHARB_ENGINE_MAX_CONCURRENT_EXECUTIONS")

	setFloat64(&cfg.Pathfinder.FloorNetBps, "FLASHARB_PATHFINDER_FLOOR_NET_BPS")
	setFloat64(&cfg.Pathfinder.MaxTradeNotional, "FLASHARB_PATHFINDER_MAX_TRADE_NOTIONAL")
	setFloat64(&cfg.Pathfinder.ETHPriceUSD, "FLASHARB_PATHFINDER_ETH_PRICE_USD")
	setDuration(&cfg.Pathfinder.TTL, "FLASHARB_PATHFINDER_TTL")

	setInt(&cfg.Registry.MaxRetries, "FLASHARB_REGISTRY_MAX_RETRIES")
	setDuration(&cfg.Registry.Retention, "FLASHARB_REGISTRY_RETENTION")

	setDuration(&cfg.Executor.ExecutionTimeout, "FLASHARB_EXECUTOR_EXECUTION_TIMEOUT")
	setFloat64(&cfg.Executor.MinNetProfitBps, "FLASHARB_EXECUTOR_MIN_NET_PROFIT_BPS")
	setFloat64(&cfg.Executor.ETHPriceUSD, "FLASHARB_EXECUTOR_ETH_PRICE_USD")

	setStr(&cfg.Feed.BusChannel, "FLASHARB_FEED_BUS_CHANNEL")

	setBool(&cfg.Redis.Enabled, "FLASHARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FLASHARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHARB_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "FLASHARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "FLASHARB_REDIS_NAMESPACE")

	setBool(&cfg.Postgres.Enabled, "FLASHARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "FLASHARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLASHARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLASHARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLASHARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLASHARB_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.S3.Enabled, "FLASHARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLASHARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLASHARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLASHARB_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "FLASHARB_S3_RETENTION_DAYS")

	setBool(&cfg.Server.Enabled, "FLASHARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLASHARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLASHARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLASHARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "FLASHARB_SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "FLASHARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLASHARB_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "FLASHARB_MODE")
	setStr(&cfg.LogLevel, "FLASHARB_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
