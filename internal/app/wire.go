package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/flasharb/engine/internal/blob/s3"
	"github.com/flasharb/engine/internal/cache/redis"
	"github.com/flasharb/engine/internal/chain"
	"github.com/flasharb/engine/internal/config"
	"github.com/flasharb/engine/internal/crypto"
	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/engine"
	"github.com/flasharb/engine/internal/executor"
	"github.com/flasharb/engine/internal/feed"
	"github.com/flasharb/engine/internal/guard"
	"github.com/flasharb/engine/internal/notify"
	"github.com/flasharb/engine/internal/pathfinder"
	"github.com/flasharb/engine/internal/quote"
	"github.com/flasharb/engine/internal/registry"
	"github.com/flasharb/engine/internal/server"
	"github.com/flasharb/engine/internal/server/handler"
	"github.com/flasharb/engine/internal/server/ws"
	"github.com/flasharb/engine/internal/stats"
	"github.com/flasharb/engine/internal/store/postgres"
)

// telemetryStream is the Redis stream mirroring the in-memory event ring.
const telemetryStream = "telemetry"

// eventRingCapacity bounds the in-memory telemetry ring.
const eventRingCapacity = 1000

// Dependencies holds every wired component. Sidecar fields (Redis, Postgres,
// S3, Server) are nil when the corresponding config section is disabled.
type Dependencies struct {
	Store  *quote.Store
	Finder *pathfinder.Finder
	Sink   *stats.Sink
	Engine *engine.Engine

	Bridge *feed.Bridge
	Feeds  []*feed.VenueFeed

	Redis       *redis.Client
	Bus         *redis.SignalBus
	RateLimiter domain.RateLimiter

	Postgres  *postgres.Client
	ExecStore *postgres.ExecutionStore
	OppStore  *postgres.OpportunityStore

	S3       *s3blob.Client
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier

	Hub    *ws.Hub
	Server *server.Server
}

// Wire builds the full dependency graph for cfg. The returned cleanup closes
// every opened resource in reverse order; it is safe to call even when Wire
// returns an error, and Wire has already called it in that case.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	deps := &Dependencies{}

	deps.Store = quote.NewStore()
	deps.Finder = pathfinder.NewFinder(finderConfig(cfg.Pathfinder))
	deps.Sink = stats.NewSink(eventRingCapacity, logger)

	// The chain client and transaction builder exist only in executing
	// modes. Interface variables stay untyped-nil otherwise so the engine
	// sees a true nil.
	var chainClient domain.ChainClient
	var txBuilder domain.TxBuilder
	if cfg.Mode != config.ModeScan {
		key, err := crypto.Load(crypto.KeySource{
			RawHex:        cfg.Wallet.PrivateKey,
			EncryptedPath: cfg.Wallet.EncryptedKeyPath,
			Password:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("app: load wallet key: %w", err))
		}
		cc, err := chain.New(chain.Config{
			RPCURL:       cfg.Chain.RPCURL,
			ChainID:      cfg.Chain.ChainID,
			CallTimeout:  cfg.Chain.CallTimeout.Duration,
			ExecutorAddr: common.HexToAddress(cfg.Chain.ExecutorAddr),
		}, key, logger)
		if err != nil {
			return fail(fmt.Errorf("app: chain client: %w", err))
		}
		chainClient = cc
		txBuilder = chain.NewBuilder(builderConfig(cfg.Chain), cc.GasPrice)
	}

	deps.Engine = engine.New(
		engineConfig(cfg.Engine),
		deps.Store,
		deps.Finder,
		deps.Sink,
		registryConfig(cfg.Registry),
		executorConfig(cfg),
		chainClient,
		txBuilder,
		logger,
	)

	deps.Bridge = feed.NewBridge(deps.Store, logger)
	for _, v := range cfg.Feed.Venues {
		deps.Feeds = append(deps.Feeds,
			feed.NewVenueFeed(domain.Venue(v.Name), v.WsURL, v.Pairs, deps.Bridge.Ingest, logger))
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("app: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Redis = rc
		deps.Bus = redis.NewSignalBus(rc, cfg.Redis.Namespace)
		deps.RateLimiter = redis.NewRateLimiter(rc)

		deps.Bridge.SetMirror(redis.NewQuoteCache(rc))
		deps.Bridge.SetBus(deps.Bus)
		deps.Sink.SetStreamMirror(deps.Bus, telemetryStream)

		if coord := deps.Engine.Coordinator(); coord != nil {
			coord.SetLockManager(redis.NewLockManager(rc))
		}
	}

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("app: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("app: migrations: %w", err))
			}
		}

		deps.Postgres = pg
		deps.ExecStore = postgres.NewExecutionStore(pg.Pool())
		deps.OppStore = postgres.NewOpportunityStore(pg.Pool())

		if coord := deps.Engine.Coordinator(); coord != nil {
			coord.SetExecutionStore(deps.ExecStore)
		}
		deps.Engine.Registry().OnTransition(persistTerminal(deps.OppStore, logger))
	}

	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("app: s3: %w", err))
		}
		deps.S3 = s3c
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3c), deps.ExecStore, deps.OppStore, logger)
	}

	if senders := buildSenders(cfg.Notify); len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
		deps.Engine.Registry().OnTransition(deps.Notifier.ObserveTransition)
	}

	if cfg.Server.Enabled {
		deps.Hub = ws.NewHub(deps.Sink, deps.Engine.Stats, logger)
		deps.Engine.Registry().OnTransition(deps.Hub.BroadcastTransition)
		deps.Server = buildServer(cfg, deps, logger)
	}

	return deps, cleanup, nil
}

// persistTerminal flushes opportunities that reached a resting status to
// Postgres. Failed is included even when a retry will follow; the row is
// upserted again on the next terminal transition.
func persistTerminal(store *postgres.OpportunityStore, logger *slog.Logger) registry.TransitionHook {
	return func(opp domain.Opportunity, from, to domain.OpportunityStatus) {
		switch to {
		case domain.StatusExecuted, domain.StatusFailed, domain.StatusExpired:
		default:
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := store.Insert(ctx, opp); err != nil {
				logger.Warn("opportunity persist failed",
					slog.String("id", opp.ID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

func buildSenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return senders
}

func buildServer(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *server.Server {
	health := handler.NewHealthHandler(logger)
	if deps.Redis != nil {
		health.AddCheck("redis", deps.Redis.Ping)
	}
	if deps.Postgres != nil {
		health.AddCheck("postgres", func(ctx context.Context) error {
			return deps.Postgres.Pool().Ping(ctx)
		})
	}
	if deps.S3 != nil {
		health.AddCheck("s3", deps.S3.Health)
	}

	opps := handler.NewOpportunityHandler(deps.Engine.Registry(), logger)
	if deps.Engine.Coordinator() != nil {
		opps = opps.WithExecutor(deps.Engine)
	}

	var execStore domain.ExecutionStore
	if deps.ExecStore != nil {
		execStore = deps.ExecStore
	}

	handlers := server.Handlers{
		Health:      health,
		Quotes:      handler.NewQuoteHandler(deps.Store, logger),
		Opportunity: opps,
		Executions:  handler.NewExecutionHandler(execStore, logger),
		Stats:       handler.NewStatsHandler(deps.Engine, deps.Sink, logger),
		Control:     handler.NewControlHandler(deps.Engine, logger),
	}

	return server.NewServer(server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		RateLimit:   cfg.Server.RateLimit,
		RateWindow:  cfg.Server.RateWindow.Duration,
	}, handlers, deps.Hub, deps.RateLimiter, logger)
}

// ---------------------------------------------------------------------------
// Config translation. The config package stays decoupled from component
// packages; these helpers map TOML sections onto component Config structs.
// ---------------------------------------------------------------------------

func finderConfig(c config.PathfinderConfig) pathfinder.Config {
	fees := make(map[domain.Venue]float64, len(c.PerVenueFeeBps))
	for venue, bps := range c.PerVenueFeeBps {
		fees[domain.Venue(venue)] = bps
	}
	return pathfinder.Config{
		MaxHops:              c.MaxHops,
		MinHopImprovementBps: c.MinHopImprovementBps,
		FloorNetBps:          c.FloorNetBps,
		MaxTradeNotional:     c.MaxTradeNotional,
		LiquidityFraction:    c.LiquidityFraction,
		ImpactCoeff:          c.ImpactCoeff,
		PerVenueFeeBps:       fees,
		GasPerHopETH:         c.GasPerHopETH,
		ETHPriceUSD:          c.ETHPriceUSD,
		SelfFundedLimit:      c.SelfFundedLimit,
		TTL:                  c.TTL.Duration,
		EpochSeconds:         c.EpochSeconds,
	}
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		ScanInterval:    c.ScanInterval.Duration,
		ScanDebounce:    c.ScanDebounce.Duration,
		ExecQueueSize:   c.ExecQueueSize,
		GasPollInterval: c.GasPollInterval.Duration,
		AutoExecute:     c.AutoExecute,
		Limits: guard.Limits{
			MinProfitBps:            c.MinProfitBps,
			MaxGasPriceGwei:         c.MaxGasPriceGwei,
			MaxSlippageBps:          c.MaxSlippageBps,
			MaxConcurrentExecutions: c.MaxConcurrentExecutions,
		},
	}
}

func registryConfig(c config.RegistryConfig) registry.Config {
	return registry.Config{
		MaxRetries:    c.MaxRetries,
		Retention:     c.Retention.Duration,
		SweepInterval: c.SweepInterval.Duration,
	}
}

func executorConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		MaxConcurrent:       int64(cfg.Engine.MaxConcurrentExecutions),
		ExecutionTimeout:    cfg.Executor.ExecutionTimeout.Duration,
		ConfirmPollInterval: cfg.Executor.ConfirmPollInterval.Duration,
		MinNetProfitBps:     cfg.Executor.MinNetProfitBps,
		LockTTL:             cfg.Executor.LockTTL.Duration,
		ETHPriceUSD:         cfg.Executor.ETHPriceUSD,
	}
}

func builderConfig(c config.ChainConfig) chain.BuilderConfig {
	routers := make(map[domain.Venue]common.Address, len(c.Routers))
	for venue, addr := range c.Routers {
		routers[domain.Venue(venue)] = common.HexToAddress(addr)
	}
	tokens := make(map[string]common.Address, len(c.Tokens))
	for symbol, addr := range c.Tokens {
		tokens[symbol] = common.HexToAddress(addr)
	}
	return chain.BuilderConfig{
		ExecutorAddr:  common.HexToAddress(c.ExecutorAddr),
		Provider:      domain.FlashLoanProvider(c.FlashLoanProvider),
		Routers:       routers,
		Tokens:        tokens,
		QuoteDecimals: c.QuoteDecimals,
	}
}
