// Command server is the composition root for the market-data distribution
// and enrichment service: it wires every component this repository owns
// (broker connection pools, tick processing pipeline, Redis publisher,
// subscription store, order executor, synthetic-data fallback) into one
// running process, then blocks until SIGINT/SIGTERM.
//
// Nothing here decides business logic; it only constructs collaborators
// and hands them to each other, the same "everything built once in the
// composition root, nothing a package-level singleton" shape the rest of
// this codebase follows.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/marketstream/internal/batcher"
	"github.com/aristath/marketstream/internal/broker"
	"github.com/aristath/marketstream/internal/config"
	"github.com/aristath/marketstream/internal/database"
	"github.com/aristath/marketstream/internal/datasource"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/greeks"
	"github.com/aristath/marketstream/internal/historical"
	"github.com/aristath/marketstream/internal/instruments"
	"github.com/aristath/marketstream/internal/metrics"
	"github.com/aristath/marketstream/internal/mockdata"
	"github.com/aristath/marketstream/internal/orders"
	"github.com/aristath/marketstream/internal/processor"
	"github.com/aristath/marketstream/internal/publisher"
	"github.com/aristath/marketstream/internal/reliability"
	"github.com/aristath/marketstream/internal/reload"
	"github.com/aristath/marketstream/internal/schedule"
	"github.com/aristath/marketstream/internal/subscriptions"
	"github.com/aristath/marketstream/internal/ticker"
	"github.com/aristath/marketstream/internal/validator"
	"github.com/aristath/marketstream/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting marketstream")

	monitor := reliability.NewTaskMonitor(log)

	subsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "subscriptions.db"),
		Profile: database.ProfileStandard,
		Name:    "subscriptions",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open subscriptions database")
	}
	defer subsDB.Close()
	if err := subsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate subscriptions database")
	}

	ordersDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "orders.db"),
		Profile: database.ProfileQueue,
		Name:    "orders",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open orders database")
	}
	defer ordersDB.Close()
	if err := ordersDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate orders database")
	}

	subsStore := subscriptions.New(subsDB)

	// Any healthy account's token can fetch the shared instrument dump and
	// historical candles; neither endpoint is account-scoped data.
	var instrumentSource *datasource.KiteSource
	orderTokens := make(map[string]string, len(cfg.Accounts))
	var primaryAPIKey string
	for _, acc := range cfg.Accounts {
		if acc.AccessToken == "" {
			continue
		}
		orderTokens[acc.AccountID] = acc.AccessToken
		if instrumentSource == nil {
			instrumentSource = datasource.NewKiteSource(broker.DefaultOrdersBaseURL, acc.APIKey, acc.AccessToken)
			primaryAPIKey = acc.APIKey
		}
	}
	if instrumentSource == nil {
		// No configured account; construct an unauthenticated source so the
		// registry still works in mock-only mode (FetchInstruments will
		// simply fail and the registry logs it, falling back to whatever
		// mock instruments the deployment seeds directly into the store).
		instrumentSource = datasource.NewKiteSource(broker.DefaultOrdersBaseURL, "", "")
	}

	registry := instruments.New(instrumentSource, instruments.Config{
		StalenessInterval: 24 * time.Hour,
	}, log)

	greeksCalc := greeks.NewCalculator(greeks.Config{
		RiskFreeRate:     0.065,
		MaxUnderlyingAge: cfg.GreeksMaxUnderlyingAge(),
	})

	tickValidator := validator.New(validator.Config{
		Mode:           validator.Lenient,
		WarnSampleRate: 100,
	}, log)

	pub := publisher.New(publisher.Config{
		Addr:                 cfg.RedisAddr,
		Password:             cfg.RedisPassword,
		DB:                   cfg.RedisDB,
		PoolSize:             cfg.RedisPoolSize,
		ChannelPrefix:        cfg.PublishChannelPrefix,
		CircuitFailureThresh: cfg.RedisCircuitFailureThreshold,
		CircuitRecovery:      cfg.RedisCircuitRecovery(),
	}, log)
	defer pub.Close()

	tickBatcher := batcher.NewTickBatcher(batcher.Config{
		Window:  cfg.TickBatchWindow(),
		MaxSize: cfg.TickBatchMaxSize,
	}, batcher.Sinks{
		OnUnderlying: func(bars []domain.UnderlyingBar) {
			for _, bar := range bars {
				pub.Publish(context.Background(), pub.Channel("underlying"), bar.Payload())
			}
		},
		OnOptions: func(snaps []domain.OptionSnapshot) {
			for _, snap := range snaps {
				pub.Publish(context.Background(), pub.Channel("options"), snap.Payload())
			}
		},
	})

	// Synthetic fallback feed: only ever active when mock mode is enabled
	// AND the market is closed (mockdata.SafeToServe), so it can run
	// unconditionally alongside the live pipeline without risking a leak
	// into production during market hours.
	mockCache := mockdata.NewCache(cfg.MockStateMaxSize)
	mockGen := mockdata.NewGenerator(mockdata.GeneratorConfig{RiskFreeRate: 0.065}, mockCache, time.Now().UnixNano())
	mockFeeder := mockdata.NewFeeder(mockdata.FeederConfig{
		Enabled:    cfg.MockDataEnabled,
		SeedPrices: cfg.MockDataSeedPrices,
	}, mockGen, registry, tickBatcher, log)

	tickProcessor := processor.New(registry, tickValidator, greeksCalc, processor.Sinks{
		EmitUnderlying: tickBatcher.AddUnderlying,
		EmitOption:     tickBatcher.AddOption,
	}, log)

	orchestrator := broker.NewSessionOrchestrator(cfg.LeaseTimeout())

	var archiver historical.Archiver
	if cfg.S3ArchiveEnabled {
		s3Archiver, err := historical.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			log.Warn().Err(err).Msg("failed to construct S3 archiver; historical backfill will not archive")
		} else {
			archiver = s3Archiver
		}
	}

	bootstrapper := historical.New(historical.Config{
		BackfillDays: cfg.HistoricalBackfillDays,
		BatchSize:    cfg.HistoricalBackfillBatch,
	}, instrumentSource, orchestrator, archiver, log)

	orderClient := broker.NewKiteOrderClient(broker.DefaultOrdersBaseURL, primaryAPIKey, orderTokens)
	orderExecutor := orders.New(orders.Config{
		MaxAttempts:       cfg.OrderExecutorMaxAttempts,
		PollInterval:      cfg.OrderExecutorPollInterval(),
		IdempotencyWindow: cfg.OrderIdempotencyWindow(),
		MaxTaskCap:        cfg.OrderExecutorMaxTaskCap,
	}, ordersDB, orderClient, log)

	accountIDs := make([]string, 0, len(cfg.Accounts))
	pools := make(map[string]ticker.BrokerPool, len(cfg.Accounts))
	poolsByAccount := make(map[string]*broker.Pool, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		acc := acc
		accountIDs = append(accountIDs, acc.AccountID)

		callbacks := broker.Callbacks{
			OnTicks: func(ticks []domain.TickFrame) {
				tickProcessor.Process(context.Background(), acc.AccountID, ticks, time.Now())
			},
		}

		factory := func(connectionID string) broker.Transport {
			return broker.NewKiteTransport(acc.WSBaseURL, acc.APIKey, acc.AccessToken, cfg.BrokerSubscribeTimeout())
		}

		pool := broker.New(acc.AccountID, factory, callbacks, cfg.MaxInstrumentsPerConnection, monitor, log)
		pools[acc.AccountID] = pool
		poolsByAccount[acc.AccountID] = pool
	}
	if len(accountIDs) == 0 {
		// Mock-only deployment: the ticker loop still needs at least one
		// "account" to assign the (empty, until mock subscriptions are
		// added) instrument set to.
		accountIDs = []string{"default"}
	}

	loop := ticker.New(ticker.Config{
		AccountIDs:   accountIDs,
		Store:        subsStore,
		Instruments:  registry,
		Pools:        pools,
		Batcher:      tickBatcher,
		Bootstrapper: bootstrapper,
		Publisher:    pub,
		Monitor:      monitor,
		ReloadConfig: reload.Config{
			Debounce:    cfg.ReloadDebounce(),
			MaxDebounce: cfg.ReloadMaxDebounce(),
			MinGap:      cfg.ReloadMinGap(),
		},
	}, log)

	metricsServer := metrics.New(cfg.Port, metrics.Collectors{
		PoolStats: func() []metrics.PoolStats {
			var out []metrics.PoolStats
			for accountID, pool := range poolsByAccount {
				for _, s := range pool.Stats() {
					out = append(out, metrics.PoolStats{
						AccountID:    accountID,
						ConnectionID: s.ConnectionID,
						Capacity:     s.Capacity,
						Subscribed:   s.Subscribed,
						Connected:    s.Connected,
					})
				}
			}
			return out
		},
		PublisherState: func() (reliability.CircuitState, int64) {
			return pub.State(), pub.Dropped()
		},
		ProcessorProcessed: func() (int64, int64) {
			stats := tickProcessor.Stats()
			return stats.Processed, stats.Dropped
		},
		OrderQueueDepth: func() (int, int) {
			pending, deadLetter, err := orderExecutor.QueueDepth(context.Background())
			if err != nil {
				return 0, 0
			}
			return pending, deadLetter
		},
		InstrumentCount: registry.Size,
	}, log)

	// Daily wall-clock jobs, anchored just past the IST calendar-day
	// boundary so both fire before the next trading session opens.
	sched := schedule.New(log)
	if err := sched.AddJob("15 0 * * *", "instrument_refresh", func() error {
		refreshCtx, refreshCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer refreshCancel()
		return registry.Refresh(refreshCtx)
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register instrument refresh job")
	}
	if err := sched.AddJob("20 0 * * *", "bootstrap_rearm", func() error {
		for _, accountID := range accountIDs {
			bootstrapper.ResetDone(accountID)
		}
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register bootstrap re-arm job")
	}
	sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Spawn(ctx, "metrics_server", metricsServer.Start, func(name string, err error) {
		log.Error().Err(err).Msg("metrics server faulted")
	})
	monitor.Spawn(ctx, "order_executor", orderExecutor.Run, func(name string, err error) {
		log.Error().Err(err).Msg("order executor faulted")
	})
	monitor.Spawn(ctx, "mock_state_sweeper", func(taskCtx context.Context) error {
		return mockdata.RunSweeper(taskCtx, mockCache, log)
	}, nil)
	monitor.Spawn(ctx, "mock_data_feeder", mockFeeder.Run, func(name string, err error) {
		log.Error().Err(err).Msg("mock data feeder faulted")
	})

	if err := loop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start ticker loop")
	}
	log.Info().Int("accounts", len(accountIDs)).Msg("marketstream started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	sched.Stop()
	loop.Stop()
	monitor.StopAll()
	log.Info().Msg("marketstream stopped")
}
