// cmd/pipeline-manager/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"valuation-pipeline/internal/common/aws"
	"valuation-pipeline/internal/common/breaker"
	"valuation-pipeline/internal/common/cache"
	"valuation-pipeline/internal/common/camunda"
	"valuation-pipeline/internal/common/config"
	"valuation-pipeline/internal/common/database"
	commonhttp "valuation-pipeline/internal/common/http"
	"valuation-pipeline/internal/common/logger"
	"valuation-pipeline/internal/common/observability"
	"valuation-pipeline/internal/common/validation"
	"valuation-pipeline/internal/connectors"
	"valuation-pipeline/internal/enricher"
	"valuation-pipeline/internal/marketdata"
	"valuation-pipeline/internal/normalizer"
	"valuation-pipeline/internal/persistence"
	"valuation-pipeline/internal/pipeline"
	transport "valuation-pipeline/internal/transport/http"
	"valuation-pipeline/internal/valuation"
	"valuation-pipeline/internal/webhook"
	epv "valuation-pipeline/internal/workers/pipeline/estimate-property-value"
	rvp "valuation-pipeline/internal/workers/pipeline/run-valuation-pipeline"
	"valuation-pipeline/pkg/registry"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	configPath := flag.String("config", "", "path to a config file; defaults to configs/config.yaml with APP_ENVIRONMENT overlay")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting pipeline manager...", zap.String("environment", cfg.App.Environment))

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Elasticsearch with retry ---
	var esClient *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		return esClient.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
	if err != nil {
		zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
	}
	zapLog.Info("Elasticsearch connected successfully")

	// --- Init Redis (optional second cache tier) ---
	var remote cache.Remote
	if cfg.Cache.UseRedis {
		var redis *database.RedisClient
		err = retryWithBackoff(func() error {
			var err error
			redis, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return redis.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redis.Close()
		remote = redis
		zapLog.Info("Redis connected successfully")
	}

	// --- Shared cache and breakers ---
	sharedCache := cache.New(cache.Options{
		TTLs: map[cache.Category]time.Duration{
			cache.CategoryRaw:          config.GetSeconds(cfg.Cache.RawTTL),
			cache.CategoryMacro:        config.GetSeconds(cfg.Cache.MacroTTL),
			cache.CategoryFundamentals: config.GetSeconds(cfg.Cache.FundamentalsTTL),
			cache.CategoryComps:        config.GetSeconds(cfg.Cache.CompsTTL),
			cache.CategoryBacktest:     config.GetSeconds(cfg.Cache.BacktestTTL),
		},
		Remote: remote,
		Logger: log,
	})
	defer sharedCache.Wait()

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           config.GetDuration(cfg.Breaker.Window),
		Cooldown:         config.GetDuration(cfg.Breaker.Cooldown),
	})

	// --- Connectors ---
	sources := connectors.NewRegistry(sharedCache, breakers, log)
	if err := sources.RegisterFromConfig(cfg.Connectors, pg.DB); err != nil {
		zapLog.Fatal("connector setup failed", zap.Error(err))
	}
	zapLog.Info("Connectors registered", zap.Strings("sources", sources.Sources()))

	// --- Market data, enrichment and valuation ---
	store := persistence.NewPostgresStore(pg, cfg.Persistence.BatchSize)
	windows := marketdata.Windows{
		Macro:        config.GetDays(cfg.Freshness.MacroDays),
		Fundamentals: config.GetDays(cfg.Freshness.FundamentalsDays),
		Comps:        config.GetDays(cfg.Freshness.CompsDays),
	}
	market := marketdata.NewCachedProvider(
		marketdata.NewSources(marketdata.NewElasticComps(esClient, cfg.MarketData.CompsIndex), store),
		sharedCache, breakers, windows,
	)

	estimator := valuation.NewEstimator(valuation.Options{
		MinComps:          cfg.Valuation.MinComps,
		TopN:              cfg.Valuation.TopN,
		DefaultBand:       cfg.Valuation.DefaultBand,
		BacktestMinPoints: cfg.Valuation.BacktestMinPoints,
		StaleCompMonths:   cfg.Valuation.StaleCompMonths,
		RatePassThrough:   cfg.Valuation.RatePassThrough,
		Windows:           windows,
	})
	valuer := valuation.NewService(market, estimator, cfg.MarketData.CompsCount, obs, log)

	// --- Schemas ---
	reg, err := registry.Default()
	if err != nil {
		zapLog.Fatal("registry load failed", zap.Error(err))
	}
	eventDocs, err := reg.EventSchemas()
	if err != nil {
		zapLog.Fatal("event schemas failed", zap.Error(err))
	}
	eventSchemas, err := validation.CompileSchemas(eventDocs)
	if err != nil {
		zapLog.Fatal("event schema compile failed", zap.Error(err))
	}
	inputDocs, err := reg.InputSchemas()
	if err != nil {
		zapLog.Fatal("input schemas failed", zap.Error(err))
	}
	inputSchemas, err := validation.CompileSchemas(inputDocs)
	if err != nil {
		zapLog.Fatal("input schema compile failed", zap.Error(err))
	}

	// --- Webhooks and alerts ---
	var dispatcher pipeline.Dispatcher
	if cfg.Webhook.URL != "" {
		dispatcher = webhook.NewDispatcher(
			commonhttp.NewClient(config.GetDuration(cfg.Webhook.Timeout)),
			eventSchemas,
			webhook.Options{
				URL:         cfg.Webhook.URL,
				Secret:      cfg.Webhook.Secret,
				MaxAttempts: cfg.Webhook.MaxAttempts,
				BaseDelay:   config.GetDuration(cfg.Webhook.BaseDelay),
				MaxInFlight: cfg.Webhook.MaxInFlight,
				Breaker: breaker.Settings{
					FailureThreshold: cfg.Webhook.BreakerThreshold,
					Cooldown:         config.GetDuration(cfg.Webhook.BreakerCooldown),
				},
			},
			log,
		)
	} else {
		zapLog.Warn("webhook url not set, webhook stage will be skipped")
	}

	var alerter pipeline.Alerter
	if aw := cfg.Notifications.AWS; aw.Region != "" {
		a, err := aws.NewRunAlerterFromRegion(ctx, aw.Region, aw.SNSTopicARN, aw.SESFrom, aw.SESTo, log)
		if err != nil {
			zapLog.Error("run alerts disabled", zap.Error(err))
		} else {
			alerter = a
		}
	}

	// --- Orchestrator ---
	orch := pipeline.New(pipeline.Deps{
		Connectors: sources,
		Normalizer: normalizer.New(normalizer.NewCentroidGeocoder(cfg.MarketData.Centroids)),
		Enricher:   enricher.New(market, log),
		Valuer:     valuer,
		Macro:      market,
		Store:      store,
		Dispatcher: dispatcher,
		Alerter:    alerter,
		Recorder:   obs,
		Breakers:   breakers,
		Cache:      sharedCache,
		Logger:     log,
	}, pipeline.Options{
		Concurrency:  cfg.Pipeline.Concurrency,
		DefaultLimit: cfg.Pipeline.MaxProperties,
		RunTimeout:   config.GetDuration(cfg.Pipeline.RunTimeout),
	})

	if cfg.Pipeline.Schedule != "" {
		sched, err := pipeline.NewScheduler(cfg.Pipeline.Schedule, orch, cfg.Pipeline, log)
		if err != nil {
			zapLog.Fatal("scheduler setup failed", zap.Error(err))
		}
		sched.Start()
		defer sched.Stop()
		zapLog.Info("Pipeline schedule active", zap.String("schedule", cfg.Pipeline.Schedule))
	}

	// --- Zeebe workers ---
	var zeebe *camunda.Client
	var workers []*camunda.Worker
	if cfg.Camunda.Enabled {
		zeebe, err = camunda.Connect(context.Background(), cfg.Camunda, camunda.DefaultBackoff, log)
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		zapLog.Info("Zeebe client connected successfully", zap.String("address", cfg.Camunda.BrokerAddress))

		if wc := config.GetWorkerConfig(cfg, rvp.TaskType); wc.Enabled {
			handler := rvp.NewHandler(rvp.LoadConfig(cfg), orch, inputSchemas, log)
			workers = append(workers, camunda.NewWorker(zeebe.Zeebe(), rvp.TaskType, wc.MaxJobsActive,
				config.GetDuration(cfg.Pipeline.RunTimeout), handler, log))
		}
		if wc := config.GetWorkerConfig(cfg, epv.TaskType); wc.Enabled {
			handler := epv.NewHandler(epv.LoadConfig(cfg), valuer, inputSchemas, log)
			workers = append(workers, camunda.NewWorker(zeebe.Zeebe(), epv.TaskType, wc.MaxJobsActive,
				config.GetDuration(wc.Timeout), handler, log))
		}
	}

	// --- HTTP ---
	api := transport.NewServer(valuer, orch, cfg.Pipeline, transport.Options{
		RatePerSecond: cfg.HTTP.RatePerSecond,
		Burst:         cfg.HTTP.Burst,
	}, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.HTTP.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP shutdown failed", zap.Error(err))
	}
	for _, w := range workers {
		w.Stop(shutdownCtx)
	}
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}

	zapLog.Info("Pipeline manager stopped gracefully")
}
