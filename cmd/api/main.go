package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"freight-pooling/config"
	"freight-pooling/internal/adapter/carrier"
	httpHandler "freight-pooling/internal/adapter/http/handler"
	pgStorage "freight-pooling/internal/adapter/storage/postgres"
	redisStorage "freight-pooling/internal/adapter/storage/redis"
	"freight-pooling/internal/core/ports"
	"freight-pooling/internal/scheduler"
	"freight-pooling/internal/service"
	"freight-pooling/pkg/logger"
	"freight-pooling/pkg/metrics"
	"freight-pooling/pkg/migrate"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("FPE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	gin.SetMode(cfg.Server.Mode)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting Freight Pooling Engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	if cfg.Database.AutoMigrate {
		if err := migrate.Up(ctx, migrate.OpenDB(pool)); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Migrations applied")
	}

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	poolMetrics := metrics.NewPoolMetrics(registry)
	webhookMetrics := metrics.NewWebhookMetrics(registry)
	jobMetrics := metrics.NewJobMetrics(registry)

	// Initialize repositories
	poolRepo := pgStorage.NewPoolRepo(pool)
	itemRepo := pgStorage.NewItemRepo(pool)
	eventRepo := pgStorage.NewEventRepo(pool)
	idempotencyRepo := pgStorage.NewIdempotencyRepo(pool)
	webhookRepo := pgStorage.NewWebhookRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Initialize Redis stores
	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	// Carrier provider; without a base URL bookings get local references
	var provider ports.BookingProvider
	if c := carrier.NewClient(cfg.Carrier, logger.Component(log, "carrier")); c != nil {
		provider = c
		log.Info().Str("base_url", cfg.Carrier.BaseURL).Msg("Carrier booking provider enabled")
	}

	// Initialize business services
	settings := service.NewPoolingSettings(cfg.Pooling.SeaCapacityM3, cfg.Pooling.AirCapacityM3, cfg.Pooling.MinBookFill)
	emitter := service.NewEventEmitter(eventRepo, webhookRepo, poolMetrics, log)
	idempotencySvc := service.NewIdempotencyService(idempotencyRepo, idempotencyCache, transactor, cfg.Idempotency.CacheTTL, log)
	assignmentSvc := service.NewAssignmentService(poolRepo, itemRepo, emitter, transactor, settings, poolMetrics, log)
	lifecycleSvc := service.NewLifecycleService(poolRepo, itemRepo, eventRepo, emitter, transactor, log)
	bookingSvc := service.NewBookingService(poolRepo, itemRepo, emitter, transactor, provider, settings, poolMetrics, log)
	webhookSvc := service.NewWebhookService(
		webhookRepo,
		transactor,
		service.NewHMACSignatureService(),
		&http.Client{Timeout: cfg.Webhook.Timeout},
		service.WebhookSettings{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			BaseDelay:   cfg.Webhook.BaseDelay,
			MaxDelay:    cfg.Webhook.MaxDelay,
			Jitter:      cfg.Webhook.Jitter,
			BatchSize:   cfg.Webhook.BatchSize,
			Timeout:     cfg.Webhook.Timeout,
			Concurrency: cfg.Webhook.Concurrency,
			Lease:       cfg.Webhook.Lease,
		},
		webhookMetrics,
		logger.Component(log, "webhook"),
	)

	// Background jobs
	var wg sync.WaitGroup
	if cfg.Scheduler.Enabled {
		schedLog := logger.Component(log, "scheduler")
		sched, err := scheduler.New(jobMetrics, schedLog,
			scheduler.Entry{
				Job:      scheduler.NewAssignPendingJob(assignmentSvc, cfg.Scheduler.AssignBatchSize, schedLog),
				Interval: cfg.Scheduler.AssignInterval,
				Lock:     redisStorage.NewJobLock(rdb, "assign_pending", cfg.Scheduler.AssignInterval),
			},
			scheduler.Entry{
				Job:      scheduler.NewWebhookDeliveryJob(webhookSvc, cfg.Webhook.BatchSize),
				Interval: cfg.Webhook.PollInterval,
			},
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build scheduler")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		IdempotencySvc: idempotencySvc,
		AssignmentSvc:  assignmentSvc,
		LifecycleSvc:   lifecycleSvc,
		BookingSvc:     bookingSvc,
		WebhookSvc:     webhookSvc,
		RateLimitStore: rateLimitStore,
		HealthCheckers: []ports.HealthChecker{
			pgStorage.NewHealthCheck(pool),
			redisStorage.NewHealthCheck(rdb),
		},
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AssignLimit:    cfg.Scheduler.AssignBatchSize,
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	wg.Wait()

	log.Info().Msg("Server exited")
}
