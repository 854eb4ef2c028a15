package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fixbridge/execution-service/internal/config"
	"github.com/fixbridge/execution-service/internal/enrichment"
	"github.com/fixbridge/execution-service/internal/infrastructure/postgres"
	"github.com/fixbridge/execution-service/internal/infrastructure/rabbitmq"
	"github.com/fixbridge/execution-service/internal/infrastructure/redis"
	"github.com/fixbridge/execution-service/internal/logger"
	"github.com/fixbridge/execution-service/internal/metrics"
	"github.com/fixbridge/execution-service/internal/optimizer"
	"github.com/fixbridge/execution-service/internal/processor"
	"github.com/fixbridge/execution-service/internal/publisher"
	"github.com/fixbridge/execution-service/internal/service"
	"github.com/fixbridge/execution-service/internal/tradeservice"
	"github.com/fixbridge/execution-service/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "execution-service").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	poolCfg, err := pgxpool.ParseConfig(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres dsn parse failed")
	}
	poolCfg.MaxConns = int32(cfg.DBMaxPoolSize)
	poolCfg.MaxConnLifetime = cfg.DBMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(rootCtx, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, cfg.DBConnTimeout)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	store := postgres.New(dbPool)

	// ---- Pool monitor ----
	monitor := metrics.NewPoolMonitor(store, 10*time.Second)
	monitor.Start(rootCtx)

	// ---- Redis (rate limiting) ----
	var limiter rest.RateLimiter
	if cfg.RLEnabled {
		cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		defer cache.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort ping; the limiter fails open when redis is down
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
		limiter = cache
	}

	// ---- Message bus ----
	var bus publisher.Transport
	transport, err := rabbitmq.NewTransport(cfg.RabbitURL, cfg.RabbitExchange)
	if err != nil {
		if cfg.EnableAsyncPublish {
			log.Fatal().Err(err).Msg("rabbitmq connect failed")
		}
		log.Warn().Err(err).Msg("rabbitmq unavailable; publishing disabled")
	} else {
		defer transport.Close()
		bus = transport
		log.Info().Str("exchange", cfg.RabbitExchange).Msg("rabbitmq connected")
	}

	pub := publisher.New(bus, publisher.Options{
		Topic:             cfg.BusTopic,
		Enabled:           cfg.EnableAsyncPublish && bus != nil,
		MaxAttempts:       cfg.BusMaxAttempts,
		InitialDelay:      cfg.BusInitialDelay,
		BackoffMultiplier: cfg.BusBackoffMultiplier,
		MaxDelay:          cfg.BusMaxDelay,
		EnableDeadLetter:  cfg.BusEnableDeadLetter,
		FailureThreshold:  cfg.CircuitBreakerFailureThreshold,
		RecoveryTimeout:   cfg.CircuitBreakerRecoveryTimeout,
	})

	// ---- Enrichment + trade service ----
	enricher := enrichment.New(cfg.SecurityServiceURL, cfg.SecurityCacheTTL, cfg.SecurityCacheMaxSize, cfg.SecurityReadTimeout)
	trades := tradeservice.New(tradeservice.Options{
		BaseURL:      cfg.TradeServiceURL,
		Timeout:      cfg.TradeServiceTimeout,
		RetryEnabled: cfg.TradeServiceRetryEnabled,
		MaxAttempts:  cfg.TradeServiceMaxAttempts,
	})

	// ---- Pipeline ----
	sizer := optimizer.New(monitor, optimizer.Options{
		Enabled:  cfg.EnableDynamicBatchSizing,
		BaseSize: cfg.BulkInsertBatchSize,
		MinSize:  cfg.MinBatchSize,
		MaxSize:  cfg.MaxBatchSize,
	})
	recovery := processor.NewRecovery(store, processor.RecoveryOptions{
		MaxRetries:    cfg.DBMaxRetries,
		RetryDelay:    cfg.DBRetryDelay,
		MaxRetryDelay: cfg.DBMaxRetryDelay,
	})

	svc := service.New(store, enricher, trades, processor.New(), recovery, pub, sizer, service.Options{
		PublishAwait:         cfg.BusMaxDelay,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
	})
	h := rest.NewHandler(svc, enricher, pub, sizer, monitor)

	// ---- Router ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:         h,
		Limiter:         limiter,
		RateLimit:       cfg.RLLimit,
		RateLimitWindow: cfg.RLWindow,
	})

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
