package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/kurv/internal"
	"github.com/dukerupert/kurv/internal/cart"
	"github.com/dukerupert/kurv/internal/events"
	"github.com/dukerupert/kurv/internal/handler"
	"github.com/dukerupert/kurv/internal/identity"
	"github.com/dukerupert/kurv/internal/jobs"
	"github.com/dukerupert/kurv/internal/retry"
	"github.com/dukerupert/kurv/internal/storage"
	"github.com/dukerupert/kurv/internal/telemetry"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// ==========================================================================
	// Storage backend
	// ==========================================================================

	limits := storage.Limits{
		MaxItems:        cfg.Cart.MaxItems,
		MaxPayloadBytes: cfg.Cart.MaxPayloadBytes,
	}

	var store storage.Store
	switch cfg.Storage.Driver {
	case "postgres":
		logger.Info("Connecting to database...")
		sqlDB, err := sql.Open("pgx", cfg.Storage.DatabaseUrl)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		if err := sqlDB.Ping(); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		logger.Info("Database connection established")

		logger.Info("Running database migrations...")
		if err := internal.RunMigrations(sqlDB); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		sqlDB.Close()
		logger.Info("Database migrations completed successfully")

		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseUrl)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		defer pool.Close()

		store = storage.NewPostgresStore(pool, limits)

	case "redis":
		logger.Info("Connecting to Redis...")
		opts, err := redis.ParseURL(cfg.Storage.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		defer client.Close()
		logger.Info("Redis connection established")

		store = storage.NewRedisStore(client, limits, storage.RedisConfig{
			TTL:         cfg.Storage.Redis.TTL,
			LockMode:    cfg.Storage.Redis.LockMode,
			LockTimeout: cfg.Storage.Redis.LockTimeout,
		})

	default:
		logger.Info("Using in-memory cart storage")
		store = storage.NewMemoryStore(limits)
	}

	// ==========================================================================
	// Event publishing
	// ==========================================================================

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		logger.Info("Connecting to NATS...", "url", cfg.Events.NATSUrl)
		nc, err := nats.Connect(cfg.Events.NATSUrl,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("NATS connection failed: %w", err)
		}
		defer nc.Drain()
		publisher = events.NewNATSPublisher(nc, logger)
		logger.Info("NATS connection established")
	}

	// ==========================================================================
	// Cart engine
	// ==========================================================================

	metrics := telemetry.InitCartMetrics(cfg.Metrics.Namespace)

	rules := cart.NewRegistry()

	deps := cart.Deps{
		Store:  store,
		Events: publisher,
		Rules:  rules,
		Logger: logger,
		Limits: cart.Limits{
			MaxQuantity:      cfg.Cart.MaxQuantity,
			AssociationTypes: cfg.Cart.AssociationTypes,
		},
	}

	manager := cart.NewManager(deps, identity.ContextResolver{}, cfg.Cart.DefaultInstance)

	migrator, err := cart.NewMigrator(deps, cart.MergeStrategy(cfg.Cart.MergeStrategy))
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}

	retryCfg := retry.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       cfg.Retry.BaseDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		MinorAttempts:   cfg.Retry.MinorAttempts,
		MinorBaseDelay:  cfg.Retry.MinorBaseDelay,
		MajorVersionGap: cfg.Retry.MajorVersionGap,
	}

	// ==========================================================================
	// Background jobs
	// ==========================================================================

	if cfg.Cleanup.AbandonedAfter > 0 {
		cleanup := jobs.NewCleanup(store, cfg.Cleanup.AbandonedAfter, cfg.Cleanup.Interval, logger)
		go cleanup.Run(ctx)
	}

	// ==========================================================================
	// HTTP server
	// ==========================================================================

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewRequestValidator()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(handler.Identity(cfg.Env == "prod"))

	cartHandler := handler.NewCartHandler(manager, migrator, retryCfg, metrics, logger)
	cartHandler.Register(e)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("Starting cart server", "address", addr, "driver", cfg.Storage.Driver)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
