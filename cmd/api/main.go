package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"kanban/api/internal/app"
	"kanban/api/internal/cache"
	"kanban/api/internal/cachebus"
	"kanban/api/internal/config"
	"kanban/api/internal/gitrepo"
	"kanban/api/internal/lock"
	"kanban/api/internal/logging"
	"kanban/api/internal/metrics"
	"kanban/api/internal/rbac"
	"kanban/api/internal/search"
	"kanban/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "kanban-api"})
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	checks := make(map[string]func(context.Context) error)

	var (
		db          *sql.DB
		permissions rbac.Checker
		saves       *store.Store
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "versions", applied)
		}
		saves = store.New(db)
		permissions = saves
		checks["database"] = saves.Ping
	} else {
		logger.Info("no DATABASE_URL; using static permissions", "default_level", cfg.DefaultLevel, "admins", len(cfg.Admins))
		permissions = rbac.NewStaticPolicy(rbac.ParseLevel(cfg.DefaultLevel), cfg.Admins)
	}

	var (
		redisClient redis.UniversalClient
		bus         *cachebus.Bus
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := cachebus.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		redisClient = client
		bus = cachebus.New(client, cachebus.DefaultChannel, logger)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info("redis enabled: native locks and cache invalidation", "instance_id", bus.InstanceID())
	}

	backends, err := lock.DefaultBackends(redisClient, lock.FileConfig{
		Dir:        cfg.LockDir,
		DefaultTTL: cfg.LockTTL,
		GuardWait:  cfg.LockGuardWait,
	})
	if err != nil {
		return fmt.Errorf("lock backends: %w", err)
	}
	locks, err := lock.NewCoordinator(
		lock.Config{TTL: cfg.LockTTL, SweepInterval: cfg.LockSweepInterval},
		backends,
		lock.WithLogger(logger),
		lock.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("lock coordinator: %w", err)
	}

	caches, err := cache.New(cache.Config{
		PermissionTTL:     cfg.PermissionTTL,
		SnapshotTTL:       cfg.SnapshotTTL,
		SnapshotCapacity:  cfg.SnapshotCapacity,
		CompressThreshold: cfg.CompressThreshold,
	}, cache.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("caches: %w", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("failed to create repos dir: %w", err)
	}

	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		searchService = search.NewService(meili, logger)
	}

	deps := app.Deps{
		Caches:      caches,
		Locks:       locks,
		Permissions: permissions,
		Documents:   gitrepo.New(cfg.ReposDir),
		Search:      searchService,
		Bus:         bus,
		Checks:      checks,
		Logger:      logger,
	}
	if saves != nil {
		deps.Saves = saves
	}
	service, err := app.New(cfg, deps)
	if err != nil {
		return err
	}

	listener, err := bus.Listen(ctx, service.HandleInvalidation)
	if err != nil {
		return fmt.Errorf("cache invalidation: %w", err)
	}
	defer listener.Close()

	go sweepLocks(ctx, locks, cfg.LockSweepInterval, logger)

	httpServer := app.NewHTTPServer(service, app.HTTPConfig{
		CORSOrigin: cfg.CORSOrigin,
		UserHeader: cfg.UserHeader,
		Metrics:    promhttp.Handler(),
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kanban API listening", "addr", cfg.Addr, "lock_dir", cfg.LockDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err.Error())
	}
	return nil
}

// sweepLocks removes expired lock records on a fixed schedule, so records
// left by crashed editors go away even when nobody acquires.
func sweepLocks(ctx context.Context, locks *lock.Coordinator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := locks.CleanupExpired(ctx); err != nil {
				logger.Warn("scheduled lock sweep failed", "error", err.Error())
			}
		}
	}
}
