package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/hostkit/provisiond/internal/allocator"
	"github.com/hostkit/provisiond/internal/app/migrate"
	httpx "github.com/hostkit/provisiond/internal/http"
	"github.com/hostkit/provisiond/internal/platform"
	"github.com/hostkit/provisiond/internal/registrar"
	"github.com/hostkit/provisiond/internal/repository/postgres"
	"github.com/hostkit/provisiond/internal/service/audit"
	"github.com/hostkit/provisiond/internal/service/notify"
	"github.com/hostkit/provisiond/internal/service/project"
	"github.com/hostkit/provisiond/internal/service/provision"
	"github.com/hostkit/provisiond/internal/service/reconcile"
	"github.com/hostkit/provisiond/internal/service/server"
	"github.com/hostkit/provisiond/internal/ws"
	"github.com/hostkit/provisiond/pkg/config"
	"github.com/hostkit/provisiond/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("provisiond", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	eventHub := ws.NewHub()

	registrarClient := registrar.New(cfg.RegistrarURL, cfg.RegistrarUser,
		cfg.RegistrarPassword, cfg.RegistrarTimeout, cfg.DefaultTTL, log)
	platformClient := platform.New(cfg.PlatformURL, cfg.PlatformToken, cfg.PlatformTimeout, log)

	cursor := allocator.NewMemoryCursor()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis allocator cursor unavailable, using in-memory cursor", "error", err)
			_ = rdb.Close()
		} else {
			defer rdb.Close()
			cursor = allocator.NewRedisCursor(rdb, "")
		}
	}
	strategy, err := allocator.NewStrategy(cfg.AllocatorStrategy, cfg.PinnedServerID, cursor)
	if err != nil {
		log.Error("invalid allocator strategy", "strategy", cfg.AllocatorStrategy, "error", err)
		os.Exit(1)
	}
	alloc := allocator.New(repo, strategy, log)

	auditSvc := audit.New(repo, eventHub, log)
	notifier := notify.NewLogNotifier(log)
	prober := provision.NewHTTPProber(cfg.HealthProbeTimeout)

	provisioner := provision.New(repo, repo, repo, registrarClient, platformClient,
		alloc, auditSvc, notifier, prober, log, cfg)
	projectSvc := project.New(repo, repo, platformClient, registrarClient, alloc,
		auditSvc, cfg.BaseDomain, log)
	serverSvc := server.New(repo, platformClient, log)

	reconciler := reconcile.New(repo, repo, provisioner, notifier,
		cfg.ReconcileInterval, cfg.ErrorAlertAge, log)
	go reconciler.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, projectSvc, serverSvc, provisioner, auditSvc,
		limiter, cfg.OperatorToken, cfg.MaxRetries, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("provisioning api starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("provisioning api stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
