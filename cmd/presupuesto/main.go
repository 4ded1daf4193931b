package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"presupuesto/internal/backend"
	"presupuesto/internal/cache"
	"presupuesto/internal/cli"
	"presupuesto/internal/core"
	apphttp "presupuesto/internal/http"
	"presupuesto/internal/log"
	"presupuesto/internal/services"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	logger.Info("Starting presupuesto", log.FieldOperation, log.OpStartup, "backend", cfg.DataBackend, "port", cfg.Port)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize storage backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	// Shared cache when Redis answers, in-process LRU otherwise.
	var (
		readCache    cache.Cache[[]core.LineItem]
		memCache     *cache.MemoryCache[[]core.LineItem]
		cacheManager *cache.Manager
	)
	if rdb := cache.ConnectRedis(context.Background(), cfg.RedisAddr); rdb != nil {
		defer rdb.Close()
		readCache = cache.NewRedisCache[[]core.LineItem](rdb, "presupuesto:detalles:", cfg.CacheTTL)
	} else {
		memCache = cache.NewMemoryCache[[]core.LineItem](cfg.CacheSize, cfg.CacheTTL)
		cacheManager = cache.NewManager()
		cacheManager.Register(memCache)
		cacheManager.StartCleanup(time.Minute)
		readCache = memCache
	}

	var publisher services.EventPublisher
	if client := cli.ConnectAMQP(logger, cfg); client != nil {
		publisher = client
	}

	ledger := services.NewLedgerService(result.Store, publisher, services.Options{
		LockTimeout:     cfg.LockTimeout,
		MissingLineItem: services.MissingLineItemPolicy(cfg.MissingPartidaPolicy),
		ReadCache:       readCache,
	})

	srv, err := apphttp.NewServer(cfg.Addr(), ledger, apphttp.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		TrustedProxies:  cfg.TrustedProxyNets,
	})
	if err != nil {
		logger.Error("Failed to configure HTTP server", log.FieldError, err)
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if cacheManager != nil {
			cacheManager.Stop()
			st := memCache.Stats()
			logger.Info("Listing cache stats", "hits", st.Hits, "misses", st.Misses,
				"evictions", st.Evictions, "expired", st.Expired)
		}
		// closes the store and the AMQP client
		if err := ledger.Close(); err != nil {
			logger.Error("Failed to close ledger", log.FieldError, err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := ledger.Ping(gctx); err != nil {
					logger.Warn("Storage ping failed", log.FieldError, err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", log.FieldError, err, "addr", srv.Addr)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully", log.FieldOperation, log.OpShutdown)
}
