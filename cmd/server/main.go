package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/acs-core/internal/admin"
	"github.com/platformbuilds/acs-core/internal/api"
	"github.com/platformbuilds/acs-core/internal/api/middleware"
	"github.com/platformbuilds/acs-core/internal/audit"
	"github.com/platformbuilds/acs-core/internal/authz"
	"github.com/platformbuilds/acs-core/internal/config"
	"github.com/platformbuilds/acs-core/internal/graph"
	"github.com/platformbuilds/acs-core/internal/monitor"
	"github.com/platformbuilds/acs-core/internal/ratelimit"
	"github.com/platformbuilds/acs-core/internal/ratelimit/store"
	"github.com/platformbuilds/acs-core/internal/tracing"
	"github.com/platformbuilds/acs-core/pkg/cache"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

const serviceVersion = "v1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.LogLevel)
	logg.Info("starting acs-core", "version", serviceVersion, "environment", cfg.Environment)

	// Tracing (optional): provider first, then the decision tracer the
	// evaluator, limiter and store share.
	var tracerProvider *tracing.TracerProvider
	var decisionTracer *tracing.DecisionTracer
	if cfg.Tracing.Enabled {
		tracerProvider, err = tracing.NewTracerProvider("acs-core", serviceVersion, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
		if err != nil {
			logg.Fatal("failed to initialize tracing", "error", err)
		}
		decisionTracer = tracing.NewDecisionTracer("acs-core")
		logg.Info("tracing initialized", "endpoint", cfg.Tracing.Endpoint)
	}

	// Rate-limit store: memory, or distributed with a memory fallback
	// that auto-upgrades once the backend answers.
	rlStore := buildStore(cfg, logg)
	if decisionTracer != nil {
		rlStore = store.WithTracing(rlStore, cfg.RateLimit.Storage.Kind, decisionTracer)
	}
	defer rlStore.Close()

	// Audit pipeline: configured sink behind the async dispatcher.
	sink := buildAuditSink(cfg, logg)
	asyncSink := audit.NewAsync(sink, cfg.Audit.BufferSize, cfg.Audit.BatchSize, logg)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithCacheTTL(cfg.RateLimit.CacheTTL()),
		ratelimit.WithAuditSink(asyncSink),
	}
	if decisionTracer != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithTracer(decisionTracer))
	}
	limiter := ratelimit.NewLimiter(rlStore, logg, limiterOpts...)

	// Permission graph and the services over it.
	permGraph := graph.New()
	evalOpts := []authz.Option{authz.WithAuditSink(asyncSink)}
	if decisionTracer != nil {
		evalOpts = append(evalOpts, authz.WithTracer(decisionTracer))
	}
	evaluator := authz.NewEvaluator(permGraph, logg, evalOpts...)
	adminService := admin.NewService(permGraph, limiter, asyncSink, logg)

	// Background loops.
	mon := monitor.New(rlStore, logg, cfg.Monitor.Options())
	mon.Start()

	// Rate-limit middleware with a hot-swappable policy table.
	var rlMiddleware *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rlMiddleware = middleware.NewRateLimiter(
			limiter,
			ratelimit.NewPolicyResolver(cfg.RateLimit.ResolverConfig()),
			ratelimit.KeyStrategy(cfg.RateLimit.KeyStrategy),
			mon.ObserveDecision,
		)
	}

	apiServer := api.NewServer(cfg, logg, mon, rlMiddleware, evaluator, adminService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Start(gctx) })

	// Config hot-reload, when a config file is present: swapping the
	// policy table takes effect on the next request.
	if path := findConfigFile(); path != "" && rlMiddleware != nil {
		watcher := config.NewWatcher(path, cfg, logg)
		watcher.OnChange(func(fresh *config.Config) {
			rlMiddleware.Update(
				ratelimit.NewPolicyResolver(fresh.RateLimit.ResolverConfig()),
				ratelimit.KeyStrategy(fresh.RateLimit.KeyStrategy),
			)
			logg.Info("rate-limit policies reloaded")
		})
		g.Go(func() error { return watcher.Start(gctx) })
	}

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
			logg.Info("shutdown signal received")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logg.Error("server exited with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mon.Stop(shutdownCtx); err != nil {
		logg.Error("monitor did not stop cleanly", "error", err)
	}
	if err := asyncSink.Stop(shutdownCtx); err != nil {
		logg.Error("audit dispatcher did not drain", "error", err)
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logg.Error("tracer shutdown failed", "error", err)
		}
	}

	logg.Info("acs-core shutdown complete")
}

// findConfigFile mirrors the loader's search path.
func findConfigFile() string {
	for _, dir := range []string{"/etc/acs", "./configs", "."} {
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// buildStore assembles the rate-limit store per the storage config.
func buildStore(cfg *config.Config, logg logger.Logger) store.Store {
	storage := cfg.RateLimit.Storage
	memory := store.NewMemoryStore(logg)

	if storage.Kind != "distributed" {
		logg.Info("rate-limit store: memory")
		return memory
	}

	client := buildValkeyClient(storage, logg)
	valkey := store.NewValkeyStore(client, storage.KeyPrefix, logg)

	// Start degraded on memory; the wrapper upgrades once the backend
	// passes a health probe.
	logg.Info("rate-limit store: distributed with memory fallback",
		"address", storage.Address, "nodes", len(storage.Nodes))
	return store.NewAutoSwapStore(memory, valkey, 15*time.Second, logg)
}

func buildValkeyClient(storage config.StorageConfig, logg logger.Logger) cache.ValkeyClient {
	ttl := time.Minute
	if len(storage.Nodes) > 0 {
		client, err := cache.NewValkeyCluster(storage.Nodes, storage.Password, ttl)
		if err == nil {
			return client
		}
		logg.Warn("valkey cluster unreachable at boot, will keep probing", "error", err)
		return cache.NewAutoSwapForCluster(storage.Nodes, storage.Password, ttl, logg, cache.NewNoopValkeyClient(logg))
	}

	client, err := cache.NewValkeySingle(storage.Address, storage.DB, storage.Password, ttl)
	if err == nil {
		return client
	}
	logg.Warn("valkey unreachable at boot, will keep probing", "address", storage.Address, "error", err)
	return cache.NewAutoSwapForSingle(storage.Address, storage.DB, storage.Password, ttl, logg, cache.NewNoopValkeyClient(logg))
}

// buildAuditSink picks the configured sink implementation.
func buildAuditSink(cfg *config.Config, logg logger.Logger) audit.Sink {
	switch cfg.Audit.Sink {
	case "valkey":
		client := buildValkeyClient(cfg.RateLimit.Storage, logg)
		return audit.NewValkeySink(client, cfg.Audit.KeyPrefix, cfg.Audit.Retention)
	case "memory":
		return audit.NewMemorySink(0)
	default:
		return audit.NewLogSink(logg)
	}
}
