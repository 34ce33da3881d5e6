package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/openberl/dispatch/internal/audit"
	"github.com/openberl/dispatch/internal/auth"
	"github.com/openberl/dispatch/internal/config"
	"github.com/openberl/dispatch/internal/gateway"
	"github.com/openberl/dispatch/internal/pipeline"
	"github.com/openberl/dispatch/internal/quota"
	"github.com/openberl/dispatch/internal/resilience"
	"github.com/openberl/dispatch/internal/router"
	"github.com/openberl/dispatch/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (auth and run persistence disabled)", "error", err)
		dbPool = nil
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (shared cache and quotas disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	metrics := telemetry.NewMetrics()
	collector := telemetry.NewCollector(metrics)

	// Response cache backend
	var cache resilience.Store
	switch cfg.Resilience.Cache.Backend {
	case "redis":
		if rdb != nil {
			cache = resilience.NewRedisStore(rdb, cfg.Resilience.Cache.TTL, logger)
		} else {
			logger.Warn("redis cache configured but unreachable, using memory store")
			cache = resilience.NewMemoryStore(cfg.Resilience.Cache.Capacity, cfg.Resilience.Cache.TTL)
		}
	default:
		cache = resilience.NewMemoryStore(cfg.Resilience.Cache.Capacity, cfg.Resilience.Cache.TTL)
	}

	buildOpts := router.BuildOptions{
		Resilience: cfg.Resilience,
		Cache:      cache,
		Observer:   metrics,
		Logger:     logger,
	}

	// Build the adapter registry and the dispatch router over it
	registry := router.BuildFromConfig(loader.Adapters(), buildOpts)
	health := router.NewHealthTracker(
		cfg.Resilience.CircuitBreaker.FailureThreshold,
		cfg.Resilience.CircuitBreaker.RecoveryProbeInterval,
	)
	dispatcher := router.NewRouter(registry, health, logger)

	// Named pipelines
	var pipelineMu sync.RWMutex
	pipelines, err := pipeline.BuildFromConfig(loader.Pipelines(), dispatcher, logger)
	if err != nil {
		logger.Error("failed to build pipelines", "error", err)
		os.Exit(1)
	}
	getPipelines := func() map[string]*pipeline.Pipeline {
		pipelineMu.RLock()
		defer pipelineMu.RUnlock()
		return pipelines
	}

	loader.OnReload(func() {
		registry.ReplaceAll(router.BuildFromConfig(loader.Adapters(), buildOpts))
		logger.Info("adapter registry reloaded")

		newPipelines, err := pipeline.BuildFromConfig(loader.Pipelines(), dispatcher, logger)
		if err != nil {
			logger.Error("pipeline reload failed, keeping previous set", "error", err)
			return
		}
		pipelineMu.Lock()
		pipelines = newPipelines
		pipelineMu.Unlock()
		logger.Info("pipelines reloaded", "count", len(newPipelines))
	})

	// Build handler
	keyStore := auth.NewCachedKeyStore(dbPool, rdb)
	auditStore := audit.NewStore(dbPool, logger)
	limiter := quota.NewLimiter(rdb)
	spend := quota.NewSpendTracker(rdb)
	handler := gateway.NewHandler(
		dispatcher,
		func() *router.Registry { return registry },
		getPipelines,
		collector,
		metrics,
		auditStore,
		spend,
		health,
	)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	// Unauthenticated routes
	r.Get("/berl/v1/health", healthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(keyStore))
		r.Use(quota.Middleware(limiter, spend))
		r.Post("/v1/dispatch", handler.Dispatch)
		r.Post("/v1/pipelines/{name}/execute", handler.ExecutePipeline)
		r.Get("/v1/pipelines", handler.ListPipelines)
		r.Get("/v1/categories", handler.Categories)
		r.Get("/v1/stats", handler.Stats)
	})

	// Metrics server on its own port
	go func() {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatchd starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatchd stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}
