// Command trakbridge is the TrakBridge server entrypoint: it boots the
// event pipeline's ambient stack (logging, tracing, Vault, Postgres, NATS,
// Redis) and the core components (plug-in registry, queue manager,
// orchestrator, admin HTTP API), then reconciles against the repository on
// a fixed interval until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/config"
	"github.com/trakbridge/trakbridge/internal/eventbus"
	"github.com/trakbridge/trakbridge/internal/httpapi"
	"github.com/trakbridge/trakbridge/internal/orchestrator"
	"github.com/trakbridge/trakbridge/internal/plugin"
	_ "github.com/trakbridge/trakbridge/internal/plugin/deepstate"
	_ "github.com/trakbridge/trakbridge/internal/plugin/garmin"
	_ "github.com/trakbridge/trakbridge/internal/plugin/traccar"
	"github.com/trakbridge/trakbridge/internal/queue"
	"github.com/trakbridge/trakbridge/internal/repository"
	"github.com/trakbridge/trakbridge/internal/repository/cached"
	"github.com/trakbridge/trakbridge/internal/repository/postgres"
	"github.com/trakbridge/trakbridge/internal/secrets"
	"github.com/trakbridge/trakbridge/internal/stream"
	"github.com/trakbridge/trakbridge/internal/telemetry"
	"github.com/trakbridge/trakbridge/internal/version"
)

// reconcileInterval is how often the orchestrator is asked to re-read the
// repository and reconcile, independent of the config hot-reload and admin
// API trigger paths.
const reconcileInterval = 15 * time.Second

// statsLogInterval paces the destination queue statistics log line.
const statsLogInterval = 30 * time.Second

func main() {
	configPath := os.Getenv("TRAKBRIDGE_CONFIG_FILE")
	if configPath == "" {
		configPath = "/etc/trakbridge/config.yaml"
	}

	bootLogger, _ := zap.NewProduction()
	cfg, err := config.Load(configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("config load failed", zap.Error(err))
	}

	logger, err := telemetry.NewLogger(cfg.Logging.Production)
	if err != nil {
		bootLogger.Fatal("logger init failed", zap.Error(err))
	}
	defer logger.Sync()
	logger.Info("starting trakbridge", zap.String("version", version.Get().Version))

	otelEnabled := cfg.OTEL.Endpoint != ""
	if otelEnabled {
		tp, err := telemetry.InitTracer(context.Background(), "trakbridge", cfg.OTEL.Endpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTEL.Endpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "trakbridge", cfg.OTEL.Endpoint)
		if err != nil {
			logger.Error("OTel meter provider init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// --- Graceful shutdown context ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Secrets (Vault) ---
	secretsMgr, err := secrets.New(cfg.Vault.Address, cfg.Vault.Token)
	if err != nil {
		logger.Fatal("vault connection failed", zap.Error(err))
	}

	// --- Repository (Postgres + Redis read-through cache) ---
	var store repository.Store
	if cfg.Database.URL == "" {
		logger.Fatal("config: database.url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Fatal("bad database.url", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("postgres connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("postgres connected")
	store = postgres.New(pool)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		store = cached.New(store, rdb, logger)
		logger.Info("redis read-through cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// --- NATS lifecycle event bus (best-effort) ---
	// events.Conn stays a nil interface (not a typed-nil *nats.Conn) unless a
	// connection is actually established, so eventbus.Publisher's nil check
	// works correctly.
	var events *eventbus.Publisher
	if cfg.NATS.URL != "" {
		natsConn, err := nats.Connect(cfg.NATS.URL, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
		if err != nil {
			logger.Error("NATS connection failed, lifecycle events disabled", zap.Error(err))
			events = eventbus.New(nil, logger)
		} else {
			defer natsConn.Drain()
			logger.Info("NATS connected", zap.String("url", cfg.NATS.URL))
			events = eventbus.New(natsConn, logger)
		}
	} else {
		events = eventbus.New(nil, logger)
	}

	// --- Core pipeline ---
	queues := queue.NewManager(cfg.ToQueueConfig())
	orch := orchestrator.New(ctx, plugin.Default(), queues, cfg.ToQueueConfig(), events, logger)
	orch.SetSecretResolver(secretsMgr)
	orch.SetWorkerTuning(stream.Options{
		ParallelThreshold: cfg.Parallel.BatchSizeThreshold,
		MaxConcurrent:     cfg.Parallel.MaxConcurrentTasks,
		FallbackOnError:   cfg.Parallel.FallbackOnError,
	}, time.Duration(cfg.Transmission.QueueCheckIntervalMS)*time.Millisecond)

	if err := orch.StartEvictionSweep(time.Duration(cfg.Eviction.HorizonHours) * time.Hour); err != nil {
		logger.Error("eviction sweep did not start", zap.Error(err))
	}
	if cfg.Monitoring.LogQueueStats {
		orch.StartStatsLogger(statsLogInterval, cfg.Monitoring.QueueWarningThreshold)
	}
	if otelEnabled {
		if err := telemetry.RegisterQueueMetrics(queues); err != nil {
			logger.Error("queue metrics registration failed", zap.Error(err))
		}
	}

	reconcileNow := func() {
		runReconcile(ctx, store, orch, logger)
	}
	reconcileNow()

	reconcileTicker := time.NewTicker(reconcileInterval)
	defer reconcileTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reconcileTicker.C:
				reconcileNow()
			}
		}
	}()

	// --- Config hot reload ---
	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		if err := watcher.Start(stopWatch, func(newCfg config.Config) {
			reconcileNow()
		}); err != nil {
			logger.Warn("config hot-reload disabled", zap.Error(err))
		}
	}

	// --- Admin HTTP API ---
	handler := httpapi.New(orch, queues, logger, reconcileNow)
	e := httpapi.NewServer("trakbridge", handler)
	go func() {
		logger.Info("trakbridge admin API listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := e.Start(cfg.HTTP.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("initiating graceful shutdown")

	orch.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
	logger.Info("trakbridge shut down cleanly")
}

// runReconcile reads the current streams/servers from the repository and
// asks the orchestrator to reconcile against them. A repository read
// failure skips the cycle with a logged warning rather than crashing; the
// next tick retries.
func runReconcile(ctx context.Context, store repository.Store, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	ctx, span := otel.Tracer("trakbridge").Start(ctx, "reconcile",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	streams, err := store.ListStreams(readCtx)
	if err != nil {
		logger.Warn("reconcile: list streams failed, skipping this cycle", zap.Error(err))
		return
	}
	servers, err := store.ListServers(readCtx)
	if err != nil {
		logger.Warn("reconcile: list servers failed, skipping this cycle", zap.Error(err))
		return
	}

	orch.RequestReconcile(orchestrator.DesiredState{Streams: streams, Servers: servers})
}
