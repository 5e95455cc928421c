// Command hub runs the RingForge hub: the WebSocket gateway, the message
// router, and the control-plane HTTP API in one process. Storage, pub/sub,
// the directory, and the event log all degrade to in-memory single-node
// implementations when their backing services are not configured.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ringforge/hub/internal/access"
	"github.com/ringforge/hub/internal/announce"
	"github.com/ringforge/hub/internal/api"
	"github.com/ringforge/hub/internal/config"
	"github.com/ringforge/hub/internal/crypto"
	"github.com/ringforge/hub/internal/directory"
	"github.com/ringforge/hub/internal/dm"
	"github.com/ringforge/hub/internal/escalation"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/gateway"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/notify"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/ratelimit"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/rules"
	"github.com/ringforge/hub/internal/task"
	"github.com/ringforge/hub/internal/thread"
)

const (
	shutdownGrace  = 15 * time.Second
	drainReconnect = 5 * time.Second
	taskSweepEvery = time.Minute
)

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("HUB_CONFIG"))
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	if cfg.Server.SecretKeyBase == "" {
		logger.Error("SECRET_KEY_BASE is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			logger.Error("redis url", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	var store kv.Store
	var busOpts []pubsub.Option
	if rdb != nil {
		store = kv.NewRedis(rdb, "rf")
		busOpts = append(busOpts, pubsub.WithBridge(pubsub.NewRedisBridge(rdb), "rf.bus."))
	} else {
		store = kv.NewMemory()
	}
	bus := pubsub.New(busOpts...)

	var dir directory.Directory
	if cfg.Storage.DatabaseURL != "" {
		pg, err := directory.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Error("postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		dir = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory directory")
		dir = directory.NewMemory()
	}

	var log eventlog.Log
	if cfg.Kafka.Brokers != "" {
		k := eventlog.NewKafka(cfg.Kafka.Brokers, logger)
		defer k.Close()
		log = k
	} else {
		log = eventlog.NewMemory()
	}

	var tasks task.Store
	if cfg.Storage.TaskStore == "redis" {
		tasks = task.NewRedis(rdb)
	} else {
		tasks = task.NewMemory()
	}

	var trackerOpts []presence.Option
	if rdb != nil {
		// Cluster-wide presence: DMs for agents connected to other nodes
		// must deliver over the bridge instead of queueing.
		trackerOpts = append(trackerOpts, presence.WithSharedStore(store))
	}
	tracker := presence.NewTracker(trackerOpts...)
	notifier := notify.NewService(store, bus)
	dms := dm.NewService(store, bus, tracker, log, notifier, logger)
	threads := thread.NewService(store, bus)
	escs := escalation.NewService(store, bus, dir, notifier)
	announcer := announce.NewService(store, bus, dir, tracker, notifier)
	ruleEngine := rules.NewEngine(store)
	limiter := ratelimit.New()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	r := router.New(dir, access.NewControl(dir), ruleEngine, limiter,
		tasks, dms, threads, escs, bus, log, m, logger)

	gw := gateway.New(gateway.Config{
		Directory:      dir,
		Router:         r,
		DMs:            dms,
		Tracker:        tracker,
		Bus:            bus,
		EventLog:       log,
		Files:          store,
		Crypto:         crypto.NewService(dir),
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.Origins(),
	})

	srv := api.NewServer(api.Config{
		Directory:    dir,
		Rules:        ruleEngine,
		Notifier:     notifier,
		Escalations:  escs,
		Threads:      threads,
		Announcer:    announcer,
		Tasks:        tasks,
		DMs:          dms,
		Gatherer:     registry,
		WebSocket:    gw.HandleWebSocket,
		BootstrapKey: cfg.Server.SecretKeyBase,
		Logger:       logger,
		Health: func() map[string]interface{} {
			return map[string]interface{}{
				"region":           cfg.Server.Region,
				"cluster":          cfg.Cluster.Strategy,
				"connected_agents": gw.ConnectedCount(),
			}
		},
	})

	limiter.StartJanitor(ctx)
	gw.StartStaleSweeper(ctx)
	go sweepTasks(ctx, tasks, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("hub listening", "addr", cfg.Addr(), "region", cfg.Server.Region)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "grace", shutdownGrace)

	// Tell connected agents to reconnect elsewhere before the listener dies.
	gw.Drain(drainReconnect)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// sweepTasks times out expired tasks on a fixed cadence.
func sweepTasks(ctx context.Context, tasks task.Store, logger *slog.Logger) {
	ticker := time.NewTicker(taskSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tasks.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("task sweep", "error", err)
			} else if n > 0 {
				logger.Info("task sweep timed out tasks", "count", n)
			}
		}
	}
}
