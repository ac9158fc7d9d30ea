package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"storyclip/internal/capability"
	"storyclip/internal/config"
	"storyclip/internal/database"
	"storyclip/internal/httpapi"
	"storyclip/internal/httpapi/handlers"
	"storyclip/internal/jobs"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/shutdown"
	"storyclip/internal/publish"
	"storyclip/internal/storage"
	"storyclip/internal/worker/queue"
)

func main() {
	configPath := flag.String("config", os.Getenv("STORYCLIP_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "storyclip-api",
		AddSource:   cfg.Logging.Source,
	})
	log.Info("starting storyclip api", "addr", cfg.Server.Addr())

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.Server.ShutdownTimeout)

	log.Info("connecting to PostgreSQL")
	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	log.Info("PostgreSQL connected")

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	jobStore := jobs.NewPostgresStore(pool, nil, jobs.Retention{
		Done:  cfg.Watchdog.DoneRetention,
		Error: cfg.Watchdog.ErrorRetention,
	}, log)
	batches := publish.NewPostgresStore(pool, nil)
	renderQueue := queue.NewRedisQueue(rdb, cfg.Redis.RenderQueue)
	publishQueue := queue.NewRedisQueue(rdb, cfg.Redis.PublishQueue)

	router := httpapi.NewRouter(httpapi.Deps{
		Deps: handlers.Deps{
			Jobs:         jobStore,
			RenderQueue:  renderQueue,
			MaxDepth:     cfg.Queue.MaxDepth,
			Batches:      batches,
			Tracker:      publish.NewTracker(publish.TrackerConfig{Store: batches, Jobs: jobStore, DefaultMode: cfg.Publish.DefaultMode, Log: log}),
			PublishQueue: publishQueue,
			Capabilities: capability.NewRedisStore(rdb, cfg.Redis.CapabilitiesKey),
			Storage:      sp,
			Checks: map[string]handlers.Check{
				"postgres": handlers.PostgresCheck(pool),
				"redis":    handlers.RedisCheck(rdb, renderQueue, publishQueue),
				"storage":  handlers.StorageCheck(sp),
			},
			Log: log,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
