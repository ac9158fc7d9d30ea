package main

import (
	"context"
	"flag"
	"os"

	"github.com/redis/go-redis/v9"

	"storyclip/internal/config"
	"storyclip/internal/database"
	"storyclip/internal/pkg/execrun"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/shutdown"
	"storyclip/internal/storage"
	"storyclip/internal/worker"
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
		ServiceName: "storyclip-worker",
		AddSource:   cfg.Logging.Source,
	})
	log.Info("starting storyclip worker",
		"workers", cfg.Queue.Workers,
		"render_queue", cfg.Redis.RenderQueue,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.Server.ShutdownTimeout)

	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	if err := worker.Start(ctx, worker.Deps{
		Config:   cfg,
		DB:       pool,
		RDB:      rdb,
		Storage:  sp,
		Runner:   execrun.Exec{},
		Shutdown: shutdownMgr,
		Log:      log,
	}); err != nil {
		log.LogFatal("failed to start worker", err)
	}

	shutdownMgr.Wait()
}
