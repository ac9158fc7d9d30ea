package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"storyclip/internal/config"
	"storyclip/internal/database"
	"storyclip/internal/pkg/logger"
)

var version = "dev"

// App is the operator CLI.
func App() *cli.Command {
	return &cli.Command{
		Name:    "storyclipctl",
		Version: version,
		Usage:   "Operate a storyclip deployment: schema, capabilities, stalled jobs and retention",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("STORYCLIP_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides logging.level",
			},
		},
		Commands: []*cli.Command{
			migrateCmd(),
			capabilitiesCmd(),
			sweepCmd(),
			purgeCmd(),
			gdriveAuthCmd(),
		},
	}
}

// env carries what every subcommand loads from the global flags.
type env struct {
	cfg *config.Config
	log *logger.Logger
}

func load(cmd *cli.Command) (*env, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if v := cmd.String("log-level"); v != "" {
		level = v
	}
	log := logger.New(logger.Config{
		Level:       level,
		Format:      "text",
		ServiceName: "storyclipctl",
	})
	return &env{cfg: cfg, log: log}, nil
}

func (e *env) connectDB(ctx context.Context) (*pgxpool.Pool, error) {
	if e.cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is required (set DATABASE_URL or database.url)")
	}
	pool, err := database.Connect(ctx, e.cfg.Database.URL, e.cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

func (e *env) connectRedis(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: e.cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}
