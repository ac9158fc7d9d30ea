package worker

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"storyclip/internal/config"
	"storyclip/internal/jobs"
	"storyclip/internal/pkg/execrun"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/shutdown"
	"storyclip/internal/ports"
	"storyclip/internal/watchdog"
	"storyclip/internal/worker/orchestrator"
)

// Deps are the process-wide resources the worker components share.
type Deps struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	RDB     *redis.Client
	Storage ports.StorageProvider
	// Runner defaults to execrun.Exec.
	Runner   execrun.Runner
	Shutdown *shutdown.Manager
	Log      *logger.Logger
}

// NewJobStore is the Postgres job store with the configured retention.
func NewJobStore(cfg *config.Config, pool *pgxpool.Pool, log *logger.Logger) *jobs.PostgresStore {
	return jobs.NewPostgresStore(pool, nil, jobs.Retention{
		Done:  cfg.Watchdog.DoneRetention,
		Error: cfg.Watchdog.ErrorRetention,
	}, log)
}

// NewWorkspace lays out the renderer directories from cfg.
func NewWorkspace(cfg *config.Config) orchestrator.Workspace {
	return orchestrator.Workspace{
		Work:     cfg.Renderer.WorkDir,
		Output:   cfg.Renderer.OutputDir,
		Uploads:  cfg.Renderer.UploadRoot,
		Fallback: cfg.Renderer.FallbackDirs,
	}
}

// NewWatchdog builds the stall watchdog over store and ws.
func NewWatchdog(cfg *config.Config, store jobs.Store, ws orchestrator.Workspace, log *logger.Logger) *watchdog.Watchdog {
	return watchdog.New(watchdog.Config{
		Store:             store,
		Scratch:           ws,
		StallWindow:       cfg.Watchdog.StallWindow,
		QueuedWindow:      cfg.Watchdog.QueuedWindow,
		ProgressThreshold: cfg.Watchdog.ProgressThreshold,
		Log:               log,
	})
}

// NewJanitor builds the retention janitor.
func NewJanitor(store jobs.Store, sp ports.StorageProvider, ws orchestrator.Workspace, log *logger.Logger) *watchdog.Janitor {
	return watchdog.NewJanitor(watchdog.JanitorConfig{
		Store:   store,
		Storage: sp,
		Outputs: ws,
		Log:     log,
	})
}
