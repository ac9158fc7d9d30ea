// Package worker assembles the render and publish lanes, the watchdog, the
// retention janitor and the capability refresher of the worker process.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"storyclip/internal/capability"
	"storyclip/internal/config"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/schedule"
	"storyclip/internal/publish"
	"storyclip/internal/worker/orchestrator"
	"storyclip/internal/worker/queue"
	"storyclip/internal/worker/renderer"
)

// Start launches every worker component and registers their stop handlers
// with d.Shutdown. Components stop in this order: lanes, loops, pools.
func Start(ctx context.Context, d Deps) error {
	if d.Config == nil || d.DB == nil || d.RDB == nil || d.Storage == nil || d.Shutdown == nil {
		return fmt.Errorf("worker: config, database, redis, storage and shutdown are required")
	}
	cfg := d.Config
	baseLog := d.Log
	if baseLog == nil {
		baseLog = logger.NewDefault()
	}
	log := baseLog.WithComponent("worker")

	store := NewJobStore(cfg, d.DB, baseLog)

	capStore := capability.NewRedisStore(d.RDB, cfg.Redis.CapabilitiesKey)
	probe := capability.NewProbe(capability.Config{
		Runner:            d.Runner,
		Binary:            cfg.Renderer.FFmpegBinary,
		TTL:               cfg.Capabilities.TTL,
		RetryAfterFailure: cfg.Capabilities.RetryAfterFailure,
		Log:               baseLog,
		OnRefresh: func(ctx context.Context, snap *capability.Snapshot) {
			if err := capStore.Publish(ctx, snap); err != nil {
				log.Warn("publish capabilities failed", "error", err.Error())
			}
		},
	})

	ws := NewWorkspace(cfg)
	orch := orchestrator.New(orchestrator.Config{
		Store:        store,
		Capabilities: probe,
		Renderer: renderer.New(renderer.Config{
			Runner:        d.Runner,
			FFmpegBinary:  cfg.Renderer.FFmpegBinary,
			FFprobeBinary: cfg.Renderer.FFprobeBinary,
			Log:           baseLog,
		}),
		Storage:         d.Storage,
		Workspace:       ws,
		PublicBaseURL:   cfg.Storage.PublicBaseURL,
		APIBaseURL:      cfg.Server.PublicURL,
		Preset:          cfg.Renderer.Preset,
		DownloadTimeout: cfg.Renderer.DownloadTimeout,
		Log:             baseLog,
	})

	render := queue.NewRedisQueue(d.RDB, cfg.Redis.RenderQueue)
	lanes := []*Lane{newLane(cfg.Queue, "render", render, cfg.Queue.Workers, cfg.Queue.MaxAttempts, orch.Run, baseLog)}

	if cfg.Publish.BaseURL != "" {
		client, err := publish.NewHTTPClient(ctx, publish.ClientConfig{
			BaseURL:      cfg.Publish.BaseURL,
			TokenURL:     cfg.Publish.TokenURL,
			ClientID:     cfg.Publish.ClientID,
			ClientSecret: cfg.Publish.ClientSecret,
			AccessToken:  cfg.Publish.AccessToken,
		})
		if err != nil {
			return err
		}
		tracker := publish.NewTracker(publish.TrackerConfig{
			Store:       publish.NewPostgresStore(d.DB, nil),
			Jobs:        store,
			Client:      client,
			DefaultMode: cfg.Publish.DefaultMode,
			Log:         baseLog,
		})
		handle := func(ctx context.Context, batchID string, _ queue.Attempt) error {
			return tracker.Run(ctx, batchID)
		}
		// the tracker resumes a batch itself, so the pool never retries it
		publishQueue := queue.NewRedisQueue(d.RDB, cfg.Redis.PublishQueue)
		lanes = append(lanes, newLane(cfg.Queue, "publish", publishQueue, cfg.Publish.MaxConcurrent, PublishAttempts, handle, baseLog))
	} else {
		log.Warn("publish.base_url not set, publish lane disabled")
	}

	wd := NewWatchdog(cfg, store, ws, baseLog)
	janitor := NewJanitor(store, d.Storage, ws, baseLog)
	capInterval := cfg.Capabilities.TTL
	if capInterval <= 0 {
		capInterval = capability.DefaultTTL
	}
	loops := []*schedule.Loop{
		wd.Loop(cfg.Watchdog.Interval),
		janitor.Loop(cfg.Watchdog.JanitorInterval),
		{
			Name:     "capabilities",
			Interval: capInterval,
			Log:      baseLog,
			Fn: func(ctx context.Context) error {
				_, err := probe.Refresh(ctx)
				return err
			},
		},
	}

	for _, l := range lanes {
		l.Pool.Start(ctx)
		d.Shutdown.RegisterStopper(l.Name+"-pool", l.Pool)
	}
	for _, loop := range loops {
		loop.Start(ctx)
		d.Shutdown.RegisterStopper(loop.Name, loop)
	}

	laneCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(laneCtx)
	for _, l := range lanes {
		l := l
		g.Go(func() error { return l.Run(gctx) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	d.Shutdown.Register("lanes", func(ctx context.Context) error {
		cancel()
		select {
		case err := <-done:
			if err != nil && !stderrors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	log.Info("worker started", "lanes", len(lanes), "loops", len(loops))
	return nil
}

// PublishAttempts is the pool attempt budget of the publish lane.
const PublishAttempts = 1

func newLane(qc config.QueueConfig, name string, src Source, workers, attempts int, h Handler, log *logger.Logger) *Lane {
	l := &Lane{
		Name:       name,
		Source:     src,
		Handle:     h,
		PopTimeout: qc.PopTimeout,
		Log:        log,
	}
	l.Pool = queue.NewPool(queue.Config{
		Lane:          name,
		Workers:       workers,
		MaxDepth:      qc.MaxDepth,
		MaxAttempts:   attempts,
		BackoffBase:   qc.BackoffBase,
		BackoffFactor: qc.BackoffFactor,
		Log:           log,
		OnDropped:     l.Dropped,
	})
	return l
}
