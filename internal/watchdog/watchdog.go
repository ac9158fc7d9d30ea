// Package watchdog is the liveness backstop for render jobs. Watchdog fails
// jobs that stopped making progress; Janitor purges terminal jobs once their
// retention has passed.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/schedule"
)

// finalizeProgress is where a job is considered to be past rendering.
const finalizeProgress = 90

// Scratch removes the local work dir of a job.
type Scratch interface {
	Discard(jobID string) error
}

type Config struct {
	Store   jobs.Store
	Scratch Scratch
	// StallWindow applies to running jobs at or above ProgressThreshold.
	StallWindow time.Duration
	// QueuedWindow applies to queued jobs and to running jobs below
	// ProgressThreshold.
	QueuedWindow      time.Duration
	ProgressThreshold int
	Clock             clock.Clock
	Log               *logger.Logger
}

type Watchdog struct {
	store     jobs.Store
	scratch   Scratch
	stall     time.Duration
	queued    time.Duration
	threshold int
	clock     clock.Clock
	log       *logger.Logger
}

func New(cfg Config) *Watchdog {
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 2 * time.Minute
	}
	if cfg.QueuedWindow <= 0 {
		cfg.QueuedWindow = 10 * time.Minute
	}
	if cfg.ProgressThreshold <= 0 {
		cfg.ProgressThreshold = 50
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Watchdog{
		store:     cfg.Store,
		scratch:   cfg.Scratch,
		stall:     cfg.StallWindow,
		queued:    cfg.QueuedWindow,
		threshold: cfg.ProgressThreshold,
		clock:     clock.OrReal(cfg.Clock),
		log:       log.WithComponent("watchdog"),
	}
}

// Check returns the stall reason for j at now, or "" when j is healthy.
func (w *Watchdog) Check(j *jobs.Job, now time.Time) string {
	switch j.Status {
	case jobs.StatusQueued:
		if now.Sub(j.CreatedAt) > w.queued {
			return "stalled in queue, never started"
		}
	case jobs.StatusRunning:
		idle := now.Sub(j.UpdatedAt)
		switch {
		case j.Progress >= finalizeProgress && idle > w.stall:
			return fmt.Sprintf("stalled at %d%% during finalize", j.Progress)
		case j.Progress >= w.threshold && idle > w.stall:
			return fmt.Sprintf("stalled mid-render at %d%%", j.Progress)
		case j.Progress < w.threshold && idle > w.queued:
			return fmt.Sprintf("stalled mid-render at %d%%", j.Progress)
		}
	}
	return ""
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Failed  []string
}

// Sweep fails every stalled active job. Errors on single jobs are logged
// and do not stop the sweep.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	active, err := w.store.ListActive(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "watchdog.sweep", "list active jobs")
	}

	now := w.clock.Now()
	rep := Report{Scanned: len(active)}
	for _, j := range active {
		reason := w.Check(j, now)
		if reason == "" {
			continue
		}
		log := w.log.WithJobID(j.ID)

		stall := errors.Stalled(j.ID, reason)
		applied, err := w.store.Fail(ctx, j.ID, stall.Code, reason)
		if err != nil {
			log.Error("fail stalled job", "error", err.Error())
			continue
		}
		if !applied {
			// finished between the scan and the update
			continue
		}
		rep.Failed = append(rep.Failed, j.ID)
		log.Warn("job stalled",
			"code", string(stall.Code),
			"reason", reason,
			"progress", j.Progress,
			"idle_ms", now.Sub(j.UpdatedAt).Milliseconds(),
		)

		if w.scratch != nil {
			if err := w.scratch.Discard(j.ID); err != nil {
				log.Warn("discard work dir failed", "error", err.Error())
			}
		}
	}

	if len(rep.Failed) > 0 {
		w.log.Info("watchdog sweep", "scanned", rep.Scanned, "failed", len(rep.Failed))
	}
	return rep, nil
}

// Loop runs Sweep every interval.
func (w *Watchdog) Loop(interval time.Duration) *schedule.Loop {
	return &schedule.Loop{
		Name:     "watchdog",
		Interval: interval,
		Log:      w.log,
		Fn: func(ctx context.Context) error {
			_, err := w.Sweep(ctx)
			return err
		},
	}
}
