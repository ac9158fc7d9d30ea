package watchdog

import (
	"context"
	"time"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/pkg/schedule"
	"storyclip/internal/ports"
)

// Outputs removes what a job left on local disk.
type Outputs interface {
	RemoveOutputs(jobID string) error
	Discard(jobID string) error
}

type JanitorConfig struct {
	Store   jobs.Store
	Storage ports.StorageProvider
	Outputs Outputs
	Clock   clock.Clock
	Log     *logger.Logger
}

// Janitor purges expired terminal jobs together with their artifacts.
type Janitor struct {
	store   jobs.Store
	storage ports.StorageProvider
	outputs Outputs
	clock   clock.Clock
	log     *logger.Logger
}

func NewJanitor(cfg JanitorConfig) *Janitor {
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Janitor{
		store:   cfg.Store,
		storage: cfg.Storage,
		outputs: cfg.Outputs,
		clock:   clock.OrReal(cfg.Clock),
		log:     log.WithComponent("janitor"),
	}
}

// Sweep purges every job whose retention expired. A job whose artifacts
// could not all be deleted stays for the next sweep.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	expired, err := j.store.ListPurgeable(ctx, j.clock.Now())
	if err != nil {
		return nil, errors.Wrap(err, "janitor.sweep", "list purgeable jobs")
	}

	var purged []string
	for _, job := range expired {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		log := j.log.WithJobID(job.ID)

		if err := j.deleteArtifacts(ctx, job); err != nil {
			log.Warn("artifact delete failed, purge postponed", "error", err.Error())
			continue
		}
		ok, err := j.store.Purge(ctx, job.ID)
		if err != nil {
			log.Error("purge job", "error", err.Error())
			continue
		}
		if ok {
			purged = append(purged, job.ID)
			log.Info("job purged", "status", string(job.Status), "artifacts", len(job.Artifacts))
		}
	}
	return purged, nil
}

func (j *Janitor) deleteArtifacts(ctx context.Context, job *jobs.Job) error {
	for _, a := range job.Artifacts {
		if j.storage == nil || a.ObjectKey == "" {
			continue
		}
		if a.Provider != "" && a.Provider != j.storage.Provider() {
			j.log.WithJobID(job.ID).Warn("artifact on another provider left in place",
				"artifact", a.ID,
				"provider", a.Provider,
			)
			continue
		}
		if err := j.storage.DeleteObject(ctx, a.ObjectKey); err != nil && !errors.IsNotFound(err) {
			return errors.Wrapf(err, "janitor.artifacts", "delete %s", a.ID)
		}
	}
	if j.outputs == nil {
		return nil
	}
	if err := j.outputs.RemoveOutputs(job.ID); err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "janitor.artifacts", "remove output dir")
	}
	return j.outputs.Discard(job.ID)
}

// Loop runs Sweep every interval.
func (j *Janitor) Loop(interval time.Duration) *schedule.Loop {
	return &schedule.Loop{
		Name:     "janitor",
		Interval: interval,
		Log:      j.log,
		Fn: func(ctx context.Context) error {
			_, err := j.Sweep(ctx)
			return err
		},
	}
}
