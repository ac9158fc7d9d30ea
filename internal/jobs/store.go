package jobs

import (
	"context"
	"time"

	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

// Store persists jobs. Transition methods return applied=false with a nil
// error when the job is not in a state that allows the transition.
type Store interface {
	// Create inserts a queued job, or returns the job already stored under
	// key with created=false.
	Create(ctx context.Context, key string, in Input) (job *Job, created bool, err error)
	Get(ctx context.Context, id string) (*Job, error)
	// GetByKey returns the job stored under an idempotency key, or
	// CodeNotFound.
	GetByKey(ctx context.Context, key string) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]*Job, error)
	// ListActive returns queued and running jobs.
	ListActive(ctx context.Context) ([]*Job, error)
	// ListPurgeable returns terminal jobs whose retention has expired at now.
	ListPurgeable(ctx context.Context, now time.Time) ([]*Job, error)

	Start(ctx context.Context, id string) (bool, error)
	Progress(ctx context.Context, id string, progress int, message string) (bool, error)
	Complete(ctx context.Context, id string, artifacts []Artifact) (bool, error)
	Fail(ctx context.Context, id string, code errors.Code, reason string) (bool, error)
	Purge(ctx context.Context, id string) (bool, error)
}

type ListFilter struct {
	Status []Status
	// Limit defaults to 50, capped at 500.
	Limit int
}

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > 500:
		return 500
	}
	return f.Limit
}

func (f ListFilter) matches(s Status) bool {
	if len(f.Status) == 0 {
		return true
	}
	for _, want := range f.Status {
		if want == s {
			return true
		}
	}
	return false
}

// Retention is how long terminal jobs are kept.
type Retention struct {
	Done  time.Duration
	Error time.Duration
}

var DefaultRetention = Retention{Done: 24 * time.Hour, Error: 7 * 24 * time.Hour}

func (r Retention) withDefaults() Retention {
	if r.Done <= 0 {
		r.Done = DefaultRetention.Done
	}
	if r.Error <= 0 {
		r.Error = DefaultRetention.Error
	}
	return r
}

// Expired reports whether j may be purged at now.
func (r Retention) Expired(j *Job, now time.Time) bool {
	if j.FinishedAt == nil {
		return false
	}
	switch j.Status {
	case StatusDone:
		return now.Sub(*j.FinishedAt) > r.Done
	case StatusError:
		return now.Sub(*j.FinishedAt) > r.Error
	}
	return false
}

func logRefused(log *logger.Logger, op, id string, from Status) {
	log.WithJobID(id).Warn("job transition refused",
		"anomaly", true,
		"op", op,
		"from", string(from),
	)
}
