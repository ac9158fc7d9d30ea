package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

// MemoryStore keeps jobs in process. It backs tests and single-process dev
// runs; state is lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	byKey     map[string]string
	clock     clock.Clock
	retention Retention
	log       *logger.Logger
}

func NewMemoryStore(clk clock.Clock, retention Retention, log *logger.Logger) *MemoryStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		byKey:     make(map[string]string),
		clock:     clock.OrReal(clk),
		retention: retention.withDefaults(),
		log:       log.WithComponent("jobstore"),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key string, in Input) (*Job, bool, error) {
	if key == "" {
		return nil, false, errors.ValidationField("idempotency_key", "idempotency key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		return s.jobs[id].clone(), false, nil
	}

	now := s.clock.Now()
	j := &Job{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Status:         StatusQueued,
		Message:        "queued",
		Input:          in,
		Artifacts:      []Artifact{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[j.ID] = j
	s.byKey[key] = j.ID
	return j.clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	return j.clone(), nil
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, errors.NotFound("job", key)
	}
	return s.jobs[id].clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if f.matches(j.Status) {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPurgeable(ctx context.Context, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if s.retention.Expired(j, now) {
			out = append(out, j.clone())
		}
	}
	return out, nil
}

// transition applies fn to the job when allowed(status) holds.
func (s *MemoryStore) transition(op, id string, allowed func(Status) bool, fn func(j *Job, now time.Time)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, errors.NotFound("job", id)
	}
	if !allowed(j.Status) {
		logRefused(s.log, op, id, j.Status)
		return false, nil
	}
	now := s.clock.Now()
	fn(j, now)
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Start(ctx context.Context, id string) (bool, error) {
	return s.transition("start", id, is(StatusQueued), func(j *Job, now time.Time) {
		j.Status = StatusRunning
		j.Message = "running"
		j.StartedAt = &now
	})
}

func (s *MemoryStore) Progress(ctx context.Context, id string, progress int, message string) (bool, error) {
	return s.transition("progress", id, is(StatusRunning), func(j *Job, now time.Time) {
		if p := clampProgress(progress); p > j.Progress {
			j.Progress = p
		}
		if message != "" {
			j.Message = message
		}
	})
}

func (s *MemoryStore) Complete(ctx context.Context, id string, artifacts []Artifact) (bool, error) {
	return s.transition("complete", id, is(StatusRunning), func(j *Job, now time.Time) {
		j.Status = StatusDone
		j.Progress = 100
		j.Message = "done"
		j.Artifacts = append([]Artifact(nil), artifacts...)
		j.FinishedAt = &now
	})
}

func (s *MemoryStore) Fail(ctx context.Context, id string, code errors.Code, reason string) (bool, error) {
	return s.transition("fail", id, is(StatusQueued, StatusRunning), func(j *Job, now time.Time) {
		j.Status = StatusError
		j.ErrorCode = string(code)
		j.ErrorMessage = truncate(reason, MaxErrorMessage)
		j.Message = "failed"
		j.FinishedAt = &now
	})
}

func (s *MemoryStore) Purge(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, errors.NotFound("job", id)
	}
	if !s.retention.Expired(j, s.clock.Now()) {
		logRefused(s.log, "purge", id, j.Status)
		return false, nil
	}
	delete(s.jobs, id)
	delete(s.byKey, j.IdempotencyKey)
	return true, nil
}

// Touch overwrites UpdatedAt. Tests use it to age a job.
func (s *MemoryStore) Touch(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.UpdatedAt = at
	}
}

func is(states ...Status) func(Status) bool {
	return func(s Status) bool {
		for _, want := range states {
			if s == want {
				return true
			}
		}
		return false
	}
}
