package publish

import (
	"context"
	"sort"
	"sync"

	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
)

// Store persists batches. The batch status is derived from the items, so
// only items are updated after creation.
type Store interface {
	Create(ctx context.Context, b *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	ListByJob(ctx context.Context, jobID string) ([]*Batch, error)
	UpdateItem(ctx context.Context, batchID string, it Item) error
}

type MemoryStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
	clock   clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{batches: make(map[string]*Batch), clock: clock.OrReal(clk)}
}

func (s *MemoryStore) Create(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return errors.Conflict("batch " + b.ID + " already exists")
	}
	s.batches[b.ID] = b.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, errors.NotFound("publish batch", id)
	}
	return b.clone(), nil
}

func (s *MemoryStore) ListByJob(ctx context.Context, jobID string) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Batch, 0)
	for _, b := range s.batches {
		if b.JobID == jobID {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateItem(ctx context.Context, batchID string, it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return errors.NotFound("publish batch", batchID)
	}
	for i := range b.Items {
		if b.Items[i].Index == it.Index {
			now := s.clock.Now()
			it.UpdatedAt = now
			b.Items[i] = it
			b.UpdatedAt = now
			return nil
		}
	}
	return errors.NotFound("publish item", batchID)
}
