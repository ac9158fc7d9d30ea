package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"storyclip/internal/config"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/worker/queue"
)

// memSource mimics the Redis list: Pop takes the oldest id, Requeue puts an
// id back so it is popped next.
type memSource struct {
	mu       sync.Mutex
	ids      []string
	requeued []string
}

func (s *memSource) push(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, ids...)
}

func (s *memSource) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		s.mu.Lock()
		if len(s.ids) > 0 {
			id := s.ids[0]
			s.ids = s.ids[1:]
			s.mu.Unlock()
			return id, nil
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return "", nil
}

func (s *memSource) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append([]string{id}, s.ids...)
	s.requeued = append(s.requeued, id)
	return nil
}

func (s *memSource) snapshot() (ids, requeued []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), append([]string(nil), s.requeued...)
}

func newTestLane(src *memSource, h Handler, workers, depth int) *Lane {
	l := &Lane{
		Name:       "render",
		Source:     src,
		Handle:     h,
		PopTimeout: 20 * time.Millisecond,
		Pause:      5 * time.Millisecond,
	}
	l.Pool = queue.NewPool(queue.Config{
		Lane:        "render",
		Workers:     workers,
		MaxDepth:    depth,
		MaxAttempts: 1,
		OnDropped:   l.Dropped,
	})
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLaneRunsEveryID(t *testing.T) {
	src := &memSource{}
	src.push("a", "b", "c", "d")

	var mu sync.Mutex
	var ran []string
	l := newTestLane(src, func(ctx context.Context, id string, a queue.Attempt) error {
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
		return nil
	}, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	l.Pool.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, "all ids", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 4
	})
	cancel()
	<-done
	l.Pool.Stop(context.Background())

	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("expected FIFO order %v, got %v", want, ran)
		}
	}
}

func TestLaneRequeuesWhenOverloaded(t *testing.T) {
	src := &memSource{}
	src.push("a")

	release := make(chan struct{})
	running := make(chan struct{}, 3)
	l := newTestLane(src, func(ctx context.Context, id string, a queue.Attempt) error {
		running <- struct{}{}
		<-release
		return nil
	}, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	l.Pool.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-running
	src.push("b", "c")

	// a runs, b waits in the pool, c bounces between the pool and the source
	waitFor(t, "overload requeue", func() bool {
		_, requeued := src.snapshot()
		return len(requeued) > 0
	})
	_, requeued := src.snapshot()
	if requeued[0] != "c" {
		t.Errorf("expected c requeued, got %v", requeued)
	}

	close(release)
	waitFor(t, "drain", func() bool {
		ids, _ := src.snapshot()
		st := l.Pool.Stats()
		return len(ids) == 0 && st.Completed == 3
	})
	cancel()
	<-done
	l.Pool.Stop(context.Background())
}

func TestLaneRequeuesInterruptedTask(t *testing.T) {
	src := &memSource{}
	src.push("a")

	started := make(chan struct{})
	l := newTestLane(src, func(ctx context.Context, id string, a queue.Attempt) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	l.Pool.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-started
	cancel()
	<-done
	l.Pool.Stop(context.Background())

	ids, requeued := src.snapshot()
	if len(requeued) != 1 || requeued[0] != "a" || len(ids) != 1 {
		t.Errorf("expected a requeued exactly once, got ids=%v requeued=%v", ids, requeued)
	}
}

func TestNewLaneAttemptBudget(t *testing.T) {
	qc := config.QueueConfig{MaxDepth: 10, MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffFactor: 1, PopTimeout: 20 * time.Millisecond}

	tests := []struct {
		name     string
		attempts int
		want     int
	}{
		{"render", qc.MaxAttempts, 3},
		{"publish", PublishAttempts, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &memSource{}
			src.push("x")

			var mu sync.Mutex
			calls := 0
			l := newLane(qc, tt.name, src, 1, tt.attempts, func(ctx context.Context, id string, a queue.Attempt) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return errors.Transient("upstream busy")
			}, nil)

			ctx, cancel := context.WithCancel(context.Background())
			l.Pool.Start(ctx)
			done := make(chan error, 1)
			go func() { done <- l.Run(ctx) }()

			waitFor(t, "task failure", func() bool { return l.Pool.Stats().Failed == 1 })
			cancel()
			<-done
			l.Pool.Stop(context.Background())

			mu.Lock()
			defer mu.Unlock()
			if calls != tt.want {
				t.Errorf("expected %d attempts, got %d", tt.want, calls)
			}
		})
	}
}
