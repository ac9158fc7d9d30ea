package queue

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolQueuesBeyondSlots(t *testing.T) {
	p := NewPool(Config{Lane: "render", Workers: 3, MaxDepth: 10})
	p.Start(context.Background())
	defer p.Stop(context.Background())

	release := make(chan struct{})
	var started sync.Map
	var order []string
	var mu sync.Mutex

	for _, id := range []string{"a", "b", "c", "d"} {
		id := id
		err := p.Submit(Task{ID: id, Run: func(ctx context.Context, a Attempt) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			started.Store(id, true)
			<-release
			return nil
		}})
		if err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	waitFor(t, "three running", func() bool { return p.Stats().Running == 3 })
	if s := p.Stats(); s.Queued != 1 {
		t.Errorf("expected 1 queued, got %d", s.Queued)
	}
	if _, ok := started.Load("d"); ok {
		t.Error("expected the 4th task to wait for a slot")
	}

	release <- struct{}{}
	waitFor(t, "4th task", func() bool { _, ok := started.Load("d"); return ok })
	close(release)
	waitFor(t, "all completed", func() bool { return p.Stats().Completed == 4 })

	mu.Lock()
	defer mu.Unlock()
	if order[3] != "d" {
		t.Errorf("expected d to start last, got %v", order)
	}
}

func TestPoolFIFO(t *testing.T) {
	p := NewPool(Config{Workers: 1, MaxDepth: 10})

	var mu sync.Mutex
	var got []string
	for _, id := range []string{"1", "2", "3", "4"} {
		id := id
		p.Submit(Task{ID: id, Run: func(ctx context.Context, a Attempt) error {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			return nil
		}})
	}
	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, "completion", func() bool { return p.Stats().Completed == 4 })
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []string{"1", "2", "3", "4"}) {
		t.Errorf("expected FIFO order, got %v", got)
	}
}

func TestPoolOverloaded(t *testing.T) {
	p := NewPool(Config{Lane: "render", Workers: 1, MaxDepth: 2})

	noop := func(ctx context.Context, a Attempt) error { return nil }
	for i := 0; i < 2; i++ {
		if err := p.Submit(Task{Run: noop}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	err := p.Submit(Task{Run: noop})
	if !errors.IsOverloaded(err) {
		t.Fatalf("expected overloaded, got %v", err)
	}
	if errors.GetFields(err)["lane"] != "render" {
		t.Errorf("expected lane field, got %v", errors.GetFields(err))
	}
}

func TestPoolRetryBackoff(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := NewPool(Config{
		Workers:       1,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		BackoffFactor: 2,
		Clock:         clk,
	})
	p.Start(context.Background())
	defer p.Stop(context.Background())

	var attempts []Attempt
	var mu sync.Mutex
	p.Submit(Task{ID: "j", Run: func(ctx context.Context, a Attempt) error {
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
		return errors.Transient("redis blip")
	}})

	waitFor(t, "failure", func() bool { return p.Stats().Failed == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if !attempts[2].Final() || attempts[1].Final() {
		t.Errorf("expected only the last attempt to be final, got %+v", attempts)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if got := clk.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected backoff %v, got %v", want, got)
	}
	if s := p.Stats(); s.Retried != 2 {
		t.Errorf("expected 2 retries, got %d", s.Retried)
	}
}

func TestPoolDoesNotRetryPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", errors.Validation("bad input")},
		{"stall", errors.Stalled("j", "stalled")},
		{"plain", stderrors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(Config{Workers: 1, MaxAttempts: 3, Clock: clock.NewFake(time.Unix(0, 0))})
			p.Start(context.Background())
			defer p.Stop(context.Background())

			var calls int32
			p.Submit(Task{Run: func(ctx context.Context, a Attempt) error {
				atomic.AddInt32(&calls, 1)
				return tt.err
			}})
			waitFor(t, "failure", func() bool { return p.Stats().Failed == 1 })
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Errorf("expected 1 call, got %d", n)
			}
		})
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	p.Start(context.Background())
	defer p.Stop(context.Background())

	p.Submit(Task{Run: func(ctx context.Context, a Attempt) error { panic("boom") }})
	p.Submit(Task{Run: func(ctx context.Context, a Attempt) error { return nil }})

	waitFor(t, "both tasks", func() bool {
		s := p.Stats()
		return s.Failed == 1 && s.Completed == 1
	})
}

func TestPoolStopReturnsQueued(t *testing.T) {
	var dropped []string
	var mu sync.Mutex
	p := NewPool(Config{Workers: 1, OnDropped: func(t Task) {
		mu.Lock()
		dropped = append(dropped, t.ID)
		mu.Unlock()
	}})
	p.Start(context.Background())

	release := make(chan struct{})
	p.Submit(Task{ID: "running", Run: func(ctx context.Context, a Attempt) error {
		<-release
		return nil
	}})
	waitFor(t, "running", func() bool { return p.Stats().Running == 1 })
	p.Submit(Task{ID: "waiting", Run: func(ctx context.Context, a Attempt) error { return nil }})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(dropped, []string{"waiting"}) {
		t.Errorf("expected waiting task returned, got %v", dropped)
	}
	if err := p.Submit(Task{}); errors.GetCode(err) != errors.CodeUnavailable {
		t.Errorf("expected unavailable after stop, got %v", err)
	}
}

func TestPoolStopDeadlineCancelsTasks(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	p.Start(context.Background())

	p.Submit(Task{Run: func(ctx context.Context, a Attempt) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	waitFor(t, "running", func() bool { return p.Stats().Running == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: 2 * time.Second, BackoffFactor: 2}
	for n, want := range map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second} {
		if got := cfg.Backoff(n); got != want {
			t.Errorf("backoff(%d): expected %v, got %v", n, want, got)
		}
	}
}
