// Package queue runs work on bounded per-lane worker pools and hands job ids
// from the API to the worker through Redis.
package queue

import (
	"context"
	"math"
	"sync"
	"time"

	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

// Attempt tells a task which try it is on.
type Attempt struct {
	Number int
	Max    int
}

// Final reports whether no retry follows this attempt.
func (a Attempt) Final() bool { return a.Number >= a.Max }

// Task is one unit of work. Run is called once per attempt.
type Task struct {
	ID  string
	Run func(ctx context.Context, a Attempt) error
}

type Config struct {
	Lane          string
	Workers       int
	MaxDepth      int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
	Clock         clock.Clock
	Log           *logger.Logger
	// OnDropped receives tasks still queued when the pool stops.
	OnDropped func(Task)
}

func (c Config) withDefaults() Config {
	if c.Lane == "" {
		c.Lane = "default"
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Log == nil {
		c.Log = logger.NewNop()
	}
	return c
}

// Backoff returns the delay after failed attempt n (1-based).
func (c Config) Backoff(n int) time.Duration {
	return time.Duration(float64(c.BackoffBase) * math.Pow(c.BackoffFactor, float64(n-1)))
}

type Stats struct {
	Lane      string `json:"lane"`
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Retried   int64  `json:"retried"`
}

// Pool runs at most Workers tasks at once. Extra submissions wait in FIFO
// order up to MaxDepth.
type Pool struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	stats   Stats
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:   cfg,
		log:   cfg.Log.WithComponent("pool").WithFields(map[string]any{"lane": cfg.Lane}),
		stats: Stats{Lane: cfg.Lane, Workers: cfg.Workers},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Tasks run under a context derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.log.Info("pool started", "workers", p.cfg.Workers, "max_depth", p.cfg.MaxDepth)
}

// Submit enqueues t. It fails with CodeOverloaded when MaxDepth tasks are
// already waiting and with CodeUnavailable after Stop.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.Unavailable("queue " + p.cfg.Lane)
	}
	if len(p.pending) >= p.cfg.MaxDepth {
		return errors.Overloaded(p.cfg.Lane, len(p.pending))
	}
	p.pending = append(p.pending, t)
	p.cond.Signal()
	return nil
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		t := p.pending[0]
		p.pending[0] = Task{}
		p.pending = p.pending[1:]
		p.stats.Running++
		p.mu.Unlock()

		err := p.execute(t)

		p.mu.Lock()
		p.stats.Running--
		if err != nil {
			p.stats.Failed++
		} else {
			p.stats.Completed++
		}
		p.mu.Unlock()
	}
}

// execute runs t until it succeeds, fails permanently or exhausts its
// attempts. Only retryable errors are retried.
func (p *Pool) execute(t Task) error {
	log := p.log.WithJobID(t.ID)
	attempts := p.cfg.MaxAttempts

	for n := 1; ; n++ {
		err := p.runOnce(t, Attempt{Number: n, Max: attempts})
		if err == nil {
			return nil
		}
		if n >= attempts || !errors.IsRetryable(err) {
			log.Warn("task failed",
				"attempt", n,
				"code", string(errors.GetCode(err)),
				"error", err.Error(),
			)
			return err
		}

		delay := p.cfg.Backoff(n)
		log.Info("task will retry",
			"attempt", n,
			"delay", delay.String(),
			"error", err.Error(),
		)
		p.mu.Lock()
		p.stats.Retried++
		p.mu.Unlock()

		if err := p.cfg.Clock.Sleep(p.ctx, delay); err != nil {
			// stopped while backing off: the retry belongs to whoever restarts
			if p.cfg.OnDropped != nil {
				p.cfg.OnDropped(t)
			}
			return err
		}
	}
}

func (p *Pool) runOnce(t Task, a Attempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Internalf("task panicked: %v", r)
		}
	}()
	return t.Run(p.ctx, a)
}

// Stop refuses new work, hands queued tasks to OnDropped and waits for
// running tasks. When ctx ends first their context is cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	dropped := p.pending
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range dropped {
		if p.cfg.OnDropped != nil {
			p.cfg.OnDropped(t)
		}
	}
	if len(dropped) > 0 {
		p.log.Info("queued tasks returned on stop", "count", len(dropped))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		<-done
		return ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Queued = len(p.pending)
	return s
}

func (p *Pool) Lane() string { return p.cfg.Lane }
