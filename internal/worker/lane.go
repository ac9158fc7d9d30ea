package worker

import (
	"context"
	"time"

	"storyclip/internal/pkg/clock"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
	"storyclip/internal/worker/queue"
)

// Source hands out ids. queue.RedisQueue implements it.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Requeue(ctx context.Context, id string) error
}

// Handler runs one attempt for id.
type Handler func(ctx context.Context, id string, a queue.Attempt) error

// Lane moves ids from a Source into a Pool. An id the pool cannot take, or
// whose run was cut short by shutdown, goes back to the head of the Source.
type Lane struct {
	Name       string
	Source     Source
	Pool       *queue.Pool
	Handle     Handler
	PopTimeout time.Duration
	// Pause is how long to wait after an error or an overloaded pool.
	Pause time.Duration
	Clock clock.Clock
	Log   *logger.Logger
}

// Run pops until ctx ends.
func (l *Lane) Run(ctx context.Context) error {
	log := l.logger()
	clk := clock.OrReal(l.Clock)
	pause := l.Pause
	if pause <= 0 {
		pause = time.Second
	}
	popTimeout := l.PopTimeout
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}

	log.Info("lane started", "pop_timeout", popTimeout.String())
	for {
		if ctx.Err() != nil {
			log.Info("lane stopping")
			return ctx.Err()
		}

		id, err := l.Source.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("lane stopping")
				return ctx.Err()
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			if err := clk.Sleep(ctx, pause); err != nil {
				return err
			}
			continue
		}
		if id == "" {
			continue
		}

		err = l.Pool.Submit(l.Task(id))
		if err == nil {
			log.Debug("task submitted", "id", id)
			continue
		}

		l.requeue(id, log)
		if errors.IsOverloaded(err) {
			log.Warn("pool full, id returned to queue", "id", id, "queued", l.Pool.Stats().Queued)
			if err := clk.Sleep(ctx, pause); err != nil {
				return err
			}
			continue
		}
		// the pool is stopped
		return err
	}
}

// Task wraps id for the pool.
func (l *Lane) Task(id string) queue.Task {
	return queue.Task{
		ID: id,
		Run: func(ctx context.Context, a queue.Attempt) error {
			err := l.Handle(ctx, id, a)
			if err != nil && ctx.Err() != nil {
				l.requeue(id, l.logger())
				// not retryable, so the pool does not hand it back a second time
				return ctx.Err()
			}
			return err
		},
	}
}

// Dropped is the pool's OnDropped hook.
func (l *Lane) Dropped(t queue.Task) {
	l.requeue(t.ID, l.logger())
}

func (l *Lane) requeue(id string, log *logger.Logger) {
	// the lane context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Source.Requeue(ctx, id); err != nil {
		log.Error("requeue failed, id lost until the watchdog fails it", "id", id, "error", err.Error())
		return
	}
	log.Info("id requeued", "id", id)
}

func (l *Lane) logger() *logger.Logger {
	log := l.Log
	if log == nil {
		log = logger.NewNop()
	}
	return log.WithComponent("lane").WithFields(map[string]any{"lane": l.Name})
}
