// Package schedule runs a function on a fixed interval until stopped.
package schedule

import (
	"context"
	"sync"
	"time"

	"storyclip/internal/pkg/logger"
)

// Loop calls Fn once immediately and then every Interval. A run that is
// still going when the ticker fires delays the next one; runs never overlap.
type Loop struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
	Log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the loop in a goroutine. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.Run(ctx)
	}()
}

// Run blocks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	log := l.logger()
	log.Info("loop started", "interval", l.Interval.String())

	l.tick(ctx, log)

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx, log)
		}
	}
}

func (l *Loop) tick(ctx context.Context, log *logger.Logger) {
	start := time.Now()
	if err := l.Fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("loop run failed", "error", err.Error(), "duration_ms", time.Since(start).Milliseconds())
		return
	}
	log.Debug("loop run completed", "duration_ms", time.Since(start).Milliseconds())
}

// Stop cancels a started loop and waits for the current run to return or
// ctx to end. It satisfies shutdown.Stopper.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) logger() *logger.Logger {
	log := l.Log
	if log == nil {
		log = logger.NewNop()
	}
	return log.WithComponent(l.Name)
}
