package clearing

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DeadlineTimer periodically sweeps pending payments past their deadline.
type DeadlineTimer struct {
	core     *Core
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDeadlineTimer creates the sweeper with a 30 second period.
func NewDeadlineTimer(core *Core, logger *slog.Logger) *DeadlineTimer {
	return &DeadlineTimer{
		core:     core,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *DeadlineTimer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *DeadlineTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *DeadlineTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *DeadlineTimer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deadline sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.core.SweepExpired(ctx)
}
