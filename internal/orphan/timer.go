package orphan

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const sweepBatchSize = 100

// Timer periodically runs orphan cleanup cycles.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new orphan sweep timer.
func NewTimer(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
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
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in orphan sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.reconciler.RunCleanupCycle(ctx, sweepBatchSize); err != nil {
		t.logger.Warn("orphan cleanup cycle failed", "error", err)
	}
}
