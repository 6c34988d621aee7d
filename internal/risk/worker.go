package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DecayWorker periodically sweeps profiles whose decay interval has
// elapsed and applies level-scaled decay to each. Sweeps are safe to run
// on multiple nodes: ApplyDecay is idempotent per interval, so a profile
// decayed by one node is a no-op on the others.
type DecayWorker struct {
	engine    *Engine
	store     Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewDecayWorker creates a decay sweeper. interval controls how often the
// sweep runs, independent of the policy's per-profile decay interval.
func NewDecayWorker(engine *Engine, store Store, interval time.Duration, logger *slog.Logger) *DecayWorker {
	return &DecayWorker{
		engine:    engine,
		store:     store,
		interval:  interval,
		batchSize: 200,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (w *DecayWorker) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *DecayWorker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *DecayWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *DecayWorker) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in risk decay sweep", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// Sweep applies decay to every due profile once. Exported so tests and
// operational tooling can trigger a pass without the ticker.
func (w *DecayWorker) Sweep(ctx context.Context) {
	cutoff := w.engine.clock().Add(-w.engine.Policy().DecayInterval)
	due, err := w.store.ListDecayDue(ctx, cutoff, w.batchSize)
	if err != nil {
		w.logger.Warn("failed to list decay-due profiles", "error", err)
		return
	}

	decayed := 0
	for _, p := range due {
		if _, err := w.engine.ApplyDecay(ctx, p.EntityType, p.EntityID); err != nil {
			w.logger.Warn("decay failed",
				"entity_type", p.EntityType, "entity_id", p.EntityID, "error", err)
			continue
		}
		decayed++
	}
	if decayed > 0 {
		w.logger.Debug("risk decay sweep complete", "profiles", decayed)
	}
}
