package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wisnuaw/blastgate/internal/restriction"
)

// SweepWorker periodically runs the maintenance pass over every klien
// whose last pass is older than the maintenance interval. Safe to run on
// multiple nodes: Maintain is idempotent per interval.
type SweepWorker struct {
	evaluator *Evaluator
	store     restriction.Store
	interval  time.Duration
	batchSize int
	clock     func() time.Time
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// SweepOption configures a SweepWorker.
type SweepOption func(*SweepWorker)

// WithSweepClock overrides the time source, for tests.
func WithSweepClock(clock func() time.Time) SweepOption {
	return func(w *SweepWorker) { w.clock = clock }
}

// WithSweepLogger overrides the default logger.
func WithSweepLogger(logger *slog.Logger) SweepOption {
	return func(w *SweepWorker) { w.logger = logger }
}

// NewSweepWorker creates a maintenance sweeper. interval controls how
// often the sweep runs, independent of the per-klien maintenance spacing.
func NewSweepWorker(evaluator *Evaluator, store restriction.Store, interval time.Duration, opts ...SweepOption) *SweepWorker {
	w := &SweepWorker{
		evaluator: evaluator,
		store:     store,
		interval:  interval,
		batchSize: 200,
		clock:     time.Now,
		logger:    slog.Default(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Running reports whether the sweep loop is active.
func (w *SweepWorker) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *SweepWorker) Start(ctx context.Context) {
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
func (w *SweepWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *SweepWorker) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in policy maintenance sweep", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// Sweep runs the maintenance pass once over every due klien. Exported so
// tests and operational tooling can trigger it directly.
func (w *SweepWorker) Sweep(ctx context.Context) {
	cutoff := w.clock().Add(-w.evaluator.thresholds.MaintenanceInterval)
	due, err := w.store.ListMaintenanceDue(ctx, cutoff, w.batchSize)
	if err != nil {
		w.logger.Error("failed to list maintenance-due records", "error", err)
		return
	}
	maintained := 0
	for _, r := range due {
		if _, err := w.evaluator.MaintainKlien(ctx, r.KlienID); err != nil {
			w.logger.Warn("maintenance pass failed", "klien_id", r.KlienID, "error", err)
			continue
		}
		maintained++
	}
	if maintained > 0 {
		w.logger.Debug("policy maintenance sweep complete", "maintained", maintained)
	}
}
