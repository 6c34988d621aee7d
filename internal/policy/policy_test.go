package policy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wisnuaw/blastgate/internal/restriction"
	"github.com/wisnuaw/blastgate/internal/risk"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	evaluator *Evaluator
	machine   *restriction.Machine
	engine    *risk.Engine
	store     *restriction.MemoryStore
	clock     *fakeClock
}

// testThresholds keeps the arithmetic in tests simple: halve the ledger
// per day, restore after 2 clean days, reactivate after 3.
func testThresholds() Thresholds {
	return Thresholds{
		WarnPoints:          25,
		ThrottlePoints:      50,
		PausePoints:         75,
		SuspendPoints:       100,
		PointDecayRate:      0.5,
		MaintenanceInterval: 24 * time.Hour,
		RestoreCleanDays:    2,
		ReactivateCleanDays: 3,
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := restriction.NewMemoryStore()
	machine := restriction.NewMachine(store,
		restriction.WithClock(clk.Now), restriction.WithLogger(logger))
	engine := risk.NewEngine(risk.NewMemoryStore(),
		risk.WithClock(clk.Now), risk.WithLogger(logger))

	all := append([]Option{WithThresholds(testThresholds()), WithLogger(logger)}, opts...)
	evaluator := NewEvaluator(machine, all...)
	return &fixture{evaluator: evaluator, machine: machine, engine: engine, store: store, clock: clk}
}

func TestPermanentFailuresEscalateThroughLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Severity 15 per failure: 15 -> 30 (warned) -> 45 -> 60 (throttled).
	for i := 0; i < 4; i++ {
		if err := f.evaluator.HandlePermanentFailure(ctx, "klien-1", 15); err != nil {
			t.Fatalf("HandlePermanentFailure: %v", err)
		}
	}

	r, err := f.machine.Get(ctx, "klien-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != restriction.StatusThrottled {
		t.Errorf("status = %q, want throttled", r.Status)
	}
	if r.ActiveAbusePoints != 60 {
		t.Errorf("active points = %v, want 60", r.ActiveAbusePoints)
	}
	if r.AbusePoints != 60 {
		t.Errorf("cumulative points = %v, want 60", r.AbusePoints)
	}
	if r.WarningCount != 1 {
		t.Errorf("warning count = %d, want 1", r.WarningCount)
	}
}

func TestEscalationTargets(t *testing.T) {
	tests := []struct {
		points float64
		want   restriction.Status
	}{
		{10, restriction.StatusActive},
		{24.99, restriction.StatusActive},
		{25, restriction.StatusWarned},
		{49, restriction.StatusWarned},
		{50, restriction.StatusThrottled},
		{75, restriction.StatusPaused},
		{100, restriction.StatusSuspended},
		{250, restriction.StatusSuspended},
	}
	for _, tt := range tests {
		f := newFixture(t)
		ctx := context.Background()

		if _, err := f.machine.AddAbusePoints(ctx, "klien-1", tt.points); err != nil {
			t.Fatalf("AddAbusePoints(%v): %v", tt.points, err)
		}
		r, err := f.evaluator.Evaluate(ctx, "klien-1")
		if err != nil {
			t.Fatalf("Evaluate(%v): %v", tt.points, err)
		}
		if r.Status != tt.want {
			t.Errorf("points %v: status = %q, want %q", tt.points, r.Status, tt.want)
		}
	}
}

func TestEvaluateNeverDeescalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.AddAbusePoints(ctx, "klien-1", 80); err != nil {
		t.Fatalf("AddAbusePoints: %v", err)
	}
	if _, err := f.evaluator.Evaluate(ctx, "klien-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// Ledger cools below every floor, but Evaluate must leave the status
	// alone: stepping down is the maintenance path's job.
	if _, err := f.machine.DecayPoints(ctx, "klien-1", 1); err != nil {
		t.Fatalf("DecayPoints: %v", err)
	}
	r, err := f.evaluator.Evaluate(ctx, "klien-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if r.Status != restriction.StatusPaused {
		t.Errorf("status = %q, want paused", r.Status)
	}
}

func TestSuspendedNeverEscalatesFurther(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.AddAbusePoints(ctx, "klien-1", 120); err != nil {
		t.Fatalf("AddAbusePoints: %v", err)
	}
	if _, err := f.evaluator.Evaluate(ctx, "klien-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// More failures while suspended pile onto the ledger without touching
	// the status or the transition audit trail.
	if err := f.evaluator.HandlePermanentFailure(ctx, "klien-1", 50); err != nil {
		t.Fatalf("HandlePermanentFailure: %v", err)
	}
	r, err := f.machine.Get(ctx, "klien-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != restriction.StatusSuspended {
		t.Errorf("status = %q, want suspended", r.Status)
	}
	if r.SuspensionCount != 1 {
		t.Errorf("suspension count = %d, want 1", r.SuspensionCount)
	}
	trs, err := f.machine.Transitions(ctx, "klien-1", 10)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(trs) != 1 {
		t.Errorf("transitions = %d, want 1", len(trs))
	}
}

func TestCriticalRiskPausesRegardlessOfLedger(t *testing.T) {
	f := newFixture(t)
	f.evaluator.engine = f.engine
	ctx := context.Background()

	if _, err := f.machine.GetOrCreate(ctx, "klien-1", restriction.TierUMKM); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := f.engine.UpdateScore(ctx, risk.EntityUser, "klien-1", 90, nil); err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}

	r, err := f.evaluator.Evaluate(ctx, "klien-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if r.Status != restriction.StatusPaused {
		t.Errorf("status = %q, want paused", r.Status)
	}
	if r.ActiveAbusePoints != 0 {
		t.Errorf("active points = %v, want 0", r.ActiveAbusePoints)
	}
}

func TestMaintenanceDecaysAndRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.AddAbusePoints(ctx, "klien-1", 60); err != nil {
		t.Fatalf("AddAbusePoints: %v", err)
	}
	if _, err := f.evaluator.Evaluate(ctx, "klien-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// Day 1: 60 -> 30, one clean day; still throttled.
	f.clock.Advance(24 * time.Hour)
	r, err := f.evaluator.MaintainKlien(ctx, "klien-1")
	if err != nil {
		t.Fatalf("MaintainKlien: %v", err)
	}
	if r.Status != restriction.StatusThrottled {
		t.Errorf("day 1: status = %q, want throttled", r.Status)
	}
	if r.ActiveAbusePoints != 30 {
		t.Errorf("day 1: active points = %v, want 30", r.ActiveAbusePoints)
	}
	if r.CleanDays != 1 {
		t.Errorf("day 1: clean days = %d, want 1", r.CleanDays)
	}

	// Day 2: 30 -> 15, two clean days; throttled steps down to restored.
	f.clock.Advance(24 * time.Hour)
	r, err = f.evaluator.MaintainKlien(ctx, "klien-1")
	if err != nil {
		t.Fatalf("MaintainKlien: %v", err)
	}
	if r.Status != restriction.StatusRestored {
		t.Errorf("day 2: status = %q, want restored", r.Status)
	}

	// Day 3: three clean days; restored steps back to active.
	f.clock.Advance(24 * time.Hour)
	r, err = f.evaluator.MaintainKlien(ctx, "klien-1")
	if err != nil {
		t.Fatalf("MaintainKlien: %v", err)
	}
	if r.Status != restriction.StatusActive {
		t.Errorf("day 3: status = %q, want active", r.Status)
	}
	// Cumulative ledger is history and survives recovery.
	if r.AbusePoints != 60 {
		t.Errorf("cumulative points = %v, want 60", r.AbusePoints)
	}
}

func TestRecoveryBlockedWhileLedgerHot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 400 points: even after two halvings the ledger still clears the
	// throttle floor, so the clean streak alone must not restore.
	if _, err := f.machine.AddAbusePoints(ctx, "klien-1", 400); err != nil {
		t.Fatalf("AddAbusePoints: %v", err)
	}
	if _, err := f.machine.TransitionTo(ctx, "klien-1", restriction.StatusThrottled, "manual", false); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}

	for day := 0; day < 2; day++ {
		f.clock.Advance(24 * time.Hour)
		if _, err := f.evaluator.MaintainKlien(ctx, "klien-1"); err != nil {
			t.Fatalf("MaintainKlien: %v", err)
		}
	}
	r, err := f.machine.Get(ctx, "klien-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.CleanDays != 2 {
		t.Errorf("clean days = %d, want 2", r.CleanDays)
	}
	if r.Status != restriction.StatusThrottled {
		t.Errorf("status = %q, want throttled (points %v)", r.Status, r.ActiveAbusePoints)
	}
}

func TestMaintenanceIdempotentWithinInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.AddAbusePoints(ctx, "klien-1", 40); err != nil {
		t.Fatalf("AddAbusePoints: %v", err)
	}
	f.clock.Advance(24 * time.Hour)
	if _, err := f.evaluator.MaintainKlien(ctx, "klien-1"); err != nil {
		t.Fatalf("MaintainKlien: %v", err)
	}
	// Second pass inside the same interval changes nothing.
	r, err := f.evaluator.MaintainKlien(ctx, "klien-1")
	if err != nil {
		t.Fatalf("MaintainKlien: %v", err)
	}
	if r.ActiveAbusePoints != 20 {
		t.Errorf("active points = %v, want 20", r.ActiveAbusePoints)
	}
	if r.CleanDays != 1 {
		t.Errorf("clean days = %d, want 1", r.CleanDays)
	}
}

func TestHandlePermanentFailureIgnoresEmptyKlien(t *testing.T) {
	f := newFixture(t)

	if err := f.evaluator.HandlePermanentFailure(context.Background(), "", 20); err != nil {
		t.Fatalf("HandlePermanentFailure: %v", err)
	}
}

func TestSweepWorkerMaintainsDueRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"klien-1", "klien-2", "klien-3"} {
		if _, err := f.machine.AddAbusePoints(ctx, id, 40); err != nil {
			t.Fatalf("AddAbusePoints(%s): %v", id, err)
		}
	}

	w := NewSweepWorker(f.evaluator, f.store, time.Minute,
		WithSweepClock(f.clock.Now),
		WithSweepLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	f.clock.Advance(25 * time.Hour)
	w.Sweep(ctx)

	for _, id := range []string{"klien-1", "klien-2", "klien-3"} {
		r, err := f.machine.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if r.ActiveAbusePoints != 20 {
			t.Errorf("%s: active points = %v, want 20", id, r.ActiveAbusePoints)
		}
		if r.CleanDays != 1 {
			t.Errorf("%s: clean days = %d, want 1", id, r.CleanDays)
		}
	}

	// Nothing is due until another interval elapses.
	w.Sweep(ctx)
	r, err := f.machine.Get(ctx, "klien-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.CleanDays != 1 {
		t.Errorf("clean days after second sweep = %d, want 1", r.CleanDays)
	}
}
