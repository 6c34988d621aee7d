package risk

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	return NewEngine(NewMemoryStore(), WithClock(clk.Now), WithLogger(discardLogger())), clk
}

func TestNewProfileStartsSafe(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.GetOrCreate(ctx, EntitySender, "sender-1", "klien-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p.Score != 0 {
		t.Errorf("score = %v, want 0", p.Score)
	}
	if p.Level != LevelSafe {
		t.Errorf("level = %q, want safe", p.Level)
	}
	if got := e.ThrottleMultiplier(p); got != 1.0 {
		t.Errorf("multiplier = %v, want 1.0", got)
	}
	if !p.IsSafe() || p.RequiresAttention() || p.IsCritical() {
		t.Errorf("predicates wrong for fresh profile: safe=%v attention=%v critical=%v",
			p.IsSafe(), p.RequiresAttention(), p.IsCritical())
	}
}

func TestIncidentsRaiseScoreToWarning(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var p *Profile
	var err error
	for i := 0; i < 3; i++ {
		p, err = e.RecordIncident(ctx, EntitySender, "sender-1", "", 15, "spam_report", "")
		if err != nil {
			t.Fatalf("RecordIncident %d: %v", i, err)
		}
	}

	if p.Score != 45 {
		t.Errorf("score = %v, want 45", p.Score)
	}
	if p.Level != LevelWarning {
		t.Errorf("level = %q, want warning", p.Level)
	}
	if got := e.ThrottleMultiplier(p); got != 0.5 {
		t.Errorf("multiplier = %v, want 0.5", got)
	}
	if p.IncidentsTotal != 3 || p.Incidents24h != 3 || p.Incidents7d != 3 {
		t.Errorf("counters = %d/%d/%d, want 3/3/3",
			p.IncidentsTotal, p.Incidents24h, p.Incidents7d)
	}
	if p.SafeDays != 0 {
		t.Errorf("safeDays = %d, want 0", p.SafeDays)
	}

	incidents, err := e.Incidents(ctx, EntitySender, "sender-1", 10)
	if err != nil {
		t.Fatalf("Incidents: %v", err)
	}
	if len(incidents) != 3 {
		t.Errorf("audit trail has %d incidents, want 3", len(incidents))
	}
}

func TestLevelThresholds(t *testing.T) {
	policy := DefaultPolicy()
	cases := []struct {
		score float64
		want  Level
	}{
		{0, LevelSafe},
		{30.99, LevelSafe},
		{31, LevelWarning},
		{60.99, LevelWarning},
		{61, LevelHighRisk},
		{80.99, LevelHighRisk},
		{81, LevelCritical},
		{100, LevelCritical},
		{-5, LevelSafe},
		{250, LevelCritical},
	}
	for _, tc := range cases {
		if got := policy.LevelFor(tc.score); got != tc.want {
			t.Errorf("LevelFor(%v) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestScoreClampedToRange(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.RecordIncident(ctx, EntityCampaign, "camp-1", "", 150, "mass_block", "")
	if err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	if p.Score != 100 {
		t.Errorf("score = %v, want clamped to 100", p.Score)
	}
	if p.Level != LevelCritical {
		t.Errorf("level = %q, want critical", p.Level)
	}

	p, err = e.UpdateScore(ctx, EntityCampaign, "camp-1", -20, nil)
	if err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}
	if p.Score != 0 {
		t.Errorf("score = %v, want clamped to 0", p.Score)
	}
}

func TestDecayScalesByLevel(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.UpdateScore(ctx, EntitySender, "safe-sender", 20, nil); err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}
	if _, err := e.UpdateScore(ctx, EntitySender, "critical-sender", 90, nil); err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}

	clk.Advance(e.Policy().DecayInterval + time.Minute)

	safe, err := e.ApplyDecay(ctx, EntitySender, "safe-sender")
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	critical, err := e.ApplyDecay(ctx, EntitySender, "critical-sender")
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}

	safeLoss := (20 - safe.Score) / 20
	criticalLoss := (90 - critical.Score) / 90
	if safeLoss <= 0 || criticalLoss <= 0 {
		t.Fatalf("expected both to decay: safe=%v critical=%v", safe.Score, critical.Score)
	}
	if criticalLoss >= safeLoss {
		t.Errorf("critical decayed as fast as safe: %v vs %v", criticalLoss, safeLoss)
	}

	// Full-scale decay at safe: 20 * (1 - 0.05) = 19.
	if safe.Score != 19 {
		t.Errorf("safe score = %v, want 19", safe.Score)
	}
	// One-tenth scale at critical: 90 * (1 - 0.005) = 89.55.
	if critical.Score != 89.55 {
		t.Errorf("critical score = %v, want 89.55", critical.Score)
	}
}

func TestDecayIdempotentWithinInterval(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.UpdateScore(ctx, EntityUser, "user-1", 50, nil); err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}

	clk.Advance(e.Policy().DecayInterval)
	first, err := e.ApplyDecay(ctx, EntityUser, "user-1")
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}

	// Immediate second sweep must be a no-op.
	again, err := e.ApplyDecay(ctx, EntityUser, "user-1")
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	if again.Score != first.Score {
		t.Errorf("second decay within interval changed score: %v -> %v",
			first.Score, again.Score)
	}
}

func TestDecayNoopAtZero(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.GetOrCreate(ctx, EntityUser, "idle-user", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	clk.Advance(48 * time.Hour)

	p, err := e.ApplyDecay(ctx, EntityUser, "idle-user")
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	if p.Score != 0 {
		t.Errorf("score = %v, want 0", p.Score)
	}
}

func TestTrendAgainstSnapshot(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.UpdateScore(ctx, EntitySender, "sender-t", 40, nil); err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}

	// Past the snapshot window: the next write rolls 40 into the 24h-ago
	// slot before comparing against it.
	clk.Advance(25 * time.Hour)

	p, err := e.UpdateScore(ctx, EntitySender, "sender-t", 50, nil)
	if err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}
	if p.Score24hAgo != 40 {
		t.Errorf("score24hAgo = %v, want 40", p.Score24hAgo)
	}
	if p.Trend != TrendWorsening {
		t.Errorf("trend = %q, want worsening (50 vs 40)", p.Trend)
	}

	p, err = e.UpdateScore(ctx, EntitySender, "sender-t", 42, nil)
	if err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}
	if p.Trend != TrendStable {
		t.Errorf("trend = %q, want stable (42 vs 40, delta 5)", p.Trend)
	}

	p, err = e.UpdateScore(ctx, EntitySender, "sender-t", 30, nil)
	if err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}
	if p.Trend != TrendImproving {
		t.Errorf("trend = %q, want improving (30 vs 40)", p.Trend)
	}
}

func TestWhitelistBlacklistOverride(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.UpdateScore(ctx, EntitySender, "vip", 85, nil); err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}

	yes := true
	p, err := e.SetFlags(ctx, EntitySender, "vip", &yes, nil)
	if err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if p.Level != LevelCritical {
		t.Errorf("raw level = %q, want critical", p.Level)
	}
	if p.EffectiveLevel() != LevelSafe {
		t.Errorf("effective level = %q, want safe under whitelist", p.EffectiveLevel())
	}
	if got := e.ThrottleMultiplier(p); got != 1.0 {
		t.Errorf("whitelisted multiplier = %v, want 1.0", got)
	}

	no := false
	p, err = e.SetFlags(ctx, EntitySender, "vip", &no, &yes)
	if err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if p.EffectiveLevel() != LevelCritical {
		t.Errorf("effective level = %q, want critical under blacklist", p.EffectiveLevel())
	}
	if got := e.ThrottleMultiplier(p); got != 0.0 {
		t.Errorf("blacklisted multiplier = %v, want 0.0", got)
	}

	// Blacklist dominates even at score zero.
	p, err = e.UpdateScore(ctx, EntitySender, "vip", 0, nil)
	if err != nil {
		t.Fatalf("UpdateScore: %v", err)
	}
	if !p.IsCritical() {
		t.Errorf("blacklisted zero-score profile should still be critical")
	}
}

func TestIncidentWindowsRoll(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := e.RecordIncident(ctx, EntityUser, "user-w", "", 5, "bounce", ""); err != nil {
			t.Fatalf("RecordIncident: %v", err)
		}
	}

	clk.Advance(25 * time.Hour)
	p, err := e.RecordIncident(ctx, EntityUser, "user-w", "", 5, "bounce", "")
	if err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	if p.Incidents24h != 1 {
		t.Errorf("incidents24h = %d, want 1 after window rolled", p.Incidents24h)
	}
	if p.Incidents7d != 5 {
		t.Errorf("incidents7d = %d, want 5", p.Incidents7d)
	}
	if p.IncidentsTotal != 5 {
		t.Errorf("incidentsTotal = %d, want 5", p.IncidentsTotal)
	}
}

func TestSafeDaysAccumulateAndReset(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RecordIncident(ctx, EntitySender, "sender-s", "", 10, "spam_report", ""); err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}

	clk.Advance(72*time.Hour + time.Minute)
	p, err := e.ApplyDecay(ctx, EntitySender, "sender-s")
	if err != nil {
		t.Fatalf("ApplyDecay: %v", err)
	}
	if p.SafeDays != 3 {
		t.Errorf("safeDays = %d, want 3", p.SafeDays)
	}

	p, err = e.RecordIncident(ctx, EntitySender, "sender-s", "", 10, "spam_report", "")
	if err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	if p.SafeDays != 0 {
		t.Errorf("safeDays = %d, want reset to 0", p.SafeDays)
	}
}

func TestDecayWorkerSweep(t *testing.T) {
	clk := newFakeClock()
	store := NewMemoryStore()
	e := NewEngine(store, WithClock(clk.Now), WithLogger(discardLogger()))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := e.UpdateScore(ctx, EntitySender, id, 40, nil); err != nil {
			t.Fatalf("UpdateScore: %v", err)
		}
	}

	clk.Advance(e.Policy().DecayInterval + time.Minute)

	w := NewDecayWorker(e, store, time.Minute, discardLogger())
	w.Sweep(ctx)

	for _, id := range []string{"a", "b", "c"} {
		p, err := e.Get(ctx, EntitySender, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if p.Score >= 40 {
			t.Errorf("profile %s not decayed: score = %v", id, p.Score)
		}
	}

	// A second immediate sweep finds nothing due.
	due, err := store.ListDecayDue(ctx, clk.Now().Add(-e.Policy().DecayInterval), 100)
	if err != nil {
		t.Fatalf("ListDecayDue: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("%d profiles still due after sweep, want 0", len(due))
	}
}

func TestIncidentAttributesProfileToKlien(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// First contact through an incident: the profile is created with
	// the owning klien, so level-change listeners can route the alert.
	p, err := e.RecordIncident(ctx, EntitySender, "sender-k", "klien-9", 10, "delivery_failure", "invalid_number")
	if err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	if p.KlienID != "klien-9" {
		t.Errorf("klienID = %q, want klien-9", p.KlienID)
	}

	// A profile created before the owner was known is backfilled.
	if _, err := e.GetOrCreate(ctx, EntityUser, "user-k", ""); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	p, err = e.RecordIncident(ctx, EntityUser, "user-k", "klien-9", 5, "bounce", "")
	if err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	if p.KlienID != "klien-9" {
		t.Errorf("backfilled klienID = %q, want klien-9", p.KlienID)
	}

	// A known owner is never overwritten.
	p, err = e.RecordIncident(ctx, EntitySender, "sender-k", "klien-other", 5, "bounce", "")
	if err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	if p.KlienID != "klien-9" {
		t.Errorf("klienID = %q, want klien-9 kept", p.KlienID)
	}
}
