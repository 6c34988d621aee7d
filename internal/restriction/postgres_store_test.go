package restriction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisnuaw/blastgate/internal/testutil"
)

func pgRecord(klienID string) *Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	r := &Record{
		KlienID:         klienID,
		Tier:            TierCorporate,
		Status:          StatusActive,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.applyCapabilities()
	return r
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	created, err := store.Create(ctx, pgRecord("klien-pg-1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("expected version 1 after create, got %d", created.Version)
	}

	got, err := store.Get(ctx, "klien-pg-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Tier != TierCorporate {
		t.Errorf("expected tier corporate, got %s", got.Tier)
	}
	if got.Status != StatusActive {
		t.Errorf("expected status active, got %s", got.Status)
	}
	if !got.CanSend || !got.CanCreateCampaign {
		t.Error("fresh active record should have full capabilities")
	}
	if got.ThrottleMultiplier != 1.0 {
		t.Errorf("expected multiplier 1.0, got %f", got.ThrottleMultiplier)
	}

	if _, err := store.Get(ctx, "klien-pg-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing klien, got %v", err)
	}
}

func TestPostgresStore_CreateRace(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first := pgRecord("klien-pg-race")
	first.StatusReason = "first"
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	// Second create for the same klien must not overwrite the winner.
	second := pgRecord("klien-pg-race")
	second.StatusReason = "second"
	got, err := store.Create(ctx, second)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if got.StatusReason != "first" {
		t.Errorf("expected the first insert to win, got reason %q", got.StatusReason)
	}
}

func TestPostgresStore_UpdateCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	r, err := store.Create(ctx, pgRecord("klien-pg-cas"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	r.Status = StatusWarned
	r.PreviousStatus = StatusActive
	r.StatusReason = "spam complaints"
	r.WarningCount = 1
	r.applyCapabilities()
	r.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := store.UpdateCAS(ctx, r); err != nil {
		t.Fatalf("UpdateCAS failed: %v", err)
	}
	if r.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", r.Version)
	}

	got, err := store.Get(ctx, "klien-pg-cas")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusWarned || got.WarningCount != 1 {
		t.Errorf("update not persisted: status=%s warnings=%d", got.Status, got.WarningCount)
	}

	// Stale version must be rejected.
	stale := *got
	stale.Version = 1
	stale.Status = StatusSuspended
	if err := store.UpdateCAS(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale version, got %v", err)
	}

	missing := pgRecord("klien-pg-gone")
	missing.Version = 1
	if err := store.UpdateCAS(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown klien, got %v", err)
	}
}

func TestPostgresStore_Transitions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	steps := []struct {
		id   string
		from Status
		to   Status
	}{
		{"tr-pg-1", StatusActive, StatusWarned},
		{"tr-pg-2", StatusWarned, StatusThrottled},
		{"tr-pg-3", StatusThrottled, StatusPaused},
	}
	for i, s := range steps {
		err := store.RecordTransition(ctx, &Transition{
			ID:         s.id,
			KlienID:    "klien-pg-audit",
			FromStatus: s.from,
			ToStatus:   s.to,
			Reason:     "escalation",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordTransition %s failed: %v", s.id, err)
		}
	}

	got, err := store.ListTransitions(ctx, "klien-pg-audit", 10)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "tr-pg-3" || got[2].ID != "tr-pg-1" {
		t.Errorf("expected newest-first order, got %s..%s", got[0].ID, got[2].ID)
	}

	limited, err := store.ListTransitions(ctx, "klien-pg-audit", 2)
	if err != nil {
		t.Fatalf("ListTransitions with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit 2 honored, got %d", len(limited))
	}
}

func TestPostgresStore_ListMaintenanceDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	never := pgRecord("klien-pg-never")
	if _, err := store.Create(ctx, never); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale := pgRecord("klien-pg-stale")
	stale.LastMaintainedAt = now.Add(-48 * time.Hour)
	if _, err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fresh := pgRecord("klien-pg-fresh")
	fresh.LastMaintainedAt = now
	if _, err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	due, err := store.ListMaintenanceDue(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListMaintenanceDue failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due records, got %d", len(due))
	}
	// Never-maintained records sort first.
	if due[0].KlienID != "klien-pg-never" {
		t.Errorf("expected never-maintained record first, got %s", due[0].KlienID)
	}
	if due[1].KlienID != "klien-pg-stale" {
		t.Errorf("expected stale record second, got %s", due[1].KlienID)
	}
}
