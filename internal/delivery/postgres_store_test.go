package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wisnuaw/blastgate/internal/testutil"
)

func pgEvent(id, messageID string, t EventType, ts time.Time) *DeliveryEvent {
	return &DeliveryEvent{
		ID:                id,
		ProviderMessageID: messageID,
		Provider:          "wa-cloud",
		Type:              t,
		Timestamp:         ts,
		KlienID:           "klien-pg-dlv",
		ProcessResult:     ResultProcessed,
		ReceivedAt:        ts,
	}
}

func TestPostgresStore_MessageUpsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := store.GetMessage(ctx, "msg-pg-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}

	first := &MessageStatus{
		ProviderMessageID: "msg-pg-1",
		Provider:          "wa-cloud",
		KlienID:           "klien-pg-dlv",
		SenderID:          "sender-1",
		CurrentType:       EventSent,
		CurrentTimestamp:  now,
		UpdatedAt:         now,
	}
	if err := store.UpsertMessage(ctx, first, ""); err != nil {
		t.Fatalf("UpsertMessage insert failed: %v", err)
	}

	// A second insert-only write means another writer got there first.
	if err := store.UpsertMessage(ctx, first, ""); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict on second insert, got %v", err)
	}

	// An update conditioned on a stale status loses.
	update := &MessageStatus{
		ProviderMessageID: "msg-pg-1",
		Provider:          "wa-cloud",
		CurrentType:       EventDelivered,
		CurrentTimestamp:  now.Add(time.Second),
		UpdatedAt:         now.Add(time.Second),
	}
	if err := store.UpsertMessage(ctx, update, EventRead); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict on stale expected status, got %v", err)
	}

	// Advance the status; attribution set on insert must stick even when
	// the later callback omits it.
	if err := store.UpsertMessage(ctx, update, EventSent); err != nil {
		t.Fatalf("UpsertMessage update failed: %v", err)
	}

	got, err := store.GetMessage(ctx, "msg-pg-1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.CurrentType != EventDelivered {
		t.Errorf("expected current type delivered, got %s", got.CurrentType)
	}
	if got.KlienID != "klien-pg-dlv" || got.SenderID != "sender-1" {
		t.Errorf("expected attribution preserved, got klien=%q sender=%q", got.KlienID, got.SenderID)
	}
}

func TestPostgresStore_AppendEventDedupIndex(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.AppendEvent(ctx, pgEvent("ev-pg-dup-1", "msg-pg-dup", EventDelivered, ts)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// A concurrently processed copy of the same callback violates the
	// unique index and comes back as ErrDuplicateEvent.
	err := store.AppendEvent(ctx, pgEvent("ev-pg-dup-2", "msg-pg-dup", EventDelivered, ts))
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	// Duplicate and out-of-order audit rows are outside the index.
	dup := pgEvent("ev-pg-dup-3", "msg-pg-dup", EventDelivered, ts)
	dup.IsDuplicate = true
	dup.ProcessResult = ResultIgnored
	if err := store.AppendEvent(ctx, dup); err != nil {
		t.Fatalf("duplicate audit row rejected: %v", err)
	}
	ooo := pgEvent("ev-pg-dup-4", "msg-pg-dup", EventDelivered, ts)
	ooo.IsOutOfOrder = true
	ooo.ProcessResult = ResultIgnored
	if err := store.AppendEvent(ctx, ooo); err != nil {
		t.Fatalf("out-of-order audit row rejected: %v", err)
	}
}

func TestPostgresStore_HasEvent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.AppendEvent(ctx, pgEvent("ev-pg-1", "msg-pg-has", EventSent, ts)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	exists, err := store.HasEvent(ctx, "msg-pg-has", EventSent, ts)
	if err != nil {
		t.Fatalf("HasEvent failed: %v", err)
	}
	if !exists {
		t.Error("expected recorded event to be found")
	}

	exists, err = store.HasEvent(ctx, "msg-pg-has", EventDelivered, ts)
	if err != nil {
		t.Fatalf("HasEvent failed: %v", err)
	}
	if exists {
		t.Error("different event type should not match")
	}

	// Duplicate audit rows don't count toward dedup.
	dup := pgEvent("ev-pg-2", "msg-pg-has", EventRead, ts)
	dup.IsDuplicate = true
	dup.ProcessResult = ResultIgnored
	if err := store.AppendEvent(ctx, dup); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	exists, err = store.HasEvent(ctx, "msg-pg-has", EventRead, ts)
	if err != nil {
		t.Fatalf("HasEvent failed: %v", err)
	}
	if exists {
		t.Error("duplicate-flagged event should not satisfy HasEvent")
	}
}

func TestPostgresStore_ListEvents(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	types := []EventType{EventSent, EventDelivered, EventRead}
	for i, et := range types {
		ev := pgEvent(fmt.Sprintf("ev-pg-list-%d", i), "msg-pg-list", et, base.Add(time.Duration(i)*time.Second))
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, total, err := store.ListEvents(ctx, "msg-pg-list", 2, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events in the first page, got %d", len(events))
	}
	if events[0].Type != EventRead {
		t.Errorf("expected newest event first, got %s", events[0].Type)
	}

	rest, _, err := store.ListEvents(ctx, "msg-pg-list", 2, 2)
	if err != nil {
		t.Fatalf("ListEvents with offset failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Type != EventSent {
		t.Errorf("expected the oldest event on the second page, got %+v", rest)
	}
}

func TestPostgresStore_ListKlienEvents(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		ev := pgEvent(fmt.Sprintf("ev-pg-feed-%d", i), fmt.Sprintf("msg-pg-feed-%d", i), EventDelivered, base.Add(time.Duration(i)*time.Second))
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	other := pgEvent("ev-pg-other", "msg-pg-other", EventDelivered, base)
	other.KlienID = "klien-pg-other"
	if err := store.AppendEvent(ctx, other); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	first, err := store.ListKlienEvents(ctx, "klien-pg-dlv", time.Time{}, "", 3)
	if err != nil {
		t.Fatalf("ListKlienEvents failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 events in the first page, got %d", len(first))
	}
	if first[0].ID != "ev-pg-feed-4" {
		t.Errorf("expected newest event first, got %s", first[0].ID)
	}

	last := first[len(first)-1]
	second, err := store.ListKlienEvents(ctx, "klien-pg-dlv", last.ReceivedAt, last.ID, 3)
	if err != nil {
		t.Fatalf("ListKlienEvents second page failed: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 events in the second page, got %d", len(second))
	}
	if second[0].ID != "ev-pg-feed-1" || second[1].ID != "ev-pg-feed-0" {
		t.Errorf("unexpected second page: %s, %s", second[0].ID, second[1].ID)
	}
	for _, ev := range append(first, second...) {
		if ev.KlienID != "klien-pg-dlv" {
			t.Errorf("foreign klien event leaked into feed: %s", ev.ID)
		}
	}
}
