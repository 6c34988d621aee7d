package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "sub_test1",
		KlienID:   "klien-1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventRestrictionTransition},
		Active:    true,
		CreatedAt: time.Now(),
	}

	// Create
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Get
	got, err := store.Get(ctx, "sub_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	// Update
	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "sub_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	// Delete
	store.Delete(ctx, "sub_test1")
	_, err = store.Get(ctx, "sub_test1")
	if err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByKlien(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "sub1", KlienID: "klien-a", Events: []EventType{EventRestrictionTransition}})
	store.Create(ctx, &Subscription{ID: "sub2", KlienID: "klien-b", Events: []EventType{EventRestrictionTransition}})
	store.Create(ctx, &Subscription{ID: "sub3", KlienID: "klien-a", Events: []EventType{EventAdmissionDenied}})

	subs, _ := store.GetByKlien(ctx, "klien-a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for klien-a, got %d", len(subs))
	}
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "sub1", Events: []EventType{EventRestrictionTransition, EventDeliveryFailed}})
	store.Create(ctx, &Subscription{ID: "sub2", Events: []EventType{EventAdmissionDenied}})
	store.Create(ctx, &Subscription{ID: "sub3", Events: []EventType{EventRestrictionTransition}})

	subs, _ := store.GetByEvent(ctx, EventRestrictionTransition)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for restriction.transition, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"restriction.transition","data":{}}`)
	secret := "test_secret_key"

	sig := Sign(payload, secret)

	// Verify manually
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"test": true}`)
	sig1 := Sign(payload, "secret1")
	sig2 := Sign(payload, "secret2")

	if sig1 == sig2 {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventRestrictionTransition},
		Active: true,
	})

	d := NewDispatcher(store)
	event := &Event{
		Type:      EventRestrictionTransition,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"from": "active", "to": "warned"},
	}

	err := d.Dispatch(ctx, event)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 notification delivery, got %d", received.Load())
	}
}

func TestDispatch_SkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventRestrictionTransition},
		Active: false, // Inactive
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventRestrictionTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatch_IncludesSignature(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	secret := "test_notify_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Blastgate-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventAdmissionDenied},
		Active: true,
		Secret: secret,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventAdmissionDenied,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"reason": "restricted"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	// Verify signature
	expected := Sign(gotBody, secret)
	if gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestDispatch_IncludesEventHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotEventType string
	var gotTimestamp string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotEventType = r.Header.Get("X-Blastgate-Event")
		gotTimestamp = r.Header.Get("X-Blastgate-Timestamp")
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventDeliveryFailed},
		Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventDeliveryFailed, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotEventType != "delivery.failed" {
		t.Errorf("Expected event type delivery.failed, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
}

func TestDispatch_PayloadFormat(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventRiskLevelChanged},
		Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventRiskLevelChanged,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"from": "safe", "to": "warning", "score": 45.0},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse notification payload: %v", err)
	}
	if parsed.Type != EventRiskLevelChanged {
		t.Errorf("Expected type risk.level_changed, got %s", parsed.Type)
	}
}

func TestDispatch_ErrorUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	// Server that returns 500
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventRestrictionTransition},
		Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventRestrictionTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "sub1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 500 response")
	}
}

func TestDispatch_SuccessUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventRestrictionTransition},
		Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventRestrictionTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "sub1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no error after success, got %s", sub.LastError)
	}
}

func TestSend_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	sub := &Subscription{
		ID:     "sub1",
		URL:    server.URL,
		Events: []EventType{EventRestrictionTransition},
		Active: true,
	}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	event := &Event{Type: EventRestrictionTransition, Timestamp: time.Now()}

	// Breaker trips after 5 consecutive failures. Send synchronously so
	// the failure count is deterministic.
	for i := 0; i < 8; i++ {
		d.send(ctx, sub, event)
	}

	if received.Load() != 5 {
		t.Errorf("Expected 5 requests before circuit opened, got %d", received.Load())
	}
}

// ---------------------------------------------------------------------------
// DispatchToKlien tests
// ---------------------------------------------------------------------------

func TestDispatchToKlien_FiltersCorrectly(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	// Klien A has 2 subscriptions
	store.Create(ctx, &Subscription{ID: "sub1", KlienID: "klien-a", URL: server.URL, Events: []EventType{EventRestrictionTransition}, Active: true})
	store.Create(ctx, &Subscription{ID: "sub2", KlienID: "klien-a", URL: server.URL, Events: []EventType{EventAdmissionDenied}, Active: true})
	// Klien B has 1 subscription
	store.Create(ctx, &Subscription{ID: "sub3", KlienID: "klien-b", URL: server.URL, Events: []EventType{EventRestrictionTransition}, Active: true})

	d := NewDispatcher(store)
	d.DispatchToKlien(ctx, "klien-a", &Event{Type: EventRestrictionTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery (klien A, restriction.transition only), got %d", received.Load())
	}
}

func TestDispatchToKlien_NoMatchingEvents(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "sub1", KlienID: "klien-a", URL: server.URL, Events: []EventType{EventAdmissionDenied}, Active: true})

	d := NewDispatcher(store)
	d.DispatchToKlien(ctx, "klien-a", &Event{Type: EventRestrictionTransition, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for non-matching event, got %d", received.Load())
	}
}
