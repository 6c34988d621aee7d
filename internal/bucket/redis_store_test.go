package bucket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func redisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := redisTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	b := &Bucket{
		Key:         SenderKey("+628111222333"),
		Scope:       ScopeSender,
		Tokens:      12.5,
		MaxCapacity: 20,
		RefillRate:  0.25,
		LastRefill:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := store.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}

	got, err := store.Get(ctx, b.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tokens != 12.5 || got.MaxCapacity != 20 || got.RefillRate != 0.25 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Scope != ScopeSender {
		t.Errorf("scope = %s, want sender", got.Scope)
	}
	if !got.LastRefill.Equal(now) {
		t.Errorf("lastRefill = %v, want %v", got.LastRefill, now)
	}
}

func TestRedisStoreCreateIsIdempotent(t *testing.T) {
	store := redisTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := &Bucket{Key: KlienKey("k1"), Scope: ScopeKlien, Tokens: 10, MaxCapacity: 10, RefillRate: 1, LastRefill: now, CreatedAt: now, UpdatedAt: now}
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Losing the creation race returns the stored bucket untouched.
	second := &Bucket{Key: KlienKey("k1"), Scope: ScopeKlien, Tokens: 99, MaxCapacity: 99, RefillRate: 9, LastRefill: now, CreatedAt: now, UpdatedAt: now}
	got, err := store.Create(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxCapacity != 10 {
		t.Errorf("capacity = %d, want original 10", got.MaxCapacity)
	}
}

func TestRedisStoreCASConflict(t *testing.T) {
	store := redisTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	b := &Bucket{Key: GlobalKey(), Scope: ScopeGlobal, Tokens: 100, MaxCapacity: 100, RefillRate: 50, LastRefill: now, CreatedAt: now, UpdatedAt: now}
	stored, err := store.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}

	// Two readers take the same version; only the first write lands.
	first := *stored
	second := *stored

	first.Tokens = 90
	if err := store.UpdateCAS(ctx, &first); err != nil {
		t.Fatalf("first CAS should succeed: %v", err)
	}
	if first.Version != stored.Version+1 {
		t.Errorf("version after CAS = %d, want %d", first.Version, stored.Version+1)
	}

	second.Tokens = 80
	if err := store.UpdateCAS(ctx, &second); !errors.Is(err, ErrConflict) {
		t.Fatalf("second CAS = %v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, b.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tokens != 90 {
		t.Errorf("tokens = %f, want 90 (first writer wins)", got.Tokens)
	}
}

func TestRedisStoreUpdateMissing(t *testing.T) {
	store := redisTestStore(t)
	b := &Bucket{Key: "sender:ghost", Version: 1}
	if err := store.UpdateCAS(context.Background(), b); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLimiterOverRedis(t *testing.T) {
	store := redisTestStore(t)
	clock := newFakeClock()
	limiter := NewLimiter(store, WithClock(clock.Now))
	ctx := context.Background()

	req := ConsumeRequest{Key: CampaignKey("cmp-9"), Scope: ScopeCampaign, Amount: 1, MaxCapacity: 3, RefillRate: 1}
	for i := 0; i < 3; i++ {
		d, err := limiter.TryConsume(ctx, req)
		if err != nil || !d.Granted {
			t.Fatalf("consume %d: %v %+v", i, err, d)
		}
	}
	d, err := limiter.TryConsume(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Fatal("expected denial on empty bucket")
	}

	clock.Advance(2 * time.Second)
	d, err = limiter.TryConsume(ctx, req)
	if err != nil || !d.Granted {
		t.Fatalf("consume after refill: %v %+v", err, d)
	}
}
