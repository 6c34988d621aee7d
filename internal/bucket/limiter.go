package bucket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wisnuaw/blastgate/internal/retry"
)

// Limiter coordinates token consumption over a Store. It is safe for
// concurrent use; per-bucket linearizability comes from the store's CAS.
type Limiter struct {
	store       Store
	clock       func() time.Time
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// Option configures the limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Tests use this to simulate elapsed
// time deterministically.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMaxAttempts bounds the internal retry loop on version conflicts.
func WithMaxAttempts(n int) Option {
	return func(l *Limiter) { l.maxAttempts = n }
}

// NewLimiter creates a limiter backed by the given store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		clock:       time.Now,
		maxAttempts: 5,
		baseDelay:   2 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FindOrCreate returns the bucket for key, creating it full when it does
// not exist yet. Creation is idempotent by key.
func (l *Limiter) FindOrCreate(ctx context.Context, key string, scope Scope, maxCapacity int, refillRate float64) (*Bucket, error) {
	b, err := l.store.Get(ctx, key)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := l.clock()
	fresh := &Bucket{
		Key:         key,
		Scope:       scope,
		Tokens:      float64(maxCapacity),
		MaxCapacity: maxCapacity,
		RefillRate:  refillRate,
		LastRefill:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return l.store.Create(ctx, fresh)
}

// Peek returns a refilled view of the bucket without mutating stored state.
// Returns ErrNotFound for unknown keys.
func (l *Limiter) Peek(ctx context.Context, key string) (*Bucket, error) {
	b, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b.Refill(l.clock())
	return b, nil
}

// WaitTime estimates, without mutating state, how many seconds until the
// bucket can grant amount tokens.
func (l *Limiter) WaitTime(ctx context.Context, key string, amount int) (int64, error) {
	b, err := l.Peek(ctx, key)
	if err != nil {
		return 0, err
	}
	return b.WaitSeconds(amount, l.clock()), nil
}

// TryConsume attempts to take req.Amount tokens from a single bucket.
func (l *Limiter) TryConsume(ctx context.Context, req ConsumeRequest) (Decision, error) {
	return l.TryConsumeAll(ctx, []ConsumeRequest{req})
}

// TryConsumeAll attempts to take tokens from every requested scope as one
// all-or-nothing operation. If any scope denies, no scope is charged. On a
// lost concurrent update the whole evaluation is retried with fresh state,
// bounded by the limiter's attempt budget.
func (l *Limiter) TryConsumeAll(ctx context.Context, reqs []ConsumeRequest) (Decision, error) {
	if len(reqs) == 0 {
		return Decision{Granted: true}, nil
	}
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return Decision{}, err
		}
	}

	// Fixed evaluation order keeps concurrent multi-scope consumers from
	// committing against each other in opposite orders.
	ordered := make([]ConsumeRequest, len(reqs))
	copy(ordered, reqs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Scope != ordered[j].Scope {
			return scopeRank(ordered[i].Scope) < scopeRank(ordered[j].Scope)
		}
		return ordered[i].Key < ordered[j].Key
	})

	var decision Decision
	err := retry.Do(ctx, l.maxAttempts, l.baseDelay, func() error {
		d, err := l.consumeOnce(ctx, ordered)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return err // retryable
			}
			return retry.Permanent(err)
		}
		decision = d
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Decision{}, fmt.Errorf("bucket: consume retries exhausted: %w", ErrConflict)
		}
		return Decision{}, err
	}
	return decision, nil
}

// consumeOnce runs one simulate-then-commit pass. ErrConflict means a
// concurrent writer won and the caller should retry.
func (l *Limiter) consumeOnce(ctx context.Context, reqs []ConsumeRequest) (Decision, error) {
	now := l.clock()

	// Simulate: load every bucket, refill, and check before touching any.
	buckets := make([]*Bucket, len(reqs))
	for i, req := range reqs {
		b, err := l.FindOrCreate(ctx, req.Key, req.Scope, req.MaxCapacity, req.RefillRate)
		if err != nil {
			return Decision{}, err
		}
		b.Refill(now)

		if b.LimitActive(now) {
			return Decision{
				Reason:      ReasonLimited,
				ScopeKey:    b.Key,
				WaitSeconds: b.WaitSeconds(req.Amount, now),
			}, nil
		}
		if b.Tokens < float64(req.Amount) {
			return Decision{
				Reason:      ReasonInsufficientTokens,
				ScopeKey:    b.Key,
				WaitSeconds: b.WaitSeconds(req.Amount, now),
			}, nil
		}
		buckets[i] = b
	}

	// Commit in order; roll back already-charged buckets on a lost race so
	// the operation stays all-or-nothing.
	for i, b := range buckets {
		b.Tokens -= float64(reqs[i].Amount)
		b.UpdatedAt = now
		if err := l.store.UpdateCAS(ctx, b); err != nil {
			for j := 0; j < i; j++ {
				l.credit(ctx, buckets[j].Key, reqs[j].Amount)
			}
			return Decision{}, err
		}
	}
	return Decision{Granted: true}, nil
}

// credit returns tokens to a bucket after a failed multi-scope commit.
// Best effort: a failure here only under-grants, never over-grants.
func (l *Limiter) credit(ctx context.Context, key string, amount int) {
	err := retry.Do(ctx, l.maxAttempts, l.baseDelay, func() error {
		b, err := l.store.Get(ctx, key)
		if err != nil {
			return retry.Permanent(err)
		}
		b.Tokens += float64(amount)
		if b.Tokens > float64(b.MaxCapacity) {
			b.Tokens = float64(b.MaxCapacity)
		}
		b.UpdatedAt = l.clock()
		return l.store.UpdateCAS(ctx, b)
	})
	if err != nil {
		l.logger.Warn("bucket rollback credit failed", "key", key, "amount", amount, "error", err)
	}
}

// ForceLimit denies all consumption on the bucket until the duration
// elapses, regardless of token count. Used for enforcement actions.
func (l *Limiter) ForceLimit(ctx context.Context, key string, d time.Duration, reason string) error {
	return l.mutate(ctx, key, func(b *Bucket, now time.Time) {
		b.Limited = true
		b.LimitedUntil = now.Add(d)
		b.LimitReason = reason
	})
}

// ClearLimit removes an administrative hard limit.
func (l *Limiter) ClearLimit(ctx context.Context, key string) error {
	return l.mutate(ctx, key, func(b *Bucket, now time.Time) {
		b.Limited = false
		b.LimitedUntil = time.Time{}
		b.LimitReason = ""
	})
}

func (l *Limiter) mutate(ctx context.Context, key string, fn func(*Bucket, time.Time)) error {
	return retry.Do(ctx, l.maxAttempts, l.baseDelay, func() error {
		b, err := l.store.Get(ctx, key)
		if err != nil {
			return retry.Permanent(err)
		}
		now := l.clock()
		b.Refill(now)
		fn(b, now)
		b.UpdatedAt = now
		err = l.store.UpdateCAS(ctx, b)
		if err != nil && !errors.Is(err, ErrConflict) {
			return retry.Permanent(err)
		}
		return err
	})
}

func scopeRank(s Scope) int {
	switch s {
	case ScopeGlobal:
		return 0
	case ScopeSender:
		return 1
	case ScopeKlien:
		return 2
	case ScopeCampaign:
		return 3
	default:
		return 4
	}
}
