package restriction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wisnuaw/blastgate/internal/idgen"
	"github.com/wisnuaw/blastgate/internal/metrics"
	"github.com/wisnuaw/blastgate/internal/retry"
	"github.com/wisnuaw/blastgate/internal/syncutil"
)

// Machine applies state transitions and ledger updates to records.
// Writes for the same klien are serialized in-process through a sharded
// mutex; the store's version check catches cross-process races.
type Machine struct {
	store        Store
	clock        func() time.Time
	logger       *slog.Logger
	locks        syncutil.ShardedMutex
	maxAttempts  int
	baseDelay    time.Duration
	onTransition func(klienID string, from, to Status, reason string)
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithLogger sets the logger for transition events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithTransitionListener registers a callback invoked after every
// committed status change. The callback runs synchronously; keep it
// cheap or hand off to a goroutine.
func WithTransitionListener(fn func(klienID string, from, to Status, reason string)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// NewMachine creates a restriction state machine over the given store.
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		clock:       time.Now,
		logger:      slog.Default(),
		maxAttempts: 5,
		baseDelay:   2 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the record for a klien, onboarding it at active
// with full capabilities on first contact.
func (m *Machine) GetOrCreate(ctx context.Context, klienID string, tier Tier) (*Record, error) {
	r, err := m.store.Get(ctx, klienID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := m.clock()
	fresh := &Record{
		KlienID:         klienID,
		Tier:            tier,
		Status:          StatusActive,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	fresh.applyCapabilities()
	return m.store.Create(ctx, fresh)
}

// Get returns the record for a klien without creating one.
func (m *Machine) Get(ctx context.Context, klienID string) (*Record, error) {
	return m.store.Get(ctx, klienID)
}

// TransitionTo moves the klien to newStatus. Without force, the move must
// be in the allowed table for the current status or it fails with
// InvalidTransitionError. Capabilities are recomputed from the new status
// and the change is appended to the transition audit trail.
func (m *Machine) TransitionTo(ctx context.Context, klienID string, newStatus Status, reason string, force bool) (*Record, error) {
	if !newStatus.Valid() {
		return nil, &InvalidTransitionError{To: newStatus}
	}

	now := m.clock()
	var from Status

	r, err := m.mutate(ctx, klienID, func(r *Record) error {
		from = r.Status
		if !force && !CanTransition(r.Status, newStatus) {
			return &InvalidTransitionError{From: r.Status, To: newStatus}
		}
		r.PreviousStatus = r.Status
		r.Status = newStatus
		r.StatusChangedAt = now
		r.StatusReason = reason
		r.applyCapabilities()

		switch newStatus {
		case StatusWarned:
			r.WarningCount++
		case StatusSuspended:
			r.SuspensionCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tr := &Transition{
		ID:         idgen.WithPrefix("rtr_"),
		KlienID:    klienID,
		FromStatus: from,
		ToStatus:   newStatus,
		Reason:     reason,
		Forced:     force,
		OccurredAt: now,
	}
	if err := m.store.RecordTransition(ctx, tr); err != nil {
		m.logger.Warn("restriction transition audit write failed",
			"klien_id", klienID, "error", err)
	}

	metrics.RestrictionTransitionsTotal.WithLabelValues(string(newStatus)).Inc()
	m.logger.Info("restriction transition",
		"klien_id", klienID, "from", from, "to", newStatus,
		"reason", reason, "forced", force)
	if m.onTransition != nil {
		m.onTransition(klienID, from, newStatus, reason)
	}
	return r, nil
}

// CanSendMessages evaluates send capability. An active whitelist override
// grants send access regardless of status; overrides of other types never
// do. An expired override is cleared as a side effect of evaluation, so
// stale grants cannot linger past their window.
func (m *Machine) CanSendMessages(ctx context.Context, klienID string) (bool, *Record, error) {
	now := m.clock()

	r, err := m.store.Get(ctx, klienID)
	if err != nil {
		return false, nil, err
	}

	if r.OverrideType != "" && !r.OverrideActive(now) {
		cleared, err := m.mutate(ctx, klienID, func(r *Record) error {
			if r.OverrideType != "" && !r.OverrideActive(now) {
				r.OverrideType = ""
				r.OverrideBy = ""
				r.OverrideReason = ""
				r.OverrideExpiresAt = time.Time{}
			}
			return nil
		})
		if err != nil {
			return false, nil, err
		}
		r = cleared
	}

	if r.OverrideActive(now) {
		return r.OverrideType == OverrideWhitelist, r, nil
	}
	return r.CanSend, r, nil
}

// SetOverride applies a time-bounded manual exception.
func (m *Machine) SetOverride(ctx context.Context, klienID, overrideType, by, reason string, expiresAt time.Time) (*Record, error) {
	return m.mutate(ctx, klienID, func(r *Record) error {
		r.OverrideType = overrideType
		r.OverrideBy = by
		r.OverrideReason = reason
		r.OverrideExpiresAt = expiresAt
		return nil
	})
}

// ClearOverride removes any manual exception.
func (m *Machine) ClearOverride(ctx context.Context, klienID string) (*Record, error) {
	return m.mutate(ctx, klienID, func(r *Record) error {
		r.OverrideType = ""
		r.OverrideBy = ""
		r.OverrideReason = ""
		r.OverrideExpiresAt = time.Time{}
		return nil
	})
}

// AddAbusePoints adds to both the cumulative and active ledgers and
// resets the clean-day streak. Thresholds live in the policy evaluator,
// not here.
func (m *Machine) AddAbusePoints(ctx context.Context, klienID string, points float64) (*Record, error) {
	return m.mutate(ctx, klienID, func(r *Record) error {
		r.AbusePoints += points
		r.ActiveAbusePoints += points
		r.Incidents30d++
		r.CleanDays = 0
		return nil
	})
}

// DecayPoints reduces the active ledger by the given fractional rate.
// Cumulative points are history and never shrink.
func (m *Machine) DecayPoints(ctx context.Context, klienID string, rate float64) (*Record, error) {
	return m.mutate(ctx, klienID, func(r *Record) error {
		if rate <= 0 || r.ActiveAbusePoints <= 0 {
			return nil
		}
		if rate > 1 {
			rate = 1
		}
		r.ActiveAbusePoints *= 1 - rate
		if r.ActiveAbusePoints < 0.01 {
			r.ActiveAbusePoints = 0
		}
		return nil
	})
}

// IncrementCleanDays bumps the incident-free streak.
func (m *Machine) IncrementCleanDays(ctx context.Context, klienID string) (*Record, error) {
	return m.mutate(ctx, klienID, func(r *Record) error {
		r.CleanDays++
		return nil
	})
}

// Maintain runs one daily ledger pass: decays the active point ledger by
// rate and extends the incident-free streak. Idempotent per interval, so
// overlapping sweeps from multiple nodes touch a record at most once.
func (m *Machine) Maintain(ctx context.Context, klienID string, rate float64, interval time.Duration) (*Record, error) {
	return m.mutate(ctx, klienID, func(r *Record) error {
		now := m.clock()
		if !r.LastMaintainedAt.IsZero() && now.Sub(r.LastMaintainedAt) < interval {
			return nil
		}
		if rate > 1 {
			rate = 1
		}
		if rate > 0 && r.ActiveAbusePoints > 0 {
			r.ActiveAbusePoints *= 1 - rate
			if r.ActiveAbusePoints < 0.01 {
				r.ActiveAbusePoints = 0
			}
		}
		r.CleanDays++
		r.LastMaintainedAt = now
		return nil
	})
}

// Transitions returns the most recent audit entries for a klien.
func (m *Machine) Transitions(ctx context.Context, klienID string, limit int) ([]*Transition, error) {
	return m.store.ListTransitions(ctx, klienID, limit)
}

// mutate loads the record (creating it at active if absent), applies fn,
// and commits with a version check, retrying lost races. An error from fn
// aborts without writing.
func (m *Machine) mutate(ctx context.Context, klienID string, fn func(*Record) error) (*Record, error) {
	unlock := m.locks.Lock(klienID)
	defer unlock()

	var out *Record
	err := retry.Do(ctx, m.maxAttempts, m.baseDelay, func() error {
		r, err := m.GetOrCreate(ctx, klienID, TierUMKM)
		if err != nil {
			return retry.Permanent(err)
		}
		if err := fn(r); err != nil {
			return retry.Permanent(err)
		}
		r.UpdatedAt = m.clock()
		if err := m.store.UpdateCAS(ctx, r); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
