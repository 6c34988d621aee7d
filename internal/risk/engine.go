package risk

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/wisnuaw/blastgate/internal/idgen"
	"github.com/wisnuaw/blastgate/internal/metrics"
	"github.com/wisnuaw/blastgate/internal/retry"
	"github.com/wisnuaw/blastgate/internal/syncutil"
)

// Engine applies scoring operations to profiles. Writers for the same
// entity are serialized through a sharded mutex within the process; the
// store's version check catches races across processes, retried with
// backoff.
type Engine struct {
	store         Store
	policy        Policy
	clock         func() time.Time
	logger        *slog.Logger
	locks         syncutil.ShardedMutex
	maxAttempts   int
	baseDelay     time.Duration
	onLevelChange func(p *Profile, from, to Level)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for deterministic decay tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithPolicy overrides the default threshold tables.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger used for conflict retries and decay sweeps.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLevelListener registers a callback invoked synchronously after a
// committed mutation moved the profile to a different level.
func WithLevelListener(fn func(p *Profile, from, to Level)) Option {
	return func(e *Engine) { e.onLevelChange = fn }
}

// NewEngine creates a risk engine backed by the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		policy:      DefaultPolicy(),
		clock:       time.Now,
		logger:      slog.Default(),
		maxAttempts: 5,
		baseDelay:   2 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active threshold tables.
func (e *Engine) Policy() Policy { return e.policy }

// GetOrCreate returns the profile for an entity, creating a zero-score
// safe profile on first contact.
func (e *Engine) GetOrCreate(ctx context.Context, typ EntityType, id, klienID string) (*Profile, error) {
	p, err := e.store.Get(ctx, typ, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := e.clock()
	fresh := &Profile{
		EntityType:     typ,
		EntityID:       id,
		KlienID:        klienID,
		Score:          0,
		Level:          LevelSafe,
		Trend:          TrendStable,
		Snapshot24hAt:  now,
		Snapshot7dAt:   now,
		Window24hStart: now,
		Window7dStart:  now,
		LastDecayAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return e.store.Create(ctx, fresh)
}

// Get returns the profile for an entity without creating one.
func (e *Engine) Get(ctx context.Context, typ EntityType, id string) (*Profile, error) {
	return e.store.Get(ctx, typ, id)
}

// RecordIncident registers a trust-damaging event: counters roll, safe
// days reset, and the severity is added to the score, which is then
// re-classified. The incident itself is appended to the audit trail.
// klienID attributes a freshly created profile to its owning klien; it
// may be empty when the caller does not know it.
func (e *Engine) RecordIncident(ctx context.Context, typ EntityType, id, klienID string, severity float64, category, detail string) (*Profile, error) {
	now := e.clock()

	p, err := e.mutate(ctx, typ, id, klienID, func(p *Profile) {
		rollIncidentWindows(p, now)
		p.IncidentsTotal++
		p.Incidents24h++
		p.Incidents7d++
		p.LastIncidentAt = now
		p.SafeDays = 0
		e.applyScore(p, p.Score+severity, nil, now)
	})
	if err != nil {
		return nil, err
	}
	metrics.RiskIncidentsTotal.WithLabelValues(string(typ)).Inc()

	inc := &Incident{
		ID:         idgen.WithPrefix("inc_"),
		EntityType: typ,
		EntityID:   id,
		Severity:   severity,
		Category:   category,
		Detail:     detail,
		OccurredAt: now,
	}
	if err := e.store.RecordIncident(ctx, inc); err != nil {
		// The profile update already landed; losing one audit row is
		// preferable to double-counting on retry.
		e.logger.Warn("risk incident audit write failed",
			"entity_type", typ, "entity_id", id, "error", err)
	}
	return p, nil
}

// UpdateScore sets the score to an absolute value, clamps it to [0, 100],
// re-classifies the level and recomputes the trend against the rolled
// 24h snapshot.
func (e *Engine) UpdateScore(ctx context.Context, typ EntityType, id string, score float64, factors map[string]float64) (*Profile, error) {
	now := e.clock()
	return e.mutate(ctx, typ, id, "", func(p *Profile) {
		e.applyScore(p, score, factors, now)
	})
}

// ApplyDecay reduces the score by the level-scaled decay rate. It is
// idempotent within a decay interval: calling it again before the
// interval elapses is a no-op, so overlapping sweeps cannot double-decay.
func (e *Engine) ApplyDecay(ctx context.Context, typ EntityType, id string) (*Profile, error) {
	now := e.clock()
	return e.mutate(ctx, typ, id, "", func(p *Profile) {
		if now.Sub(p.LastDecayAt) < e.policy.DecayInterval {
			return
		}
		if !p.LastIncidentAt.IsZero() {
			p.SafeDays = int(now.Sub(p.LastIncidentAt).Hours() / 24)
		}
		p.LastDecayAt = now
		if p.Score <= 0 {
			return
		}
		rate := e.policy.BaseDecayRate * e.policy.DecayScale[p.Level]
		e.applyScore(p, p.Score*(1-rate), nil, now)
	})
}

// SetFlags updates the whitelist/blacklist overrides. Nil leaves a flag
// unchanged.
func (e *Engine) SetFlags(ctx context.Context, typ EntityType, id string, whitelisted, blacklisted *bool) (*Profile, error) {
	return e.mutate(ctx, typ, id, "", func(p *Profile) {
		if whitelisted != nil {
			p.Whitelisted = *whitelisted
		}
		if blacklisted != nil {
			p.Blacklisted = *blacklisted
		}
	})
}

// SetEnforcement records the action currently applied to the entity and
// when it lapses.
func (e *Engine) SetEnforcement(ctx context.Context, typ EntityType, id, action string, expiresAt time.Time) (*Profile, error) {
	return e.mutate(ctx, typ, id, "", func(p *Profile) {
		p.EnforcementAction = action
		p.ActionExpiresAt = expiresAt
	})
}

// ThrottleMultiplier maps the effective level to the fraction of normal
// send rate the entity is allowed. Whitelist pins it to full rate,
// blacklist to zero.
func (e *Engine) ThrottleMultiplier(p *Profile) float64 {
	return e.policy.Multiplier[p.EffectiveLevel()]
}

// Incidents returns the most recent audit entries for an entity.
func (e *Engine) Incidents(ctx context.Context, typ EntityType, id string, limit int) ([]*Incident, error) {
	return e.store.ListIncidents(ctx, typ, id, limit)
}

// mutate loads the profile (creating it with klienID if absent),
// applies fn, and commits with a version check, retrying lost races. A
// non-empty klienID also backfills profiles created before the owner
// was known.
func (e *Engine) mutate(ctx context.Context, typ EntityType, id, klienID string, fn func(*Profile)) (*Profile, error) {
	unlock := e.locks.Lock(string(typ) + ":" + id)
	defer unlock()

	var out *Profile
	var before Level
	err := retry.Do(ctx, e.maxAttempts, e.baseDelay, func() error {
		p, err := e.GetOrCreate(ctx, typ, id, klienID)
		if err != nil {
			return retry.Permanent(err)
		}
		before = p.Level
		if klienID != "" && p.KlienID == "" {
			p.KlienID = klienID
		}
		fn(p)
		p.UpdatedAt = e.clock()
		if err := e.store.UpdateCAS(ctx, p); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.onLevelChange != nil && out.Level != before {
		e.onLevelChange(out, before, out.Level)
	}
	return out, nil
}

// applyScore rolls stale snapshots, writes the clamped score, and derives
// level and trend from it.
func (e *Engine) applyScore(p *Profile, score float64, factors map[string]float64, now time.Time) {
	if now.Sub(p.Snapshot24hAt) >= 24*time.Hour {
		p.Score24hAgo = p.Score
		p.Snapshot24hAt = now
	}
	if now.Sub(p.Snapshot7dAt) >= 7*24*time.Hour {
		p.Score7dAgo = p.Score
		p.Snapshot7dAt = now
	}

	score = math.Round(score*100) / 100
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	p.Score = score
	p.Level = e.policy.LevelFor(score)
	if factors != nil {
		p.FactorScores = factors
	}

	switch {
	case score > p.Score24hAgo+e.policy.TrendDelta:
		p.Trend = TrendWorsening
	case score < p.Score24hAgo-e.policy.TrendDelta:
		p.Trend = TrendImproving
	default:
		p.Trend = TrendStable
	}
}

// rollIncidentWindows resets the 24h/7d counters once their window has
// fully elapsed.
func rollIncidentWindows(p *Profile, now time.Time) {
	if now.Sub(p.Window24hStart) >= 24*time.Hour {
		p.Incidents24h = 0
		p.Window24hStart = now
	}
	if now.Sub(p.Window7dStart) >= 7*24*time.Hour {
		p.Incidents7d = 0
		p.Window7dStart = now
	}
}
