// Package risk maintains a decaying composite trust score per entity.
//
// Scores range 0-100 and are classified into levels through a named
// threshold table. Incidents push scores up; periodic decay pulls them
// back toward zero, slower for riskier entities so that trust is lost
// quickly and regained slowly. The level drives the throttle multiplier
// used by admission control.
package risk

import (
	"context"
	"errors"
	"time"
)

// Errors returned by risk stores and the engine.
var (
	ErrNotFound = errors.New("risk: profile not found")
	ErrConflict = errors.New("risk: concurrent update conflict")
)

// EntityType identifies what kind of entity a profile scores.
type EntityType string

const (
	EntityUser     EntityType = "user"
	EntitySender   EntityType = "sender"
	EntityCampaign EntityType = "campaign"
)

// Level is the discrete classification derived from the score.
type Level string

const (
	LevelSafe     Level = "safe"
	LevelWarning  Level = "warning"
	LevelHighRisk Level = "high_risk"
	LevelCritical Level = "critical"
)

// Trend compares the current score against the 24h-ago snapshot.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// Policy holds the threshold and scaling tables. Thresholds are data, not
// branches, so tuning changes never touch the engine.
type Policy struct {
	// Inclusive score lower bounds per level.
	WarningThreshold  float64
	HighRiskThreshold float64
	CriticalThreshold float64

	// DecayScale shrinks the base decay rate per level: riskier entities
	// recover more slowly.
	DecayScale map[Level]float64

	// Multiplier is the fraction of normal send rate permitted per level.
	Multiplier map[Level]float64

	// TrendDelta is the score movement needed before the trend leaves
	// "stable".
	TrendDelta float64

	// BaseDecayRate is the per-interval fractional reduction at level safe.
	BaseDecayRate float64

	// DecayInterval is the minimum time between decay applications to the
	// same profile.
	DecayInterval time.Duration
}

// DefaultPolicy mirrors production tuning.
func DefaultPolicy() Policy {
	return Policy{
		WarningThreshold:  31,
		HighRiskThreshold: 61,
		CriticalThreshold: 81,
		DecayScale: map[Level]float64{
			LevelSafe:     1.0,
			LevelWarning:  0.5,
			LevelHighRisk: 0.25,
			LevelCritical: 0.1,
		},
		Multiplier: map[Level]float64{
			LevelSafe:     1.0,
			LevelWarning:  0.5,
			LevelHighRisk: 0.25,
			LevelCritical: 0.0,
		},
		TrendDelta:    5,
		BaseDecayRate: 0.05,
		DecayInterval: time.Hour,
	}
}

// LevelFor classifies a score. Total: anything below the warning
// threshold, including out-of-range input, lands on safe.
func (p Policy) LevelFor(score float64) Level {
	switch {
	case score >= p.CriticalThreshold:
		return LevelCritical
	case score >= p.HighRiskThreshold:
		return LevelHighRisk
	case score >= p.WarningThreshold:
		return LevelWarning
	default:
		return LevelSafe
	}
}

// Profile is the durable reputation ledger for one entity. Profiles are
// never deleted; history survives quiet periods.
type Profile struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	KlienID    string     `json:"klienId,omitempty"`

	Score        float64            `json:"score"`
	Level        Level              `json:"level"`
	FactorScores map[string]float64 `json:"factorScores,omitempty"`

	// Snapshots for trend computation, rolled forward when stale.
	Score24hAgo   float64   `json:"score24hAgo"`
	Score7dAgo    float64   `json:"score7dAgo"`
	Snapshot24hAt time.Time `json:"-"`
	Snapshot7dAt  time.Time `json:"-"`
	Trend         Trend     `json:"trend"`

	IncidentsTotal int       `json:"incidentsTotal"`
	Incidents24h   int       `json:"incidents24h"`
	Incidents7d    int       `json:"incidents7d"`
	Window24hStart time.Time `json:"-"`
	Window7dStart  time.Time `json:"-"`

	EnforcementAction string    `json:"enforcementAction,omitempty"`
	ActionExpiresAt   time.Time `json:"actionExpiresAt,omitzero"`

	Whitelisted bool `json:"whitelisted"`
	Blacklisted bool `json:"blacklisted"`

	SafeDays       int       `json:"safeDays"`
	LastIncidentAt time.Time `json:"lastIncidentAt,omitzero"`
	LastDecayAt    time.Time `json:"lastDecayAt,omitzero"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EffectiveLevel folds the list flags into the classification: blacklist
// forces critical treatment, whitelist forces safe.
func (p *Profile) EffectiveLevel() Level {
	if p.Blacklisted {
		return LevelCritical
	}
	if p.Whitelisted {
		return LevelSafe
	}
	return p.Level
}

// IsSafe reports whether the entity is treated as safe.
func (p *Profile) IsSafe() bool { return p.EffectiveLevel() == LevelSafe }

// RequiresAttention reports whether the entity is at warning or worse.
func (p *Profile) RequiresAttention() bool { return p.EffectiveLevel() != LevelSafe }

// IsCritical reports whether the entity is treated as critical.
func (p *Profile) IsCritical() bool { return p.EffectiveLevel() == LevelCritical }

// Incident is one recorded trust-damaging signal, kept for audit.
type Incident struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Severity   float64    `json:"severity"`
	Category   string     `json:"category,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Store persists risk profiles and the incident audit trail. UpdateCAS
// must be atomic with respect to the version field.
type Store interface {
	Get(ctx context.Context, entityType EntityType, entityID string) (*Profile, error)

	// Create is idempotent: when a profile for the same entity already
	// exists it returns the stored one.
	Create(ctx context.Context, p *Profile) (*Profile, error)

	// UpdateCAS persists p only when its version matches the stored
	// version, then bumps it. Returns ErrConflict on a lost race and
	// ErrNotFound when the profile does not exist.
	UpdateCAS(ctx context.Context, p *Profile) error

	// ListDecayDue returns profiles with score > 0 whose last decay is
	// older than before, for the background decay sweep.
	ListDecayDue(ctx context.Context, before time.Time, limit int) ([]*Profile, error)

	RecordIncident(ctx context.Context, inc *Incident) error
	ListIncidents(ctx context.Context, entityType EntityType, entityID string, limit int) ([]*Incident, error)
}
