// Package restriction enforces the per-klien send lifecycle.
//
// Each klien carries one record moving through an explicit state machine.
// The allowed transitions and the capabilities each state grants are fixed
// tables; the thresholds that decide WHEN to transition live outside this
// package, in the policy evaluator. Keeping mechanism and policy apart
// means the state machine's invariants hold no matter how tuning changes.
package restriction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by restriction stores and the machine.
var (
	ErrNotFound = errors.New("restriction: record not found")
	ErrConflict = errors.New("restriction: concurrent update conflict")
)

// InvalidTransitionError rejects a transition outside the allowed table
// without force. The caller must fix its input; it is never retried.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("restriction: invalid transition %s -> %s", e.From, e.To)
}

// Status is the lifecycle state of a klien.
type Status string

const (
	StatusActive    Status = "active"
	StatusWarned    Status = "warned"
	StatusThrottled Status = "throttled"
	StatusPaused    Status = "paused"
	StatusSuspended Status = "suspended"
	StatusRestored  Status = "restored"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusWarned, StatusThrottled, StatusPaused, StatusSuspended, StatusRestored:
		return true
	}
	return false
}

// Tier is the commercial tier of a klien.
type Tier string

const (
	TierUMKM       Tier = "umkm"
	TierCorporate  Tier = "corporate"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierUMKM, TierCorporate, TierEnterprise:
		return true
	}
	return false
}

// OverrideWhitelist is the only override type that grants send access.
const OverrideWhitelist = "whitelist"

// transitions is the allowed next-state set per current state. Suspended
// is terminal in practice: only restored leads out.
var transitions = map[Status][]Status{
	StatusActive:    {StatusWarned, StatusThrottled, StatusPaused, StatusSuspended},
	StatusWarned:    {StatusActive, StatusThrottled, StatusPaused, StatusSuspended},
	StatusThrottled: {StatusWarned, StatusPaused, StatusSuspended, StatusRestored},
	StatusPaused:    {StatusThrottled, StatusSuspended, StatusRestored},
	StatusSuspended: {StatusRestored},
	StatusRestored:  {StatusActive, StatusWarned, StatusThrottled},
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// capabilities maps each status to what it permits. Derived, never stored
// independently of status.
type capability struct {
	CanSend           bool
	CanCreateCampaign bool
	Multiplier        float64
}

var capabilities = map[Status]capability{
	StatusActive:    {true, true, 1.0},
	StatusWarned:    {true, true, 1.0},
	StatusThrottled: {true, true, 0.5},
	StatusPaused:    {false, false, 0.0},
	StatusSuspended: {false, false, 0.0},
	StatusRestored:  {true, true, 0.75},
}

// Record is the state-machine instance for one klien. Created at
// onboarding in status active; never deleted.
type Record struct {
	KlienID string `json:"klienId"`
	Tier    Tier   `json:"tier"`

	Status          Status    `json:"status"`
	PreviousStatus  Status    `json:"previousStatus,omitempty"`
	StatusChangedAt time.Time `json:"statusChangedAt"`
	StatusReason    string    `json:"statusReason,omitempty"`

	AbusePoints       float64 `json:"abusePoints"`
	ActiveAbusePoints float64 `json:"activeAbusePoints"`
	Incidents30d      int     `json:"incidents30d"`
	WarningCount      int     `json:"warningCount"`
	SuspensionCount   int     `json:"suspensionCount"`
	CleanDays         int     `json:"cleanDays"`

	CanSend            bool    `json:"canSend"`
	CanCreateCampaign  bool    `json:"canCreateCampaign"`
	ThrottleMultiplier float64 `json:"throttleMultiplier"`

	RestrictedUntil  time.Time `json:"restrictedUntil,omitzero"`
	LastMaintainedAt time.Time `json:"lastMaintainedAt,omitzero"`

	OverrideType      string    `json:"overrideType,omitempty"`
	OverrideBy        string    `json:"overrideBy,omitempty"`
	OverrideReason    string    `json:"overrideReason,omitempty"`
	OverrideExpiresAt time.Time `json:"overrideExpiresAt,omitzero"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OverrideActive reports whether an admin override is present and
// unexpired at now.
func (r *Record) OverrideActive(now time.Time) bool {
	return r.OverrideType != "" &&
		(r.OverrideExpiresAt.IsZero() || now.Before(r.OverrideExpiresAt))
}

// applyCapabilities recomputes the capability fields from the status.
func (r *Record) applyCapabilities() {
	c := capabilities[r.Status]
	r.CanSend = c.CanSend
	r.CanCreateCampaign = c.CanCreateCampaign
	r.ThrottleMultiplier = c.Multiplier
}

// Transition is one audit entry of a status change.
type Transition struct {
	ID         string    `json:"id"`
	KlienID    string    `json:"klienId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Reason     string    `json:"reason"`
	Forced     bool      `json:"forced"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Store persists restriction records. UpdateCAS must be atomic with
// respect to the version field.
type Store interface {
	Get(ctx context.Context, klienID string) (*Record, error)

	// Create is idempotent: an existing record for the klien is returned
	// unchanged.
	Create(ctx context.Context, r *Record) (*Record, error)

	// UpdateCAS persists r only when its version matches the stored one,
	// then bumps it. ErrConflict on a lost race, ErrNotFound when absent.
	UpdateCAS(ctx context.Context, r *Record) error

	RecordTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, klienID string, limit int) ([]*Transition, error)

	// ListMaintenanceDue returns records whose last maintenance pass is
	// older than before, for the periodic policy sweep.
	ListMaintenanceDue(ctx context.Context, before time.Time, limit int) ([]*Record, error)
}
