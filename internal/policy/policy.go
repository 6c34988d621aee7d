// Package policy is the escalation evaluator that sits between the risk
// engine, the delivery processor, and the restriction state machine. The
// state machine enforces which transitions are legal; this package decides
// when to request them, driven entirely by threshold data. Tuning a
// threshold never touches the machine.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisnuaw/blastgate/internal/metrics"
	"github.com/wisnuaw/blastgate/internal/restriction"
	"github.com/wisnuaw/blastgate/internal/risk"
)

// Thresholds is the tuning data for escalation and recovery. All decisions
// read the active point ledger, not the cumulative one.
type Thresholds struct {
	// Active-point floors per target status, checked most severe first.
	WarnPoints     float64
	ThrottlePoints float64
	PausePoints    float64
	SuspendPoints  float64

	// Daily fraction removed from the active ledger by maintenance.
	PointDecayRate float64
	// Minimum spacing between maintenance passes for one klien.
	MaintenanceInterval time.Duration

	// Clean-day streaks required to step back down. Suspension never
	// lifts automatically; an operator restores it.
	RestoreCleanDays    int
	ReactivateCleanDays int
}

// DefaultThresholds returns the production tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnPoints:          25,
		ThrottlePoints:      50,
		PausePoints:         75,
		SuspendPoints:       100,
		PointDecayRate:      0.10,
		MaintenanceInterval: 24 * time.Hour,
		RestoreCleanDays:    7,
		ReactivateCleanDays: 3,
	}
}

// statusRank orders statuses by severity so the evaluator only ever
// escalates; stepping down is the maintenance path's job.
var statusRank = map[restriction.Status]int{
	restriction.StatusActive:    0,
	restriction.StatusRestored:  1,
	restriction.StatusWarned:    2,
	restriction.StatusThrottled: 3,
	restriction.StatusPaused:    4,
	restriction.StatusSuspended: 5,
}

// Evaluator observes point ledgers and risk profiles and asks the state
// machine for transitions when thresholds are crossed.
type Evaluator struct {
	machine    *restriction.Machine
	engine     *risk.Engine
	thresholds Thresholds
	logger     *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithThresholds overrides the default tuning.
func WithThresholds(t Thresholds) Option {
	return func(e *Evaluator) { e.thresholds = t }
}

// WithRiskEngine lets the evaluator consult the klien-level risk profile:
// a critical klien is paused regardless of its point ledger.
func WithRiskEngine(engine *risk.Engine) Option {
	return func(e *Evaluator) { e.engine = engine }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// NewEvaluator creates an escalation evaluator around the given machine.
func NewEvaluator(machine *restriction.Machine, opts ...Option) *Evaluator {
	e := &Evaluator{
		machine:    machine,
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Thresholds returns the active tuning.
func (e *Evaluator) Thresholds() Thresholds { return e.thresholds }

// HandlePermanentFailure is the hook the delivery processor calls after a
// permanent provider failure. The error severity lands on the klien's
// point ledger, then thresholds are re-evaluated immediately.
func (e *Evaluator) HandlePermanentFailure(ctx context.Context, klienID string, severity float64) error {
	if klienID == "" {
		return nil
	}
	if _, err := e.machine.AddAbusePoints(ctx, klienID, severity); err != nil {
		return fmt.Errorf("failed to add abuse points for klien %s: %w", klienID, err)
	}
	_, err := e.Evaluate(ctx, klienID)
	return err
}

// Evaluate compares the klien's active points (and risk profile, when
// wired) against the thresholds and escalates when a floor is crossed.
// It never steps a klien down.
func (e *Evaluator) Evaluate(ctx context.Context, klienID string) (*restriction.Record, error) {
	r, err := e.machine.Get(ctx, klienID)
	if err != nil {
		return nil, err
	}

	target, reason := e.escalationTarget(ctx, r)
	if target == "" || statusRank[target] <= statusRank[r.Status] {
		return r, nil
	}
	if !restriction.CanTransition(r.Status, target) {
		// Suspended stays suspended even when points keep climbing.
		return r, nil
	}

	updated, err := e.machine.TransitionTo(ctx, klienID, target, reason, false)
	if err != nil {
		return nil, err
	}
	metrics.PolicyEscalationsTotal.Inc()
	e.logger.Info("policy escalation",
		"klien_id", klienID,
		"from", r.Status,
		"to", target,
		"active_points", r.ActiveAbusePoints,
		"reason", reason,
	)
	return updated, nil
}

// escalationTarget picks the most severe status the klien's current
// signals justify, with the reason string for the audit trail.
func (e *Evaluator) escalationTarget(ctx context.Context, r *restriction.Record) (restriction.Status, string) {
	t := e.thresholds

	if e.engine != nil {
		p, err := e.engine.Get(ctx, risk.EntityUser, r.KlienID)
		if err != nil && !errors.Is(err, risk.ErrNotFound) {
			e.logger.Warn("risk profile lookup failed during evaluation",
				"klien_id", r.KlienID, "error", err)
		}
		if p != nil && p.EffectiveLevel() == risk.LevelCritical {
			return restriction.StatusPaused,
				fmt.Sprintf("risk level critical (score %.2f)", p.Score)
		}
	}

	switch pts := r.ActiveAbusePoints; {
	case pts >= t.SuspendPoints:
		return restriction.StatusSuspended, pointsReason(pts, t.SuspendPoints)
	case pts >= t.PausePoints:
		return restriction.StatusPaused, pointsReason(pts, t.PausePoints)
	case pts >= t.ThrottlePoints:
		return restriction.StatusThrottled, pointsReason(pts, t.ThrottlePoints)
	case pts >= t.WarnPoints:
		return restriction.StatusWarned, pointsReason(pts, t.WarnPoints)
	}
	return "", ""
}

func pointsReason(points, floor float64) string {
	return fmt.Sprintf("abuse points %.2f >= %.0f", points, floor)
}

// MaintainKlien runs one recovery pass: the daily ledger maintenance on
// the machine, then de-escalation once the clean streak is long enough.
// Throttled and paused step down to restored; restored and warned step
// back to active.
func (e *Evaluator) MaintainKlien(ctx context.Context, klienID string) (*restriction.Record, error) {
	t := e.thresholds
	r, err := e.machine.Maintain(ctx, klienID, t.PointDecayRate, t.MaintenanceInterval)
	if err != nil {
		return nil, err
	}

	var target restriction.Status
	switch r.Status {
	case restriction.StatusThrottled, restriction.StatusPaused:
		if r.CleanDays >= t.RestoreCleanDays {
			target = restriction.StatusRestored
		}
	case restriction.StatusRestored, restriction.StatusWarned:
		if r.CleanDays >= t.ReactivateCleanDays {
			target = restriction.StatusActive
		}
	}
	if target == "" {
		return r, nil
	}
	// Recovery must not step down a still-hot ledger.
	if s, _ := e.escalationTarget(ctx, r); s != "" && statusRank[s] >= statusRank[r.Status] {
		return r, nil
	}

	updated, err := e.machine.TransitionTo(ctx, klienID, target,
		fmt.Sprintf("%d clean days", r.CleanDays), false)
	if err != nil {
		return nil, err
	}
	e.logger.Info("policy de-escalation",
		"klien_id", klienID,
		"from", r.Status,
		"to", target,
		"clean_days", r.CleanDays,
	)
	return updated, nil
}
