// Package admission is the front gate for send requests. It composes the
// restriction state machine, the risk engine and the token buckets into a
// single decision: restriction answers "may this klien send at all",
// risk scales how fast, and the buckets enforce that rate across four
// scopes atomically.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/wisnuaw/blastgate/internal/bucket"
	"github.com/wisnuaw/blastgate/internal/metrics"
	"github.com/wisnuaw/blastgate/internal/restriction"
	"github.com/wisnuaw/blastgate/internal/risk"
	"github.com/wisnuaw/blastgate/internal/traces"
)

// Deny reasons returned in decisions.
const (
	DenyRestricted  = "restricted"
	DenyThrottled   = "fully_throttled"
	DenyRateLimited = "rate_limited"
)

// Limits carries the bucket shapes per scope. Klien and campaign
// capacities scale with the klien's tier.
type Limits struct {
	GlobalCapacity   int
	GlobalRefill     float64
	SenderCapacity   int
	SenderRefill     float64
	KlienCapacity    int
	KlienRefill      float64
	CampaignCapacity int
	CampaignRefill   float64

	// TierScale multiplies klien/campaign capacity and refill.
	TierScale map[restriction.Tier]float64
}

// DefaultLimits mirrors production tuning.
func DefaultLimits() Limits {
	return Limits{
		GlobalCapacity:   10000,
		GlobalRefill:     500,
		SenderCapacity:   60,
		SenderRefill:     1,
		KlienCapacity:    600,
		KlienRefill:      10,
		CampaignCapacity: 300,
		CampaignRefill:   5,
		TierScale: map[restriction.Tier]float64{
			restriction.TierUMKM:       1,
			restriction.TierCorporate:  3,
			restriction.TierEnterprise: 10,
		},
	}
}

func (l Limits) tierScale(tier restriction.Tier) float64 {
	if s, ok := l.TierScale[tier]; ok && s > 0 {
		return s
	}
	return 1
}

// Request identifies one send attempt.
type Request struct {
	KlienID    string
	SenderID   string
	CampaignID string
	// Amount is the number of messages the caller wants to send, >= 1.
	Amount int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed            bool    `json:"allowed"`
	DenyReason         string  `json:"denyReason,omitempty"`
	WaitSeconds        int64   `json:"waitSeconds,omitempty"`
	ThrottleMultiplier float64 `json:"throttleMultiplier"`
	// DeniedScope names the bucket scope that ran dry, when rate limited.
	DeniedScope string `json:"deniedScope,omitempty"`
}

// Service composes the three subsystems into admission decisions.
type Service struct {
	machine    *restriction.Machine
	engine     *risk.Engine
	limiter    *bucket.Limiter
	limits     Limits
	logger     *slog.Logger
	onDecision func(req Request, d *Decision)
}

// Option configures a Service.
type Option func(*Service)

// WithLimits overrides the default bucket shapes.
func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithLogger sets the decision logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDecisionListener registers a callback invoked synchronously after
// every decision. Used to fan decisions out to notification and realtime
// feeds without coupling the gate to them.
func WithDecisionListener(fn func(req Request, d *Decision)) Option {
	return func(s *Service) { s.onDecision = fn }
}

// NewService creates an admission service.
func NewService(machine *restriction.Machine, engine *risk.Engine, limiter *bucket.Limiter, opts ...Option) *Service {
	s := &Service{
		machine: machine,
		engine:  engine,
		limiter: limiter,
		limits:  DefaultLimits(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAdmission runs the full gate. Order matters: the cheap lifecycle
// check runs first, then the risk multiplier, and tokens are consumed
// only when the request can actually proceed, so denied requests never
// drain buckets.
//
// The throttle multiplier is applied as a weighted cost: at multiplier m
// a request for n messages consumes ceil(n/m) tokens, so a half-throttled
// sender burns its budget twice as fast instead of being hard-capped.
func (s *Service) CheckAdmission(ctx context.Context, req Request) (*Decision, error) {
	if req.Amount < 1 {
		req.Amount = 1
	}

	ctx, span := traces.StartSpan(ctx, "admission.CheckAdmission",
		traces.KlienID(req.KlienID), traces.SenderID(req.SenderID), traces.CampaignID(req.CampaignID))
	defer span.End()

	record, err := s.machine.GetOrCreate(ctx, req.KlienID, restriction.TierUMKM)
	if err != nil {
		return nil, err
	}
	canSend, record, err := s.machine.CanSendMessages(ctx, req.KlienID)
	if err != nil {
		return nil, err
	}
	if !canSend {
		s.logDecision(req, DenyRestricted, record.Status)
		return s.decide(req, &Decision{
			Allowed:            false,
			DenyReason:         DenyRestricted,
			ThrottleMultiplier: 0,
		}), nil
	}

	profile, err := s.engine.GetOrCreate(ctx, risk.EntitySender, req.SenderID, req.KlienID)
	if err != nil {
		return nil, err
	}
	multiplier := s.engine.ThrottleMultiplier(profile)
	if record.ThrottleMultiplier < multiplier {
		multiplier = record.ThrottleMultiplier
	}
	if multiplier <= 0 {
		s.logDecision(req, DenyThrottled, record.Status)
		return s.decide(req, &Decision{
			Allowed:            false,
			DenyReason:         DenyThrottled,
			ThrottleMultiplier: 0,
		}), nil
	}

	cost := int(math.Ceil(float64(req.Amount) / multiplier))
	decision, err := s.limiter.TryConsumeAll(ctx, s.consumeRequests(req, record.Tier, cost))
	if err != nil {
		return nil, err
	}
	if !decision.Granted {
		s.logDecision(req, DenyRateLimited, record.Status)
		for _, cr := range s.consumeRequests(req, record.Tier, cost) {
			if cr.Key == decision.ScopeKey {
				metrics.BucketDenialsTotal.WithLabelValues(string(cr.Scope)).Inc()
				break
			}
		}
		return s.decide(req, &Decision{
			Allowed:            false,
			DenyReason:         DenyRateLimited,
			WaitSeconds:        decision.WaitSeconds,
			ThrottleMultiplier: multiplier,
			DeniedScope:        decision.ScopeKey,
		}), nil
	}

	metrics.AdmissionDecisionsTotal.WithLabelValues("allowed").Inc()
	return s.decide(req, &Decision{
		Allowed:            true,
		ThrottleMultiplier: multiplier,
	}), nil
}

func (s *Service) decide(req Request, d *Decision) *Decision {
	if s.onDecision != nil {
		s.onDecision(req, d)
	}
	return d
}

// WaitTime estimates how long until the request would pass the bucket
// gate, without consuming anything. Restriction and throttle gates are
// not reflected: a suspended klien gets a bucket answer, not a promise.
func (s *Service) WaitTime(ctx context.Context, req Request) (time.Duration, error) {
	if req.Amount < 1 {
		req.Amount = 1
	}
	record, err := s.machine.GetOrCreate(ctx, req.KlienID, restriction.TierUMKM)
	if err != nil {
		return 0, err
	}

	var longest int64
	for _, cr := range s.consumeRequests(req, record.Tier, req.Amount) {
		secs, err := s.limiter.WaitTime(ctx, cr.Key, cr.Amount)
		if err != nil {
			if errors.Is(err, bucket.ErrNotFound) {
				continue // unknown bucket starts full
			}
			return 0, err
		}
		if secs > longest {
			longest = secs
		}
	}
	return time.Duration(longest) * time.Second, nil
}

// consumeRequests builds the four scope requests for one send attempt.
func (s *Service) consumeRequests(req Request, tier restriction.Tier, cost int) []bucket.ConsumeRequest {
	scale := s.limits.tierScale(tier)
	return []bucket.ConsumeRequest{
		{
			Key:         bucket.GlobalKey(),
			Scope:       bucket.ScopeGlobal,
			Amount:      cost,
			MaxCapacity: s.limits.GlobalCapacity,
			RefillRate:  s.limits.GlobalRefill,
		},
		{
			Key:         bucket.SenderKey(req.SenderID),
			Scope:       bucket.ScopeSender,
			Amount:      cost,
			MaxCapacity: s.limits.SenderCapacity,
			RefillRate:  s.limits.SenderRefill,
		},
		{
			Key:         bucket.KlienKey(req.KlienID),
			Scope:       bucket.ScopeKlien,
			Amount:      cost,
			MaxCapacity: int(float64(s.limits.KlienCapacity) * scale),
			RefillRate:  s.limits.KlienRefill * scale,
		},
		{
			Key:         bucket.CampaignKey(req.CampaignID),
			Scope:       bucket.ScopeCampaign,
			Amount:      cost,
			MaxCapacity: int(float64(s.limits.CampaignCapacity) * scale),
			RefillRate:  s.limits.CampaignRefill * scale,
		},
	}
}

func (s *Service) logDecision(req Request, reason string, status restriction.Status) {
	metrics.AdmissionDecisionsTotal.WithLabelValues(reason).Inc()
	s.logger.Info("admission denied",
		"klien_id", req.KlienID,
		"sender_id", req.SenderID,
		"campaign_id", req.CampaignID,
		"reason", reason,
		"restriction_status", status)
}
