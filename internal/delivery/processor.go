package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wisnuaw/blastgate/internal/idgen"
	"github.com/wisnuaw/blastgate/internal/metrics"
	"github.com/wisnuaw/blastgate/internal/retry"
	"github.com/wisnuaw/blastgate/internal/risk"
	"github.com/wisnuaw/blastgate/internal/syncutil"
	"github.com/wisnuaw/blastgate/internal/traces"
)

const (
	statusWriteAttempts = 5
	statusWriteBackoff  = 10 * time.Millisecond
)

// IncidentSink receives trust-damaging signals. *risk.Engine satisfies it.
type IncidentSink interface {
	RecordIncident(ctx context.Context, typ risk.EntityType, id, klienID string, severity float64, category, detail string) (*risk.Profile, error)
}

// PolicyHook is notified after a permanent failure lands, so the policy
// layer can maintain its abuse ledger and evaluate thresholds.
type PolicyHook interface {
	HandlePermanentFailure(ctx context.Context, klienID string, severity float64) error
}

// Processor validates, dedupes and orders inbound delivery callbacks.
// Processing for the same provider message id is serialized through a
// context-aware sharded mutex, so concurrent redeliveries of the same
// callback cannot both advance the status. Across nodes the mutex does
// not reach; there the store's conditional writes arbitrate, and a lost
// write re-runs the decision.
type Processor struct {
	store    Store
	sink     IncidentSink
	policy   PolicyHook
	onEvent  func(ev *DeliveryEvent)
	clock    func() time.Time
	logger   *slog.Logger
	msgLocks *syncutil.ContextShardedMutex
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.clock = clock }
}

// WithLogger sets the processor's logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithIncidentSink wires the risk engine for permanent-failure incidents.
func WithIncidentSink(sink IncidentSink) ProcessorOption {
	return func(p *Processor) { p.sink = sink }
}

// WithPolicyHook wires the policy evaluator's post-failure hook.
func WithPolicyHook(hook PolicyHook) ProcessorOption {
	return func(p *Processor) { p.policy = hook }
}

// WithEventListener registers a callback invoked synchronously for every
// accepted event, after it is persisted. Duplicates and out-of-order
// arrivals do not fire it.
func WithEventListener(fn func(ev *DeliveryEvent)) ProcessorOption {
	return func(p *Processor) { p.onEvent = fn }
}

// NewProcessor creates a delivery event processor over the given store.
func NewProcessor(store Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    store,
		clock:    time.Now,
		logger:   slog.Default(),
		msgLocks: syncutil.NewContextShardedMutex(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process ingests one callback and returns the audit record describing
// what happened to it. Every callback is persisted, including duplicates
// and out-of-order arrivals; only accepted ones move the message status
// or produce side effects.
func (p *Processor) Process(ctx context.Context, cb *Callback) (*DeliveryEvent, error) {
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.WebhookProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := traces.StartSpan(ctx, "delivery.Process",
		traces.MessageID(cb.ProviderMessageID), traces.EventType(string(cb.Type)))
	defer span.End()

	unlock, err := p.msgLocks.LockContext(ctx, cb.ProviderMessageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev := &DeliveryEvent{
		ID:                idgen.WithPrefix("dev_"),
		ProviderMessageID: cb.ProviderMessageID,
		Provider:          cb.Provider,
		Type:              cb.Type,
		Timestamp:         cb.Timestamp,
		ErrorCode:         cb.ErrorCode,
		PhoneNumber:       cb.PhoneNumber,
		KlienID:           cb.KlienID,
		ReceivedAt:        p.clock(),
	}

	// Read-decide-write, retried on ErrStatusConflict. The lock above
	// serializes this node; the store's conditional write covers writers
	// on other nodes. A lost race re-runs the whole decision against
	// fresh state, so the late writer lands as duplicate or out of order
	// instead of clobbering the status.
	var msg *MessageStatus
	err = retry.Do(ctx, statusWriteAttempts, statusWriteBackoff, func() error {
		m, err := p.applyStatus(ctx, cb, ev)
		if err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ev.ProcessResult == ResultIgnored {
		if err := p.store.AppendEvent(ctx, ev); err != nil {
			return nil, err
		}
		if ev.IsOutOfOrder {
			p.logger.Debug("out-of-order delivery event recorded",
				"message_id", cb.ProviderMessageID,
				"event_type", cb.Type, "current", ev.StatusAfter)
		}
		metrics.DeliveryEventsTotal.WithLabelValues(string(cb.Type), string(ev.ProcessResult)).Inc()
		return ev, nil
	}

	var (
		incidentSeverity float64
		permanentFailure bool
	)
	if cb.Type == EventFailed || cb.Type.Final() {
		class, severity := ClassifyError(cb.ErrorCode)
		ev.ErrorClass = class
		switch class {
		case ClassPermanent:
			permanentFailure = true
			incidentSeverity = severity
		case ClassUnknown:
			if cb.ErrorCode != "" {
				p.logger.Warn("unclassified provider error code",
					"message_id", cb.ProviderMessageID,
					"provider", cb.Provider, "error_code", cb.ErrorCode)
			}
		}
	}

	if err := p.store.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			// Another node recorded the same callback between our dedup
			// check and the append. Keep the audit record, skip the
			// side effects.
			ev.IsDuplicate = true
			ev.ProcessResult = ResultIgnored
			if err := p.store.AppendEvent(ctx, ev); err != nil {
				return nil, err
			}
			metrics.DeliveryEventsTotal.WithLabelValues(string(cb.Type), string(ev.ProcessResult)).Inc()
			return ev, nil
		}
		return nil, err
	}
	metrics.DeliveryEventsTotal.WithLabelValues(string(cb.Type), string(ev.ProcessResult)).Inc()

	if permanentFailure {
		p.reportIncident(ctx, msg, cb, incidentSeverity)
	}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
	return ev, nil
}

// applyStatus runs one dedup-read-decide-write pass for cb. When the
// callback does not advance the status it marks ev duplicate or out of
// order with ResultIgnored. ErrStatusConflict means another writer got
// in between and the pass must re-run.
func (p *Processor) applyStatus(ctx context.Context, cb *Callback, ev *DeliveryEvent) (*MessageStatus, error) {
	ev.IsDuplicate = false
	ev.IsOutOfOrder = false

	// Exact replay: same id, type and provider timestamp.
	dup, err := p.store.HasEvent(ctx, cb.ProviderMessageID, cb.Type, cb.Timestamp)
	if err != nil {
		return nil, err
	}
	if dup {
		ev.IsDuplicate = true
		ev.ProcessResult = ResultIgnored
		return nil, nil
	}

	expected := EventType("")
	msg, err := p.store.GetMessage(ctx, cb.ProviderMessageID)
	switch {
	case err == nil:
		expected = msg.CurrentType
		ev.StatusBefore = msg.CurrentType
		if ev.KlienID == "" {
			ev.KlienID = msg.KlienID
		}
		if !ShouldOverride(cb.Type, msg.CurrentType) {
			ev.IsOutOfOrder = true
			ev.ProcessResult = ResultIgnored
			ev.StatusAfter = msg.CurrentType
			return msg, nil
		}
	case errors.Is(err, ErrNotFound):
		msg = &MessageStatus{
			ProviderMessageID: cb.ProviderMessageID,
			Provider:          cb.Provider,
			KlienID:           cb.KlienID,
			SenderID:          cb.SenderID,
		}
	default:
		return nil, err
	}

	msg.CurrentType = cb.Type
	msg.CurrentTimestamp = cb.Timestamp
	msg.UpdatedAt = p.clock()
	if msg.KlienID == "" {
		msg.KlienID = cb.KlienID
	}
	if msg.SenderID == "" {
		msg.SenderID = cb.SenderID
	}
	if err := p.store.UpsertMessage(ctx, msg, expected); err != nil {
		return nil, err
	}

	ev.StatusAfter = cb.Type
	ev.ProcessResult = ResultProcessed
	return msg, nil
}

// reportIncident pushes a permanent failure into the risk engine and the
// policy hook. Both are best effort: the event itself is the source of
// truth and already persisted.
func (p *Processor) reportIncident(ctx context.Context, msg *MessageStatus, cb *Callback, severity float64) {
	if p.sink != nil && msg.SenderID != "" {
		if _, err := p.sink.RecordIncident(ctx, risk.EntitySender, msg.SenderID, msg.KlienID, severity,
			"delivery_failure", cb.ErrorCode); err != nil {
			p.logger.Warn("failed to record delivery incident",
				"sender_id", msg.SenderID, "error", err)
		}
	}
	if p.policy != nil && msg.KlienID != "" {
		if err := p.policy.HandlePermanentFailure(ctx, msg.KlienID, severity); err != nil {
			p.logger.Warn("policy hook failed for delivery incident",
				"klien_id", msg.KlienID, "error", err)
		}
	}
}

// MessageStatus returns the last-known effective status for a message.
func (p *Processor) MessageStatus(ctx context.Context, providerMessageID string) (*MessageStatus, error) {
	return p.store.GetMessage(ctx, providerMessageID)
}

// Events returns the audit trail for a message, newest first.
func (p *Processor) Events(ctx context.Context, providerMessageID string, limit, offset int) ([]*DeliveryEvent, int, error) {
	return p.store.ListEvents(ctx, providerMessageID, limit, offset)
}

// KlienEvents returns events across all of a klien's messages, newest first.
func (p *Processor) KlienEvents(ctx context.Context, klienID string, before time.Time, beforeID string, limit int) ([]*DeliveryEvent, error) {
	return p.store.ListKlienEvents(ctx, klienID, before, beforeID, limit)
}
