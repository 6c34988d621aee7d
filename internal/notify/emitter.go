package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisnuaw/blastgate/internal/idgen"
)

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(klienID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToKlien(ctx, klienID, event); err != nil {
		e.logger.Warn("notification emit failed", "event", eventType, "klien_id", klienID, "error", err)
	}
}

// EmitRestrictionTransition emits a restriction.transition event.
func (e *Emitter) EmitRestrictionTransition(klienID, from, to, reason string) {
	e.emit(klienID, EventRestrictionTransition, map[string]interface{}{
		"klienId": klienID,
		"from":    from,
		"to":      to,
		"reason":  reason,
	})
}

// EmitAdmissionDenied emits an admission.denied event.
func (e *Emitter) EmitAdmissionDenied(klienID, senderID, campaignID, reason string, waitSeconds int64) {
	e.emit(klienID, EventAdmissionDenied, map[string]interface{}{
		"klienId":     klienID,
		"senderId":    senderID,
		"campaignId":  campaignID,
		"reason":      reason,
		"waitSeconds": waitSeconds,
	})
}

// EmitDeliveryFailed emits a delivery.failed event for a permanent failure.
func (e *Emitter) EmitDeliveryFailed(klienID, messageID, errorCode, errorClass string) {
	e.emit(klienID, EventDeliveryFailed, map[string]interface{}{
		"klienId":    klienID,
		"messageId":  messageID,
		"errorCode":  errorCode,
		"errorClass": errorClass,
	})
}

// EmitRiskLevelChanged emits a risk.level_changed event.
func (e *Emitter) EmitRiskLevelChanged(klienID, entityType, entityID, from, to string, score float64) {
	e.emit(klienID, EventRiskLevelChanged, map[string]interface{}{
		"klienId":    klienID,
		"entityType": entityType,
		"entityId":   entityID,
		"from":       from,
		"to":         to,
		"score":      score,
	})
}
