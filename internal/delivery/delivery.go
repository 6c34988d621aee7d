// Package delivery turns the provider's unordered, at-least-once stream
// of status callbacks into a monotonic per-message status.
//
// Providers redeliver and reorder callbacks freely. The processor
// dedupes exact replays, quarantines out-of-order arrivals as audit-only
// records, and advances the effective status through a fixed hierarchy.
// Permanent failures, and only those, feed the risk engine as incidents.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by delivery stores and the processor.
var (
	ErrNotFound = errors.New("delivery: message not found")

	// ErrStatusConflict means a conditional status write lost a race:
	// the stored current status no longer matches what the caller read.
	ErrStatusConflict = errors.New("delivery: message status changed concurrently")

	// ErrDuplicateEvent means an identical processed event was appended
	// concurrently by another node.
	ErrDuplicateEvent = errors.New("delivery: event already recorded")
)

// ValidationError rejects a malformed callback synchronously.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("delivery: invalid callback %s: %s", e.Field, e.Reason)
}

// EventType is a provider delivery status.
type EventType string

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventRead      EventType = "read"
	EventFailed    EventType = "failed"
	EventRejected  EventType = "rejected"
	EventExpired   EventType = "expired"
)

// hierarchy ranks event types. A new event replaces the current status
// only when it ranks higher. failed sits below sent so a later sent
// confirmation can override a premature failure; rejected and expired
// are final and outrank everything.
var hierarchy = map[EventType]int{
	EventFailed:    0,
	EventSent:      1,
	EventDelivered: 2,
	EventRead:      3,
	EventRejected:  99,
	EventExpired:   99,
}

// Known reports whether t is a recognized event type.
func (t EventType) Known() bool {
	_, ok := hierarchy[t]
	return ok
}

// Final reports whether t is a terminal status that nothing overrides.
func (t EventType) Final() bool {
	return t == EventRejected || t == EventExpired
}

// ShouldOverride reports whether a new event replaces the current status.
// Final current statuses are sticky: nothing overrides them, not even
// another final event.
func ShouldOverride(newType, currentType EventType) bool {
	if currentType.Final() {
		return false
	}
	return hierarchy[newType] > hierarchy[currentType]
}

// ErrorClass buckets provider failure codes.
type ErrorClass string

const (
	// ClassRetryable marks transient failures where a resend is sensible.
	ClassRetryable ErrorClass = "retryable"
	// ClassPermanent marks failures where the recipient is unreachable or
	// the send was abusive. These damage trust.
	ClassPermanent ErrorClass = "permanent"
	// ClassUnknown covers unrecognized codes. Fail safe: ambiguous
	// signals never punish the entity.
	ClassUnknown ErrorClass = "unknown"
)

// errorCodes is the fixed classification table. Severity is the incident
// weight applied for permanent codes; retryable and unknown codes carry
// none.
var errorCodes = map[string]struct {
	Class    ErrorClass
	Severity float64
}{
	// Transient provider-side conditions.
	"rate_limited":            {ClassRetryable, 0},
	"server_error":            {ClassRetryable, 0},
	"timeout":                 {ClassRetryable, 0},
	"connection_lost":         {ClassRetryable, 0},
	"temporarily_unavailable": {ClassRetryable, 0},
	"recipient_unavailable":   {ClassRetryable, 0},

	// Permanently unreachable recipients.
	"invalid_number":      {ClassPermanent, 5},
	"recipient_not_found": {ClassPermanent, 5},
	"number_deactivated":  {ClassPermanent, 5},

	// Abuse-indicating outcomes weigh heavier.
	"blocked_by_user":     {ClassPermanent, 10},
	"spam_rate_limit_hit": {ClassPermanent, 15},
	"template_rejected":   {ClassPermanent, 10},
	"account_restricted":  {ClassPermanent, 20},
}

// ClassifyError maps a provider error code to its class and incident
// severity. Total: unrecognized codes come back unknown with zero weight.
func ClassifyError(code string) (ErrorClass, float64) {
	if entry, ok := errorCodes[code]; ok {
		return entry.Class, entry.Severity
	}
	return ClassUnknown, 0
}

// ProcessResult is the outcome of processing one callback.
type ProcessResult string

const (
	ResultProcessed ProcessResult = "processed"
	ResultIgnored   ProcessResult = "ignored"
	ResultError     ProcessResult = "error"
)

// Callback is a decoded provider webhook payload. The transport layer
// owns decoding; the processor sees only this shape.
type Callback struct {
	ProviderMessageID string    `json:"providerMessageId"`
	Provider          string    `json:"provider"`
	Type              EventType `json:"type"`
	Timestamp         time.Time `json:"timestamp"`
	ErrorCode         string    `json:"errorCode,omitempty"`
	PhoneNumber       string    `json:"phoneNumber,omitempty"`
	KlienID           string    `json:"klienId,omitempty"`
	SenderID          string    `json:"senderId,omitempty"`
}

// Validate rejects callbacks the processor cannot act on.
func (cb *Callback) Validate() error {
	if cb.ProviderMessageID == "" {
		return &ValidationError{Field: "providerMessageId", Reason: "must not be empty"}
	}
	if !cb.Type.Known() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", cb.Type)}
	}
	if cb.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// MessageStatus is the last-known effective status per provider message.
type MessageStatus struct {
	ProviderMessageID string    `json:"providerMessageId"`
	Provider          string    `json:"provider"`
	KlienID           string    `json:"klienId,omitempty"`
	SenderID          string    `json:"senderId,omitempty"`
	CurrentType       EventType `json:"currentType"`
	CurrentTimestamp  time.Time `json:"currentTimestamp"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// DeliveryEvent is the audit record for one callback, persisted even
// when the callback was a duplicate or out of order.
type DeliveryEvent struct {
	ID                string        `json:"id"`
	ProviderMessageID string        `json:"providerMessageId"`
	Provider          string        `json:"provider"`
	Type              EventType     `json:"type"`
	Timestamp         time.Time     `json:"timestamp"`
	StatusBefore      EventType     `json:"statusBefore,omitempty"`
	StatusAfter       EventType     `json:"statusAfter,omitempty"`
	ErrorCode         string        `json:"errorCode,omitempty"`
	ErrorClass        ErrorClass    `json:"errorClass,omitempty"`
	PhoneNumber       string        `json:"phoneNumber,omitempty"`
	KlienID           string        `json:"klienId,omitempty"`
	IsDuplicate       bool          `json:"isDuplicate"`
	IsOutOfOrder      bool          `json:"isOutOfOrder"`
	ProcessResult     ProcessResult `json:"processResult"`
	ReceivedAt        time.Time     `json:"receivedAt"`
}

// Store persists message statuses and the append-only event audit trail.
// Status writes are conditional so that concurrent processors on
// different nodes cannot clobber each other.
type Store interface {
	GetMessage(ctx context.Context, providerMessageID string) (*MessageStatus, error)

	// UpsertMessage writes m only if the stored current status still
	// equals expected. An empty expected means "no row yet": the write
	// is insert-only. A lost race returns ErrStatusConflict so the
	// caller can re-read and re-decide.
	UpsertMessage(ctx context.Context, m *MessageStatus, expected EventType) error

	// HasEvent reports whether an event with the same message id, type
	// and provider timestamp was already recorded.
	HasEvent(ctx context.Context, providerMessageID string, t EventType, ts time.Time) (bool, error)

	// AppendEvent records ev. Appending a processed event whose
	// (message id, type, timestamp) was already recorded as processed
	// returns ErrDuplicateEvent.
	AppendEvent(ctx context.Context, ev *DeliveryEvent) error

	// ListEvents returns events for a message, newest first, with the
	// total count for pagination.
	ListEvents(ctx context.Context, providerMessageID string, limit, offset int) ([]*DeliveryEvent, int, error)

	// ListKlienEvents returns events across all of a klien's messages,
	// newest first, keyset-paginated on (receivedAt, id). A zero before
	// time starts from the newest event.
	ListKlienEvents(ctx context.Context, klienID string, before time.Time, beforeID string, limit int) ([]*DeliveryEvent, error)
}
