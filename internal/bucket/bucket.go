// Package bucket implements token-bucket rate limiting for outbound sends.
//
// Every logical send consumes tokens from up to four independently scoped
// buckets (global, sender number, klien, campaign). A bucket refills
// continuously at a fractional rate and allows bursts up to its capacity.
// Consumption across scopes is all-or-nothing: if any scope lacks tokens,
// no scope is charged.
package bucket

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Errors returned by bucket stores and the limiter.
var (
	ErrNotFound = errors.New("bucket: not found")
	ErrConflict = errors.New("bucket: concurrent update conflict")
)

// Scope identifies which dimension a bucket throttles.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeSender   Scope = "sender"
	ScopeKlien    Scope = "klien"
	ScopeCampaign Scope = "campaign"
)

// Scope key builders. Keys are stable across restarts and shared by every
// instance pointing at the same store.

// GlobalKey returns the key of the single system-wide bucket.
func GlobalKey() string { return "global:system" }

// SenderKey returns the bucket key for a sender phone number.
func SenderKey(phone string) string { return "sender:" + phone }

// KlienKey returns the bucket key for a klien (client account).
func KlienKey(klienID string) string { return "klien:" + klienID }

// CampaignKey returns the bucket key for a campaign.
func CampaignKey(campaignID string) string { return "campaign:" + campaignID }

// Bucket is one rate-limit scope instance. Tokens are fractional so refill
// rates below one token per second work; capacity is a whole number.
type Bucket struct {
	Key         string    `json:"key"`
	Scope       Scope     `json:"scope"`
	Tokens      float64   `json:"tokens"`
	MaxCapacity int       `json:"maxCapacity"`
	RefillRate  float64   `json:"refillRate"` // tokens per second
	LastRefill  time.Time `json:"lastRefill"`

	// Administrative hard limit. While active, every consume is denied
	// regardless of token count.
	Limited      bool      `json:"limited"`
	LimitedUntil time.Time `json:"limitedUntil,omitzero"`
	LimitReason  string    `json:"limitReason,omitempty"`

	// Version guards optimistic concurrent updates.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LimitActive reports whether the administrative hard limit is in force at now.
func (b *Bucket) LimitActive(now time.Time) bool {
	return b.Limited && now.Before(b.LimitedUntil)
}

// Refill credits tokens for the time elapsed since the last refill, capped
// at capacity. It mutates the bucket in place and is a no-op when no time
// has passed. Time moving forward never removes tokens.
func (b *Bucket) Refill(now time.Time) {
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.Tokens += elapsed * b.RefillRate
	if b.Tokens > float64(b.MaxCapacity) {
		b.Tokens = float64(b.MaxCapacity)
	}
	b.LastRefill = now
}

// WaitSeconds estimates how long until amount tokens are available,
// assuming the bucket has already been refilled to now. Returns 0 when the
// tokens are available immediately. A zero refill rate never recovers; the
// estimate is reported as unbounded via math.MaxInt64 seconds.
func (b *Bucket) WaitSeconds(amount int, now time.Time) int64 {
	if b.LimitActive(now) {
		return int64(math.Ceil(b.LimitedUntil.Sub(now).Seconds()))
	}
	deficit := float64(amount) - b.Tokens
	if deficit <= 0 {
		return 0
	}
	if b.RefillRate <= 0 {
		return math.MaxInt64
	}
	return int64(math.Ceil(deficit / b.RefillRate))
}

// Denial reasons reported to callers. These are normal outcomes, not errors.
const (
	ReasonLimited            = "limited"
	ReasonInsufficientTokens = "insufficient_tokens"
)

// Decision is the outcome of a consume attempt.
type Decision struct {
	Granted     bool   `json:"granted"`
	Reason      string `json:"reason,omitempty"`
	ScopeKey    string `json:"scopeKey,omitempty"` // scope that denied, empty on grant
	WaitSeconds int64  `json:"waitSeconds,omitempty"`
}

// ConsumeRequest names one scope taking part in a multi-scope consume.
type ConsumeRequest struct {
	Key    string
	Scope  Scope
	Amount int

	// Defaults applied when the bucket does not exist yet.
	MaxCapacity int
	RefillRate  float64
}

// Validate checks a consume request before it reaches the store.
func (r ConsumeRequest) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("bucket: consume request missing key")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("bucket: consume amount must be positive, got %d", r.Amount)
	}
	if r.MaxCapacity <= 0 {
		return fmt.Errorf("bucket: max capacity must be positive for %s", r.Key)
	}
	if r.RefillRate < 0 {
		return fmt.Errorf("bucket: refill rate must not be negative for %s", r.Key)
	}
	return nil
}
