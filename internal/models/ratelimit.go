package models

import (
	"fmt"
	"time"
)

// Rate-limit state and decisions. Entries live in a RateLimitStore keyed by
// the composite "{tenant}:{id}"; decisions are what the limiter hands back
// to callers and the HTTP middleware.

// RateLimitPolicy is a named sliding-window budget.
type RateLimitPolicy struct {
	RequestLimit int           `json:"requestLimit"`
	Window       time.Duration `json:"window"`
	Name         string        `json:"name"`
}

// Validate rejects non-positive limits and windows.
func (p RateLimitPolicy) Validate() error {
	if p.RequestLimit <= 0 {
		return NewValidationError("requestLimit", "must be positive")
	}
	if p.Window <= 0 {
		return NewValidationError("window", "must be positive")
	}
	return nil
}

// RateLimitEntry is the persisted per-key window state. After every write
// all timestamps lie within [now - 2*window, now]; ExpiresAt = now + 2*window.
type RateLimitEntry struct {
	Key         string            `json:"key"`
	Timestamps  []time.Time       `json:"timestamps"`
	LastUpdated time.Time         `json:"lastUpdated"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RateLimitKey builds the composite store key.
func RateLimitKey(tenantID, id string) string {
	return fmt.Sprintf("%s:%s", tenantID, id)
}

// IsExpired reports whether the entry's TTL has elapsed at the given instant.
func (e *RateLimitEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// TrimBefore drops timestamps older than cutoff, keeping order. Returns the
// number of timestamps dropped.
func (e *RateLimitEntry) TrimBefore(cutoff time.Time) int {
	idx := 0
	for idx < len(e.Timestamps) && e.Timestamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return 0
	}
	e.Timestamps = append([]time.Time(nil), e.Timestamps[idx:]...)
	return idx
}

// Clone returns a deep copy. Cache layers hand out clones so callers never
// alias the cached slice.
func (e *RateLimitEntry) Clone() *RateLimitEntry {
	if e == nil {
		return nil
	}
	cp := &RateLimitEntry{
		Key:         e.Key,
		Timestamps:  append([]time.Time(nil), e.Timestamps...),
		LastUpdated: e.LastUpdated,
		ExpiresAt:   e.ExpiresAt,
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// RateLimitDecision is the outcome of a Check.
type RateLimitDecision struct {
	Allowed    bool              `json:"allowed"`
	Limit      int               `json:"limit"`
	Remaining  int               `json:"remaining"`
	ResetIn    time.Duration     `json:"resetIn"`
	RetryAfter *time.Duration    `json:"retryAfter,omitempty"` // set only when blocked
	Policy     string            `json:"policy"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// FailedOpen reports whether the decision was produced by the fail-open
// path rather than real accounting.
func (d *RateLimitDecision) FailedOpen() bool {
	if d == nil || d.Metadata == nil {
		return false
	}
	_, ok := d.Metadata["error"]
	return ok
}

// RateLimitSnapshot is the read-only view returned by Status.
type RateLimitSnapshot struct {
	Key       string        `json:"key"`
	Count     int           `json:"count"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"resetIn"`
	Policy    string        `json:"policy"`
}
