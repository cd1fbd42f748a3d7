package models

import "time"

// Decision is the transient outcome of one admission attempt.
// It is returned to the caller and never persisted.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Set only on denial.
	Violated     Check     `json:"violated,omitempty"`
	CurrentCount int64     `json:"current_count,omitempty"`
	Limit        int64     `json:"limit,omitempty"`
	ResetAt      time.Time `json:"reset_at,omitempty"`

	// StoreUnavailable distinguishes an infrastructure fail-closed denial
	// from ordinary quota exhaustion.
	StoreUnavailable bool `json:"store_unavailable,omitempty"`
}

// Allow returns an unconditional allow decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denial for the given check.
func Deny(c Check, currentCount, limit int64, resetAt time.Time) Decision {
	return Decision{
		Allowed:      false,
		Violated:     c,
		CurrentCount: currentCount,
		Limit:        limit,
		ResetAt:      resetAt,
	}
}

// DenyUnavailable returns the fail-closed decision used when the counter
// store cannot be reached. A store outage never turns into a silent allow.
func DenyUnavailable() Decision {
	return Decision{Allowed: false, StoreUnavailable: true}
}
