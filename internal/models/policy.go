package models

import (
	"fmt"
	"time"

	"github.com/tollgate/tollgate/internal/errors"
)

// Default limits provisioned the first time a principal is seen.
const (
	DefaultRequestsPerMinute     int64 = 60
	DefaultRequestsPerHour       int64 = 1000
	DefaultRequestsPerDay        int64 = 10000
	DefaultTokensPerDay          int64 = 100000
	DefaultMaxConcurrentRequests int64 = 5
)

// DefaultLimits is the set of limits provisioned for unseen principals.
type DefaultLimits struct {
	RequestsPerMinute     int64
	RequestsPerHour       int64
	RequestsPerDay        int64
	TokensPerDay          int64
	MaxConcurrentRequests int64
}

var defaultLimits = DefaultLimits{
	RequestsPerMinute:     DefaultRequestsPerMinute,
	RequestsPerHour:       DefaultRequestsPerHour,
	RequestsPerDay:        DefaultRequestsPerDay,
	TokensPerDay:          DefaultTokensPerDay,
	MaxConcurrentRequests: DefaultMaxConcurrentRequests,
}

// SetDefaultLimits overrides the stock limits for newly provisioned
// principals. Non-positive fields keep their current value. Called once
// at startup, before any store traffic.
func SetDefaultLimits(d DefaultLimits) {
	if d.RequestsPerMinute > 0 {
		defaultLimits.RequestsPerMinute = d.RequestsPerMinute
	}
	if d.RequestsPerHour > 0 {
		defaultLimits.RequestsPerHour = d.RequestsPerHour
	}
	if d.RequestsPerDay > 0 {
		defaultLimits.RequestsPerDay = d.RequestsPerDay
	}
	if d.TokensPerDay > 0 {
		defaultLimits.TokensPerDay = d.TokensPerDay
	}
	if d.MaxConcurrentRequests > 0 {
		defaultLimits.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
}

// QuotaPolicy holds the per-principal limits. Exactly zero or one policy
// exists per principal; it is created lazily with defaults on first access.
type QuotaPolicy struct {
	PrincipalID           string    `json:"principal_id"`
	RequestsPerMinute     int64     `json:"requests_per_minute"`
	RequestsPerHour       int64     `json:"requests_per_hour"`
	RequestsPerDay        int64     `json:"requests_per_day"`
	TokensPerDay          int64     `json:"tokens_per_day"`
	MaxConcurrentRequests int64     `json:"max_concurrent_requests"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// DefaultPolicy returns a policy with the stock limits for a principal.
func DefaultPolicy(principalID string) *QuotaPolicy {
	now := time.Now().UTC()
	return &QuotaPolicy{
		PrincipalID:           principalID,
		RequestsPerMinute:     defaultLimits.RequestsPerMinute,
		RequestsPerHour:       defaultLimits.RequestsPerHour,
		RequestsPerDay:        defaultLimits.RequestsPerDay,
		TokensPerDay:          defaultLimits.TokensPerDay,
		MaxConcurrentRequests: defaultLimits.MaxConcurrentRequests,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// LimitFor returns the policy limit constraining the given check.
func (p *QuotaPolicy) LimitFor(c Check) int64 {
	switch c {
	case CheckMinuteRequests:
		return p.RequestsPerMinute
	case CheckHourRequests:
		return p.RequestsPerHour
	case CheckDayRequests:
		return p.RequestsPerDay
	case CheckDayTokens:
		return p.TokensPerDay
	case CheckConcurrency:
		return p.MaxConcurrentRequests
	}
	return 0
}

// Validate checks that every limit is a positive integer.
func (p *QuotaPolicy) Validate() error {
	if p.PrincipalID == "" {
		return &errors.ErrPolicyValidation{Field: "principal_id", PrincipalID: p.PrincipalID, Err: fmt.Errorf("principal ID is required")}
	}
	fields := []struct {
		name  string
		value int64
	}{
		{"requests_per_minute", p.RequestsPerMinute},
		{"requests_per_hour", p.RequestsPerHour},
		{"requests_per_day", p.RequestsPerDay},
		{"tokens_per_day", p.TokensPerDay},
		{"max_concurrent_requests", p.MaxConcurrentRequests},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return &errors.ErrPolicyValidation{Field: f.name, PrincipalID: p.PrincipalID, Err: fmt.Errorf("must be a positive integer, got %d", f.value)}
		}
	}
	return nil
}

// PolicyUpdate is a partial policy mutation. Nil fields are left untouched.
type PolicyUpdate struct {
	RequestsPerMinute     *int64 `json:"requests_per_minute,omitempty"`
	RequestsPerHour       *int64 `json:"requests_per_hour,omitempty"`
	RequestsPerDay        *int64 `json:"requests_per_day,omitempty"`
	TokensPerDay          *int64 `json:"tokens_per_day,omitempty"`
	MaxConcurrentRequests *int64 `json:"max_concurrent_requests,omitempty"`
}

// IsEmpty reports whether the update supplies no fields at all.
func (u *PolicyUpdate) IsEmpty() bool {
	return u.RequestsPerMinute == nil &&
		u.RequestsPerHour == nil &&
		u.RequestsPerDay == nil &&
		u.TokensPerDay == nil &&
		u.MaxConcurrentRequests == nil
}

// Validate rejects the update if any supplied limit is not positive.
// Called before any mutation so an invalid update never partially applies.
func (u *PolicyUpdate) Validate(principalID string) error {
	fields := []struct {
		name  string
		value *int64
	}{
		{"requests_per_minute", u.RequestsPerMinute},
		{"requests_per_hour", u.RequestsPerHour},
		{"requests_per_day", u.RequestsPerDay},
		{"tokens_per_day", u.TokensPerDay},
		{"max_concurrent_requests", u.MaxConcurrentRequests},
	}
	for _, f := range fields {
		if f.value != nil && *f.value <= 0 {
			return &errors.ErrPolicyValidation{Field: f.name, PrincipalID: principalID, Err: fmt.Errorf("must be a positive integer, got %d", *f.value)}
		}
	}
	return nil
}

// ApplyTo mutates only the supplied fields and refreshes UpdatedAt.
func (u *PolicyUpdate) ApplyTo(p *QuotaPolicy, now time.Time) {
	if u.RequestsPerMinute != nil {
		p.RequestsPerMinute = *u.RequestsPerMinute
	}
	if u.RequestsPerHour != nil {
		p.RequestsPerHour = *u.RequestsPerHour
	}
	if u.RequestsPerDay != nil {
		p.RequestsPerDay = *u.RequestsPerDay
	}
	if u.TokensPerDay != nil {
		p.TokensPerDay = *u.TokensPerDay
	}
	if u.MaxConcurrentRequests != nil {
		p.MaxConcurrentRequests = *u.MaxConcurrentRequests
	}
	p.UpdatedAt = now.UTC()
}
