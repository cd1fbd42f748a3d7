package models

import "time"

// Granularity is a fixed counting window size.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// Granularities lists every window size the ledger counts.
var Granularities = []Granularity{GranularityMinute, GranularityHour, GranularityDay}

// Duration returns the length of one window at this granularity.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	case GranularityDay:
		return 24 * time.Hour
	}
	return 0
}

// WindowStart truncates t to the window boundary. All window arithmetic
// is done in UTC so that two processes sharing a store agree on keys.
func (g Granularity) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityMinute, GranularityHour, GranularityDay:
		return true
	}
	return false
}

// Check identifies one admission check. The day window backs two checks:
// day-requests constrains its request count, day-tokens its token count.
type Check string

const (
	CheckMinuteRequests Check = "minute-requests"
	CheckHourRequests   Check = "hour-requests"
	CheckDayRequests    Check = "day-requests"
	CheckDayTokens      Check = "day-tokens"
	CheckConcurrency    Check = "concurrency"
)

// AdmissionChecks is the fixed priority order for window reservations.
// The first check to deny short-circuits the admission attempt.
var AdmissionChecks = []Check{CheckMinuteRequests, CheckHourRequests, CheckDayRequests, CheckDayTokens}

// Granularity returns the window size backing the check.
func (c Check) Granularity() Granularity {
	switch c {
	case CheckMinuteRequests:
		return GranularityMinute
	case CheckHourRequests:
		return GranularityHour
	case CheckDayRequests, CheckDayTokens:
		return GranularityDay
	}
	return ""
}

// CountsTokens reports whether the check constrains the token counter
// rather than the request counter.
func (c Check) CountsTokens() bool {
	return c == CheckDayTokens
}

// ResetAt returns the instant the window containing t next rolls over.
func (c Check) ResetAt(t time.Time) time.Time {
	g := c.Granularity()
	return g.WindowStart(t).Add(g.Duration())
}

// UsageWindow is one durable counter row: a principal's usage within a
// single truncated window. Counts only grow while the row lives; the
// sweeper deletes whole rows once they age out.
type UsageWindow struct {
	PrincipalID  string      `json:"principal_id"`
	Granularity  Granularity `json:"granularity"`
	WindowStart  time.Time   `json:"window_start"`
	RequestCount int64       `json:"request_count"`
	TokenCount   int64       `json:"token_count"`
}
