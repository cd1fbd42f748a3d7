package store

import (
	"context"
	"time"

	"github.com/tollgate/tollgate/internal/models"
)

// ReserveResult is the outcome of one atomic reservation attempt.
type ReserveResult struct {
	// Accepted is true when the deltas were applied.
	Accepted bool
	// CountAfter is the constrained counter's value after the call:
	// the incremented value on acceptance, the unchanged value on denial.
	CountAfter int64
}

// StoreStats contains row counts for diagnostics.
type StoreStats struct {
	PolicyCount int
	WindowCount int
}

// Store is the counter store behind the quota store and the usage ledger.
//
// TryReserve is the single serialization boundary of the whole system:
// its read-check-write against one window key must be indivisible with
// respect to every concurrent caller, including callers in other
// processes when the backing store is shared. Everything else is
// ordinary keyed get/set.
type Store interface {
	// Policy operations.

	// GetOrCreatePolicy returns the principal's policy, provisioning the
	// defaults atomically if absent. Concurrent first-time callers observe
	// one row with identical values; no duplicates, no overwrites.
	GetOrCreatePolicy(ctx context.Context, principalID string) (*models.QuotaPolicy, error)

	// GetPolicy returns the policy or *errors.ErrPrincipalNotFound.
	GetPolicy(ctx context.Context, principalID string) (*models.QuotaPolicy, error)

	// UpdatePolicy validates the partial update, applies only the supplied
	// fields and refreshes updated_at. Invalid input mutates nothing.
	UpdatePolicy(ctx context.Context, principalID string, update *models.PolicyUpdate) (*models.QuotaPolicy, error)

	// DeletePrincipal removes the policy and every usage window for the
	// principal. Driven by the identity directory's deletion event.
	DeletePrincipal(ctx context.Context, principalID string) error

	// Ledger operations.

	// TryReserve creates the window row with the deltas if absent, or
	// increments it, if and only if the constrained counter stays <= limit.
	// Otherwise the row is untouched and Accepted is false. The counter
	// constrained by limit is the token count for day-tokens checks and
	// the request count for everything else.
	TryReserve(ctx context.Context, principalID string, check models.Check, windowStart time.Time, requestDelta, tokenDelta, limit int64) (ReserveResult, error)

	// Decrement compensates an earlier reservation. Counts floor at zero.
	Decrement(ctx context.Context, principalID string, g models.Granularity, windowStart time.Time, requestDelta, tokenDelta int64) error

	// GetWindow returns one counter row, or found=false if it was never
	// created.
	GetWindow(ctx context.Context, principalID string, g models.Granularity, windowStart time.Time) (*models.UsageWindow, bool, error)

	// ListWindows returns every window row for a principal, newest first.
	ListWindows(ctx context.Context, principalID string) ([]*models.UsageWindow, error)

	// DeleteWindowsBefore removes rows with window_start older than cutoff
	// and reports how many were deleted. Idempotent.
	DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Management.

	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}
