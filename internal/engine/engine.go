package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tollgate/tollgate/internal/limiter"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/store"
)

// DefaultStoreTimeout bounds every counter store call made by the engine.
const DefaultStoreTimeout = 5 * time.Second

// compensation describes one reservation that must be undone if a later
// check in the same admission attempt denies.
type compensation struct {
	principalID  string
	granularity  models.Granularity
	windowStart  time.Time
	requestDelta int64
	tokenDelta   int64
}

// Engine decides admission. It looks up (or provisions) the principal's
// policy, then reserves capacity per granularity in fixed priority order.
// The per-granularity reservations are independent atomic operations, so
// a denial part-way through is compensated by decrementing everything
// accepted earlier in the same call: a denied admission has zero net
// effect on the ledger.
type Engine struct {
	store        store.Store
	limiter      *limiter.Limiter
	metrics      *metrics.Metrics
	logger       *logging.Logger
	storeTimeout time.Duration
	now          func() time.Time

	// journal holds compensations that themselves failed; the sweeper's
	// reconciliation pass retries them.
	journalMu sync.Mutex
	journal   []compensation
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithStoreTimeout bounds individual counter store calls.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// New creates an admission engine.
func New(s store.Store, l *limiter.Limiter, m *metrics.Metrics, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		limiter:      l,
		metrics:      m,
		logger:       logger,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TryAdmit decides whether one unit of work costing tokenCost tokens may
// proceed for the principal. Store failures and timeouts deny fail-closed
// with the store-unavailable flag set; a store outage never admits work.
// On an allowed decision the caller owns one concurrency slot and must
// call Release when the work finishes.
func (e *Engine) TryAdmit(ctx context.Context, principalID string, tokenCost int64) models.Decision {
	// A negative cost would drain the token counter instead of reserving
	// from it. The HTTP binding rejects it too, but direct callers must
	// not get past this either.
	if tokenCost < 0 {
		e.recordDecision("denied", string(models.CheckDayTokens))
		return models.Deny(models.CheckDayTokens, 0, 0, time.Time{})
	}

	policy, err := e.getOrCreatePolicy(ctx, principalID)
	if err != nil {
		e.logger.ErrorWithContext(ctx, "policy lookup failed, denying fail-closed",
			"principal_id", principalID, "error", err.Error())
		e.recordStoreError("policy")
		e.recordDecision("unavailable", "")
		return models.DenyUnavailable()
	}

	// The concurrency gate comes first: a deny here needs no rollback
	// because nothing has been reserved yet.
	if e.limiter != nil && !e.limiter.Acquire(principalID, policy.MaxConcurrentRequests) {
		e.recordDecision("denied", string(models.CheckConcurrency))
		return models.Deny(models.CheckConcurrency, e.limiter.Current(principalID), policy.MaxConcurrentRequests, time.Time{})
	}

	now := e.now()
	var applied []compensation

	for _, check := range models.AdmissionChecks {
		g := check.Granularity()
		windowStart := g.WindowStart(now)
		limit := policy.LimitFor(check)

		// One request per window check; the token budget reserves the
		// token cost only, so requests are not double-counted on the
		// shared day row.
		requestDelta, tokenDelta := int64(1), int64(0)
		if check.CountsTokens() {
			requestDelta, tokenDelta = 0, tokenCost
		}

		res, err := e.tryReserve(ctx, principalID, check, windowStart, requestDelta, tokenDelta, limit)
		if err != nil {
			// The reservation may or may not have landed; roll back only
			// what is known-applied and deny fail-closed.
			e.rollback(applied)
			e.releaseSlot(principalID)
			e.logger.ErrorWithContext(ctx, "reservation failed, denying fail-closed",
				"principal_id", principalID, "check", string(check), "error", err.Error())
			e.recordStoreError("reserve")
			e.recordDecision("unavailable", string(check))
			return models.DenyUnavailable()
		}

		if !res.Accepted {
			e.rollback(applied)
			e.releaseSlot(principalID)
			e.recordDecision("denied", string(check))
			return models.Deny(check, res.CountAfter, limit, check.ResetAt(now))
		}

		applied = append(applied, compensation{
			principalID:  principalID,
			granularity:  g,
			windowStart:  windowStart,
			requestDelta: requestDelta,
			tokenDelta:   tokenDelta,
		})
	}

	e.recordDecision("allowed", "")
	return models.Allow()
}

// Release returns the concurrency slot taken by an allowed admission.
func (e *Engine) Release(principalID string) {
	e.releaseSlot(principalID)
}

// Forget drops the principal's process-local concurrency state. Called
// after a principal's durable rows have been deleted so the counter and
// its gauge label do not outlive the principal.
func (e *Engine) Forget(principalID string) {
	if e.limiter != nil {
		e.limiter.Forget(principalID)
	}
}

// Reconcile retries journaled compensations that failed earlier. Returns
// how many were repaired and how many remain. Invoked by the sweeper's
// best-effort reconciliation pass.
func (e *Engine) Reconcile(ctx context.Context) (repaired, remaining int) {
	e.journalMu.Lock()
	pending := e.journal
	e.journal = nil
	e.journalMu.Unlock()

	for _, c := range pending {
		if err := e.decrement(ctx, c); err != nil {
			e.logger.Warn("reconciliation decrement failed",
				"principal_id", c.principalID, "granularity", string(c.granularity), "error", err.Error())
			e.journalMu.Lock()
			e.journal = append(e.journal, c)
			e.journalMu.Unlock()
			continue
		}
		repaired++
	}

	e.journalMu.Lock()
	remaining = len(e.journal)
	e.journalMu.Unlock()
	return repaired, remaining
}

// JournalLen reports how many failed compensations await reconciliation.
func (e *Engine) JournalLen() int {
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	return len(e.journal)
}

// rollback compensates every already-accepted reservation of the current
// call, newest first. It runs on a context detached from the caller so a
// cancelled admission still cleans up after itself. A failed decrement is
// journaled for reconciliation and never alters the caller's decision.
func (e *Engine) rollback(applied []compensation) {
	for i := len(applied) - 1; i >= 0; i-- {
		c := applied[i]
		ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout)
		err := e.store.Decrement(ctx, c.principalID, c.granularity, c.windowStart, c.requestDelta, c.tokenDelta)
		cancel()
		if err != nil {
			e.logger.Error("compensating decrement failed, journaling for reconciliation",
				"principal_id", c.principalID, "granularity", string(c.granularity), "error", err.Error())
			e.recordRollback("failed")
			e.journalMu.Lock()
			e.journal = append(e.journal, c)
			e.journalMu.Unlock()
			continue
		}
		e.recordRollback("success")
	}
}

func (e *Engine) getOrCreatePolicy(ctx context.Context, principalID string) (*models.QuotaPolicy, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.store.GetOrCreatePolicy(ctx, principalID)
}

func (e *Engine) tryReserve(ctx context.Context, principalID string, check models.Check, windowStart time.Time, requestDelta, tokenDelta, limit int64) (store.ReserveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.store.TryReserve(ctx, principalID, check, windowStart, requestDelta, tokenDelta, limit)
	if e.metrics != nil {
		e.metrics.RecordReserveLatency(string(check.Granularity()), time.Since(start).Seconds())
	}
	return res, err
}

func (e *Engine) decrement(ctx context.Context, c compensation) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.store.Decrement(ctx, c.principalID, c.granularity, c.windowStart, c.requestDelta, c.tokenDelta)
}

func (e *Engine) releaseSlot(principalID string) {
	if e.limiter != nil {
		e.limiter.Release(principalID)
	}
}

func (e *Engine) recordDecision(outcome, check string) {
	if e.metrics != nil {
		e.metrics.RecordDecision(outcome, check)
	}
}

func (e *Engine) recordRollback(status string) {
	if e.metrics != nil {
		e.metrics.RecordRollback(status)
	}
}

func (e *Engine) recordStoreError(operation string) {
	if e.metrics != nil {
		e.metrics.RecordStoreError(operation)
	}
}
