package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tollgate/tollgate/internal/errors"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/store"
)

// DefaultRetention is how long closed usage windows are kept for
// inspection before the sweeper removes them.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultSchedule runs the sweep daily at 03:00.
const DefaultSchedule = "0 3 * * *"

// Reconciler retries compensations that failed during admission rollback.
type Reconciler interface {
	Reconcile(ctx context.Context) (repaired, remaining int)
}

// Sweeper deletes usage windows whose start is older than the retention
// horizon. Active windows are never candidates: the horizon is far longer
// than the widest granularity, so deletion never races admission for a
// live counter.
type Sweeper struct {
	store      store.Store
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     *logging.Logger
	retention  time.Duration
	schedule   string
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithRetention overrides the retention horizon.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSchedule overrides the cron schedule.
func WithSchedule(schedule string) Option {
	return func(s *Sweeper) {
		if schedule != "" {
			s.schedule = schedule
		}
	}
}

// WithClock overrides the sweeper's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithReconciler attaches a rollback reconciler run after each sweep.
func WithReconciler(r Reconciler) Option {
	return func(s *Sweeper) {
		s.reconciler = r
	}
}

// New creates a retention sweeper.
func New(st store.Store, m *metrics.Metrics, logger *logging.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     st,
		metrics:   m,
		logger:    logger,
		retention: DefaultRetention,
		schedule:  DefaultSchedule,
		now:       time.Now,
		cron:      cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep removes usage windows older than the retention horizon and then
// runs rollback reconciliation. It is idempotent and safe to invoke
// concurrently with admission: a failed or interrupted run leaves the
// ledger consistent, just unswept.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)

	deleted, err := s.store.DeleteWindowsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "cutoff", cutoff.Format(time.RFC3339), "error", err.Error())
		s.recordSweep("failure", 0)
		return 0, &errors.ErrStoreUnavailable{Operation: "sweep", Err: err}
	}

	if deleted > 0 {
		s.logger.Info("retention sweep completed", "cutoff", cutoff.Format(time.RFC3339), "deleted", deleted)
	} else {
		s.logger.Debug("retention sweep completed, nothing to delete", "cutoff", cutoff.Format(time.RFC3339))
	}
	s.recordSweep("success", deleted)

	if s.reconciler != nil {
		repaired, remaining := s.reconciler.Reconcile(ctx)
		if repaired > 0 || remaining > 0 {
			s.logger.Info("rollback reconciliation completed", "repaired", repaired, "remaining", remaining)
		}
	}

	return deleted, nil
}

// Start schedules periodic sweeps and blocks until the first cron tick is
// registered. The scheduler stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return &errors.ErrConfigValidation{Err: fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)}
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("scheduled sweep failed", "error", err.Error())
		}
	}); err != nil {
		return &errors.ErrConfigValidation{Err: fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention sweeper started",
		"schedule", s.schedule,
		"retention", s.retention.String())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention sweeper stopped")
}

// IsRunning reports whether the schedule is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep time, if any.
func (s *Sweeper) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

func (s *Sweeper) recordSweep(status string, deleted int64) {
	if s.metrics != nil {
		s.metrics.RecordSweep(status, deleted)
	}
}
