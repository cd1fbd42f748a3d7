package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tollgate/tollgate/internal/errors"
	"github.com/tollgate/tollgate/internal/models"
)

// windowKey identifies one usage counter row.
type windowKey struct {
	principalID string
	granularity models.Granularity
	startUnix   int64
}

// MemoryStore is an in-memory counter store. It is thread-safe and keeps
// the TryReserve contract by serializing all mutation behind one mutex,
// which makes the read-check-write indivisible within the process.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*models.QuotaPolicy
	windows  map[windowKey]*models.UsageWindow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*models.QuotaPolicy),
		windows:  make(map[windowKey]*models.UsageWindow),
	}
}

// Policy operations

func (s *MemoryStore) GetOrCreatePolicy(ctx context.Context, principalID string) (*models.QuotaPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.policies[principalID]; ok {
		cp := *p
		return &cp, nil
	}

	p := models.DefaultPolicy(principalID)
	s.policies[principalID] = p
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, principalID string) (*models.QuotaPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[principalID]
	if !ok {
		return nil, &errors.ErrPrincipalNotFound{PrincipalID: principalID}
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdatePolicy(ctx context.Context, principalID string, update *models.PolicyUpdate) (*models.QuotaPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := update.Validate(principalID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[principalID]
	if !ok {
		return nil, &errors.ErrPrincipalNotFound{PrincipalID: principalID}
	}

	update.ApplyTo(p, time.Now())
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) DeletePrincipal(ctx context.Context, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.policies, principalID)
	for k := range s.windows {
		if k.principalID == principalID {
			delete(s.windows, k)
		}
	}
	return nil
}

// Ledger operations

func (s *MemoryStore) TryReserve(ctx context.Context, principalID string, check models.Check, windowStart time.Time, requestDelta, tokenDelta, limit int64) (ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return ReserveResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey{
		principalID: principalID,
		granularity: check.Granularity(),
		startUnix:   windowStart.UTC().Unix(),
	}

	w, ok := s.windows[key]
	if !ok {
		w = &models.UsageWindow{
			PrincipalID: principalID,
			Granularity: check.Granularity(),
			WindowStart: windowStart.UTC(),
		}
	}

	current := w.RequestCount
	delta := requestDelta
	if check.CountsTokens() {
		current = w.TokenCount
		delta = tokenDelta
	}

	if current+delta > limit {
		return ReserveResult{Accepted: false, CountAfter: current}, nil
	}

	w.RequestCount += requestDelta
	w.TokenCount += tokenDelta
	if !ok {
		// Row is created only on its first accepted reservation.
		s.windows[key] = w
	}

	return ReserveResult{Accepted: true, CountAfter: current + delta}, nil
}

func (s *MemoryStore) Decrement(ctx context.Context, principalID string, g models.Granularity, windowStart time.Time, requestDelta, tokenDelta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey{principalID: principalID, granularity: g, startUnix: windowStart.UTC().Unix()}
	w, ok := s.windows[key]
	if !ok {
		return nil
	}

	w.RequestCount -= requestDelta
	if w.RequestCount < 0 {
		w.RequestCount = 0
	}
	w.TokenCount -= tokenDelta
	if w.TokenCount < 0 {
		w.TokenCount = 0
	}
	return nil
}

func (s *MemoryStore) GetWindow(ctx context.Context, principalID string, g models.Granularity, windowStart time.Time) (*models.UsageWindow, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := windowKey{principalID: principalID, granularity: g, startUnix: windowStart.UTC().Unix()}
	w, ok := s.windows[key]
	if !ok {
		return nil, false, nil
	}
	cp := *w
	return &cp, true, nil
}

func (s *MemoryStore) ListWindows(ctx context.Context, principalID string) ([]*models.UsageWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.UsageWindow
	for k, w := range s.windows {
		if k.principalID == principalID {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].WindowStart.After(result[j].WindowStart)
	})
	return result, nil
}

func (s *MemoryStore) DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffUnix := cutoff.UTC().Unix()
	var deleted int64
	for k := range s.windows {
		if k.startUnix < cutoffUnix {
			delete(s.windows, k)
			deleted++
		}
	}
	return deleted, nil
}

// Management

func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		PolicyCount: len(s.policies),
		WindowCount: len(s.windows),
	}, nil
}

// Close implements Store (no-op for the memory store).
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)
