package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/tollgate/internal/errors"
	"github.com/tollgate/tollgate/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tollgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSQLiteStore_PolicyRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	p, err := s.GetOrCreatePolicy(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRequestsPerMinute, p.RequestsPerMinute)
	assert.Equal(t, models.DefaultMaxConcurrentRequests, p.MaxConcurrentRequests)

	got, err := s.GetPolicy(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, p.PrincipalID, got.PrincipalID)
	assert.Equal(t, p.RequestsPerDay, got.RequestsPerDay)
}

func TestSQLiteStore_GetPolicyMissing(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := s.GetPolicy(context.Background(), "ghost")
	var nf *errors.ErrPrincipalNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestSQLiteStore_GetOrCreatePolicyIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	const callers = 20
	policies := make([]*models.QuotaPolicy, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.GetOrCreatePolicy(ctx, "fresh-user")
			if err != nil {
				t.Error(err)
				return
			}
			policies[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.NotNil(t, policies[i])
		assert.Equal(t, policies[0].CreatedAt.Unix(), policies[i].CreatedAt.Unix())
	}
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PolicyCount)
}

func TestSQLiteStore_UpdatePolicyPartial(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.GetOrCreatePolicy(ctx, "user-1")
	require.NoError(t, err)

	tokens := int64(250000)
	p, err := s.UpdatePolicy(ctx, "user-1", &models.PolicyUpdate{TokensPerDay: &tokens})
	require.NoError(t, err)
	assert.Equal(t, int64(250000), p.TokensPerDay)
	assert.Equal(t, models.DefaultRequestsPerMinute, p.RequestsPerMinute)

	// Persisted, not just returned.
	got, err := s.GetPolicy(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250000), got.TokensPerDay)
}

func TestSQLiteStore_UpdatePolicyRejectsInvalid(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.GetOrCreatePolicy(ctx, "user-1")
	require.NoError(t, err)

	bad := int64(0)
	_, err = s.UpdatePolicy(ctx, "user-1", &models.PolicyUpdate{RequestsPerHour: &bad})
	require.Error(t, err)

	got, err := s.GetPolicy(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRequestsPerHour, got.RequestsPerHour)
}

func TestSQLiteStore_TryReserveContract(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := models.GranularityMinute.WindowStart(time.Now())

	for i := int64(1); i <= 5; i++ {
		res, err := s.TryReserve(ctx, "user-1", models.CheckMinuteRequests, start, 1, 0, 5)
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, i, res.CountAfter)
	}

	res, err := s.TryReserve(ctx, "user-1", models.CheckMinuteRequests, start, 1, 0, 5)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, int64(5), res.CountAfter)

	w, found, err := s.GetWindow(ctx, "user-1", models.GranularityMinute, start)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), w.RequestCount)
}

func TestSQLiteStore_TryReserveDayWindowSharedRow(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := models.GranularityDay.WindowStart(time.Now())

	res, err := s.TryReserve(ctx, "user-1", models.CheckDayRequests, start, 1, 0, 10000)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	res, err = s.TryReserve(ctx, "user-1", models.CheckDayTokens, start, 0, 750, 100000)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(750), res.CountAfter)

	// Both counters live on the same day row.
	w, found, err := s.GetWindow(ctx, "user-1", models.GranularityDay, start)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), w.RequestCount)
	assert.Equal(t, int64(750), w.TokenCount)
}

func TestSQLiteStore_TryReserveConcurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := models.GranularityMinute.WindowStart(time.Now())

	const callers = 200
	const limit = 40

	var wg sync.WaitGroup
	accepted := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryReserve(ctx, "user-1", models.CheckMinuteRequests, start, 1, 0, limit)
			if err != nil {
				t.Error(err)
				return
			}
			accepted <- res.Accepted
		}()
	}
	wg.Wait()
	close(accepted)

	var allows int
	for ok := range accepted {
		if ok {
			allows++
		}
	}
	assert.Equal(t, limit, allows)

	w, _, err := s.GetWindow(ctx, "user-1", models.GranularityMinute, start)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), w.RequestCount)
}

func TestSQLiteStore_DecrementAndRetention(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := models.GranularityDay.WindowStart(now.AddDate(0, 0, -10))
	recent := models.GranularityDay.WindowStart(now.AddDate(0, 0, -3))
	_, err := s.TryReserve(ctx, "user-1", models.CheckDayRequests, old, 1, 0, 100)
	require.NoError(t, err)
	_, err = s.TryReserve(ctx, "user-1", models.CheckDayRequests, recent, 3, 0, 100)
	require.NoError(t, err)

	require.NoError(t, s.Decrement(ctx, "user-1", models.GranularityDay, recent, 1, 0))
	w, _, err := s.GetWindow(ctx, "user-1", models.GranularityDay, recent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.RequestCount)

	deleted, err := s.DeleteWindowsBefore(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, found, err := s.GetWindow(ctx, "user-1", models.GranularityDay, old)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.GetWindow(ctx, "user-1", models.GranularityDay, recent)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSQLiteStore_DeletePrincipalCascades(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.GetOrCreatePolicy(ctx, "user-1")
	require.NoError(t, err)
	start := models.GranularityHour.WindowStart(time.Now())
	_, err = s.TryReserve(ctx, "user-1", models.CheckHourRequests, start, 1, 0, 100)
	require.NoError(t, err)

	require.NoError(t, s.DeletePrincipal(ctx, "user-1"))

	_, err = s.GetPolicy(ctx, "user-1")
	var nf *errors.ErrPrincipalNotFound
	assert.ErrorAs(t, err, &nf)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PolicyCount)
	assert.Equal(t, 0, stats.WindowCount)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.GetOrCreatePolicy(ctx, "user-1")
	require.NoError(t, err)
	start := models.GranularityDay.WindowStart(time.Now())
	_, err = s.TryReserve(ctx, "user-1", models.CheckDayTokens, start, 0, 500, 100000)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	w, found, err := s2.GetWindow(ctx, "user-1", models.GranularityDay, start)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(500), w.TokenCount)
}
