package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tollgate/tollgate/internal/errors"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed counter store with WAL mode.
//
// Atomicity of TryReserve rests on three layers: a store-level mutex
// serializes writers within the process, the connection pool is capped at
// one connection (SQLite allows a single writer anyway), and transactions
// open with _txlock=immediate so the read-check-write runs under the
// database write lock even when another process shares the file.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *logging.Logger
}

// NewSQLiteStore opens (creating if needed) a SQLite store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	// SQLite supports a single writer; one pooled connection keeps
	// transactions from contending for it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.NewLogger(),
	}, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS quota_policies (
					principal_id TEXT PRIMARY KEY,
					requests_per_minute INTEGER NOT NULL,
					requests_per_hour INTEGER NOT NULL,
					requests_per_day INTEGER NOT NULL,
					tokens_per_day INTEGER NOT NULL,
					max_concurrent_requests INTEGER NOT NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE IF NOT EXISTS usage_windows (
					principal_id TEXT NOT NULL,
					granularity TEXT NOT NULL,
					window_start INTEGER NOT NULL,
					request_count INTEGER NOT NULL DEFAULT 0 CHECK (request_count >= 0),
					token_count INTEGER NOT NULL DEFAULT 0 CHECK (token_count >= 0),
					PRIMARY KEY (principal_id, granularity, window_start)
				);

				CREATE INDEX IF NOT EXISTS idx_usage_windows_start ON usage_windows(window_start);
				CREATE INDEX IF NOT EXISTS idx_usage_windows_principal ON usage_windows(principal_id);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// Policy operations

func (s *SQLiteStore) GetOrCreatePolicy(ctx context.Context, principalID string) (*models.QuotaPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "begin get-or-create policy", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// INSERT OR IGNORE makes first-time provisioning idempotent: exactly
	// one caller's defaults land, everyone reads the same row back.
	defaults := models.DefaultPolicy(principalID)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_policies (principal_id, requests_per_minute, requests_per_hour, requests_per_day, tokens_per_day, max_concurrent_requests, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal_id) DO NOTHING
	`, defaults.PrincipalID, defaults.RequestsPerMinute, defaults.RequestsPerHour, defaults.RequestsPerDay,
		defaults.TokensPerDay, defaults.MaxConcurrentRequests, defaults.CreatedAt, defaults.UpdatedAt)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "provision default policy", Err: err}
	}

	policy, err := scanPolicy(tx.QueryRowContext(ctx, `
		SELECT principal_id, requests_per_minute, requests_per_hour, requests_per_day, tokens_per_day, max_concurrent_requests, created_at, updated_at
		FROM quota_policies WHERE principal_id = ?
	`, principalID))
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "fetch policy", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "commit get-or-create policy", Err: err}
	}
	return policy, nil
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, principalID string) (*models.QuotaPolicy, error) {
	policy, err := scanPolicy(s.db.QueryRowContext(ctx, `
		SELECT principal_id, requests_per_minute, requests_per_hour, requests_per_day, tokens_per_day, max_concurrent_requests, created_at, updated_at
		FROM quota_policies WHERE principal_id = ?
	`, principalID))
	if err == sql.ErrNoRows {
		return nil, &errors.ErrPrincipalNotFound{PrincipalID: principalID}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get policy", Err: err}
	}
	return policy, nil
}

func (s *SQLiteStore) UpdatePolicy(ctx context.Context, principalID string, update *models.PolicyUpdate) (*models.QuotaPolicy, error) {
	// Reject before touching the row so an invalid update never
	// partially applies.
	if err := update.Validate(principalID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "begin update policy", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	policy, err := scanPolicy(tx.QueryRowContext(ctx, `
		SELECT principal_id, requests_per_minute, requests_per_hour, requests_per_day, tokens_per_day, max_concurrent_requests, created_at, updated_at
		FROM quota_policies WHERE principal_id = ?
	`, principalID))
	if err == sql.ErrNoRows {
		return nil, &errors.ErrPrincipalNotFound{PrincipalID: principalID}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "fetch policy for update", Err: err}
	}

	update.ApplyTo(policy, time.Now())

	_, err = tx.ExecContext(ctx, `
		UPDATE quota_policies SET
			requests_per_minute = ?,
			requests_per_hour = ?,
			requests_per_day = ?,
			tokens_per_day = ?,
			max_concurrent_requests = ?,
			updated_at = ?
		WHERE principal_id = ?
	`, policy.RequestsPerMinute, policy.RequestsPerHour, policy.RequestsPerDay,
		policy.TokensPerDay, policy.MaxConcurrentRequests, policy.UpdatedAt, principalID)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "update policy", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "commit update policy", Err: err}
	}
	return policy, nil
}

func (s *SQLiteStore) DeletePrincipal(ctx context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin delete principal", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM usage_windows WHERE principal_id = ?", principalID); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete principal windows", Err: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM quota_policies WHERE principal_id = ?", principalID); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete principal policy", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit delete principal", Err: err}
	}
	return nil
}

// Ledger operations

func (s *SQLiteStore) TryReserve(ctx context.Context, principalID string, check models.Check, windowStart time.Time, requestDelta, tokenDelta, limit int64) (ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := string(check.Granularity())
	startUnix := windowStart.UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReserveResult{}, &errors.ErrDatabaseQuery{Operation: "begin reserve", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var requestCount, tokenCount int64
	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT request_count, token_count FROM usage_windows
		WHERE principal_id = ? AND granularity = ? AND window_start = ?
	`, principalID, g, startUnix).Scan(&requestCount, &tokenCount)
	switch {
	case err == sql.ErrNoRows:
		exists = false
	case err != nil:
		return ReserveResult{}, &errors.ErrDatabaseQuery{Operation: "read window", Err: err}
	default:
		exists = true
	}

	current := requestCount
	delta := requestDelta
	if check.CountsTokens() {
		current = tokenCount
		delta = tokenDelta
	}

	if current+delta > limit {
		// Leave the row untouched; the open transaction wrote nothing.
		return ReserveResult{Accepted: false, CountAfter: current}, nil
	}

	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE usage_windows SET request_count = request_count + ?, token_count = token_count + ?
			WHERE principal_id = ? AND granularity = ? AND window_start = ?
		`, requestDelta, tokenDelta, principalID, g, startUnix)
	} else {
		// Rows are created only by an accepted reservation.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage_windows (principal_id, granularity, window_start, request_count, token_count)
			VALUES (?, ?, ?, ?, ?)
		`, principalID, g, startUnix, requestDelta, tokenDelta)
	}
	if err != nil {
		return ReserveResult{}, &errors.ErrDatabaseQuery{Operation: "apply reservation", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return ReserveResult{}, &errors.ErrDatabaseQuery{Operation: "commit reserve", Err: err}
	}
	return ReserveResult{Accepted: true, CountAfter: current + delta}, nil
}

func (s *SQLiteStore) Decrement(ctx context.Context, principalID string, g models.Granularity, windowStart time.Time, requestDelta, tokenDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_windows SET
			request_count = MAX(request_count - ?, 0),
			token_count = MAX(token_count - ?, 0)
		WHERE principal_id = ? AND granularity = ? AND window_start = ?
	`, requestDelta, tokenDelta, principalID, string(g), windowStart.UTC().Unix())
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "decrement window", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetWindow(ctx context.Context, principalID string, g models.Granularity, windowStart time.Time) (*models.UsageWindow, bool, error) {
	startUnix := windowStart.UTC().Unix()

	var w models.UsageWindow
	var start int64
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id, granularity, window_start, request_count, token_count
		FROM usage_windows WHERE principal_id = ? AND granularity = ? AND window_start = ?
	`, principalID, string(g), startUnix).Scan(&w.PrincipalID, &w.Granularity, &start, &w.RequestCount, &w.TokenCount)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errors.ErrDatabaseQuery{Operation: "get window", Err: err}
	}

	w.WindowStart = time.Unix(start, 0).UTC()
	return &w, true, nil
}

func (s *SQLiteStore) ListWindows(ctx context.Context, principalID string) ([]*models.UsageWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal_id, granularity, window_start, request_count, token_count
		FROM usage_windows WHERE principal_id = ? ORDER BY window_start DESC, granularity
	`, principalID)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list windows", Err: err}
	}
	defer rows.Close()

	var windows []*models.UsageWindow
	for rows.Next() {
		var w models.UsageWindow
		var start int64
		if err := rows.Scan(&w.PrincipalID, &w.Granularity, &start, &w.RequestCount, &w.TokenCount); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan window", Err: err}
		}
		w.WindowStart = time.Unix(start, 0).UTC()
		windows = append(windows, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "iterate windows", Err: err}
	}
	return windows, nil
}

func (s *SQLiteStore) DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM usage_windows WHERE window_start < ?", cutoff.UTC().Unix())
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "delete stale windows", Err: err}
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "count deleted windows", Err: err}
	}
	return deleted, nil
}

// Management

func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM quota_policies").Scan(&stats.PolicyCount); err != nil {
		return stats, &errors.ErrDatabaseQuery{Operation: "count policies", Err: err}
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM usage_windows").Scan(&stats.WindowCount); err != nil {
		return stats, &errors.ErrDatabaseQuery{Operation: "count windows", Err: err}
	}
	return stats, nil
}

// Close shuts down the store.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanPolicy(row *sql.Row) (*models.QuotaPolicy, error) {
	var p models.QuotaPolicy
	err := row.Scan(&p.PrincipalID, &p.RequestsPerMinute, &p.RequestsPerHour, &p.RequestsPerDay,
		&p.TokensPerDay, &p.MaxConcurrentRequests, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)
