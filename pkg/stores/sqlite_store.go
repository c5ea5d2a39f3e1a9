package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// DefaultStateTTL is how long lifecycle rows and decided approvals are kept.
	DefaultStateTTL = 90 * 24 * time.Hour
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// StateTTL bounds the lifetime of resource state rows, decided approvals,
	// processed events, audit entries and finished executions.
	StateTTL time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.StateTTL == 0 {
		cfg.StateTTL = DefaultStateTTL
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Init opens the database connection pool in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// PutState appends a lifecycle row. The row timestamp is assigned here and is
// strictly greater than every earlier row for the same key.
func (s *SQLiteStore) PutState(ctx context.Context, state *ResourceState) error {
	return s.appendState(ctx, state, nil)
}

// PutStateIf appends a lifecycle row only when the latest recorded row for the
// key still has expectedTimestamp (0 meaning no row yet). Otherwise it returns
// ErrStaleState and writes nothing.
func (s *SQLiteStore) PutStateIf(ctx context.Context, state *ResourceState, expectedTimestamp int64) error {
	return s.appendState(ctx, state, &expectedTimestamp)
}

func (s *SQLiteStore) appendState(ctx context.Context, state *ResourceState, expected *int64) error {
	if state.ResourceKey == "" || state.Stage == "" || state.CurrentState == "" {
		return fmt.Errorf("resource key, stage and state are required")
	}

	metadata, err := json.Marshal(state.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal state metadata: %w", err)
	}
	if state.Metadata == nil {
		metadata = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM resource_states WHERE resource_key = ?`,
		state.ResourceKey,
	).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest state: %w", err)
	}

	if expected != nil && latest.Int64 != *expected {
		return fmt.Errorf("%w: %s moved from %d to %d", ErrStaleState, state.ResourceKey, *expected, latest.Int64)
	}

	ts := s.now().UnixNano()
	if latest.Valid && ts <= latest.Int64 {
		ts = latest.Int64 + 1
	}
	expiresAt := state.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Unix(0, ts).Add(s.cfg.StateTTL)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO resource_states (resource_key, timestamp, stage, resource_type, current_state, metadata, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		state.ResourceKey,
		ts,
		state.Stage,
		state.ResourceType,
		state.CurrentState,
		string(metadata),
		expiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert resource state: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get resource state ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resource state: %w", err)
	}

	state.ID = id
	state.Timestamp = ts
	state.ExpiresAt = expiresAt
	return nil
}

const stateColumns = `id, resource_key, timestamp, stage, resource_type, current_state, metadata, expires_at`

// GetLatestState returns the authoritative row for a resource key.
func (s *SQLiteStore) GetLatestState(ctx context.Context, resourceKey string) (*ResourceState, error) {
	query := `SELECT ` + stateColumns + `
		FROM resource_states
		WHERE resource_key = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	state, err := scanState(s.db.QueryRowContext(ctx, query, resourceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource state %s: %w", resourceKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}

	return state, nil
}

// ListStateHistory returns the rows of one resource, newest first.
func (s *SQLiteStore) ListStateHistory(ctx context.Context, resourceKey string, limit int) ([]*ResourceState, error) {
	query := `SELECT ` + stateColumns + `
		FROM resource_states
		WHERE resource_key = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	return s.queryStates(ctx, query, resourceKey, sqlLimit(limit))
}

// QueryByState returns rows in the given state, newest first. With latestOnly
// only rows that are still authoritative for their key are returned.
func (s *SQLiteStore) QueryByState(ctx context.Context, state LifecycleState, latestOnly bool, limit int) ([]*ResourceState, error) {
	query := `SELECT ` + stateColumns + `
		FROM resource_states r
		WHERE r.current_state = ?
		  AND (? = 0 OR r.timestamp = (SELECT MAX(l.timestamp) FROM resource_states l WHERE l.resource_key = r.resource_key))
		ORDER BY r.timestamp DESC
		LIMIT ?
	`

	return s.queryStates(ctx, query, state, boolInt(latestOnly), sqlLimit(limit))
}

// QueryByStage returns rows for a stage, newest first.
func (s *SQLiteStore) QueryByStage(ctx context.Context, stage string, latestOnly bool, limit int) ([]*ResourceState, error) {
	query := `SELECT ` + stateColumns + `
		FROM resource_states r
		WHERE r.stage = ?
		  AND (? = 0 OR r.timestamp = (SELECT MAX(l.timestamp) FROM resource_states l WHERE l.resource_key = r.resource_key))
		ORDER BY r.timestamp DESC
		LIMIT ?
	`

	return s.queryStates(ctx, query, stage, boolInt(latestOnly), sqlLimit(limit))
}

func (s *SQLiteStore) queryStates(ctx context.Context, query string, args ...interface{}) ([]*ResourceState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*ResourceState, error) {
	var (
		state     ResourceState
		metadata  string
		expiresAt int64
	)
	if err := row.Scan(
		&state.ID,
		&state.ResourceKey,
		&state.Timestamp,
		&state.Stage,
		&state.ResourceType,
		&state.CurrentState,
		&metadata,
		&expiresAt,
	); err != nil {
		return nil, err
	}

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &state.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode state metadata: %w", err)
		}
	}
	state.ExpiresAt = time.Unix(0, expiresAt)

	return &state, nil
}

// MarkEventProcessed records an external event id. It returns false when the
// id was already recorded, i.e. the event is a duplicate delivery.
func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, processed_at) VALUES (?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// ForgetEvent removes a recorded event id so a later delivery of the same
// event is handled again.
func (s *SQLiteStore) ForgetEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Details == "" {
		entry.Details = "{}"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, targetID *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit_log
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR target_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, targetID, targetID, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		var (
			entry AuditEntry
			ts    int64
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID, &entry.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.Unix(0, ts)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// PruneExpired removes rows past their retention. Pending approvals and
// unfinished executions are never pruned.
func (s *SQLiteStore) PruneExpired(ctx context.Context, now time.Time) (*PruneResult, error) {
	cutoff := now.Add(-s.cfg.StateTTL).UnixNano()
	result := &PruneResult{}

	steps := []struct {
		query string
		arg   int64
		count *int64
	}{
		{`DELETE FROM resource_states WHERE expires_at <= ?`, now.UnixNano(), &result.States},
		{`DELETE FROM approvals WHERE status != 'pending' AND retain_until <= ?`, now.UnixNano(), &result.Approvals},
		{`DELETE FROM processed_events WHERE processed_at <= ?`, cutoff, &result.Events},
		{`DELETE FROM audit_log WHERE timestamp <= ?`, cutoff, &result.AuditLog},
		{`DELETE FROM execution_steps WHERE execution_id IN (
			SELECT id FROM executions WHERE status IN ('succeeded', 'failed', 'cancelled') AND completed_at <= ?)`, cutoff, nil},
		{`DELETE FROM executions WHERE status IN ('succeeded', 'failed', 'cancelled') AND completed_at <= ?`, cutoff, &result.Executions},
	}

	for _, step := range steps {
		res, err := s.db.ExecContext(ctx, step.query, step.arg)
		if err != nil {
			return nil, fmt.Errorf("failed to prune expired rows: %w", err)
		}
		if step.count != nil {
			n, err := res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("failed to get rows affected: %w", err)
			}
			*step.count = n
		}
	}

	return result, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
