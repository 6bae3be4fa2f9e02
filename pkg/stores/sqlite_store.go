package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/stagehand/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ engine.StageStore = (*SQLiteStore)(nil)
	_ engine.LockStore  = (*SQLiteStore)(nil)
)

// SQLiteStore implements the stage and lock stores using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
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
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection with WAL mode and a busy timeout.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

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

// Migrate runs the embedded migrations.
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

const stageColumns = `id, project_root, stage_dir, state, target_versions, unattended, owner_token,
	failure_marker, validation_results, commit_started, post_applied, last_error, created_at, updated_at`

// CreateStage inserts a new stage row.
func (s *SQLiteStore) CreateStage(ctx context.Context, stage *engine.UpdateStage) error {
	if stage.CreatedAt.IsZero() {
		stage.CreatedAt = time.Now().UTC()
	}
	if stage.UpdatedAt.IsZero() {
		stage.UpdatedAt = stage.CreatedAt
	}

	targets, err := encodeJSON(stage.TargetVersions)
	if err != nil {
		return err
	}
	results, err := encodeJSON(stage.ValidationResults)
	if err != nil {
		return err
	}

	query := `INSERT INTO stages (` + stageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		stage.ID,
		stage.ProjectRoot,
		stage.StageDir,
		string(stage.State),
		targets.String,
		boolToInt(stage.Unattended),
		stage.OwnerToken,
		stage.FailureMarker,
		results,
		boolToInt(stage.CommitStarted),
		boolToInt(stage.PostApplied),
		stage.LastError,
		formatTime(stage.CreatedAt),
		formatTime(stage.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create stage: %w", err)
	}
	return nil
}

// GetStage retrieves a stage by ID.
func (s *SQLiteStore) GetStage(ctx context.Context, id string) (*engine.UpdateStage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
	stage, err := scanStage(row)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("stage", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage: %w", err)
	}
	return stage, nil
}

// SaveStage overwrites the mutable columns of an existing stage.
func (s *SQLiteStore) SaveStage(ctx context.Context, stage *engine.UpdateStage) error {
	args, err := stageUpdateArgs(stage)
	if err != nil {
		return err
	}

	query := `UPDATE stages SET ` + stageUpdateColumns + ` WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, append(args, stage.ID)...)
	if err != nil {
		return fmt.Errorf("failed to save stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("stage", stage.ID)
	}
	return nil
}

// TransitionStage saves the stage only while its stored state is from and,
// if ownerToken is set, the project's lock row carries ownerToken. A single
// UPDATE checks both, so concurrent writers cannot both win.
func (s *SQLiteStore) TransitionStage(ctx context.Context, stage *engine.UpdateStage, from engine.StageState, ownerToken string) error {
	args, err := stageUpdateArgs(stage)
	if err != nil {
		return err
	}

	query := `UPDATE stages SET ` + stageUpdateColumns + `
		WHERE id = ? AND state = ?
		  AND (? = '' OR EXISTS (
		    SELECT 1 FROM stage_locks
		    WHERE stage_locks.project_root = stages.project_root AND stage_locks.owner_token = ?
		  ))`
	args = append(args, stage.ID, string(from), ownerToken, ownerToken)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("stage %s from %s: %w", stage.ID, from, engine.ErrStaleTransition)
	}
	return nil
}

const stageUpdateColumns = `state = ?, failure_marker = ?, validation_results = ?, commit_started = ?,
		post_applied = ?, last_error = ?, updated_at = ?`

func stageUpdateArgs(stage *engine.UpdateStage) ([]interface{}, error) {
	if stage.UpdatedAt.IsZero() {
		stage.UpdatedAt = time.Now().UTC()
	}

	results, err := encodeJSON(stage.ValidationResults)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		string(stage.State),
		stage.FailureMarker,
		results,
		boolToInt(stage.CommitStarted),
		boolToInt(stage.PostApplied),
		stage.LastError,
		formatTime(stage.UpdatedAt),
	}, nil
}

// ListStages lists stages for a project root, newest first.
func (s *SQLiteStore) ListStages(ctx context.Context, projectRoot string, limit int) ([]*engine.UpdateStage, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + stageColumns + ` FROM stages
		WHERE project_root = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, projectRoot, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	stages := []*engine.UpdateStage{}
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, stage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stages: %w", err)
	}

	return stages, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStage(row rowScanner) (*engine.UpdateStage, error) {
	var (
		stage                   engine.UpdateStage
		state, targets          string
		marker, results         sql.NullString
		unattended, started, pa int
		createdAt, updatedAt    string
	)

	err := row.Scan(
		&stage.ID,
		&stage.ProjectRoot,
		&stage.StageDir,
		&state,
		&targets,
		&unattended,
		&stage.OwnerToken,
		&marker,
		&results,
		&started,
		&pa,
		&stage.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	stage.State = engine.StageState(state)
	stage.Unattended = unattended != 0
	stage.CommitStarted = started != 0
	stage.PostApplied = pa != 0
	if marker.Valid {
		m := marker.String
		stage.FailureMarker = &m
	}
	if err := decodeJSON(sql.NullString{String: targets, Valid: true}, &stage.TargetVersions); err != nil {
		return nil, err
	}
	if err := decodeJSON(results, &stage.ValidationResults); err != nil {
		return nil, err
	}
	if stage.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if stage.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &stage, nil
}

// InsertLock claims the project root. The primary key on project_root makes
// this the atomic test-and-set.
func (s *SQLiteStore) InsertLock(ctx context.Context, record *engine.LockRecord) error {
	if record.AcquiredAt.IsZero() {
		record.AcquiredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO stage_locks (project_root, owner_token, stage_id, stage_directory, pid, hostname, acquired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_root) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		record.ProjectRoot,
		record.OwnerToken,
		record.StageID,
		record.StageDirectory,
		record.PID,
		record.Hostname,
		formatTime(record.AcquiredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrLockRecordExists
	}
	return nil
}

// GetLock returns the lock record, or nil when the project root is free.
func (s *SQLiteStore) GetLock(ctx context.Context, projectRoot string) (*engine.LockRecord, error) {
	query := `
		SELECT project_root, owner_token, stage_id, stage_directory, pid, hostname, acquired_at
		FROM stage_locks
		WHERE project_root = ?
	`

	record := &engine.LockRecord{}
	var acquiredAt string
	err := s.db.QueryRowContext(ctx, query, projectRoot).Scan(
		&record.ProjectRoot,
		&record.OwnerToken,
		&record.StageID,
		&record.StageDirectory,
		&record.PID,
		&record.Hostname,
		&acquiredAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	if record.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteLock removes the lock only if ownerToken holds it.
func (s *SQLiteStore) DeleteLock(ctx context.Context, projectRoot, ownerToken string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_locks WHERE project_root = ? AND owner_token = ?`, projectRoot, ownerToken)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ForceDeleteLock removes the lock regardless of owner.
func (s *SQLiteStore) ForceDeleteLock(ctx context.Context, projectRoot string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM stage_locks WHERE project_root = ?`, projectRoot)
	if err != nil {
		return false, fmt.Errorf("failed to force delete lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetFailureMarker returns the marker for a project root, or nil.
func (s *SQLiteStore) GetFailureMarker(ctx context.Context, projectRoot string) (*engine.FailureMarker, error) {
	query := `
		SELECT project_root, stage_id, operation, message, details, created_at
		FROM failure_markers
		WHERE project_root = ?
	`

	marker := &engine.FailureMarker{}
	var (
		details   sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, projectRoot).Scan(
		&marker.ProjectRoot,
		&marker.StageID,
		&marker.Operation,
		&marker.Message,
		&details,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failure marker: %w", err)
	}
	if err := decodeJSON(details, &marker.Details); err != nil {
		return nil, err
	}
	if marker.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return marker, nil
}

// WriteFailureMarker creates or replaces the marker for the project root.
func (s *SQLiteStore) WriteFailureMarker(ctx context.Context, marker *engine.FailureMarker) error {
	if marker.CreatedAt.IsZero() {
		marker.CreatedAt = time.Now().UTC()
	}
	details, err := encodeJSON(marker.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO failure_markers (project_root, stage_id, operation, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_root) DO UPDATE SET
			stage_id = excluded.stage_id,
			operation = excluded.operation,
			message = excluded.message,
			details = excluded.details,
			created_at = excluded.created_at
	`
	_, err = s.db.ExecContext(ctx, query,
		marker.ProjectRoot,
		marker.StageID,
		marker.Operation,
		marker.Message,
		details,
		formatTime(marker.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write failure marker: %w", err)
	}
	return nil
}

// ClearFailureMarker deletes the marker. Clearing a missing marker is not an error.
func (s *SQLiteStore) ClearFailureMarker(ctx context.Context, projectRoot string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM failure_markers WHERE project_root = ?`, projectRoot); err != nil {
		return fmt.Errorf("failed to clear failure marker: %w", err)
	}
	return nil
}

// AppendEvent appends an entry to a stage timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.StageEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	details, err := encodeJSON(event.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (stage_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.StageID,
		string(event.Type),
		event.Level,
		event.Message,
		details,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents returns a stage timeline in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, stageID string, limit int) ([]*engine.StageEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, stage_id, type, level, message, details, timestamp
		FROM events
		WHERE stage_id = ?
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, stageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.StageEvent{}
	for rows.Next() {
		var (
			event     engine.StageEvent
			eventType string
			details   sql.NullString
			ts        string
		)
		if err := rows.Scan(&event.ID, &event.StageID, &eventType, &event.Level, &event.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if err := decodeJSON(details, &event.Details); err != nil {
			return nil, err
		}
		if event.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// RecordAudit creates a new audit log entry
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry *engine.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit (action, actor, project_root, stage_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.ProjectRoot,
		nullString(entry.StageID),
		details,
		formatTime(entry.Timestamp),
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

// ListAuditEntries lists audit entries for a project root, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, projectRoot string, limit int) ([]*engine.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, action, actor, project_root, stage_id, details, timestamp
		FROM audit
		WHERE project_root = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, projectRoot, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		var (
			entry   engine.AuditEntry
			stageID sql.NullString
			details sql.NullString
			ts      string
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.ProjectRoot, &stageID, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.StageID = stageID.String
		if err := decodeJSON(details, &entry.Details); err != nil {
			return nil, err
		}
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
