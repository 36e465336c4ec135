package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/polemarch/pkg/engine"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// connectionPragmas are applied by the driver to every pooled connection.
var connectionPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// DSN builds the modernc.org/sqlite data source name for path. Writers open
// IMMEDIATE transactions so concurrent writers wait on busy_timeout instead
// of failing on lock upgrade.
func DSN(path string) string {
	q := url.Values{}
	for _, p := range connectionPragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", DSN(s.path))
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

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// UpsertProject inserts or updates a project
func (s *SQLiteStore) UpsertProject(ctx context.Context, project *engine.Project) error {
	query := `
		INSERT INTO projects (id, name, backend, source, revision, vars, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			backend = excluded.backend,
			source = excluded.source,
			revision = excluded.revision,
			vars = excluded.vars,
			updated_at = excluded.updated_at
	`

	vars, err := marshalJSON(project.Vars)
	if err != nil {
		return fmt.Errorf("failed to encode project vars: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		project.Backend,
		project.Source,
		project.Revision,
		vars,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}

	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	query := `SELECT id, name, backend, source, revision, vars FROM projects WHERE id = ?`

	project, err := scanProject(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// ListProjects lists all projects ordered by ID
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*engine.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, backend, source, revision, vars FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*engine.Project{}
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// DeleteProject deletes a project together with its sync record, jobs and histories
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	return expectRows(result, "project", id)
}

// GetSyncRecord retrieves the sync record of a project
func (s *SQLiteStore) GetSyncRecord(ctx context.Context, projectID string) (*engine.SyncRecord, error) {
	query := `
		SELECT project_id, backend, source, revision, status, error, updated_at
		FROM sync_records
		WHERE project_id = ?
	`

	record := &engine.SyncRecord{}
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(
		&record.ProjectID,
		&record.Backend,
		&record.Source,
		&record.Revision,
		&record.Status,
		&record.Error,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync record %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync record: %w", err)
	}

	return record, nil
}

// UpsertSyncRecord inserts or updates the sync record of a project
func (s *SQLiteStore) UpsertSyncRecord(ctx context.Context, record *engine.SyncRecord) error {
	query := `
		INSERT INTO sync_records (project_id, backend, source, revision, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			backend = excluded.backend,
			source = excluded.source,
			revision = excluded.revision,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		record.ProjectID,
		record.Backend,
		record.Source,
		record.Revision,
		record.Status,
		record.Error,
		record.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync record: %w", err)
	}

	return nil
}

// CreateHistory creates a new execution record and assigns its ID
func (s *SQLiteStore) CreateHistory(ctx context.Context, record *engine.ExecutionRecord) error {
	query := `
		INSERT INTO histories (
			project_id, job_key, job_ref, kind, target, status,
			started_at, stopped_at, initiator, initiator_type, args, error, owner
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	args := string(record.Args)
	if args == "" {
		args = "{}"
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		record.ProjectID,
		record.JobKey,
		record.JobRef,
		record.Kind,
		record.Target,
		record.Status,
		record.StartedAt.UTC(),
		record.StoppedAt,
		record.Initiator,
		record.InitiatorType,
		args,
		record.Error,
		record.Owner,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", record.JobKey, ErrJobActive)
	}
	if err != nil {
		return fmt.Errorf("failed to create history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get history ID: %w", err)
	}

	record.ID = id
	return nil
}

const historyColumns = `id, project_id, job_key, job_ref, kind, target, status,
	started_at, stopped_at, initiator, initiator_type, args, error, owner`

// GetHistory retrieves an execution record by ID
func (s *SQLiteStore) GetHistory(ctx context.Context, id int64) (*engine.ExecutionRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM histories WHERE id = ?`

	record, err := scanHistory(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	return record, nil
}

// ListHistories lists execution records, newest first
func (s *SQLiteStore) ListHistories(ctx context.Context, filter HistoryFilter, limit, offset int) ([]*engine.ExecutionRecord, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM histories
		WHERE (? IS NULL OR project_id = ?)
		  AND (? IS NULL OR status = ?)
		  AND (? IS NULL OR job_key = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.ProjectID, filter.ProjectID,
		filter.Status, filter.Status,
		filter.JobKey, filter.JobKey,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list histories: %w", err)
	}
	defer rows.Close()

	records := []*engine.ExecutionRecord{}
	for rows.Next() {
		record, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating histories: %w", err)
	}

	return records, nil
}

// MarkHistoryRunning moves a record from DELAY to RUN.
// It reports false when the record was no longer in DELAY.
func (s *SQLiteStore) MarkHistoryRunning(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE histories SET status = 'RUN' WHERE id = ? AND status = 'DELAY'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark history running: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// FinalizeHistory records a terminal status.
// Only the first finalization of a record takes effect; later calls report false.
func (s *SQLiteStore) FinalizeHistory(ctx context.Context, id int64, status engine.ExecutionStatus, errMsg string, stoppedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}

	query := `
		UPDATE histories
		SET status = ?, error = ?, stopped_at = ?
		WHERE id = ? AND status IN ('DELAY', 'RUN')
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, stoppedAt.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to finalize history: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// AppendHistoryLine appends one output line. The (history_id, line_number) key rejects duplicates.
func (s *SQLiteStore) AppendHistoryLine(ctx context.Context, line *engine.HistoryLine) error {
	query := `INSERT INTO history_lines (history_id, line_number, line, emitted_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, line.HistoryID, line.Number, line.Text, line.EmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append history line: %w", err)
	}

	return nil
}

// MaxHistoryLine returns the highest line number of a history, or 0
func (s *SQLiteStore) MaxHistoryLine(ctx context.Context, historyID int64) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(line_number), 0) FROM history_lines WHERE history_id = ?`, historyID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to get last history line: %w", err)
	}

	return last, nil
}

// ListHistoryLines returns up to limit lines numbered after the given line, in order
func (s *SQLiteStore) ListHistoryLines(ctx context.Context, historyID, after int64, limit int) ([]engine.HistoryLine, error) {
	query := `
		SELECT history_id, line_number, line, emitted_at
		FROM history_lines
		WHERE history_id = ? AND line_number > ?
		ORDER BY line_number
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, historyID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history lines: %w", err)
	}
	defer rows.Close()

	lines := []engine.HistoryLine{}
	for rows.Next() {
		var line engine.HistoryLine
		if err := rows.Scan(&line.HistoryID, &line.Number, &line.Text, &line.EmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history lines: %w", err)
	}

	return lines, nil
}

// ReplaceHistoryLines atomically replaces all lines of a finished history with a single line.
// It returns ErrHistoryActive while the record is DELAY or RUN and ErrHistoryCleared when
// the history already consists of exactly that line.
func (s *SQLiteStore) ReplaceHistoryLines(ctx context.Context, historyID int64, text string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status engine.ExecutionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM histories WHERE id = ?`, historyID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("history %d: %w", historyID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get history status: %w", err)
	}
	if status.IsActive() {
		return fmt.Errorf("history %d is %s: %w", historyID, status, ErrHistoryActive)
	}

	var count int64
	var first sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), (SELECT line FROM history_lines WHERE history_id = ? ORDER BY line_number LIMIT 1)
		FROM history_lines WHERE history_id = ?`, historyID, historyID).Scan(&count, &first)
	if err != nil {
		return fmt.Errorf("failed to inspect history lines: %w", err)
	}
	if count == 1 && first.Valid && first.String == text {
		return fmt.Errorf("history %d: %w", historyID, ErrHistoryCleared)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_lines WHERE history_id = ?`, historyID); err != nil {
		return fmt.Errorf("failed to delete history lines: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history_lines (history_id, line_number, line, emitted_at) VALUES (?, 1, ?, ?)`,
		historyID, text, at.UTC()); err != nil {
		return fmt.Errorf("failed to insert replacement line: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history replacement: %w", err)
	}

	return nil
}

// UpsertInventory stores a named inventory definition (JSON)
func (s *SQLiteStore) UpsertInventory(ctx context.Context, name, definition string) error {
	query := `
		INSERT INTO inventories (name, definition, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, name, definition, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert inventory: %w", err)
	}

	return nil
}

// GetInventory retrieves a named inventory definition
func (s *SQLiteStore) GetInventory(ctx context.Context, name string) (string, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM inventories WHERE name = ?`, name).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("inventory %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get inventory: %w", err)
	}

	return definition, nil
}

// UpsertJob inserts or updates a job definition
func (s *SQLiteStore) UpsertJob(ctx context.Context, job *engine.JobDefinition) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	definition, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	query := `
		INSERT INTO jobs (id, project_id, definition, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, job.ID, job.ProjectID, string(definition), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	return nil
}

// GetJob retrieves a job definition by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*engine.JobDefinition, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM jobs WHERE id = ?`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := &engine.JobDefinition{}
	if err := json.Unmarshal([]byte(definition), job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}

	return job, nil
}

// ListJobs lists all job definitions ordered by ID
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*engine.JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*engine.JobDefinition{}
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job := &engine.JobDefinition{}
		if err := json.Unmarshal([]byte(definition), job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// UpsertScheduleEntry inserts or updates a schedule entry, keeping its last trigger time
func (s *SQLiteStore) UpsertScheduleEntry(ctx context.Context, entry *engine.ScheduleEntry) error {
	query := `
		INSERT INTO periodic_tasks (id, job_id, type, schedule, enabled, last_triggered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job_id = excluded.job_id,
			type = excluded.type,
			schedule = excluded.schedule,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.JobID,
		entry.Type,
		entry.Schedule,
		entry.Enabled,
		entry.LastTriggeredAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule entry: %w", err)
	}

	return nil
}

// GetScheduleEntry retrieves a schedule entry by ID
func (s *SQLiteStore) GetScheduleEntry(ctx context.Context, id string) (*engine.ScheduleEntry, error) {
	query := `SELECT id, job_id, type, schedule, enabled, last_triggered_at FROM periodic_tasks WHERE id = ?`

	entry, err := scanScheduleEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule entry: %w", err)
	}

	return entry, nil
}

// ListScheduleEntries lists all schedule entries ordered by ID
func (s *SQLiteStore) ListScheduleEntries(ctx context.Context) ([]*engine.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, type, schedule, enabled, last_triggered_at FROM periodic_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.ScheduleEntry{}
	for rows.Next() {
		entry, err := scanScheduleEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule entries: %w", err)
	}

	return entries, nil
}

// MarkScheduleTriggered records when a schedule entry last fired
func (s *SQLiteStore) MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE periodic_tasks SET last_triggered_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule entry triggered: %w", err)
	}

	return expectRows(result, "schedule entry", id)
}

// DeleteScheduleEntry deletes a schedule entry by ID
func (s *SQLiteStore) DeleteScheduleEntry(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM periodic_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule entry: %w", err)
	}

	return expectRows(result, "schedule entry", id)
}

// UpsertFact inserts or updates a fact
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact *Fact) error {
	query := `
		INSERT INTO facts (
			id, target_id, namespace, key, value, ttl, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, namespace, key) DO UPDATE SET
			value = excluded.value,
			ttl = excluded.ttl,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	// Format expires_at to SQLite-compatible datetime string
	var expiresAtStr *string
	if fact.ExpiresAt != nil {
		formatted := fact.ExpiresAt.UTC().Format("2006-01-02 15:04:05")
		expiresAtStr = &formatted
	}

	_, err := s.db.ExecContext(ctx, query,
		fact.ID,
		fact.TargetID,
		fact.Namespace,
		fact.Key,
		fact.Value,
		fact.TTL,
		expiresAtStr,
		fact.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		fact.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}

	return nil
}

// GetFact retrieves a live fact by target, namespace, and key
func (s *SQLiteStore) GetFact(ctx context.Context, targetID, namespace, key string) (*Fact, error) {
	query := `
		SELECT id, target_id, namespace, key, value, ttl, expires_at, created_at, updated_at
		FROM facts
		WHERE target_id = ? AND namespace = ? AND key = ?
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
	`

	fact := &Fact{}
	err := s.db.QueryRowContext(ctx, query, targetID, namespace, key).Scan(
		&fact.ID,
		&fact.TargetID,
		&fact.Namespace,
		&fact.Key,
		&fact.Value,
		&fact.TTL,
		&fact.ExpiresAt,
		&fact.CreatedAt,
		&fact.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s/%s/%s: %w", targetID, namespace, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}

	return fact, nil
}

// ListFacts lists live facts with optional filters and pagination
func (s *SQLiteStore) ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*Fact, error) {
	query := `
		SELECT id, target_id, namespace, key, value, ttl, expires_at, created_at, updated_at
		FROM facts
		WHERE (? IS NULL OR target_id = ?)
		  AND (? IS NULL OR namespace = ?)
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
		ORDER BY target_id, key
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, targetID, targetID, namespace, namespace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*Fact{}
	for rows.Next() {
		fact := &Fact{}
		err := rows.Scan(
			&fact.ID,
			&fact.TargetID,
			&fact.Namespace,
			&fact.Key,
			&fact.Value,
			&fact.TTL,
			&fact.ExpiresAt,
			&fact.CreatedAt,
			&fact.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}

	return facts, nil
}

// DeleteExpiredFacts deletes all expired facts
func (s *SQLiteStore) DeleteExpiredFacts(ctx context.Context) (int64, error) {
	query := `DELETE FROM facts WHERE expires_at IS NOT NULL AND datetime(expires_at) <= datetime('now')`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired facts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp.UTC(),
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
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*engine.Project, error) {
	project := &engine.Project{}
	var vars string
	if err := row.Scan(
		&project.ID,
		&project.Name,
		&project.Backend,
		&project.Source,
		&project.Revision,
		&vars,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(vars, &project.Vars); err != nil {
		return nil, fmt.Errorf("failed to decode project vars: %w", err)
	}
	return project, nil
}

func scanHistory(row rowScanner) (*engine.ExecutionRecord, error) {
	record := &engine.ExecutionRecord{}
	var args string
	if err := row.Scan(
		&record.ID,
		&record.ProjectID,
		&record.JobKey,
		&record.JobRef,
		&record.Kind,
		&record.Target,
		&record.Status,
		&record.StartedAt,
		&record.StoppedAt,
		&record.Initiator,
		&record.InitiatorType,
		&args,
		&record.Error,
		&record.Owner,
	); err != nil {
		return nil, err
	}
	record.Args = json.RawMessage(args)
	return record, nil
}

func scanScheduleEntry(row rowScanner) (*engine.ScheduleEntry, error) {
	entry := &engine.ScheduleEntry{}
	if err := row.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.Type,
		&entry.Schedule,
		&entry.Enabled,
		&entry.LastTriggeredAt,
	); err != nil {
		return nil, err
	}
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE
}

func expectRows(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func marshalJSON(v map[string]string) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v *map[string]string) error {
	if strings.TrimSpace(s) == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
