package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/openfroyo/provisioner/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the job store, partition store and audit log on
// a single SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ engine.JobStore       = (*SQLiteStore)(nil)
	_ engine.PartitionStore = (*SQLiteStore)(nil)
	_ engine.AuditLog       = (*SQLiteStore)(nil)
)

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
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Each connection to :memory: opens its own database.
	if cfg.inMemory() {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection with WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
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

const jobColumns = `id, resource_name, mode, phase, stage, request, labels, attempt, result,
	created_at, started_at, finished_at`

// CreateJob inserts a pending job. A terminal job with the same ID is
// replaced; an active one, or any other active job of the resource, is a
// conflict wrapping engine.ErrActiveJobExists.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *engine.Job) error {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	labels, err := marshalNullable(job.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL)
		ON CONFLICT(id) DO UPDATE SET
			resource_name = excluded.resource_name,
			mode = excluded.mode,
			phase = excluded.phase,
			stage = excluded.stage,
			request = excluded.request,
			labels = excluded.labels,
			attempt = excluded.attempt,
			result = NULL,
			created_at = excluded.created_at,
			started_at = NULL,
			finished_at = NULL
		WHERE jobs.phase IN ('Succeeded', 'Failed')
	`

	result, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.ResourceName,
		job.Mode,
		job.Phase,
		job.Stage,
		string(request),
		labels,
		job.Attempt,
		job.CreatedAt,
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("failed to create job %s: %w", job.ID, engine.ErrActiveJobExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	// The upsert guard skipped the update: the same job is still active.
	if rows == 0 {
		return fmt.Errorf("job %s is still active: %w", job.ID, engine.ErrActiveJobExists)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*engine.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// LatestJob returns the most recently created job of a resource.
func (s *SQLiteStore) LatestJob(ctx context.Context, resourceName string) (*engine.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE resource_name = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, resourceName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("jobs of %s: %w", resourceName, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}

	return job, nil
}

// ListJobs returns every job of a resource, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, resourceName string) ([]*engine.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE resource_name = ?
		ORDER BY created_at DESC, rowid DESC
	`
	return s.queryJobs(ctx, query, resourceName)
}

// LatestJobs returns the most recent job of every resource, ordered by name.
func (s *SQLiteStore) LatestJobs(ctx context.Context) ([]*engine.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs j
		WHERE j.rowid = (
			SELECT rowid FROM jobs
			WHERE resource_name = j.resource_name
			ORDER BY created_at DESC, rowid DESC
			LIMIT 1
		)
		ORDER BY resource_name ASC
	`
	return s.queryJobs(ctx, query)
}

// ActiveJobs returns all jobs in Pending or Running.
func (s *SQLiteStore) ActiveJobs(ctx context.Context) ([]*engine.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE phase IN ('Pending', 'Running')
		ORDER BY created_at ASC
	`
	return s.queryJobs(ctx, query)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*engine.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*engine.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// MarkRunning moves a pending job to Running.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		UPDATE jobs
		SET phase = 'Running', started_at = ?
		WHERE id = ? AND phase = 'Pending'
	`

	result, err := s.db.ExecContext(ctx, query, startedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// UpdateStage records the stage an active job entered.
func (s *SQLiteStore) UpdateStage(ctx context.Context, id string, stage engine.Stage) error {
	query := `
		UPDATE jobs
		SET stage = ?
		WHERE id = ? AND phase IN ('Pending', 'Running')
	`

	result, err := s.db.ExecContext(ctx, query, stage, id)
	if err != nil {
		return fmt.Errorf("failed to update job stage: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// FinishJob moves an active job to the result's terminal phase.
func (s *SQLiteStore) FinishJob(ctx context.Context, id string, result engine.TerminalResult, finishedAt time.Time) error {
	if !result.Phase.IsTerminal() {
		return fmt.Errorf("cannot finish job %s in phase %s: %w", id, result.Phase, engine.ErrInvalidTransition)
	}

	summary, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	query := `
		UPDATE jobs
		SET phase = ?,
			stage = CASE WHEN ? = '' THEN stage ELSE ? END,
			result = ?,
			finished_at = ?
		WHERE id = ? AND phase IN ('Pending', 'Running')
	`

	res, err := s.db.ExecContext(ctx, query,
		result.Phase,
		result.Stage, result.Stage,
		string(summary),
		finishedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition distinguishes a missing job from one whose phase guard failed.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var phase engine.Phase
	err = s.db.QueryRowContext(ctx, `SELECT phase FROM jobs WHERE id = ?`, id).Scan(&phase)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, engine.ErrRecordNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read job phase: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", id, phase, engine.ErrInvalidTransition)
}

// DeleteJob deletes a job by ID
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("job %s: %w", id, engine.ErrRecordNotFound)
	}

	return nil
}

// DeleteJobs removes all job records of a resource.
func (s *SQLiteStore) DeleteJobs(ctx context.Context, resourceName string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE resource_name = ?`, resourceName)
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*engine.Job, error) {
	var (
		job     engine.Job
		request string
		labels  sql.NullString
		result  sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.ResourceName,
		&job.Mode,
		&job.Phase,
		&job.Stage,
		&request,
		&labels,
		&job.Attempt,
		&result,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request of job %s: %w", job.ID, err)
	}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &job.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels of job %s: %w", job.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		job.Result = &engine.TerminalResult{}
		if err := json.Unmarshal([]byte(result.String), job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", job.ID, err)
		}
	}

	return &job, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// isConstraintViolation reports whether err is a SQLite constraint failure.
func isConstraintViolation(err error) bool {
	return sqliteErrorCode(err) == sqlite3lib.SQLITE_CONSTRAINT
}

// sqliteErrorCode returns the primary result code of a driver error, or 0.
func sqliteErrorCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory")
}
