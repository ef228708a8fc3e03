package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/compose/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    spec          TEXT,
    simulator     TEXT,
    params        TEXT,
    duration      INTEGER NOT NULL DEFAULT 0,
    model_path    TEXT,
    snapshot_path TEXT,
    results       TEXT,
    created_at    DATETIME NOT NULL,
    last_updated  DATETIME NOT NULL
)`

const createJobsStatusIndex = `
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, created_at)`

const createUpdatesTable = `
CREATE TABLE IF NOT EXISTS job_updates (
    job_id    TEXT NOT NULL,
    step      INTEGER NOT NULL,
    timestamp DATETIME NOT NULL,
    results   TEXT NOT NULL,
    PRIMARY KEY (job_id, step)
)`

const createResultStatesTable = `
CREATE TABLE IF NOT EXISTS result_states (
    job_id        TEXT PRIMARY KEY,
    snapshot_path TEXT NOT NULL,
    step          INTEGER NOT NULL,
    last_updated  DATETIME NOT NULL
)`

const jobColumns = `id, status, spec, simulator, params, duration,
	model_path, snapshot_path, results, created_at, last_updated`

// kindCase classifies job IDs by prefix inside SQL; it matches model.Classify.
const kindCase = `CASE
	WHEN id LIKE 'composition-%' THEN 'composition'
	WHEN id LIKE 'run-%' THEN 'run'
	ELSE 'unknown' END`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	clock clock
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createJobsStatusIndex, createUpdatesTable, createResultStatesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamp returns the store clock.
func (s *SQLiteStore) Timestamp() time.Time {
	return s.clock.now()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j               model.Job
		spec, simulator sql.NullString
		params, results sql.NullString
		modelPath       sql.NullString
		snapshotPath    sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.Status, &spec, &simulator, &params, &j.Duration,
		&modelPath, &snapshotPath, &results, &j.CreatedAt, &j.LastUpdated,
	); err != nil {
		return nil, err
	}
	decoded, err := decodeSpec(spec)
	if err != nil {
		return nil, err
	}
	j.Spec = decoded
	j.Simulator = simulator.String
	j.Params = rawOrNil(params)
	j.ModelPath = modelPath.String
	j.SnapshotPath = snapshotPath.String
	j.Results = rawOrNil(results)
	return &j, nil
}

// CreateJob inserts a new job record. CreatedAt and LastUpdated default to
// the store clock when unset.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	spec, err := encodeSpec(j.Spec)
	if err != nil {
		return err
	}
	if j.Status == "" {
		j.Status = model.StatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.Timestamp()
	}
	if j.LastUpdated.IsZero() {
		j.LastUpdated = j.CreatedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, spec, nullString(j.Simulator), nullRaw(j.Params), j.Duration,
		nullString(j.ModelPath), nullString(j.SnapshotPath), nullRaw(j.Results), j.CreatedAt, j.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListPending returns PENDING jobs oldest first, read in a single statement.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		model.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectJobs(rows)
}

// ListStale returns IN_PROGRESS jobs not updated since cutoff.
func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND last_updated < ? ORDER BY last_updated ASC`,
		model.StatusInProgress, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// TransitionStatus performs a compare-and-set on the job status.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id, from, to string) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, last_updated = ? WHERE id = ? AND status = ?",
		to, s.Timestamp(), id, from,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

// FinishJob moves an IN_PROGRESS job to a terminal status with its results.
func (s *SQLiteStore) FinishJob(ctx context.Context, id, status string, results []byte) error {
	if err := checkFinish(status); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, results = ?, last_updated = ? WHERE id = ? AND status = ?",
		status, nullRaw(results), s.Timestamp(), id, model.StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

// Touch advances last_updated of an IN_PROGRESS job.
func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET last_updated = ? WHERE id = ? AND status = ?",
		s.Timestamp(), id, model.StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

// checkAffected distinguishes a missing job from one in the wrong status
// after a conditional update matched no rows.
func (s *SQLiteStore) checkAffected(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, id, status)
}

// GetJobStats returns aggregate job counts by status and kind.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*model.JobStats, error) {
	stats := &model.JobStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if err := s.groupCount(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := s.groupCount(ctx, "SELECT "+kindCase+" AS kind, COUNT(*) FROM jobs GROUP BY kind", stats.CountByKind); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) groupCount(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// InsertUpdate appends one step's results to the job's update history.
func (s *SQLiteStore) InsertUpdate(ctx context.Context, u model.StreamUpdate) error {
	results, err := encodeResults(u.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO job_updates (job_id, step, timestamp, results) VALUES (?, ?, ?, ?)",
		u.JobID, u.Step, u.Timestamp.UTC(), results,
	)
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

// GetUpdates returns the update history of a job ordered by step.
func (s *SQLiteStore) GetUpdates(ctx context.Context, jobID string) ([]model.StreamUpdate, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id, step, timestamp, results FROM job_updates WHERE job_id = ? ORDER BY step ASC",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	defer rows.Close()

	var updates []model.StreamUpdate
	for rows.Next() {
		var u model.StreamUpdate
		var results string
		if err := rows.Scan(&u.JobID, &u.Step, &u.Timestamp, &results); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		if u.Results, err = decodeResults(results); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return updates, nil
}

// WriteResultState upserts the checkpoint location for a job.
func (s *SQLiteStore) WriteResultState(ctx context.Context, rs *model.ResultState) error {
	if rs.LastUpdated.IsZero() {
		rs.LastUpdated = s.Timestamp()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_states (job_id, snapshot_path, step, last_updated) VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			snapshot_path = excluded.snapshot_path,
			step = excluded.step,
			last_updated = excluded.last_updated`,
		rs.JobID, rs.SnapshotPath, rs.Step, rs.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("write result state: %w", err)
	}
	return nil
}

// GetResultState returns the checkpoint location for a job.
func (s *SQLiteStore) GetResultState(ctx context.Context, jobID string) (*model.ResultState, error) {
	rs := &model.ResultState{}
	err := s.db.QueryRowContext(ctx,
		"SELECT job_id, snapshot_path, step, last_updated FROM result_states WHERE job_id = ?",
		jobID,
	).Scan(&rs.JobID, &rs.SnapshotPath, &rs.Step, &rs.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result state: %w", err)
	}
	return rs, nil
}
