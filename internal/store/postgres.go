package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/seantiz/compose/internal/model"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		spec          JSONB,
		simulator     TEXT,
		params        JSONB,
		duration      INTEGER NOT NULL DEFAULT 0,
		model_path    TEXT,
		snapshot_path TEXT,
		results       JSONB,
		created_at    TIMESTAMPTZ NOT NULL,
		last_updated  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS job_updates (
		job_id    TEXT NOT NULL,
		step      INTEGER NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		results   JSONB NOT NULL,
		PRIMARY KEY (job_id, step)
	)`,
	`CREATE TABLE IF NOT EXISTS result_states (
		job_id        TEXT PRIMARY KEY,
		snapshot_path TEXT NOT NULL,
		step          INTEGER NOT NULL,
		last_updated  TIMESTAMPTZ NOT NULL
	)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL for deployments where several
// dispatchers share one job table.
type PostgresStore struct {
	db    *sqlx.DB
	clock clock
}

type jobRow struct {
	ID           string         `db:"id"`
	Status       string         `db:"status"`
	Spec         sql.NullString `db:"spec"`
	Simulator    sql.NullString `db:"simulator"`
	Params       sql.NullString `db:"params"`
	Duration     int            `db:"duration"`
	ModelPath    sql.NullString `db:"model_path"`
	SnapshotPath sql.NullString `db:"snapshot_path"`
	Results      sql.NullString `db:"results"`
	CreatedAt    time.Time      `db:"created_at"`
	LastUpdated  time.Time      `db:"last_updated"`
}

func (r *jobRow) job() (*model.Job, error) {
	spec, err := decodeSpec(r.Spec)
	if err != nil {
		return nil, err
	}
	return &model.Job{
		ID:           r.ID,
		Status:       r.Status,
		Spec:         spec,
		Simulator:    r.Simulator.String,
		Params:       rawOrNil(r.Params),
		Duration:     r.Duration,
		ModelPath:    r.ModelPath.String,
		SnapshotPath: r.SnapshotPath.String,
		Results:      rawOrNil(r.Results),
		CreatedAt:    r.CreatedAt,
		LastUpdated:  r.LastUpdated,
	}, nil
}

type updateRow struct {
	JobID     string    `db:"job_id"`
	Step      int       `db:"step"`
	Timestamp time.Time `db:"timestamp"`
	Results   string    `db:"results"`
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresStoreFromDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing connection without migrating.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Timestamp returns the store clock.
func (s *PostgresStore) Timestamp() time.Time {
	return s.clock.now()
}

func (s *PostgresStore) CreateJob(ctx context.Context, j *model.Job) error {
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
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.Status, spec, nullString(j.Simulator), nullRaw(j.Params), j.Duration,
		nullString(j.ModelPath), nullString(j.SnapshotPath), nullRaw(j.Results), j.CreatedAt, j.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.job()
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.GetContext(ctx, &total, "SELECT COUNT(*) FROM jobs"); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	var rows []jobRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := toJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]*model.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		model.StatusPending,
	); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return toJobs(rows)
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND last_updated < $2 ORDER BY last_updated ASC`,
		model.StatusInProgress, cutoff.UTC(),
	); err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return toJobs(rows)
}

func toJobs(rows []jobRow) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id, from, to string) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = $1, last_updated = $2 WHERE id = $3 AND status = $4",
		to, s.Timestamp(), id, from,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

func (s *PostgresStore) FinishJob(ctx context.Context, id, status string, results []byte) error {
	if err := checkFinish(status); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = $1, results = $2, last_updated = $3 WHERE id = $4 AND status = $5",
		status, nullRaw(results), s.Timestamp(), id, model.StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

func (s *PostgresStore) Touch(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET last_updated = $1 WHERE id = $2 AND status = $3",
		s.Timestamp(), id, model.StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

func (s *PostgresStore) checkAffected(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.GetContext(ctx, &status, "SELECT status FROM jobs WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, id, status)
}

func (s *PostgresStore) GetJobStats(ctx context.Context) (*model.JobStats, error) {
	stats := &model.JobStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}
	if err := s.db.GetContext(ctx, &stats.Total, "SELECT COUNT(*) FROM jobs"); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	type group struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	var groups []group
	if err := s.db.SelectContext(ctx, &groups,
		"SELECT status AS key, COUNT(*) AS count FROM jobs GROUP BY status"); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for _, g := range groups {
		stats.CountByStatus[g.Key] = g.Count
	}

	groups = groups[:0]
	if err := s.db.SelectContext(ctx, &groups,
		"SELECT "+kindCase+" AS key, COUNT(*) AS count FROM jobs GROUP BY 1"); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	for _, g := range groups {
		stats.CountByKind[g.Key] = g.Count
	}
	return stats, nil
}

func (s *PostgresStore) InsertUpdate(ctx context.Context, u model.StreamUpdate) error {
	results, err := encodeResults(u.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO job_updates (job_id, step, timestamp, results) VALUES ($1, $2, $3, $4)",
		u.JobID, u.Step, u.Timestamp.UTC(), results,
	)
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUpdates(ctx context.Context, jobID string) ([]model.StreamUpdate, error) {
	var rows []updateRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT job_id, step, timestamp, results FROM job_updates WHERE job_id = $1 ORDER BY step ASC",
		jobID,
	); err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	updates := make([]model.StreamUpdate, 0, len(rows))
	for _, r := range rows {
		results, err := decodeResults(r.Results)
		if err != nil {
			return nil, err
		}
		updates = append(updates, model.StreamUpdate{
			JobID:     r.JobID,
			Step:      r.Step,
			Timestamp: r.Timestamp,
			Results:   results,
		})
	}
	return updates, nil
}

func (s *PostgresStore) WriteResultState(ctx context.Context, rs *model.ResultState) error {
	if rs.LastUpdated.IsZero() {
		rs.LastUpdated = s.Timestamp()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_states (job_id, snapshot_path, step, last_updated) VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			snapshot_path = EXCLUDED.snapshot_path,
			step = EXCLUDED.step,
			last_updated = EXCLUDED.last_updated`,
		rs.JobID, rs.SnapshotPath, rs.Step, rs.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("write result state: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResultState(ctx context.Context, jobID string) (*model.ResultState, error) {
	var row struct {
		JobID        string    `db:"job_id"`
		SnapshotPath string    `db:"snapshot_path"`
		Step         int       `db:"step"`
		LastUpdated  time.Time `db:"last_updated"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT job_id, snapshot_path, step, last_updated FROM result_states WHERE job_id = $1",
		jobID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result state: %w", err)
	}
	return &model.ResultState{
		JobID:        row.JobID,
		SnapshotPath: row.SnapshotPath,
		Step:         row.Step,
		LastUpdated:  row.LastUpdated,
	}, nil
}
