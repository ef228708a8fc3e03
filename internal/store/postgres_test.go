package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/seantiz/compose/internal/model"
)

var pgJobColumns = []string{
	"id", "status", "spec", "simulator", "params", "duration",
	"model_path", "snapshot_path", "results", "created_at", "last_updated",
}

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	s := NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres"))
	t.Cleanup(func() {
		s.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
	})
	return s, mock
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockPostgres(t)
	for range postgresMigrations {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	mock.ExpectClose()
}

func TestPostgresGetJob(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("composition-1").
		WillReturnRows(sqlmock.NewRows(pgJobColumns).AddRow(
			"composition-1", model.StatusPending,
			`{"counter":{"_type":"process","address":"local:counter"}}`,
			nil, nil, 3, nil, nil, nil, now, now,
		))
	mock.ExpectClose()

	j, err := s.GetJob(context.Background(), "composition-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != model.StatusPending {
		t.Errorf("Status = %q", j.Status)
	}
	if j.Duration != 3 {
		t.Errorf("Duration = %d, want 3", j.Duration)
	}
	if j.Spec["counter"].Address != "local:counter" {
		t.Errorf("Spec = %v", j.Spec)
	}
	if j.Params != nil || j.Results != nil {
		t.Errorf("expected nil params/results, got %s / %s", j.Params, j.Results)
	}
}

func TestPostgresGetJobNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(pgJobColumns))
	mock.ExpectClose()

	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresCreateJob(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs(sqlmock.AnyArg(), model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			5, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	j := &model.Job{ID: model.NewRunID("growth"), Simulator: "growth", Duration: 5}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.Status != model.StatusPending {
		t.Errorf("Status = %q, want PENDING default", j.Status)
	}
	if j.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}
}

func TestPostgresTransitionStatus(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1")).
		WithArgs(model.StatusInProgress, sqlmock.AnyArg(), "composition-1", model.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	err := s.TransitionStatus(context.Background(), "composition-1", model.StatusPending, model.StatusInProgress)
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
}

func TestPostgresTransitionStatusConflict(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs WHERE id = $1")).
		WithArgs("composition-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.StatusInProgress))
	mock.ExpectClose()

	err := s.TransitionStatus(context.Background(), "composition-1", model.StatusPending, model.StatusInProgress)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict", err)
	}
}

func TestPostgresFinishJobMissing(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1, results = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectClose()

	err := s.FinishJob(context.Background(), "gone", model.StatusFailed, []byte(`"boom"`))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresListJobs(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $1 OFFSET $2")).
		WithArgs(2, 0).
		WillReturnRows(sqlmock.NewRows(pgJobColumns).
			AddRow("run-a-2", model.StatusComplete, nil, "a", `{}`, 1, nil, nil, `{"value":1}`, now, now).
			AddRow("run-a-1", model.StatusFailed, nil, "a", `{}`, 1, "models/a.txt", nil, `"boom"`, now, now))
	mock.ExpectRollback()
	mock.ExpectClose()

	jobs, total, err := s.ListJobs(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 7 {
		t.Errorf("total = %d, want 7", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	if string(jobs[1].Results) != `"boom"` {
		t.Errorf("Results = %s", jobs[1].Results)
	}
}

func TestPostgresGetJobStats(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).
			AddRow(model.StatusPending, 2).
			AddRow(model.StatusComplete, 1))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY 1")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).
			AddRow("composition", 2).
			AddRow("run", 1))
	mock.ExpectClose()

	stats, err := s.GetJobStats(context.Background())
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 3 || stats.CountByStatus[model.StatusPending] != 2 || stats.CountByKind["run"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPostgresGetUpdates(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM job_updates WHERE job_id = $1 ORDER BY step ASC")).
		WithArgs("composition-1").
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "step", "timestamp", "results"}).
			AddRow("composition-1", 1, now, `[{"value":1}]`).
			AddRow("composition-1", 2, now, `[{"value":2}]`))
	mock.ExpectClose()

	updates, err := s.GetUpdates(context.Background(), "composition-1")
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 2 || updates[1].Results[0]["value"] != float64(2) {
		t.Errorf("updates = %+v", updates)
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()

	j := &model.Job{ID: model.NewCompositionID(), Duration: 2, Spec: model.CompositionSpec{
		"counter": {Type: model.NodeTypeProcess, Address: "local:counter"},
	}}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.TransitionStatus(ctx, j.ID, model.StatusPending, model.StatusInProgress); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if err := s.FinishJob(ctx, j.ID, model.StatusComplete, []byte(`{"updates":[]}`)); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.StatusComplete {
		t.Errorf("Status = %q, want COMPLETE", got.Status)
	}
}
