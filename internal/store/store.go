package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/compose/internal/model"
)

var (
	// ErrNotFound is returned when a job or record is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a job status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusConflict is returned when a job is not in the expected prior
	// status, e.g. another dispatcher already claimed it.
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// Store is the job store contract. Every status change is a single-row
// compare-and-set; no operation spans more than one job.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	GetJobStats(ctx context.Context) (*model.JobStats, error)

	// ListPending returns a consistent snapshot of PENDING jobs, oldest first.
	ListPending(ctx context.Context) ([]*model.Job, error)

	// ListStale returns IN_PROGRESS jobs whose last_updated is before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*model.Job, error)

	// TransitionStatus moves a job from one status to another, failing with
	// ErrStatusConflict if the job is no longer in from.
	TransitionStatus(ctx context.Context, id, from, to string) error

	// FinishJob moves an IN_PROGRESS job to COMPLETE or FAILED and stores results.
	FinishJob(ctx context.Context, id, status string, results []byte) error

	// Touch advances last_updated of an IN_PROGRESS job.
	Touch(ctx context.Context, id string) error

	InsertUpdate(ctx context.Context, u model.StreamUpdate) error
	GetUpdates(ctx context.Context, jobID string) ([]model.StreamUpdate, error)

	WriteResultState(ctx context.Context, rs *model.ResultState) error
	GetResultState(ctx context.Context, jobID string) (*model.ResultState, error)

	// Timestamp returns the store clock; successive calls never go backwards.
	Timestamp() time.Time

	Close() error
}
