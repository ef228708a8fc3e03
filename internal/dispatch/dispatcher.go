package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/compose/internal/blobstore"
	"github.com/seantiz/compose/internal/model"
	"github.com/seantiz/compose/internal/simrun"
	"github.com/seantiz/compose/internal/store"
	"github.com/seantiz/compose/internal/stream"
)

const (
	// DefaultPollInterval is the backoff between loop iterations.
	DefaultPollInterval = time.Second

	// DefaultConcurrency bounds how many jobs one iteration runs at once.
	DefaultConcurrency = 4
)

// ErrUnknownKind is the failure recorded for a job whose ID prefix matches no
// runtime.
var ErrUnknownKind = errors.New("unknown job kind")

// Dispatcher polls the job store and drives pending jobs to completion.
type Dispatcher struct {
	store     store.Store
	blobs     blobstore.Store
	exec      *stream.Executor
	runner    CompositionRunner
	sims      *simrun.Registry
	broker    *stream.Broker
	logger    *slog.Logger
	interval  time.Duration
	limit     int
	active    sync.Map
	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRunner replaces the in-process composition runner.
func WithRunner(r CompositionRunner) Option {
	return func(d *Dispatcher) {
		d.runner = r
	}
}

// WithPollInterval sets the sleep between loop iterations.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithConcurrency bounds the number of jobs executed at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.limit = n
		}
	}
}

// New creates a dispatcher. exec seals initial checkpoints and verifies final
// ones; unless WithRunner is given it also executes compositions in-process.
func New(s store.Store, blobs blobstore.Store, exec *stream.Executor, sims *simrun.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		blobs:    blobs,
		exec:     exec,
		runner:   NewLocalRunner(exec),
		sims:     sims,
		broker:   stream.NewBroker(),
		logger:   logger,
		interval: DefaultPollInterval,
		limit:    DefaultConcurrency,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Broker returns the broker on which live composition updates are published.
func (d *Dispatcher) Broker() *stream.Broker {
	return d.broker
}

// Active reports whether jobID is executing in this process.
func (d *Dispatcher) Active(jobID string) bool {
	_, ok := d.active.Load(jobID)
	return ok
}

// Submit records j as PENDING and wakes the loop.
func (d *Dispatcher) Submit(ctx context.Context, j *model.Job) error {
	j.Status = model.StatusPending
	if err := d.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Poll returns the jobs currently PENDING.
func (d *Dispatcher) Poll(ctx context.Context) ([]*model.Job, error) {
	jobs, err := d.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return jobs, nil
}

// RunOnce polls and dispatches every pending job, at most limit at a time,
// and returns once all of them have finished.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	jobs, err := d.Poll(ctx)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d.Dispatch(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

// Run loops until Stop is called or ctx is cancelled. Jobs in flight at that
// point are cancelled and left IN_PROGRESS.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	d.logger.Info("dispatcher started", "poll_interval", d.interval, "concurrency", d.limit)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-timer.C:
		case <-d.wake:
		}

		if err := d.RunOnce(ctx); err != nil {
			pollErrorsTotal.Inc()
			d.logger.Warn("dispatch iteration failed", "error", err)
		}
		timer.Reset(d.interval)
	}
}

// Stop signals Run to return. It is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.closeOnce.Do(func() {
		close(d.stop)
	})
}

// Dispatch claims a PENDING job and executes it. Jobs in any other status, or
// claimed first by another dispatcher, are left alone. Every failure of the
// job itself is recorded as FAILED; nothing propagates to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, j *model.Job) {
	if j.Status != model.StatusPending {
		return
	}
	logger := d.logger.With("job_id", j.ID, "kind", string(j.Kind()))

	if err := d.store.TransitionStatus(ctx, j.ID, model.StatusPending, model.StatusInProgress); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			logger.Debug("job already claimed")
			return
		}
		logger.Error("failed to transition to in progress", "error", err)
		return
	}

	d.active.Store(j.ID, struct{}{})
	defer d.active.Delete(j.ID)
	defer d.broker.Close(j.ID)

	logger.Info("dispatching job", "duration", j.Duration)
	start := time.Now()
	results, err := d.execute(ctx, j)
	jobDuration.WithLabelValues(string(j.Kind())).Observe(time.Since(start).Seconds())

	// Writes after execution must land even if the loop is shutting down.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("job interrupted; left in progress", "error", err)
			return
		}
		d.finishFailed(wctx, logger, j, err)
		return
	}

	if err := d.store.FinishJob(wctx, j.ID, model.StatusComplete, results); err != nil {
		logger.Error("failed to record completion", "error", err)
		return
	}
	jobsDispatchedTotal.WithLabelValues(string(j.Kind()), model.StatusComplete).Inc()
	logger.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
}

// execute runs j on the runtime its kind selects. Panics are converted to
// errors carrying the goroutine stack.
func (d *Dispatcher) execute(ctx context.Context, j *model.Job) (results []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	switch j.Kind() {
	case model.KindComposition:
		return d.runComposition(ctx, j)
	case model.KindSingleRun:
		return d.runSingle(ctx, j)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, j.ID)
	}
}

type compositionResults struct {
	Updates []model.StreamUpdate `json:"updates"`
}

func (d *Dispatcher) runComposition(ctx context.Context, j *model.Job) ([]byte, error) {
	snapshot, err := d.initialSnapshot(ctx, j)
	if err != nil {
		return nil, err
	}

	updates := make([]model.StreamUpdate, 0, j.Duration)
	final, err := d.runner.Run(ctx, j.ID, j.Duration, snapshot, func(u model.StreamUpdate) error {
		u.JobID = j.ID
		if err := d.store.InsertUpdate(ctx, u); err != nil {
			return fmt.Errorf("%w: persist update: %w", stream.ErrSinkFailure, err)
		}
		if err := d.store.Touch(ctx, j.ID); err != nil {
			d.logger.Warn("failed to record heartbeat", "job_id", j.ID, "step", u.Step, "error", err)
		}
		d.broker.Publish(u)
		stepsTotal.Inc()
		updates = append(updates, u)
		return nil
	})
	if err != nil {
		return nil, err
	}

	comp, err := d.exec.Open(final)
	if err != nil {
		return nil, fmt.Errorf("verify final checkpoint: %w", err)
	}
	path, err := d.blobs.Upload(ctx, final, blobstore.SnapshotPath(j.ID))
	if err != nil {
		return nil, fmt.Errorf("upload checkpoint: %w", err)
	}
	if err := d.store.WriteResultState(ctx, &model.ResultState{
		JobID:        j.ID,
		SnapshotPath: path,
		Step:         comp.Step(),
		LastUpdated:  d.store.Timestamp(),
	}); err != nil {
		return nil, fmt.Errorf("write result state: %w", err)
	}

	return json.Marshal(compositionResults{Updates: updates})
}

// initialSnapshot returns the signed checkpoint a composition job starts from:
// the stored one named by SnapshotPath, or a fresh build of Spec.
func (d *Dispatcher) initialSnapshot(ctx context.Context, j *model.Job) ([]byte, error) {
	if j.SnapshotPath != "" {
		data, err := d.blobs.Download(ctx, j.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("download snapshot: %w", err)
		}
		return data, nil
	}
	if len(j.Spec) == 0 {
		return nil, errors.New("composition job has neither spec nor snapshot_path")
	}
	data, err := d.exec.Seal(j.Spec)
	if err != nil {
		return nil, fmt.Errorf("build composite: %w", err)
	}
	return data, nil
}

func (d *Dispatcher) runSingle(ctx context.Context, j *model.Job) ([]byte, error) {
	name := j.Simulator
	if name == "" {
		var ok bool
		if name, ok = model.SimulatorFromID(j.ID); !ok {
			return nil, fmt.Errorf("job %q names no simulator", j.ID)
		}
	}
	run, err := d.sims.Resolve(name)
	if err != nil {
		return nil, err
	}

	in := simrun.Input{JobID: j.ID, Params: j.Params, Duration: j.Duration}
	if j.ModelPath != "" {
		if in.Model, err = d.blobs.Download(ctx, j.ModelPath); err != nil {
			return nil, fmt.Errorf("download model: %w", err)
		}
	}

	out, err := run.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("simulator %s returned invalid JSON", name)
	}
	return out, nil
}

// finishFailed marks j FAILED with err's message as a JSON string diagnostic.
func (d *Dispatcher) finishFailed(ctx context.Context, logger *slog.Logger, j *model.Job, cause error) {
	logger.Error("job failed", "error", cause)
	diag, err := json.Marshal(cause.Error())
	if err != nil {
		diag = []byte(`"unencodable failure"`)
	}
	if err := d.store.FinishJob(ctx, j.ID, model.StatusFailed, diag); err != nil {
		logger.Error("failed to record failure", "error", err)
		return
	}
	jobsDispatchedTotal.WithLabelValues(string(j.Kind()), model.StatusFailed).Inc()
}
