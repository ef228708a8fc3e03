package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/compose/internal/model"
	"github.com/seantiz/compose/internal/store"
	"github.com/seantiz/compose/internal/stream"
)

// DefaultStaleAfter is how long an IN_PROGRESS job may go without a
// heartbeat before the reaper fails it.
const DefaultStaleAfter = 10 * time.Minute

// Reaper fails IN_PROGRESS jobs whose last heartbeat is older than a cutoff,
// such as jobs abandoned by a crashed or stopped dispatcher.
type Reaper struct {
	store      store.Store
	broker     *stream.Broker
	staleAfter time.Duration
	active     func(jobID string) bool
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewReaper creates a reaper. Jobs for which active reports true are skipped;
// active may be nil. Reaped jobs have their broker topic closed so live
// observers stop waiting; broker may be nil.
func NewReaper(s store.Store, broker *stream.Broker, staleAfter time.Duration, active func(string) bool, logger *slog.Logger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if active == nil {
		active = func(string) bool { return false }
	}
	return &Reaper{
		store:      s,
		broker:     broker,
		staleAfter: staleAfter,
		active:     active,
		logger:     logger,
	}
}

// Reap fails every stale job once and returns how many it failed.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	cutoff := r.store.Timestamp().Add(-r.staleAfter)
	jobs, err := r.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}

	var n int
	for _, j := range jobs {
		if r.active(j.ID) {
			continue
		}
		diag, _ := json.Marshal(fmt.Sprintf("stale: no progress since %s", j.LastUpdated.UTC().Format(time.RFC3339)))
		err := r.store.FinishJob(ctx, j.ID, model.StatusFailed, diag)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("fail stale job %s: %w", j.ID, err)
		}
		if r.broker != nil {
			r.broker.Close(j.ID)
		}
		n++
		jobsReapedTotal.Inc()
		jobsDispatchedTotal.WithLabelValues(string(j.Kind()), model.StatusFailed).Inc()
		r.logger.Warn("reaped stale job", "job_id", j.ID, "last_updated", j.LastUpdated)
	}
	return n, nil
}

// Start runs Reap on schedule, a cron spec such as "@every 1m".
func (r *Reaper) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Reap(context.Background()); err != nil {
			r.logger.Error("reap failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parse reap schedule: %w", err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running reap to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
