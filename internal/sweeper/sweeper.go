package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/rs/zerolog"

	"github.com/mohammad-safakhou/autoresearch/internal/metrics"
)

// Store is the subset of store.Store the sweeper needs.
type Store interface {
	ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
}

// Sweeper deletes jobs older than the retention window on a cron schedule.
// Each job is removed in its own short transaction so it never holds locks
// the queue worker needs.
type Sweeper struct {
	store     Store
	expr      *cronexpr.Expression
	retention time.Duration
	batch     int
	now       func() time.Time
	logger    *zerolog.Logger
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func New(st Store, schedule string, retention time.Duration, batch int, logger *zerolog.Logger, opts ...Option) (*Sweeper, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweeper schedule %q: %w", schedule, err)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be > 0")
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Sweeper{
		store:     st,
		expr:      expr,
		retention: retention,
		batch:     batch,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the next scheduled run after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.expr.Next(t) }

// RunOnce deletes every expired job, batch by batch, and returns how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	total := 0
	for {
		ids, err := s.store.ListExpiredJobs(ctx, cutoff, s.batch)
		if err != nil {
			return total, err
		}
		deleted := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			ok, err := s.store.DeleteJob(ctx, id)
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", id).Msg("delete expired job failed")
				continue
			}
			if ok {
				deleted++
			}
		}
		total += deleted
		metrics.AddSweptJobs(deleted)
		// a short or unproductive batch means nothing more can be removed this pass
		if len(ids) < s.batch || deleted == 0 {
			break
		}
	}
	if total > 0 {
		s.logger.Info().Int("deleted", total).Time("cutoff", cutoff).Msg("retention sweep finished")
	}
	return total, nil
}

// Start runs RunOnce at every scheduled time until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	for {
		now := s.now()
		next := s.expr.Next(now)
		if next.IsZero() {
			s.logger.Warn().Msg("sweeper schedule has no future runs")
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("retention sweep failed")
		}
	}
}
