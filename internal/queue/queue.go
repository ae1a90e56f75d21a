package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/autoresearch/internal/metrics"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
	"github.com/mohammad-safakhou/autoresearch/internal/store"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrEmptyQuery = errors.New("query must not be empty")
)

const defaultPollInterval = 5 * time.Second

var tracer = otel.Tracer("github.com/mohammad-safakhou/autoresearch/internal/queue")

// StoreAPI captures the store methods required by the queue.
type StoreAPI interface {
	CreateJob(ctx context.Context, id, query string, createdAt time.Time) error
	NextPending(ctx context.Context) (store.QueueEntry, bool, error)
	CompleteJob(ctx context.Context, id string, res research.Result, completedAt time.Time) error
	FailJob(ctx context.Context, id string, f research.Failure, completedAt time.Time) error
	GetJob(ctx context.Context, id string) (store.Job, bool, error)
	RecoverInterrupted(ctx context.Context, now time.Time) ([]string, error)
}

// Runner executes one research job.
type Runner interface {
	Run(ctx context.Context, jobID, query string) (research.Result, error)
}

// StatusCache holds non-terminal job statuses.
type StatusCache interface {
	Set(ctx context.Context, jobID, status string) error
	Get(ctx context.Context, jobID string) (string, bool, error)
	Delete(ctx context.Context, jobID string) error
}

// StatusView is what a status poll returns.
type StatusView struct {
	Status  string            `json:"status"`
	Result  *research.Result  `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
	Partial *research.Partial `json:"partial,omitempty"`
}

type Option func(*Queue)

func WithCache(c StatusCache) Option { return func(q *Queue) { q.cache = c } }

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue persists submissions and drains them one at a time in FIFO order.
type Queue struct {
	store  StoreAPI
	runner Runner
	cache  StatusCache
	logger *zerolog.Logger
	poll   time.Duration
	now    func() time.Time

	drainMu sync.Mutex
	kicked  atomic.Bool

	ctxMu sync.Mutex
	base  context.Context
}

func New(st StoreAPI, runner Runner, logger *zerolog.Logger, opts ...Option) *Queue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	q := &Queue{
		store:  st,
		runner: runner,
		logger: logger,
		poll:   defaultPollInterval,
		now:    func() time.Time { return time.Now().UTC() },
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit records a new job and wakes the drain. It never waits for execution.
func (q *Queue) Submit(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	id := uuid.NewString()
	if err := q.store.CreateJob(ctx, id, query, q.now()); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	q.cacheSet(ctx, id, store.StatusPending)
	q.logger.Info().Str("job_id", id).Msg("job submitted")
	q.Wake()
	return id, nil
}

// Status returns the job's current view. Unknown ids yield ErrNotFound.
func (q *Queue) Status(ctx context.Context, id string) (StatusView, error) {
	if q.cache != nil {
		s, ok, err := q.cache.Get(ctx, id)
		if err != nil {
			q.logger.Debug().Err(err).Str("job_id", id).Msg("status cache read failed")
		} else if ok && (s == store.StatusPending || s == store.StatusProcessing) {
			return StatusView{Status: s}, nil
		}
	}
	job, ok, err := q.store.GetJob(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	if !ok {
		return StatusView{}, ErrNotFound
	}
	return viewOf(job)
}

func viewOf(job store.Job) (StatusView, error) {
	view := StatusView{Status: job.Status}
	if !job.Result.Valid || job.Result.String == "" {
		return view, nil
	}
	switch job.Status {
	case store.StatusCompleted:
		var res research.Result
		if err := json.Unmarshal([]byte(job.Result.String), &res); err != nil {
			return StatusView{}, fmt.Errorf("decode result: %w", err)
		}
		view.Result = &res
	case store.StatusFailed:
		var f research.Failure
		if err := json.Unmarshal([]byte(job.Result.String), &f); err != nil {
			return StatusView{}, fmt.Errorf("decode failure: %w", err)
		}
		view.Error = f.Error
		view.Partial = &f.Partial
	}
	return view, nil
}

// Wake starts a drain unless one is already running, in which case the
// running drain picks the new work up before it exits.
func (q *Queue) Wake() {
	q.kicked.Store(true)
	if !q.drainMu.TryLock() {
		return
	}
	go func() {
		for {
			for q.kicked.Swap(false) {
				q.drain()
			}
			q.drainMu.Unlock()
			// a Wake may have landed between the last check and Unlock
			if !q.kicked.Load() || !q.drainMu.TryLock() {
				return
			}
		}
	}()
}

// Wait blocks until an active drain finishes.
func (q *Queue) Wait() {
	q.drainMu.Lock()
	q.drainMu.Unlock()
}

// Start fails jobs interrupted by a previous process, then wakes the drain
// every poll interval until ctx is done. The in-flight job is allowed to finish.
func (q *Queue) Start(ctx context.Context) {
	q.ctxMu.Lock()
	q.base = ctx
	q.ctxMu.Unlock()

	ids, err := q.store.RecoverInterrupted(ctx, q.now())
	if err != nil {
		q.logger.Error().Err(err).Msg("recover interrupted jobs failed")
	}
	for _, id := range ids {
		q.cacheDelete(ctx, id)
		q.logger.Warn().Str("job_id", id).Msg("job interrupted by previous shutdown marked failed")
		metrics.ObserveJob(store.StatusFailed, 0)
	}

	q.logger.Info().Dur("poll_interval", q.poll).Msg("queue started")
	q.Wake()
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.logger.Info().Msg("queue stopping")
			return
		case <-ticker.C:
			q.Wake()
		}
	}
}

func (q *Queue) baseContext() context.Context {
	q.ctxMu.Lock()
	defer q.ctxMu.Unlock()
	return q.base
}

func (q *Queue) drain() {
	for {
		base := q.baseContext()
		if base.Err() != nil {
			return
		}
		ctx := context.WithoutCancel(base)
		entry, ok, err := q.store.NextPending(ctx)
		if err != nil {
			q.logger.Error().Err(err).Msg("dequeue failed")
			return
		}
		if !ok {
			return
		}
		q.process(ctx, entry)
	}
}

func (q *Queue) process(ctx context.Context, entry store.QueueEntry) {
	start := q.now()
	log := q.logger.With().Str("job_id", entry.ID).Logger()
	ctx, span := tracer.Start(ctx, "queue.process", trace.WithAttributes(attribute.String("job.id", entry.ID)))
	defer span.End()

	q.cacheSet(ctx, entry.ID, store.StatusProcessing)
	log.Info().Msg("job processing")

	status := store.StatusCompleted
	res, err := q.runSafely(ctx, entry)
	if err == nil {
		if cerr := q.store.CompleteJob(ctx, entry.ID, res, q.now()); cerr != nil {
			log.Error().Err(cerr).Msg("store result failed")
			err = fmt.Errorf("store result: %w", cerr)
		}
	}
	if err != nil {
		status = store.StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f := failureOf(err)
		if f.Partial.Metadata.StepsUsed == 0 && res.Metadata.StepsUsed > 0 {
			f.Partial.Metadata = res.Metadata
		}
		if ferr := q.store.FailJob(ctx, entry.ID, f, q.now()); ferr != nil {
			log.Error().Err(ferr).Msg("store failure failed")
		}
		log.Warn().Err(err).Msg("job failed")
	} else {
		log.Info().
			Int("steps", res.Metadata.StepsUsed).
			Int64("tokens", res.Metadata.TotalTokens).
			Str("stop_reason", res.Metadata.StopReason).
			Msg("job completed")
	}
	q.cacheDelete(ctx, entry.ID)
	metrics.ObserveJob(status, q.now().Sub(start))
}

func (q *Queue) runSafely(ctx context.Context, entry store.QueueEntry) (res research.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return q.runner.Run(ctx, entry.ID, entry.Query)
}

func failureOf(err error) research.Failure {
	var runErr *research.RunError
	if errors.As(err, &runErr) {
		return runErr.Failure()
	}
	return research.Failure{Error: err.Error()}
}

func (q *Queue) cacheSet(ctx context.Context, id, status string) {
	if q.cache == nil {
		return
	}
	if err := q.cache.Set(ctx, id, status); err != nil {
		q.logger.Debug().Err(err).Str("job_id", id).Msg("status cache write failed")
	}
}

func (q *Queue) cacheDelete(ctx context.Context, id string) {
	if q.cache == nil {
		return
	}
	if err := q.cache.Delete(ctx, id); err != nil {
		q.logger.Debug().Err(err).Str("job_id", id).Msg("status cache delete failed")
	}
}
