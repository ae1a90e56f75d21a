package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mohammad-safakhou/autoresearch/internal/budget"
	"github.com/mohammad-safakhou/autoresearch/internal/logging"
	"github.com/mohammad-safakhou/autoresearch/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer trace.Tracer = otel.Tracer("autoresearch/internal/research")

// ErrNoInitialResults is returned when the mandatory first search yields nothing.
var ErrNoInitialResults = errors.New("initial search returned no results")

// Stop reasons reported in Metadata.StopReason.
const (
	StopOracleDone        = "oracle_done"
	StopOracleUnavailable = "oracle_unavailable"
	StopMaxRequests       = "max_requests"
	StopTokenCeiling      = "token_ceiling"
	StopTokenTolerance    = "token_tolerance"
)

// Retriever fetches content for each action kind.
type Retriever interface {
	Search(ctx context.Context, query string, n int) ([]SearchHit, error)
	Videos(ctx context.Context, query string, n int) ([]VideoHit, error)
	Images(ctx context.Context, query string, n int) ([]ImageHit, error)
}

// Oracle decides the next action and writes the final answer.
// Every successful call returns the provider call id used for cost lookup.
type Oracle interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, string, error)
	Synthesize(ctx context.Context, req SynthesisRequest) (string, string, error)
	Cost(ctx context.Context, callID string) (float64, error)
}

// Guard gates the video action.
type Guard interface {
	IsDisabled() bool
	Observe(err error) bool
}

// StepRecorder persists steps as the loop produces them.
type StepRecorder interface {
	InsertStep(ctx context.Context, jobID string, step Step) error
}

// Config bounds a single run.
type Config struct {
	MaxRequests        int
	FirstSearchResults int
	VideoResults       int
	ImageResults       int
	Limits             budget.Limits
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 5
	}
	if c.FirstSearchResults <= 0 {
		c.FirstSearchResults = 5
	}
	if c.VideoResults <= 0 {
		c.VideoResults = 3
	}
	if c.ImageResults <= 0 {
		c.ImageResults = 5
	}
	if c.Limits.Validate() != nil {
		c.Limits = budget.DefaultLimits()
	}
	return c
}

// RunError is a fatal run failure carrying the work collected before it.
type RunError struct {
	Err     error
	Partial Partial
}

func (e *RunError) Error() string { return "research run failed: " + e.Err.Error() }
func (e *RunError) Unwrap() error { return e.Err }

// Failure converts the error into its persisted form.
func (e *RunError) Failure() Failure {
	return Failure{Error: e.Err.Error(), Partial: e.Partial}
}

// Orchestrator drives the search → decide → act loop for one job at a time.
type Orchestrator struct {
	cfg       Config
	retriever Retriever
	oracle    Oracle
	guard     Guard
	steps     StepRecorder
	logger    *zerolog.Logger
	now       func() time.Time
}

func NewOrchestrator(cfg Config, retriever Retriever, oracle Oracle, guard Guard, steps StepRecorder, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		retriever: retriever,
		oracle:    oracle,
		guard:     guard,
		steps:     steps,
		logger:    logging.Component(logger, "research"),
		now:       time.Now,
	}
}

// run holds the mutable state of one execution.
type run struct {
	jobID   string
	query   string
	tracker *budget.Tracker
	steps   []Step
	callIDs []string
	reason  string
}

func (r *run) summaries() []string {
	out := make([]string, len(r.steps))
	for i, s := range r.steps {
		out[i] = s.Summary
	}
	return out
}

func (r *run) stepSummaries() []StepSummary {
	out := make([]StepSummary, len(r.steps))
	for i, s := range r.steps {
		out[i] = s.Summarized()
	}
	return out
}

func (r *run) metadata() Metadata {
	md := Metadata{
		StepsUsed:     len(r.steps),
		ActionsCalled: make([]ActionKind, 0, len(r.steps)),
		QueriesUsed:   make([]string, 0, len(r.steps)),
		TotalTokens:   r.tracker.Consumed(),
		StopReason:    r.reason,
	}
	for _, s := range r.steps {
		md.ActionsCalled = append(md.ActionsCalled, s.Action)
		md.QueriesUsed = append(md.QueriesUsed, s.Query)
	}
	return md
}

func (r *run) partial() Partial {
	return Partial{Metadata: r.metadata(), Steps: r.stepSummaries()}
}

// Run executes the research loop for jobID. Fatal failures are returned as *RunError.
func (o *Orchestrator) Run(ctx context.Context, jobID, query string) (res Result, err error) {
	ctx, span := orchestratorTracer.Start(ctx, "research.run",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	r := &run{jobID: jobID, query: query, tracker: budget.NewTracker(o.cfg.Limits)}
	log := o.logger.With().Str("job_id", jobID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("research run panicked")
			err = &RunError{Err: fmt.Errorf("panic: %v", rec), Partial: r.partial()}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := o.initialSearch(ctx, r); err != nil {
		return Result{}, &RunError{Err: err, Partial: r.partial()}
	}

	if err := o.loop(ctx, r, &log); err != nil {
		return Result{}, &RunError{Err: err, Partial: r.partial()}
	}

	answer := o.synthesize(ctx, r, &log)
	res = Result{
		Response: answer,
		Media:    MediaRefs(r.steps),
		Metadata: r.metadata(),
		Cost:     o.totalCost(ctx, r, &log),
	}
	span.SetAttributes(
		attribute.Int("research.steps", len(r.steps)),
		attribute.Int64("research.tokens", res.Metadata.TotalTokens),
		attribute.String("research.stop_reason", r.reason),
	)
	log.Info().Int("steps", len(r.steps)).Int64("tokens", res.Metadata.TotalTokens).
		Str("stop_reason", r.reason).Float64("cost", res.Cost).Msg("research run completed")
	return res, nil
}

func (o *Orchestrator) initialSearch(ctx context.Context, r *run) error {
	hits, err := o.retriever.Search(ctx, r.query, o.cfg.FirstSearchResults)
	if err != nil {
		metrics.ObserveStep(string(ActionSearch), "error", 0)
		return fmt.Errorf("initial search: %w", err)
	}
	if len(hits) == 0 {
		metrics.ObserveStep(string(ActionSearch), "empty", 0)
		return ErrNoInitialResults
	}
	payload := SearchPayload(hits)
	tokens, err := o.estimatePayload(payload)
	if err != nil {
		return err
	}
	return o.record(ctx, r, ActionSearch, r.query, payload, tokens, "")
}

func (o *Orchestrator) loop(ctx context.Context, r *run, log *zerolog.Logger) error {
	limits := o.cfg.Limits
	r.reason = StopMaxRequests
	for counter := 2; counter <= o.cfg.MaxRequests; counter++ {
		if r.tracker.Exhausted() {
			r.reason = StopTokenCeiling
			log.Info().Int64("tokens", r.tracker.Consumed()).Msg("token ceiling reached")
			return nil
		}

		req := DecisionRequest{
			Query:          r.query,
			Step:           counter,
			Summaries:      limits.SelectSummaries(r.summaries(), limits.Ceiling/4),
			TokensUsed:     r.tracker.Consumed(),
			VideosDisabled: o.guard.IsDisabled(),
		}
		dec, callID, err := o.oracle.Decide(ctx, req)
		if err != nil {
			r.reason = StopOracleUnavailable
			log.Warn().Err(err).Int("step", counter).Msg("no decision; proceeding to synthesis")
			return nil
		}
		if callID != "" {
			r.callIDs = append(r.callIDs, callID)
		}
		if !dec.ShouldContinue || dec.NextAction == ActionStop {
			r.reason = StopOracleDone
			log.Info().Int("step", counter).Float64("confidence", dec.Confidence).Msg("oracle finished research")
			return nil
		}

		action := dec.NextAction
		if action == ActionVideos && o.guard.IsDisabled() {
			metrics.ObserveStep(string(action), "skipped", 0)
			log.Info().Int("step", counter).Msg("videos disabled by rate-limit guard; skipping")
			continue
		}

		payload, err := o.execute(ctx, action, dec.AdaptedQuery)
		if err != nil {
			metrics.ObserveStep(string(action), "error", 0)
			if action == ActionVideos && o.guard.Observe(err) {
				log.Warn().Err(err).Msg("video provider blocked; guard disabled")
			} else {
				log.Warn().Err(err).Str("action", string(action)).Msg("retrieval failed; continuing")
			}
			continue
		}
		if payload.Len() == 0 {
			metrics.ObserveStep(string(action), "empty", 0)
			continue
		}

		tokens, err := o.estimatePayload(payload)
		if err != nil {
			return err
		}
		if !r.tracker.Fits(tokens) {
			metrics.ObserveStep(string(action), "over_budget", 0)
			r.reason = StopTokenTolerance
			log.Info().Int64("tokens", tokens).Int64("consumed", r.tracker.Consumed()).Msg("step would exceed token tolerance; discarded")
			return nil
		}
		if err := o.record(ctx, r, action, dec.AdaptedQuery, payload, tokens, callID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, action ActionKind, query string) (Payload, error) {
	switch action {
	case ActionSearch:
		hits, err := o.retriever.Search(ctx, query, o.cfg.FirstSearchResults)
		return SearchPayload(hits), err
	case ActionVideos:
		hits, err := o.retriever.Videos(ctx, query, o.cfg.VideoResults)
		return VideoPayload(hits), err
	case ActionImages:
		hits, err := o.retriever.Images(ctx, query, o.cfg.ImageResults)
		return ImagePayload(hits), err
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
}

func (o *Orchestrator) estimatePayload(p Payload) (int64, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return o.cfg.Limits.Estimate(string(b)), nil
}

func (o *Orchestrator) record(ctx context.Context, r *run, action ActionKind, query string, payload Payload, tokens int64, callID string) error {
	step := Step{
		Number:       len(r.steps) + 1,
		Action:       action,
		Query:        query,
		Summary:      Summarize(payload),
		Response:     payload,
		Tokens:       tokens,
		OracleCallID: callID,
		CreatedAt:    o.now().UTC(),
	}
	if err := o.steps.InsertStep(ctx, r.jobID, step); err != nil {
		return fmt.Errorf("persist step %d: %w", step.Number, err)
	}
	r.steps = append(r.steps, step)
	r.tracker.Add(tokens)
	metrics.ObserveStep(string(action), "recorded", tokens)
	return nil
}

func (o *Orchestrator) synthesize(ctx context.Context, r *run, log *zerolog.Logger) string {
	steps := r.stepSummaries()
	answer, callID, err := o.oracle.Synthesize(ctx, SynthesisRequest{Query: r.query, Steps: steps})
	// a call that produced no usable answer is still billed
	if callID != "" {
		r.callIDs = append(r.callIDs, callID)
	}
	if err != nil || answer == "" {
		log.Warn().Err(err).Msg("synthesis failed; using fallback answer")
		return FallbackAnswer(r.query, steps)
	}
	return answer
}

func (o *Orchestrator) totalCost(ctx context.Context, r *run, log *zerolog.Logger) float64 {
	var total float64
	for _, id := range r.callIDs {
		c, err := o.oracle.Cost(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("call_id", id).Msg("cost lookup failed")
			continue
		}
		total += c
	}
	return total
}
