package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/autoresearch/internal/logging"
	"github.com/mohammad-safakhou/autoresearch/internal/metrics"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var oracleTracer trace.Tracer = otel.Tracer("autoresearch/internal/oracle")

// ErrNoDecision is returned once every decide attempt has failed.
var ErrNoDecision = errors.New("oracle produced no decision")

type Config struct {
	DecideRetries   int
	RetryBackoff    time.Duration
	CostLookupURL   string  // OpenRouter-style generation endpoint; empty uses local pricing
	CostPer1K       float64 // input price used when CostLookupURL is empty
	CostPer1KOutput float64
}

type usage struct {
	in, out int64
}

// Client implements research.Oracle on top of a ChatClient.
type Client struct {
	chat   *ChatClient
	cfg    Config
	logger *zerolog.Logger

	mu    sync.Mutex
	usage map[string]usage
}

var _ research.Oracle = (*Client)(nil)

func NewClient(chat *ChatClient, cfg Config, logger *zerolog.Logger) *Client {
	if cfg.DecideRetries < 1 {
		cfg.DecideRetries = 3
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Client{
		chat:   chat,
		cfg:    cfg,
		logger: logging.Component(logger, "oracle"),
		usage:  make(map[string]usage),
	}
}

// Decide asks for the next action, retrying transport and schema failures with a fixed backoff.
func (c *Client) Decide(ctx context.Context, req research.DecisionRequest) (research.Decision, string, error) {
	ctx, span := oracleTracer.Start(ctx, "oracle.decide", trace.WithAttributes(attribute.Int("research.step", req.Step)))
	defer span.End()

	user := decideUserPrompt(req)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.DecideRetries; attempt++ {
		start := time.Now()
		comp, err := c.chat.Complete(ctx, decideSystemPrompt, user, true)
		if err == nil {
			var d research.Decision
			d, err = ParseDecision(comp.Content)
			if err == nil {
				metrics.ObserveOracleCall("decide", true, time.Since(start))
				c.remember(comp)
				span.SetAttributes(attribute.String("oracle.next_action", string(d.NextAction)))
				return d, comp.ID, nil
			}
		}
		metrics.ObserveOracleCall("decide", false, time.Since(start))
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("step", req.Step).Msg("decide attempt failed")

		if attempt < c.cfg.DecideRetries {
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				return research.Decision{}, "", fmt.Errorf("%w: %v", ErrNoDecision, ctx.Err())
			}
		}
	}
	span.RecordError(lastErr)
	return research.Decision{}, "", fmt.Errorf("%w after %d attempts: %v", ErrNoDecision, c.cfg.DecideRetries, lastErr)
}

// Synthesize writes the final markdown answer.
func (c *Client) Synthesize(ctx context.Context, req research.SynthesisRequest) (string, string, error) {
	ctx, span := oracleTracer.Start(ctx, "oracle.synthesize", trace.WithAttributes(attribute.Int("research.steps", len(req.Steps))))
	defer span.End()

	start := time.Now()
	comp, err := c.chat.Complete(ctx, synthesizeSystemPrompt, synthesizeUserPrompt(req), false)
	metrics.ObserveOracleCall("synthesize", err == nil, time.Since(start))
	if err != nil {
		span.RecordError(err)
		return "", "", fmt.Errorf("synthesize: %w", err)
	}
	c.remember(comp)

	answer := strings.TrimSpace(comp.Content)
	if strings.HasPrefix(answer, "```markdown") || strings.HasPrefix(answer, "```md") {
		if inner, ok := unfence(answer); ok {
			answer = strings.TrimSpace(inner)
		}
	}
	if answer == "" {
		return "", comp.ID, errors.New("synthesize: empty answer")
	}
	return answer, comp.ID, nil
}

// Cost returns the billed cost for one call id. Locally priced ids are forgotten once read.
func (c *Client) Cost(ctx context.Context, callID string) (float64, error) {
	if callID == "" {
		return 0, errors.New("empty call id")
	}
	if c.cfg.CostLookupURL != "" {
		return c.chat.lookupCost(ctx, c.cfg.CostLookupURL, callID)
	}
	c.mu.Lock()
	u, ok := c.usage[callID]
	delete(c.usage, callID)
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no usage recorded for %s", callID)
	}
	return float64(u.in)/1000.0*c.cfg.CostPer1K + float64(u.out)/1000.0*c.cfg.CostPer1KOutput, nil
}

// remember keeps token usage for local pricing. With a lookup URL the provider
// prices the call, so nothing is kept.
func (c *Client) remember(comp Completion) {
	if comp.ID == "" || c.cfg.CostLookupURL != "" {
		return
	}
	c.mu.Lock()
	c.usage[comp.ID] = usage{in: comp.InputTokens, out: comp.OutputTokens}
	c.mu.Unlock()
}
