package research

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind is the fixed action vocabulary of the research loop.
type ActionKind string

const (
	ActionSearch ActionKind = "search"
	ActionVideos ActionKind = "videos"
	ActionImages ActionKind = "images"
	ActionStop   ActionKind = "stop"
)

// Valid reports whether k belongs to the vocabulary.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionSearch, ActionVideos, ActionImages, ActionStop:
		return true
	}
	return false
}

// Decision is the oracle's verdict after each step.
type Decision struct {
	ShouldContinue bool       `json:"should_continue"`
	Confidence     float64    `json:"confidence"`
	Reasoning      string     `json:"reasoning"`
	NextAction     ActionKind `json:"next_action,omitempty"`
	AdaptedQuery   string     `json:"adapted_query,omitempty"`
}

// DecisionRequest is what the oracle sees when deciding.
type DecisionRequest struct {
	Query          string
	Step           int
	Summaries      []string
	TokensUsed     int64
	VideosDisabled bool
}

// SynthesisRequest carries the material for the final answer.
type SynthesisRequest struct {
	Query string
	Steps []StepSummary
}

// StepSummary is the compact view of a step used in prompts and failure snapshots.
type StepSummary struct {
	Number  int        `json:"step_number"`
	Action  ActionKind `json:"action_kind"`
	Query   string     `json:"query_used"`
	Summary string     `json:"summary"`
}

type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type VideoHit struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content,omitempty"`
	Duration      string `json:"duration,omitempty"`
	Author        string `json:"author,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
	Thumbnail     string `json:"thumbnail,omitempty"`
}

type ImageHit struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	ImgSrc string `json:"img_src"`
	Source string `json:"source,omitempty"`
}

// Payload is the raw data returned by one action. The set of implementations is closed.
type Payload interface {
	Kind() ActionKind
	Len() int
	isPayload()
}

type SearchPayload []SearchHit
type VideoPayload []VideoHit
type ImagePayload []ImageHit

func (SearchPayload) Kind() ActionKind { return ActionSearch }
func (VideoPayload) Kind() ActionKind  { return ActionVideos }
func (ImagePayload) Kind() ActionKind  { return ActionImages }

func (p SearchPayload) Len() int { return len(p) }
func (p VideoPayload) Len() int  { return len(p) }
func (p ImagePayload) Len() int  { return len(p) }

func (SearchPayload) isPayload() {}
func (VideoPayload) isPayload()  {}
func (ImagePayload) isPayload()  {}

type payloadEnvelope struct {
	Kind  ActionKind      `json:"kind"`
	Items json.RawMessage `json:"items"`
}

// MarshalPayload encodes p as {"kind": ..., "items": [...]}.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	items, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Items: items})
}

// UnmarshalPayload decodes the envelope written by MarshalPayload.
func UnmarshalPayload(b []byte) (Payload, error) {
	var env payloadEnvelope
	err := json.Unmarshal(b, &env)
	if err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	var p Payload
	switch env.Kind {
	case ActionSearch:
		var items SearchPayload
		err = decodeItems(env.Items, &items)
		p = items
	case ActionVideos:
		var items VideoPayload
		err = decodeItems(env.Items, &items)
		p = items
	case ActionImages:
		var items ImagePayload
		err = decodeItems(env.Items, &items)
		p = items
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s items: %w", env.Kind, err)
	}
	return p, nil
}

func decodeItems(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Step is one recorded action in a job's audit trail.
type Step struct {
	Number       int        `json:"step_number"`
	Action       ActionKind `json:"action_kind"`
	Query        string     `json:"query_used"`
	Summary      string     `json:"summary"`
	Response     Payload    `json:"-"`
	Tokens       int64      `json:"tokens_used"`
	OracleCallID string     `json:"oracle_call_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (s Step) Summarized() StepSummary {
	return StepSummary{Number: s.Number, Action: s.Action, Query: s.Query, Summary: s.Summary}
}

// MediaRef points at a video or image surfaced during research.
type MediaRef struct {
	Kind          ActionKind `json:"kind"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Duration      string     `json:"duration,omitempty"`
	Author        string     `json:"author,omitempty"`
	PublishedDate string     `json:"published_date,omitempty"`
	ImgSrc        string     `json:"img_src,omitempty"`
	Source        string     `json:"source,omitempty"`
}

type Metadata struct {
	StepsUsed     int          `json:"steps_used"`
	ActionsCalled []ActionKind `json:"actions_called"`
	QueriesUsed   []string     `json:"queries_used"`
	TotalTokens   int64        `json:"total_tokens"`
	StopReason    string       `json:"stop_reason,omitempty"`
}

// Result is the final output of a completed job.
type Result struct {
	Response string     `json:"response"`
	Media    []MediaRef `json:"media,omitempty"`
	Metadata Metadata   `json:"metadata"`
	Cost     float64    `json:"cost"`
}

// Failure is persisted for failed jobs.
type Failure struct {
	Error   string  `json:"error"`
	Partial Partial `json:"partial"`
}

// Partial is the snapshot of work done before a fatal error.
type Partial struct {
	Metadata Metadata      `json:"metadata"`
	Steps    []StepSummary `json:"steps"`
}
