package oracle

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/autoresearch/internal/research"
)

//go:embed decision_schema.json
var decisionSchemaJSON string

// ErrSchema marks a response that does not match the decision schema.
var ErrSchema = errors.New("decision schema mismatch")

var (
	schemaOnce     sync.Once
	decisionSchema *jsonschema.Schema
	schemaErr      error
)

// DecisionSchema returns the compiled JSON Schema every decide response must satisfy.
func DecisionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("decision_schema.json", strings.NewReader(decisionSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("decision_schema.json")
		if err != nil {
			schemaErr = fmt.Errorf("compile decision schema: %w", err)
			return
		}
		decisionSchema = schema
	})
	return decisionSchema, schemaErr
}

type decisionWire struct {
	ShouldContinue bool    `json:"should_continue"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	NextAction     *string `json:"next_action"`
	AdaptedQuery   *string `json:"adapted_query"`
}

// ParseDecision extracts the JSON object from raw model output, validates it against
// the decision schema and decodes it.
func ParseDecision(raw string) (research.Decision, error) {
	schema, err := DecisionSchema()
	if err != nil {
		return research.Decision{}, err
	}
	body, err := ExtractJSON(raw)
	if err != nil {
		return research.Decision{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return research.Decision{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := schema.Validate(doc); err != nil {
		return research.Decision{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var w decisionWire
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return research.Decision{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	d := research.Decision{
		ShouldContinue: w.ShouldContinue,
		Confidence:     w.Confidence,
		Reasoning:      strings.TrimSpace(w.Reasoning),
	}
	if !d.ShouldContinue {
		return d, nil
	}
	d.NextAction = research.ActionKind(strings.ToLower(strings.TrimSpace(*w.NextAction)))
	if d.NextAction == research.ActionStop {
		return d, nil
	}
	d.AdaptedQuery = strings.TrimSpace(*w.AdaptedQuery)
	return d, nil
}
