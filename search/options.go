// Package search runs read-side queries against a collection: a
// dependency-ordered pipeline of operations covering query interpretation,
// expansion, embedding, vector search with hybrid fusion, reranking, and
// answer completion.
package search

import (
	"fmt"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
)

// Response types.
const (
	ResponseRaw        = "raw"
	ResponseCompletion = "completion"
)

// Expansion strategies.
const (
	ExpansionNone = "none"
	ExpansionLLM  = "llm"
	ExpansionAuto = "auto"
)

// Options is the recognized search option set. Unknown fields in the wire
// form are rejected rather than ignored, so clients notice typos.
type Options struct {
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
	ResponseType string `json:"response_type"`

	ExpansionStrategy string `json:"expansion_strategy"`
	SearchMethod      string `json:"search_method"`

	EnableReranking           bool `json:"enable_reranking"`
	EnableQueryInterpretation bool `json:"enable_query_interpretation"`

	// RequireReranking turns a rerank-provider outage into a query
	// failure instead of the default fallback to unreranked results.
	RequireReranking bool `json:"require_reranking"`

	RecencyBias    float64 `json:"recency_bias"`
	ScoreThreshold float32 `json:"score_threshold"`

	Filter map[string]interface{} `json:"filter"`
}

// DefaultOptions is a plain hybrid search.
func DefaultOptions() Options {
	return Options{
		Limit:             10,
		ResponseType:      ResponseRaw,
		ExpansionStrategy: ExpansionNone,
		SearchMethod:      string(destination.MethodHybrid),
	}
}

var knownOptionFields = map[string]bool{
	"limit":                       true,
	"offset":                      true,
	"response_type":               true,
	"expansion_strategy":          true,
	"search_method":               true,
	"enable_reranking":            true,
	"enable_query_interpretation": true,
	"require_reranking":           true,
	"recency_bias":                true,
	"score_threshold":             true,
	"filter":                      true,
}

// ParseOptions validates a wire-form option map against the recognized
// fields and ranges.
func ParseOptions(raw map[string]interface{}) (Options, error) {
	opts := DefaultOptions()
	for key, value := range raw {
		if !knownOptionFields[key] {
			return Options{}, fmt.Errorf("%w: unknown search option %q", entity.ErrInvalidConfig, key)
		}
		switch key {
		case "limit":
			n, err := asInt(value)
			if err != nil {
				return Options{}, fmt.Errorf("%w: limit: %v", entity.ErrInvalidConfig, err)
			}
			opts.Limit = n
		case "offset":
			n, err := asInt(value)
			if err != nil {
				return Options{}, fmt.Errorf("%w: offset: %v", entity.ErrInvalidConfig, err)
			}
			opts.Offset = n
		case "response_type":
			opts.ResponseType, _ = value.(string)
		case "expansion_strategy":
			opts.ExpansionStrategy, _ = value.(string)
		case "search_method":
			opts.SearchMethod, _ = value.(string)
		case "enable_reranking":
			opts.EnableReranking, _ = value.(bool)
		case "enable_query_interpretation":
			opts.EnableQueryInterpretation, _ = value.(bool)
		case "require_reranking":
			opts.RequireReranking, _ = value.(bool)
		case "recency_bias":
			f, _ := value.(float64)
			opts.RecencyBias = f
		case "score_threshold":
			f, _ := value.(float64)
			opts.ScoreThreshold = float32(f)
		case "filter":
			m, ok := value.(map[string]interface{})
			if !ok && value != nil {
				return Options{}, fmt.Errorf("%w: filter must be an object", entity.ErrInvalidConfig)
			}
			opts.Filter = m
		}
	}
	return opts, opts.Validate()
}

func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Validate checks field ranges and enum values.
func (o Options) Validate() error {
	if o.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", entity.ErrInvalidConfig)
	}
	if o.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", entity.ErrInvalidConfig)
	}
	switch o.ResponseType {
	case ResponseRaw, ResponseCompletion:
	default:
		return fmt.Errorf("%w: response_type %q", entity.ErrInvalidConfig, o.ResponseType)
	}
	switch o.ExpansionStrategy {
	case ExpansionNone, ExpansionLLM, ExpansionAuto:
	default:
		return fmt.Errorf("%w: expansion_strategy %q", entity.ErrInvalidConfig, o.ExpansionStrategy)
	}
	switch destination.SearchMethod(o.SearchMethod) {
	case destination.MethodNeural, destination.MethodKeyword, destination.MethodHybrid:
	default:
		return fmt.Errorf("%w: search_method %q", entity.ErrInvalidConfig, o.SearchMethod)
	}
	if o.RecencyBias < 0 || o.RecencyBias > 1 {
		return fmt.Errorf("%w: recency_bias must be within [0,1]", entity.ErrInvalidConfig)
	}
	return nil
}
