// Package evaluator asks a teacher model to score a student output and turns
// its free-form reply into a types.EvaluationResult.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/teilomillet/evoprompt/llm"
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

const (
	DefaultMaxTokens = 512

	preamble = "You are an expert evaluator. Given the student's output and the original instruction, " +
		"return a JSON object with keys: score (0-100), criteria (a dict), feedback (string), " +
		"suggested_prompt (optional string).\n"
	closing = "Respond only with JSON."
)

// DefaultCriteriaWeights are carried with the evaluator for reporting. Scores
// are not recomputed from them.
func DefaultCriteriaWeights() map[string]float64 {
	return map[string]float64{
		"relevance":   0.4,
		"correctness": 0.4,
		"conciseness": 0.2,
	}
}

// Reply is the shape the teacher is asked to produce.
type Reply struct {
	Score           float64            `json:"score" jsonschema:"minimum=0,maximum=100,description=Overall quality of the student output"`
	Criteria        map[string]float64 `json:"criteria" jsonschema:"description=Score per evaluation criterion"`
	Feedback        string             `json:"feedback" jsonschema:"description=Actionable feedback for the student"`
	SuggestedPrompt *string            `json:"suggested_prompt,omitempty" jsonschema:"description=An improved prompt to use next time"`
}

var validate = validator.New()

type Evaluator struct {
	teacher   llm.Client
	weights   map[string]float64
	maxTokens int
	logger    utils.Logger
	schema    string
}

type Option func(*Evaluator)

func WithCriteriaWeights(weights map[string]float64) Option {
	return func(e *Evaluator) {
		if weights != nil {
			e.weights = maps.Clone(weights)
		}
	}
}

func WithLogger(logger utils.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

func WithMaxTokens(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

func New(teacher llm.Client, opts ...Option) *Evaluator {
	e := &Evaluator{
		teacher:   teacher,
		weights:   DefaultCriteriaWeights(),
		maxTokens: DefaultMaxTokens,
		logger:    utils.NopLogger{},
		schema:    replySchema(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CriteriaWeights returns a copy of the configured weights.
func (e *Evaluator) CriteriaWeights() map[string]float64 {
	return maps.Clone(e.weights)
}

func replySchema() string {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	data, err := json.Marshal(r.Reflect(&Reply{}))
	if err != nil {
		return ""
	}
	return string(data)
}

// BuildPrompt assembles the scoring instruction. An empty instruction omits
// the Instruction block.
func (e *Evaluator) BuildPrompt(output, instruction string) string {
	var b strings.Builder
	b.WriteString(preamble)
	if instruction != "" {
		b.WriteString("Instruction:\n")
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	b.WriteString("Student Output:\n")
	b.WriteString(output)
	b.WriteString("\n\n")
	b.WriteString(closing)
	if e.schema != "" {
		b.WriteString("\nThe JSON object must match this schema:\n")
		b.WriteString(e.schema)
	}
	return b.String()
}

// Evaluate scores output. A malformed teacher reply never fails: it yields a
// score of 0 with the raw reply as feedback. Transport errors are returned.
func (e *Evaluator) Evaluate(ctx context.Context, output, instruction string) (*types.EvaluationResult, error) {
	prompt := e.BuildPrompt(output, instruction)
	resp, err := e.teacher.Generate(ctx, prompt, types.GenerationParams{Temperature: 0, MaxTokens: e.maxTokens})
	if err != nil {
		return nil, fmt.Errorf("teacher generation failed: %w", err)
	}

	result := Parse(resp.Text)
	result.Raw = resp.Raw
	if err := validate.Struct(result); err != nil {
		e.logger.Warn("Evaluation outside expected range", "score", result.Score, "error", err)
	}
	e.logger.Debug("Evaluation parsed", "score", result.Score, "criteria", len(result.Criteria),
		"has_suggestion", result.SuggestedPrompt != nil)
	return result, nil
}

// Parse interprets a teacher reply. It tries the whole text as JSON, then the
// text from the first '{' onward, and otherwise falls back to a zero score.
func Parse(text string) *types.EvaluationResult {
	obj, ok := decodeObject(text)
	if !ok {
		if i := strings.Index(text, "{"); i >= 0 {
			obj, ok = decodeObject(text[i:])
		}
	}
	if !ok {
		return &types.EvaluationResult{
			Score:    0,
			Criteria: map[string]float64{},
			Feedback: text,
		}
	}

	result := &types.EvaluationResult{Criteria: map[string]float64{}}
	if score, ok := toFloat(obj["score"]); ok {
		result.Score = score
	}
	if criteria, ok := obj["criteria"].(map[string]any); ok {
		for k, v := range criteria {
			if f, ok := toFloat(v); ok {
				result.Criteria[k] = f
			}
		}
	}
	if feedback, ok := obj["feedback"].(string); ok {
		result.Feedback = feedback
	}
	if suggested, ok := obj["suggested_prompt"].(string); ok {
		result.SuggestedPrompt = &suggested
	}
	return result
}

func decodeObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// toFloat accepts JSON numbers and numeric strings. NaN and infinities are
// rejected since encoding/json cannot write them back out.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
