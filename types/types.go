// Package types contains the data model shared by the cache, the prompt
// store, the evaluator, the optimizer and the workflow.
// It helps avoid import cycles between those packages.
package types

import (
	"encoding/json"
	"time"
)

// GenerationParams are the generation settings sent to a model.
// Every field is fingerprint-significant for the cache.
type GenerationParams struct {
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// AsMap returns the parameter mapping used both on the wire and for cache
// fingerprints. Extra keys never override temperature or max_tokens.
func (p GenerationParams) AsMap() map[string]any {
	m := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		m[k] = v
	}
	m["temperature"] = p.Temperature
	if p.MaxTokens > 0 {
		m["max_tokens"] = p.MaxTokens
	}
	return m
}

// GenerationResult is what a generation capability returns.
// Only Text is interpreted; Raw and Usage are carried for auditing.
type GenerationResult struct {
	Text  string          `json:"text"`
	Raw   json.RawMessage `json:"raw,omitempty"`
	Usage map[string]any  `json:"usage,omitempty"`
}

// CacheEntry is the durable form of one cached generation.
type CacheEntry struct {
	CreatedAt time.Time        `json:"created_at"`
	Value     GenerationResult `json:"value"`
}

// PromptVersion is one immutable entry of a prompt's lineage.
type PromptVersion struct {
	Version   int       `json:"version" validate:"min=1"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// PromptMeta summarizes the latest write.
type PromptMeta struct {
	LastUpdated time.Time `json:"last_updated"`
	Author      string    `json:"author"`
}

// PromptRecord is the persisted state of one named prompt.
type PromptRecord struct {
	Name           string          `json:"name" validate:"required"`
	CurrentVersion int             `json:"current_version" validate:"min=1"`
	Text           string          `json:"text"`
	History        []PromptVersion `json:"history" validate:"required,min=1,dive"`
	Meta           PromptMeta      `json:"meta"`
}

// Latest returns the newest version, or nil for an empty history.
func (r *PromptRecord) Latest() *PromptVersion {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}

// EvaluationResult is the teacher's judgement of one student output.
type EvaluationResult struct {
	Score           float64            `json:"score" validate:"min=0,max=100"`
	Criteria        map[string]float64 `json:"criteria"`
	Feedback        string             `json:"feedback"`
	SuggestedPrompt *string            `json:"suggested_prompt"`
	Raw             json.RawMessage    `json:"raw,omitempty"`
}

// Suggestion returns the suggested prompt, or "" when none was given.
func (e *EvaluationResult) Suggestion() string {
	if e == nil || e.SuggestedPrompt == nil {
		return ""
	}
	return *e.SuggestedPrompt
}

// PromptDiff describes the edit a proposal makes.
type PromptDiff struct {
	Added string `json:"added,omitempty"`
}

// ProposedChange is the optimizer's output. A nil NewPromptText means there
// is nothing to apply.
type ProposedChange struct {
	NewPromptText *string    `json:"new_prompt_text"`
	ChangeSummary string     `json:"change_summary"`
	Diff          PromptDiff `json:"diff"`
}

// IterationResult is the audit record of one round.
type IterationResult struct {
	RunID           string            `json:"run_id"`
	PromptName      string            `json:"prompt_name"`
	PromptVersion   int               `json:"prompt_version"`
	CacheHit        bool              `json:"cache_hit"`
	StudentResponse GenerationResult  `json:"student_response"`
	Evaluation      *EvaluationResult `json:"evaluation"`
	Proposed        ProposedChange    `json:"proposed"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
