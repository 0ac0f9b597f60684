// Package optimizer turns an evaluation into a proposed next version of a
// prompt and, on request, applies that proposal to the prompt store.
package optimizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/teilomillet/evoprompt/store"
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

const (
	// DefaultSuffix is appended to the current prompt when the teacher gave
	// no usable suggestion.
	DefaultSuffix = "\nPlease be more specific about structure, include examples and required format."

	SummaryAdopted  = "Adopted teacher suggested prompt."
	SummaryNotFound = "Prompt not found."
	SummaryAppended = "Appended clarifying constraints."

	// DefaultAuthor is recorded on versions written by Apply when no author
	// is given.
	DefaultAuthor = "auto_optimizer"
)

// ErrNothingToApply is returned by Apply for a proposal without new text.
var ErrNothingToApply = errors.New("proposal has no new prompt text")

// PromptReader is the read side of the prompt store used by Propose.
type PromptReader interface {
	Get(name string) (*types.PromptRecord, error)
}

// PromptWriter is the write side of the prompt store used by Apply.
type PromptWriter interface {
	Update(name, text, author, reason string) (*types.PromptRecord, error)
}

// Optimizer implements a deterministic proposal policy. It never calls a
// model itself; the teacher's opinion arrives through the evaluation.
type Optimizer struct {
	prompts PromptReader
	suffix  string
	logger  utils.Logger
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithSuffix replaces DefaultSuffix.
func WithSuffix(suffix string) OptimizerOption {
	return func(o *Optimizer) {
		o.suffix = suffix
	}
}

// WithLogger sets the logger used to report each decision.
func WithLogger(logger utils.Logger) OptimizerOption {
	return func(o *Optimizer) {
		o.logger = logger
	}
}

// New creates an Optimizer reading current prompt text from prompts.
func New(prompts PromptReader, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{
		prompts: prompts,
		suffix:  DefaultSuffix,
		logger:  utils.NopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Propose derives the next prompt text for name.
//
// The policy, in order of precedence:
//  1. A non-empty suggested prompt in eval is adopted verbatim.
//  2. If name is not in the store, the proposal carries no new text.
//  3. Otherwise the suffix is appended to the current text.
//
// eval may be nil when the teacher was skipped. studentOutput is accepted for
// policies that inspect the output; the built-in policy does not.
//
// Store failures other than a missing prompt are returned as errors.
func (o *Optimizer) Propose(ctx context.Context, name, studentOutput string, eval *types.EvaluationResult) (*types.ProposedChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if suggested := eval.Suggestion(); suggested != "" {
		o.logger.Debug("Adopting suggested prompt", "name", name)
		return &types.ProposedChange{
			NewPromptText: types.StringPtr(suggested),
			ChangeSummary: SummaryAdopted,
		}, nil
	}

	current, err := o.prompts.Get(name)
	if err != nil {
		if errors.Is(err, store.ErrPromptNotFound) {
			o.logger.Warn("Cannot propose change for unknown prompt", "name", name)
			return &types.ProposedChange{ChangeSummary: SummaryNotFound}, nil
		}
		return nil, fmt.Errorf("failed to load prompt %s: %w", name, err)
	}

	o.logger.Debug("Appending clarifying constraints", "name", name, "version", current.CurrentVersion)
	return &types.ProposedChange{
		NewPromptText: types.StringPtr(current.Text + o.suffix),
		ChangeSummary: SummaryAppended,
		Diff:          types.PromptDiff{Added: o.suffix},
	}, nil
}

// Apply writes the proposal as a new version of name.
//
// Parameters:
//   - w: destination store
//   - name: prompt to update
//   - change: a proposal from Propose
//   - author: recorded on the new version; DefaultAuthor when empty
//   - reason: recorded on the new version; the change summary when empty
//
// Returns ErrNothingToApply when the proposal has no new text.
func Apply(w PromptWriter, name string, change *types.ProposedChange, author, reason string) (*types.PromptRecord, error) {
	if change == nil || change.NewPromptText == nil {
		return nil, ErrNothingToApply
	}
	if author == "" {
		author = DefaultAuthor
	}
	if reason == "" {
		reason = change.ChangeSummary
	}
	return w.Update(name, *change.NewPromptText, author, reason)
}
