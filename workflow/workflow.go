// Package workflow runs the student/teacher improvement loop: generate with
// the current prompt, score the output, propose the next prompt and record
// everything under one run id.
package workflow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/teilomillet/evoprompt/llm"
	"github.com/teilomillet/evoprompt/optimizer"
	"github.com/teilomillet/evoprompt/runlog"
	"github.com/teilomillet/evoprompt/store"
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

// ErrPromptNotFound is returned when a round names an unknown prompt.
var ErrPromptNotFound = store.ErrPromptNotFound

// PromptStore is the subset of *store.Store the workflow needs.
type PromptStore interface {
	optimizer.PromptReader
	optimizer.PromptWriter
}

// GenerationCache is the subset of *cache.Cache the workflow needs.
type GenerationCache interface {
	Get(prompt, model string, params map[string]any) (*types.GenerationResult, bool)
	Set(prompt, model string, params map[string]any, value *types.GenerationResult)
}

// Scorer grades a student output.
type Scorer interface {
	Evaluate(ctx context.Context, output, instruction string) (*types.EvaluationResult, error)
}

// Proposer turns an evaluation into a proposed prompt change.
type Proposer interface {
	Propose(ctx context.Context, name, studentOutput string, eval *types.EvaluationResult) (*types.ProposedChange, error)
}

type Workflow struct {
	student   llm.Client
	teacher   llm.Client
	prompts   PromptStore
	cache     GenerationCache
	evaluator Scorer
	optimizer Proposer
	sink      runlog.Sink
	logger    utils.Logger
	params    types.GenerationParams
	newRunID  func() string
	batch     batchState
}

type Option func(*Workflow)

// WithLogger overrides the sink's logger.
func WithLogger(logger utils.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// WithGenerationParams sets the parameters sent to the student. All of them
// take part in the cache fingerprint.
func WithGenerationParams(params types.GenerationParams) Option {
	return func(w *Workflow) {
		w.params = params
	}
}

// WithTeacher hands the teacher client to the workflow so Close releases it.
func WithTeacher(teacher llm.Client) Option {
	return func(w *Workflow) {
		w.teacher = teacher
	}
}

func WithRunIDGenerator(gen func() string) Option {
	return func(w *Workflow) {
		w.newRunID = gen
	}
}

// NewRunID returns a random 32-character hex identifier.
func NewRunID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// New wires the components of one workflow. cache and evaluator may be nil:
// without a cache every round generates, and without an evaluator rounds run
// as if the teacher were disabled.
func New(student llm.Client, prompts PromptStore, cache GenerationCache, evaluator Scorer, proposer Proposer, sink runlog.Sink, opts ...Option) *Workflow {
	w := &Workflow{
		student:   student,
		prompts:   prompts,
		cache:     cache,
		evaluator: evaluator,
		optimizer: proposer,
		sink:      sink,
		logger:    sink.Logger(),
		params:    types.GenerationParams{Temperature: 0},
		newRunID:  NewRunID,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.batch.init()
	return w
}

// RunIteration executes one round for the prompt called name.
//
// The request sent to the student is the prompt text, a blank line and input.
// A cached generation for the same request, model and parameters is reused.
// Errors from the student or the teacher abort the round before a result is
// saved.
func (w *Workflow) RunIteration(ctx context.Context, name, input string, useTeacher bool) (*types.IterationResult, error) {
	record, err := w.prompts.Get(name)
	if err != nil {
		if errors.Is(err, ErrPromptNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load prompt %s: %w", name, err)
	}

	request := record.Text + "\n\n" + input
	model := w.student.Model()
	params := w.params.AsMap()

	var response *types.GenerationResult
	cacheHit := false
	if w.cache != nil {
		response, cacheHit = w.cache.Get(request, model, params)
	}
	if cacheHit {
		w.logger.Info("Cache hit for student generation", "prompt", name, "model", model)
	} else {
		response, err = w.student.Generate(ctx, request, w.params)
		if err != nil {
			return nil, fmt.Errorf("student generation failed: %w", err)
		}
		if w.cache != nil {
			w.cache.Set(request, model, params, response)
		}
	}

	runID := w.newRunID()
	if err := w.sink.LogStudent(runID, runlog.StudentRecord{PromptName: name, Prompt: request, Response: *response}); err != nil {
		return nil, fmt.Errorf("failed to log student response: %w", err)
	}

	var eval *types.EvaluationResult
	if useTeacher && w.evaluator != nil {
		eval, err = w.evaluator.Evaluate(ctx, response.Text, request)
		if err != nil {
			return nil, fmt.Errorf("evaluation failed: %w", err)
		}
		if err := w.sink.LogEvaluation(runID, eval); err != nil {
			return nil, fmt.Errorf("failed to log evaluation: %w", err)
		}
	}

	proposed, err := w.optimizer.Propose(ctx, name, response.Text, eval)
	if err != nil {
		return nil, fmt.Errorf("proposal failed: %w", err)
	}

	result := &types.IterationResult{
		RunID:           runID,
		PromptName:      name,
		PromptVersion:   record.CurrentVersion,
		CacheHit:        cacheHit,
		StudentResponse: *response,
		Evaluation:      eval,
		Proposed:        *proposed,
	}
	if err := w.sink.SaveResult(runID, result); err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}

	fields := []any{"run_id", runID, "prompt", name, "version", record.CurrentVersion, "cache_hit", cacheHit}
	if eval != nil {
		fields = append(fields, "score", eval.Score)
	}
	w.logger.Info("Iteration complete", fields...)
	return result, nil
}

// RunOptions controls a multi-round Run.
type RunOptions struct {
	// Rounds defaults to 1.
	Rounds     int
	UseTeacher bool
	// AutoApply writes every proposal with new text back to the store
	// before the next round.
	AutoApply bool
	// Author of auto-applied versions; optimizer.DefaultAuthor when empty.
	Author string
}

// Run executes opts.Rounds rounds in sequence. It returns the results gathered
// so far together with the first error.
func (w *Workflow) Run(ctx context.Context, name, input string, opts RunOptions) ([]*types.IterationResult, error) {
	rounds := opts.Rounds
	if rounds < 1 {
		rounds = 1
	}

	results := make([]*types.IterationResult, 0, rounds)
	for i := 0; i < rounds; i++ {
		w.logger.Debug("Starting round", "prompt", name, "round", i+1, "of", rounds)
		res, err := w.RunIteration(ctx, name, input, opts.UseTeacher)
		if err != nil {
			return results, fmt.Errorf("round %d: %w", i+1, err)
		}
		results = append(results, res)

		if !opts.AutoApply || res.Proposed.NewPromptText == nil {
			continue
		}
		record, err := optimizer.Apply(w.prompts, name, &res.Proposed, opts.Author, fmt.Sprintf("auto-round-%d", i+1))
		if err != nil {
			return results, fmt.Errorf("round %d: failed to apply proposal: %w", i+1, err)
		}
		w.logger.Info("Applied new prompt version", "prompt", name, "version", record.CurrentVersion,
			"summary", res.Proposed.ChangeSummary)
	}
	return results, nil
}

// Close releases the student, the teacher (if given with WithTeacher) and the
// sink. Every component is closed even if an earlier one fails.
func (w *Workflow) Close(ctx context.Context) error {
	var errs []error
	if err := w.student.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("student: %w", err))
	}
	if w.teacher != nil {
		if err := w.teacher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("teacher: %w", err))
		}
	}
	if err := w.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sink: %w", err))
	}
	return errors.Join(errs...)
}
