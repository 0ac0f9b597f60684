// Package evoprompt assembles the prompt improvement engine from a Config:
// prompt store, generation cache, student and teacher clients, evaluator,
// optimizer, run log and workflow.
package evoprompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/teilomillet/evoprompt/cache"
	"github.com/teilomillet/evoprompt/config"
	"github.com/teilomillet/evoprompt/evaluator"
	"github.com/teilomillet/evoprompt/llm"
	"github.com/teilomillet/evoprompt/optimizer"
	"github.com/teilomillet/evoprompt/runlog"
	"github.com/teilomillet/evoprompt/store"
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
	"github.com/teilomillet/evoprompt/workflow"
)

// Re-exported so callers can configure and drive the engine from one import.
type (
	Config          = config.Config
	ConfigOption    = config.ConfigOption
	LogLevel        = utils.LogLevel
	IterationResult = types.IterationResult
	RunOptions      = workflow.RunOptions
	BatchItem       = workflow.BatchItem
	BatchResult     = workflow.BatchResult
)

var (
	NewConfig       = config.NewConfig
	LoadConfig      = config.Load
	SetStudentModel = config.SetStudentModel
	SetTeacherModel = config.SetTeacherModel
	SetBackend      = config.SetBackend
	SetWorkDir      = config.SetWorkDir
	SetLogLevel     = config.SetLogLevel

	ErrPromptNotFound = workflow.ErrPromptNotFound
)

// Engine holds every component built from one Config.
type Engine struct {
	Config    *Config
	Logger    utils.Logger
	Store     *store.Store
	Cache     *cache.Cache
	Student   llm.Client
	Teacher   llm.Client
	Evaluator *evaluator.Evaluator
	Optimizer *optimizer.Optimizer
	Workflow  *workflow.Workflow
}

// EngineOption customizes New.
type EngineOption func(*engineOptions)

type engineOptions struct {
	student llm.Client
	teacher llm.Client
	logger  utils.Logger
}

// WithStudent uses client instead of building one from Config.Student.
func WithStudent(client llm.Client) EngineOption {
	return func(o *engineOptions) {
		o.student = client
	}
}

// WithTeacher uses client instead of building one from Config.Teacher.
func WithTeacher(client llm.Client) EngineOption {
	return func(o *engineOptions) {
		o.teacher = client
	}
}

// WithConsoleLogger replaces the stderr logger.
func WithConsoleLogger(logger utils.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// New validates cfg and wires the engine. Close releases what it opened.
func New(cfg *Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = utils.NewLogger(cfg.LogLevel)
	}

	sink, err := runlog.NewFileSink(cfg.LogsDir, cfg.ResultsDir, o.logger)
	if err != nil {
		return nil, err
	}
	logger := sink.Logger()

	prompts, err := store.New(cfg.PromptsDir, store.WithLogger(logger))
	if err != nil {
		sink.Close()
		return nil, err
	}

	student := o.student
	if student == nil {
		if student, err = llm.NewClient(cfg.Student, logger); err != nil {
			sink.Close()
			return nil, fmt.Errorf("failed to create student client: %w", err)
		}
	}
	teacher := o.teacher
	if teacher == nil {
		if teacher, err = llm.NewClient(cfg.Teacher, logger); err != nil {
			sink.Close()
			_ = student.Close(context.Background())
			return nil, fmt.Errorf("failed to create teacher client: %w", err)
		}
	}

	c := cache.New(cfg.CacheDir, cfg.CacheTTL, cache.WithLogger(logger))
	eval := evaluator.New(teacher,
		evaluator.WithCriteriaWeights(cfg.CriteriaWeights),
		evaluator.WithLogger(logger),
	)
	opt := optimizer.New(prompts, optimizer.WithLogger(logger))

	wf := workflow.New(student, prompts, c, eval, opt, sink,
		workflow.WithTeacher(teacher),
		workflow.WithGenerationParams(types.GenerationParams{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}),
	)

	logger.Debug("Engine ready",
		"student", cfg.Student.Provider+"/"+student.Model(),
		"teacher", cfg.Teacher.Provider+"/"+teacher.Model(),
		"prompts_dir", cfg.PromptsDir)

	return &Engine{
		Config:    cfg,
		Logger:    logger,
		Store:     prompts,
		Cache:     c,
		Student:   student,
		Teacher:   teacher,
		Evaluator: eval,
		Optimizer: opt,
		Workflow:  wf,
	}, nil
}

// RunIteration runs one round against the named prompt.
func (e *Engine) RunIteration(ctx context.Context, name, input string, useTeacher bool) (*IterationResult, error) {
	return e.Workflow.RunIteration(ctx, name, input, useTeacher)
}

// Run runs several rounds, optionally applying each proposal.
func (e *Engine) Run(ctx context.Context, name, input string, opts RunOptions) ([]*IterationResult, error) {
	return e.Workflow.Run(ctx, name, input, opts)
}

// RunBatch runs several prompts concurrently; see workflow.Workflow.RunBatch.
func (e *Engine) RunBatch(ctx context.Context, items []BatchItem) []BatchResult {
	return e.Workflow.RunBatch(ctx, items)
}

// Seed creates the prompt with text when it does not exist yet.
func (e *Engine) Seed(name, text string) (*types.PromptRecord, error) {
	record, err := e.Store.Get(name)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrPromptNotFound) {
		return nil, err
	}
	return e.Store.Update(name, text, "", "init")
}

func (e *Engine) Close(ctx context.Context) error {
	return e.Workflow.Close(ctx)
}
