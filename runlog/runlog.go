// Package runlog persists the audit trail of workflow rounds: the student
// generation, the teacher evaluation and the final iteration result, all
// correlated by run id.
package runlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("run log sink closed")

// StudentRecord is one line of `<run>_student.jsonl`.
type StudentRecord struct {
	PromptName string                 `json:"prompt_name"`
	Prompt     string                 `json:"prompt"`
	Response   types.GenerationResult `json:"response"`
}

// EvaluationRecord is one line of `<run>_evaluation.jsonl`.
type EvaluationRecord struct {
	Eval *types.EvaluationResult `json:"eval"`
}

type Sink interface {
	LogStudent(runID string, record StudentRecord) error
	LogEvaluation(runID string, eval *types.EvaluationResult) error
	SaveResult(runID string, result *types.IterationResult) error
	// Logger is the diagnostic logger scoped to this sink.
	Logger() utils.Logger
	Close() error
}

// FileSink writes JSON lines under logsDir, result documents under
// resultsDir, and a text log named `<UTC timestamp>_run.log`.
type FileSink struct {
	logsDir    string
	resultsDir string

	mu      sync.Mutex
	closed  bool
	logFile *os.File
	logger  utils.Logger
}

// NewFileSink creates both directories and opens the run log. The run log
// records every level; console, if not nil, receives the same messages.
func NewFileSink(logsDir, resultsDir string, console utils.Logger) (*FileSink, error) {
	for _, dir := range []string{logsDir, resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	name := time.Now().UTC().Format("20060102T150405Z") + "_run.log"
	f, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}

	var logger utils.Logger = utils.NewLoggerWithWriter(utils.LogLevelDebug, f)
	if console != nil {
		logger = utils.MultiLogger{logger, console}
	}

	return &FileSink{
		logsDir:    logsDir,
		resultsDir: resultsDir,
		logFile:    f,
		logger:     logger,
	}, nil
}

// RunLogPath returns the path of the text log.
func (s *FileSink) RunLogPath() string {
	return s.logFile.Name()
}

func (s *FileSink) Logger() utils.Logger {
	return s.logger
}

// StudentLogPath returns where LogStudent writes for runID.
func (s *FileSink) StudentLogPath(runID string) string {
	return filepath.Join(s.logsDir, runID+"_student.jsonl")
}

// EvaluationLogPath returns where LogEvaluation writes for runID.
func (s *FileSink) EvaluationLogPath(runID string) string {
	return filepath.Join(s.logsDir, runID+"_evaluation.jsonl")
}

// ResultPath returns where SaveResult writes for runID.
func (s *FileSink) ResultPath(runID string) string {
	return filepath.Join(s.resultsDir, runID+"_result.json")
}

func (s *FileSink) LogStudent(runID string, record StudentRecord) error {
	return s.appendLine(s.StudentLogPath(runID), record)
}

func (s *FileSink) LogEvaluation(runID string, eval *types.EvaluationResult) error {
	return s.appendLine(s.EvaluationLogPath(runID), EvaluationRecord{Eval: eval})
}

func (s *FileSink) SaveResult(runID string, result *types.IterationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.WriteFile(s.ResultPath(runID), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func (s *FileSink) appendLine(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := writeLine(f, v); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return f.Close()
}

func writeLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// Close closes the run log. It is safe to call more than once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.logFile.Close()
}
