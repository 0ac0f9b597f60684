package runlog

import (
	"sync"

	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

// MemorySink keeps every record in memory, keyed by run id.
type MemorySink struct {
	mu          sync.Mutex
	logger      utils.Logger
	students    map[string][]StudentRecord
	evaluations map[string][]*types.EvaluationResult
	results     map[string]*types.IterationResult
	closed      bool
}

func NewMemorySink(logger utils.Logger) *MemorySink {
	if logger == nil {
		logger = utils.NopLogger{}
	}
	return &MemorySink{
		logger:      logger,
		students:    make(map[string][]StudentRecord),
		evaluations: make(map[string][]*types.EvaluationResult),
		results:     make(map[string]*types.IterationResult),
	}
}

func (m *MemorySink) Logger() utils.Logger {
	return m.logger
}

func (m *MemorySink) LogStudent(runID string, record StudentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	m.students[runID] = append(m.students[runID], record)
	return nil
}

func (m *MemorySink) LogEvaluation(runID string, eval *types.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	m.evaluations[runID] = append(m.evaluations[runID], eval)
	return nil
}

func (m *MemorySink) SaveResult(runID string, result *types.IterationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	m.results[runID] = result
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemorySink) StudentRecords(runID string) []StudentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StudentRecord(nil), m.students[runID]...)
}

func (m *MemorySink) Evaluations(runID string) []*types.EvaluationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.EvaluationResult(nil), m.evaluations[runID]...)
}

func (m *MemorySink) Result(runID string) (*types.IterationResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[runID]
	return r, ok
}

// Results returns the number of saved results.
func (m *MemorySink) Results() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
