package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/teilomillet/evoprompt/types"
)

// DefaultMockResponse is returned when no responses are queued.
const DefaultMockResponse = "This is a mock response."

// MockClient is an in-memory Client for tests and offline runs.
type MockClient struct {
	mu sync.Mutex

	model         string
	responseText  string
	responses     []string
	currentIndex  int
	loopResponses bool
	err           error

	calls   int
	prompts []string
	params  []types.GenerationParams
	closed  bool
}

// NewMockClient returns a client that always answers text, or
// DefaultMockResponse when text is empty.
func NewMockClient(model, text string) *MockClient {
	if model == "" {
		model = "mock"
	}
	if text == "" {
		text = DefaultMockResponse
	}
	return &MockClient{model: model, responseText: text}
}

// SetMockResponse configures the fallback response text.
func (m *MockClient) SetMockResponse(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseText = text
}

// SetResponses queues responses returned in order. When loop is false the
// client fails once the queue is exhausted.
func (m *MockClient) SetResponses(responses []string, loop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.currentIndex = 0
	m.loopResponses = loop
}

// SetError makes every call fail with err. nil clears it.
func (m *MockClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClient) nextResponse() (string, error) {
	if len(m.responses) == 0 {
		return m.responseText, nil
	}
	if m.currentIndex >= len(m.responses) {
		if !m.loopResponses {
			return "", errors.New("mock responses exhausted")
		}
		m.currentIndex = 0
	}
	response := m.responses[m.currentIndex]
	m.currentIndex++
	return response, nil
}

func (m *MockClient) Generate(ctx context.Context, prompt string, params types.GenerationParams) (*types.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewLLMError(ErrorTypeRequest, "context done", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClientClosed
	}
	m.calls++
	m.prompts = append(m.prompts, prompt)
	m.params = append(m.params, params)

	if m.err != nil {
		return nil, m.err
	}
	text, err := m.nextResponse()
	if err != nil {
		return nil, NewLLMError(ErrorTypeResponse, "mock", err)
	}

	raw, _ := json.Marshal(map[string]any{"mock": true, "model": m.model, "prompt_chars": len(prompt)})
	return &types.GenerationResult{
		Text:  text,
		Raw:   raw,
		Usage: map[string]any{},
	}, nil
}

func (m *MockClient) Model() string {
	return m.model
}

func (m *MockClient) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns the number of Generate invocations.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns a copy of every prompt received.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// LastParams returns the parameters of the most recent call.
func (m *MockClient) LastParams() (types.GenerationParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.params) == 0 {
		return types.GenerationParams{}, false
	}
	return m.params[len(m.params)-1], true
}
