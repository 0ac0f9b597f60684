package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockLogger records every message for assertions in tests. Once an
// expectation is registered with On, every call is also checked against the
// embedded mock.Mock, so unexpected calls fail the test.
type MockLogger struct {
	mock.Mock

	mu       sync.Mutex
	Messages []LogMessage
	level    LogLevel
}

// LogMessage represents a logged message
type LogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewMockLogger creates a mock logger that records all levels.
func NewMockLogger() *MockLogger {
	return &MockLogger{level: LogLevelDebug}
}

func (m *MockLogger) expecting() bool {
	return len(m.ExpectedCalls) > 0
}

func (m *MockLogger) record(level LogLevel, msg string, args []any) {
	m.mu.Lock()
	enabled := m.level >= level
	if enabled {
		m.Messages = append(m.Messages, LogMessage{Level: level.String(), Message: msg, Args: args})
	}
	m.mu.Unlock()

	if enabled && m.expecting() {
		m.MethodCalled(methodName(level), msg, args)
	}
}

func methodName(level LogLevel) string {
	switch level {
	case LogLevelDebug:
		return "Debug"
	case LogLevelInfo:
		return "Info"
	case LogLevelWarn:
		return "Warn"
	default:
		return "Error"
	}
}

func (m *MockLogger) Debug(msg string, args ...any) { m.record(LogLevelDebug, msg, args) }
func (m *MockLogger) Info(msg string, args ...any)  { m.record(LogLevelInfo, msg, args) }
func (m *MockLogger) Warn(msg string, args ...any)  { m.record(LogLevelWarn, msg, args) }
func (m *MockLogger) Error(msg string, args ...any) { m.record(LogLevelError, msg, args) }

func (m *MockLogger) SetLevel(level LogLevel) {
	m.mu.Lock()
	m.level = level
	m.mu.Unlock()

	if m.expecting() {
		m.MethodCalled("SetLevel", level)
	}
}

// GetMessages returns a copy of all logged messages.
func (m *MockLogger) GetMessages() []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogMessage{}, m.Messages...)
}

// Clear clears all logged messages
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}

// HasMessage checks if a message with the given text was logged
func (m *MockLogger) HasMessage(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.Message == text {
			return true
		}
	}
	return false
}

// CountLevel returns how many messages were recorded at level.
func (m *MockLogger) CountLevel(level LogLevel) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.Messages {
		if msg.Level == level.String() {
			n++
		}
	}
	return n
}

func (m *MockLogger) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, msg := range m.Messages {
		fmt.Fprintf(&b, "[%s] %s %v\n", msg.Level, msg.Message, msg.Args)
	}
	return b.String()
}
