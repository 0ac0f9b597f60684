package llm

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/teilomillet/evoprompt/utils"
)

// ErrorType represents the type of an error
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeProvider
	ErrorTypeRequest
	ErrorTypeResponse
	ErrorTypeAPI
	ErrorTypeRateLimit
	ErrorTypeAuthentication
	ErrorTypeInvalidInput
)

// ErrClientClosed is returned by Generate after Close.
var ErrClientClosed = errors.New("llm client closed")

// LLMError is a generation transport failure. The workflow never handles it;
// it aborts the round and reaches the caller unchanged.
type LLMError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	// RetryAfter is the server's requested wait, when it sent one.
	RetryAfter time.Duration
	Err        error
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.TypeString(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.TypeString(), e.Message)
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

func (e *LLMError) TypeString() string {
	switch e.Type {
	case ErrorTypeProvider:
		return "ProviderError"
	case ErrorTypeRequest:
		return "RequestError"
	case ErrorTypeResponse:
		return "ResponseError"
	case ErrorTypeAPI:
		return "APIError"
	case ErrorTypeRateLimit:
		return "RateLimitError"
	case ErrorTypeAuthentication:
		return "AuthenticationError"
	case ErrorTypeInvalidInput:
		return "InvalidInputError"
	default:
		return "UnknownError"
	}
}

// LoggableFields returns key/value pairs for structured logging.
func (e *LLMError) LoggableFields() []any {
	return []any{
		"error_type", e.TypeString(),
		"status_code", e.StatusCode,
		"error", e.Err,
	}
}

// NewLLMError creates a new LLMError
func NewLLMError(errType ErrorType, message string, err error) *LLMError {
	return &LLMError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// errorForStatus maps a non-2xx HTTP status to a typed error.
func errorForStatus(status int, body []byte) *LLMError {
	errType := ErrorTypeAPI
	switch {
	case status == 401 || status == 403:
		errType = ErrorTypeAuthentication
	case status == 429:
		errType = ErrorTypeRateLimit
	case status == 400 || status == 422:
		errType = ErrorTypeInvalidInput
	}
	e := NewLLMError(errType, fmt.Sprintf("API error: status code %d", status), nil)
	e.StatusCode = status
	if len(body) > 0 {
		e.Err = errors.New(truncate(string(body), 512))
	}
	return e
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var llmErr *LLMError
	if !errors.As(err, &llmErr) {
		return false
	}
	switch llmErr.Type {
	case ErrorTypeRequest, ErrorTypeRateLimit:
		return true
	case ErrorTypeAPI:
		return llmErr.StatusCode >= 500
	default:
		return false
	}
}

// HandleError logs err with its structured fields.
func HandleError(err error, logger utils.Logger) {
	if err == nil {
		return
	}
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		logger.Error(llmErr.Message, llmErr.LoggableFields()...)
		return
	}
	logger.Error("An error occurred", "error", err)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
