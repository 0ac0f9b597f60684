package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/evoprompt/providers"
	"github.com/teilomillet/evoprompt/types"
)

func TestBackoffPolicy(t *testing.T) {
	p := BackoffPolicy{MaxRetries: 3, BaseDelay: 10, MaxDelay: 25}
	overloaded := &LLMError{Type: ErrorTypeAPI, StatusCode: http.StatusServiceUnavailable}

	var delays []time.Duration
	for failures := 1; ; failures++ {
		d, again := p.Retry(overloaded, failures)
		if !again {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{10, 20, 25}, delays)

	testCases := []struct {
		name string
		err  error
	}{
		{"authentication", &LLMError{Type: ErrorTypeAuthentication, StatusCode: http.StatusUnauthorized}},
		{"bad request", &LLMError{Type: ErrorTypeInvalidInput, StatusCode: http.StatusBadRequest}},
		{"plain error", errors.New("boom")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, again := p.Retry(tc.err, 1)
			assert.False(t, again)
		})
	}
}

func TestBackoffPolicyRetryAfter(t *testing.T) {
	p := BackoffPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Second}

	d, again := p.Retry(&LLMError{Type: ErrorTypeRateLimit, RetryAfter: 2 * time.Second}, 1)
	require.True(t, again)
	assert.Equal(t, 2*time.Second, d)

	d, _ = p.Retry(&LLMError{Type: ErrorTypeRateLimit, RetryAfter: time.Minute}, 1)
	assert.Equal(t, 5*time.Second, d, "capped by MaxDelay")

	assert.Equal(t, 3*time.Second, parseRetryAfter(" 3 "))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Zero(t, parseRetryAfter(""))
}

type countingPolicy struct {
	calls atomic.Int32
}

func (p *countingPolicy) Retry(err error, failures int) (time.Duration, bool) {
	p.calls.Add(1)
	return 0, failures < 4
}

func TestLLMImplUsesRetryPolicy(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	policy := &countingPolicy{}
	client, err := NewLLM(testModelConfig(server.URL), nil, providers.GetDefaultRegistry(), WithRetryPolicy(policy))
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "p", types.GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, int32(4), requests.Load())
	assert.Equal(t, int32(4), policy.calls.Load())

	var llmErr *LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, 7*time.Second, llmErr.RetryAfter)
}
