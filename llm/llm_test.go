package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/evoprompt/config"
	"github.com/teilomillet/evoprompt/providers"
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

const okBody = `{"choices":[{"message":{"role":"assistant","content":"hello there"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

func testModelConfig(baseURL string) config.ModelConfig {
	return config.ModelConfig{
		Backend:    config.BackendHTTP,
		Provider:   "openai",
		Model:      "gpt-4",
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}

type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func TestLLMImplGenerate(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(okBody))
	}))
	defer server.Close()

	client, err := NewLLM(testModelConfig(server.URL+"/v1"), utils.NewMockLogger(), providers.GetDefaultRegistry())
	require.NoError(t, err)

	result, err := client.Generate(context.Background(), "Say hi", types.GenerationParams{Temperature: 0, MaxTokens: 16})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Text)
	assert.JSONEq(t, okBody, string(result.Raw))
	assert.Equal(t, float64(5), result.Usage["total_tokens"])
	assert.Equal(t, "gpt-4", received["model"])
	assert.Equal(t, float64(0), received["temperature"])
	assert.Equal(t, float64(16), received["max_tokens"])
	assert.Equal(t, "gpt-4", client.Model())
}

func TestLLMImplRetries(t *testing.T) {
	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(okBody))
		}))
		defer server.Close()

		client, err := NewLLM(testModelConfig(server.URL), nil, providers.GetDefaultRegistry())
		require.NoError(t, err)

		result, err := client.Generate(context.Background(), "p", types.GenerationParams{})
		require.NoError(t, err)
		assert.Equal(t, "hello there", result.Text)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("retries are bounded", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}))
		defer server.Close()

		client, err := NewLLM(testModelConfig(server.URL), nil, providers.GetDefaultRegistry())
		require.NoError(t, err)

		_, err = client.Generate(context.Background(), "p", types.GenerationParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")

		var llmErr *LLMError
		require.True(t, errors.As(err, &llmErr))
		assert.Equal(t, ErrorTypeRateLimit, llmErr.Type)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("authentication errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer server.Close()

		client, err := NewLLM(testModelConfig(server.URL), nil, providers.GetDefaultRegistry())
		require.NoError(t, err)

		_, err = client.Generate(context.Background(), "p", types.GenerationParams{})
		var llmErr *LLMError
		require.True(t, errors.As(err, &llmErr))
		assert.Equal(t, ErrorTypeAuthentication, llmErr.Type)
		assert.Equal(t, http.StatusUnauthorized, llmErr.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestLLMImplUsageEstimation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"one two three"}}]}`))
	}))
	defer server.Close()

	t.Run("estimated when missing", func(t *testing.T) {
		client, err := NewLLM(testModelConfig(server.URL), nil, providers.GetDefaultRegistry(), WithTokenCounter(wordCounter{}))
		require.NoError(t, err)

		result, err := client.Generate(context.Background(), "a b", types.GenerationParams{})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Usage["prompt_tokens"])
		assert.Equal(t, 3, result.Usage["completion_tokens"])
		assert.Equal(t, 5, result.Usage["total_tokens"])
		assert.Equal(t, true, result.Usage["estimated"])
	})

	t.Run("disabled", func(t *testing.T) {
		client, err := NewLLM(testModelConfig(server.URL), nil, providers.GetDefaultRegistry(), WithTokenCounter(nil))
		require.NoError(t, err)

		result, err := client.Generate(context.Background(), "a b", types.GenerationParams{})
		require.NoError(t, err)
		assert.Empty(t, result.Usage)
	})
}

func TestLLMImplUnknownProvider(t *testing.T) {
	cfg := testModelConfig("")
	cfg.Provider = "vllm"

	_, err := NewLLM(cfg, nil, providers.GetDefaultRegistry())
	var llmErr *LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrorTypeProvider, llmErr.Type)

	cfg.BaseURL = "http://127.0.0.1:8000/v1"
	client, err := NewLLM(cfg, nil, providers.GetDefaultRegistry())
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8000/v1/chat/completions", client.Provider.Endpoint())
	assert.Equal(t, "vllm", client.Provider.Name())
}

func TestLLMImplClose(t *testing.T) {
	client, err := NewLLM(testModelConfig("http://127.0.0.1:1"), nil, providers.GetDefaultRegistry())
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))

	_, err = client.Generate(context.Background(), "p", types.GenerationParams{})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestSDKClientGenerate(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"sdk says hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":3,"total_tokens":7}}`))
	}))
	defer server.Close()

	cfg := testModelConfig(server.URL)
	cfg.Backend = config.BackendOpenAI
	client, err := NewClient(cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &SDKClient{}, client)

	result, err := client.Generate(context.Background(), "hi", types.GenerationParams{Temperature: 0, MaxTokens: 8})
	require.NoError(t, err)
	assert.Equal(t, "sdk says hi", result.Text)
	assert.Equal(t, 7, result.Usage["total_tokens"])
	assert.NotEmpty(t, result.Raw)
	assert.Equal(t, "gpt-4", received["model"])
	assert.Greater(t, received["temperature"], float64(0))

	require.NoError(t, client.Close(context.Background()))
	_, err = client.Generate(context.Background(), "hi", types.GenerationParams{})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestSDKClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewSDKClient(testModelConfig(server.URL), nil)
	_, err := client.Generate(context.Background(), "hi", types.GenerationParams{})

	var llmErr *LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, ErrorTypeAuthentication, llmErr.Type)
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(config.ModelConfig{Backend: config.BackendMock, Model: "m", MockText: "canned"}, nil)
	require.NoError(t, err)
	result, err := client.Generate(context.Background(), "p", types.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "canned", result.Text)

	_, err = NewClient(config.ModelConfig{Backend: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestConfiguredHeadersAreSent(t *testing.T) {
	sdkBody := `{"id":"x","object":"chat.completion","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`
	var seen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("X-Title"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sdkBody))
	}))
	defer server.Close()

	cfg := testModelConfig(server.URL)
	cfg.Headers = map[string]string{"X-Title": "evoprompt"}

	for _, backend := range []string{config.BackendHTTP, config.BackendOpenAI} {
		t.Run(backend, func(t *testing.T) {
			seen.Store("")
			cfg.Backend = backend
			client, err := NewClient(cfg, nil)
			require.NoError(t, err)
			if l, ok := client.(*LLMImpl); ok {
				WithTokenCounter(nil)(l)
			}
			defer client.Close(context.Background())

			_, err = client.Generate(context.Background(), "p", types.GenerationParams{})
			require.NoError(t, err)
			assert.Equal(t, "evoprompt", seen.Load())
		})
	}
}
