// Package llm provides the generation capability used by the student and the
// teacher: a small Client interface with HTTP, go-openai and in-memory backends.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/teilomillet/evoprompt/config"
	"github.com/teilomillet/evoprompt/providers"
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

// Client generates text for a prompt.
type Client interface {
	// Generate runs one completion. Transport failures are returned as *LLMError.
	Generate(ctx context.Context, prompt string, params types.GenerationParams) (*types.GenerationResult, error)

	// Model returns the model identifier used for cache fingerprints.
	Model() string

	// Close releases network resources. It blocks until done or ctx expires.
	Close(ctx context.Context) error
}

const maxRetryWait = 30 * time.Second

// LLMImpl is the HTTP-backed Client. Wire formats come from a providers.Provider.
type LLMImpl struct {
	Provider providers.Provider

	model   string
	retry   RetryPolicy
	client  *http.Client
	logger  utils.Logger
	limiter *rate.Limiter
	tokens  TokenCounter
	closed  atomic.Bool
}

// Option configures an LLMImpl.
type Option func(*LLMImpl)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(l *LLMImpl) {
		l.client = client
	}
}

// WithTokenCounter sets the counter used to estimate usage when the provider
// omits it. nil disables estimation.
func WithTokenCounter(counter TokenCounter) Option {
	return func(l *LLMImpl) {
		l.tokens = counter
	}
}

// WithRetryPolicy replaces the backoff built from the model config.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(l *LLMImpl) {
		l.retry = policy
	}
}

// WithRateLimit paces outgoing requests.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(l *LLMImpl) {
		l.limiter = rate.NewLimiter(r, burst)
	}
}

// NewLLM builds an HTTP client for cfg. Unknown providers are accepted when
// cfg.BaseURL points at an OpenAI-compatible endpoint.
func NewLLM(cfg config.ModelConfig, logger utils.Logger, registry *providers.ProviderRegistry, opts ...Option) (*LLMImpl, error) {
	if logger == nil {
		logger = utils.NopLogger{}
	}

	provider, err := registry.Get(cfg.Provider, cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Headers)
	if err != nil {
		if cfg.BaseURL == "" {
			return nil, NewLLMError(ErrorTypeProvider, "failed to resolve provider", err)
		}
		provider = providers.NewOpenAIProvider(providers.ProviderConfig{
			Name:            cfg.Provider,
			AuthHeader:      "Authorization",
			AuthPrefix:      "Bearer ",
			RequiredHeaders: map[string]string{"Content-Type": "application/json"},
		}, cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Headers)
	}
	provider.SetLogger(logger)

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	l := &LLMImpl{
		Provider: provider,
		model:    cfg.Model,
		retry:    BackoffPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay, MaxDelay: maxRetryWait},
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
		tokens:   NewTiktokenCounter(cfg.Model, logger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *LLMImpl) Model() string {
	return l.model
}

func (l *LLMImpl) Generate(ctx context.Context, prompt string, params types.GenerationParams) (*types.GenerationResult, error) {
	if l.closed.Load() {
		return nil, ErrClientClosed
	}

	var lastErr error
	attempts := 0
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, NewLLMError(ErrorTypeRequest, "rate limiter wait aborted", err)
		}

		attempts++
		l.logger.Debug("Generating text", "provider", l.Provider.Name(), "model", l.model, "attempt", attempts)
		result, err := l.attemptGenerate(ctx, prompt, params)
		if err == nil {
			l.estimateUsage(prompt, result)
			return result, nil
		}
		lastErr = err
		l.logger.Warn("Generation attempt failed", "error", err, "attempt", attempts)

		delay, again := l.retry.Retry(err, attempts)
		if !again {
			break
		}
		l.logger.Debug("Retrying", "delay", delay)
		select {
		case <-ctx.Done():
			return nil, NewLLMError(ErrorTypeRequest, "retry wait aborted", ctx.Err())
		case <-time.After(delay):
		}
	}

	HandleError(lastErr, l.logger)
	if attempts > 1 {
		return nil, fmt.Errorf("failed to generate after %d attempts: %w", attempts, lastErr)
	}
	return nil, lastErr
}

func (l *LLMImpl) attemptGenerate(ctx context.Context, prompt string, params types.GenerationParams) (*types.GenerationResult, error) {
	reqBody, err := l.Provider.PrepareRequest(prompt, params.AsMap())
	if err != nil {
		return nil, NewLLMError(ErrorTypeRequest, "failed to prepare request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.Provider.Endpoint(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, NewLLMError(ErrorTypeRequest, "failed to create request", err)
	}
	for k, v := range l.Provider.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, NewLLMError(ErrorTypeRequest, "failed to send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewLLMError(ErrorTypeResponse, "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.logger.Error("API error", "provider", l.Provider.Name(), "status", resp.StatusCode)
		llmErr := errorForStatus(resp.StatusCode, body)
		llmErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, llmErr
	}

	result, err := l.Provider.ParseResponse(body)
	if err != nil {
		return nil, NewLLMError(ErrorTypeResponse, "failed to parse response", err)
	}
	l.logger.Debug("Text generated successfully", "provider", l.Provider.Name(), "chars", len(result.Text))
	return result, nil
}

func (l *LLMImpl) estimateUsage(prompt string, result *types.GenerationResult) {
	if len(result.Usage) > 0 || l.tokens == nil {
		return
	}
	if usage := EstimateUsage(l.tokens, prompt, result.Text); usage != nil {
		result.Usage = usage
	}
}

// Close stops accepting requests and drops idle connections.
func (l *LLMImpl) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.client.CloseIdleConnections()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewClient selects a backend according to cfg.Backend.
func NewClient(cfg config.ModelConfig, logger utils.Logger) (Client, error) {
	switch cfg.Backend {
	case config.BackendHTTP, "":
		l, err := NewLLM(cfg, logger, providers.GetDefaultRegistry())
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.BackendOpenAI:
		return NewSDKClient(cfg, logger), nil
	case config.BackendMock:
		return NewMockClient(cfg.Model, cfg.MockText), nil
	default:
		return nil, NewLLMError(ErrorTypeInvalidInput, "unknown backend", errors.New(cfg.Backend))
	}
}
