package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/teilomillet/evoprompt/config"
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

// SDKClient is a Client backed by the go-openai SDK. It serves OpenAI and
// any compatible endpoint reachable through cfg.BaseURL.
type SDKClient struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	limiter    *rate.Limiter
	logger     utils.Logger
	closed     atomic.Bool
}

func NewSDKClient(cfg config.ModelConfig, logger utils.Logger) *SDKClient {
	if logger == nil {
		logger = utils.NopLogger{}
	}

	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if len(cfg.Headers) > 0 {
		httpClient.Transport = &headerTransport{headers: cfg.Headers, base: http.DefaultTransport}
	}
	openaiCfg.HTTPClient = httpClient

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &SDKClient{
		client:     openai.NewClientWithConfig(openaiCfg),
		httpClient: httpClient,
		model:      cfg.Model,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// headerTransport adds fixed headers to every request the SDK sends.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func (t *headerTransport) CloseIdleConnections() {
	if c, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func (c *SDKClient) Model() string {
	return c.model
}

func (c *SDKClient) buildRequest(prompt string, params types.GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(params.Temperature),
		MaxTokens:   params.MaxTokens,
	}
	// go-openai omits a zero temperature, which the API reads as 1.
	if params.Temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	if v, ok := params.Extra["top_p"].(float64); ok {
		req.TopP = float32(v)
	}
	if v, ok := params.Extra["seed"]; ok {
		switch seed := v.(type) {
		case int:
			req.Seed = &seed
		case float64:
			s := int(seed)
			req.Seed = &s
		}
	}
	return req
}

func (c *SDKClient) Generate(ctx context.Context, prompt string, params types.GenerationParams) (*types.GenerationResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, NewLLMError(ErrorTypeRequest, "rate limiter wait aborted", err)
	}

	c.logger.Debug("Generating text", "backend", config.BackendOpenAI, "model", c.model)
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(prompt, params))
	if err != nil {
		return nil, sdkError(err)
	}

	texts := make([]string, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		texts = append(texts, choice.Message.Content)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, NewLLMError(ErrorTypeResponse, "failed to encode response", err)
	}

	return &types.GenerationResult{
		Text: strings.Join(texts, "\n"),
		Raw:  raw,
		Usage: map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

func sdkError(err error) *LLMError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := errorForStatus(apiErr.HTTPStatusCode, []byte(apiErr.Message))
		e.Err = err
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := errorForStatus(reqErr.HTTPStatusCode, nil)
		e.Err = err
		return e
	}
	return NewLLMError(ErrorTypeRequest, "failed to send request", err)
}

func (c *SDKClient) Close(context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
