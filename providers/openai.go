package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

const chatCompletionsPath = "/chat/completions"

// OpenAIProvider speaks the OpenAI chat completions protocol. The same codec
// serves every OpenAI-compatible service; only ProviderConfig differs.
type OpenAIProvider struct {
	apiKey       string
	model        string
	config       ProviderConfig
	endpoint     string
	extraHeaders map[string]string
	logger       utils.Logger
}

// NewOpenAIProvider creates a provider for cfg. A non-empty baseURL such as
// "https://api.deepseek.com/v1" overrides cfg.Endpoint.
func NewOpenAIProvider(cfg ProviderConfig, apiKey, model, baseURL string, extraHeaders map[string]string) *OpenAIProvider {
	endpoint := cfg.Endpoint
	if baseURL != "" {
		endpoint = ChatCompletionsURL(baseURL)
	}
	return &OpenAIProvider{
		apiKey:       apiKey,
		model:        model,
		config:       cfg,
		endpoint:     endpoint,
		extraHeaders: extraHeaders,
		logger:       utils.NewLogger(utils.LogLevelWarn),
	}
}

// ChatCompletionsURL appends the chat completions path to a base URL unless
// it is already present.
func ChatCompletionsURL(baseURL string) string {
	base := strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(base, chatCompletionsPath) {
		return base
	}
	return base + chatCompletionsPath
}

func (p *OpenAIProvider) Name() string                  { return p.config.Name }
func (p *OpenAIProvider) Endpoint() string              { return p.endpoint }
func (p *OpenAIProvider) Model() string                 { return p.model }
func (p *OpenAIProvider) SetLogger(logger utils.Logger) { p.logger = logger }

// Headers returns the necessary headers for API requests
func (p *OpenAIProvider) Headers() map[string]string {
	headers := make(map[string]string, len(p.config.RequiredHeaders)+len(p.extraHeaders)+1)
	for k, v := range p.config.RequiredHeaders {
		headers[k] = v
	}
	if p.apiKey != "" && p.config.AuthHeader != "" {
		headers[p.config.AuthHeader] = p.config.AuthPrefix + p.apiKey
	}
	for k, v := range p.extraHeaders {
		headers[k] = v
	}
	return headers
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PrepareRequest sends the prompt as a single user message; options are
// merged into the top level of the body.
func (p *OpenAIProvider) PrepareRequest(prompt string, options map[string]any) ([]byte, error) {
	request := make(map[string]any, len(options)+2)
	for k, v := range options {
		request[k] = v
	}
	request["model"] = p.model
	request["messages"] = []chatMessage{{Role: "user", Content: prompt}}

	reqJSON, err := json.Marshal(request)
	if err != nil {
		p.logger.Error("Failed to marshal request", "error", err)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	p.logger.Debug("Request prepared", "provider", p.Name(), "bytes", len(reqJSON))
	return reqJSON, nil
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Text  string         `json:"text"`
	Usage map[string]any `json:"usage"`
}

// ParseResponse joins the content of every choice with newlines. Legacy
// completion payloads carrying "text" are accepted too.
func (p *OpenAIProvider) ParseResponse(body []byte) (*types.GenerationResult, error) {
	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}

	parts := make([]string, 0, len(response.Choices))
	for _, choice := range response.Choices {
		content := choice.Text
		if choice.Message != nil && choice.Message.Content != "" {
			content = choice.Message.Content
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	text := strings.Join(parts, "\n")
	if len(response.Choices) == 0 {
		text = response.Text
	}

	raw := make(json.RawMessage, len(body))
	copy(raw, body)
	return &types.GenerationResult{
		Text:  text,
		Raw:   raw,
		Usage: response.Usage,
	}, nil
}
