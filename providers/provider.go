// Package providers implements the wire codecs for OpenAI-compatible chat
// completion APIs (OpenAI, DeepSeek, Groq, OpenRouter, Mistral, Ollama and any
// self-hosted endpoint speaking the same protocol).
package providers

import (
	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

// Provider turns a prompt into a request body and a response body into a
// GenerationResult. It performs no I/O.
type Provider interface {
	Name() string
	Endpoint() string
	Headers() map[string]string
	SetLogger(logger utils.Logger)

	PrepareRequest(prompt string, options map[string]any) ([]byte, error)
	ParseResponse(body []byte) (*types.GenerationResult, error)
}

// ProviderConfig holds the configuration for a provider
type ProviderConfig struct {
	// Name is the provider identifier
	Name string

	// Endpoint is the full chat completions URL
	Endpoint string

	// AuthHeader is the header key used for authentication
	AuthHeader string

	// AuthPrefix is the prefix to use before the API key (e.g., "Bearer ")
	AuthPrefix string

	// RequiredHeaders are additional headers always needed
	RequiredHeaders map[string]string
}

// ProviderConstructor builds a provider for one model. baseURL, when not
// empty, replaces the configured endpoint's base.
type ProviderConstructor func(apiKey, model, baseURL string, extraHeaders map[string]string) Provider
