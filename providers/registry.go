package providers

import (
	"fmt"
	"sort"
	"sync"
)

// ProviderRegistry manages the registration and retrieval of LLM providers.
// It provides thread-safe access to provider configurations and constructors.
type ProviderRegistry struct {
	providers map[string]ProviderConstructor
	configs   map[string]ProviderConfig
	mutex     sync.RWMutex
}

var (
	defaultRegistry     *ProviderRegistry
	defaultRegistryOnce sync.Once
)

// GetDefaultRegistry returns the process-wide registry holding every known provider.
func GetDefaultRegistry() *ProviderRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewProviderRegistry()
	})
	return defaultRegistry
}

// NewProviderRegistry creates a new provider registry with the specified providers.
// If no providers are specified, all known providers are registered by default.
func NewProviderRegistry(providerNames ...string) *ProviderRegistry {
	registry := &ProviderRegistry{
		providers: make(map[string]ProviderConstructor),
		configs:   make(map[string]ProviderConfig),
	}

	standard := getStandardConfigs()
	if len(providerNames) == 0 {
		for name := range standard {
			providerNames = append(providerNames, name)
		}
	}
	for _, name := range providerNames {
		cfg, ok := standard[name]
		if !ok {
			continue
		}
		registry.configs[name] = cfg
		registry.providers[name] = constructorFor(cfg)
	}
	return registry
}

func constructorFor(cfg ProviderConfig) ProviderConstructor {
	return func(apiKey, model, baseURL string, extraHeaders map[string]string) Provider {
		return NewOpenAIProvider(cfg, apiKey, model, baseURL, extraHeaders)
	}
}

// getStandardConfigs returns standard provider configurations
func getStandardConfigs() map[string]ProviderConfig {
	bearer := func(name, endpoint string) ProviderConfig {
		return ProviderConfig{
			Name:            name,
			Endpoint:        endpoint,
			AuthHeader:      "Authorization",
			AuthPrefix:      "Bearer ",
			RequiredHeaders: map[string]string{"Content-Type": "application/json"},
		}
	}

	return map[string]ProviderConfig{
		"openai":     bearer("openai", "https://api.openai.com/v1/chat/completions"),
		"deepseek":   bearer("deepseek", "https://api.deepseek.com/chat/completions"),
		"groq":       bearer("groq", "https://api.groq.com/openai/v1/chat/completions"),
		"openrouter": bearer("openrouter", "https://openrouter.ai/api/v1/chat/completions"),
		"mistral":    bearer("mistral", "https://api.mistral.ai/v1/chat/completions"),
		"ollama": {
			Name:            "ollama",
			Endpoint:        "http://localhost:11434/v1/chat/completions",
			RequiredHeaders: map[string]string{"Content-Type": "application/json"},
		},
	}
}

func (r *ProviderRegistry) GetProviderConfig(name string) (ProviderConfig, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	cfg, exists := r.configs[name]
	return cfg, exists
}

func (r *ProviderRegistry) Get(name, apiKey, model, baseURL string, extraHeaders map[string]string) (Provider, error) {
	r.mutex.RLock()
	constructor, exists := r.providers[name]
	r.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return constructor(apiKey, model, baseURL, extraHeaders), nil
}

// Names lists the registered providers in sorted order.
func (r *ProviderRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsKnownProvider(name string) bool {
	_, ok := GetDefaultRegistry().GetProviderConfig(name)
	return ok
}
