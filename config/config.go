// File: config/config.go

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/teilomillet/evoprompt/providers"
	"github.com/teilomillet/evoprompt/utils"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "EVO_"

// Backends understood by the llm factory.
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
	BackendMock   = "mock"
)

// ModelConfig describes one generation endpoint (student or teacher).
type ModelConfig struct {
	Backend    string        `yaml:"backend" env:"BACKEND" validate:"oneof=http openai mock"`
	Provider   string        `yaml:"provider" env:"PROVIDER" validate:"required"`
	Model      string        `yaml:"model" env:"MODEL" validate:"required"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL" validate:"omitempty,url"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"min=0,max=10"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY" validate:"min=0"`
	// RequestsPerSecond paces calls to this endpoint; 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND" validate:"min=0"`
	// MockText is returned by the mock backend.
	MockText string `yaml:"mock_text" env:"MOCK_TEXT"`

	// Headers are sent with every request, e.g. "HTTP-Referer:https://example.com".
	Headers map[string]string `yaml:"headers" env:"HEADERS"`
}

type Config struct {
	Student ModelConfig `yaml:"student" envPrefix:"STUDENT_"`
	Teacher ModelConfig `yaml:"teacher" envPrefix:"TEACHER_"`

	PromptsDir string `yaml:"prompts_dir" env:"PROMPTS_DIR" validate:"required"`
	LogsDir    string `yaml:"logs_dir" env:"LOGS_DIR" validate:"required"`
	ResultsDir string `yaml:"results_dir" env:"RESULTS_DIR" validate:"required"`
	CacheDir   string `yaml:"cache_dir" env:"CACHE_DIR" validate:"required"`

	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL" validate:"min=0"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE" validate:"min=0,max=2"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS" validate:"min=1"`

	// CriteriaWeights is handed to the evaluator, which does not apply it yet.
	CriteriaWeights map[string]float64 `yaml:"criteria_weights" env:"CRITERIA_WEIGHTS" validate:"dive,keys,required,endkeys,min=0"`

	LogLevel utils.LogLevel `yaml:"log_level" env:"LOG_LEVEL"`
}

type ConfigOption func(*Config)

// NewConfig returns the defaults every other source overlays.
func NewConfig() *Config {
	return &Config{
		Student:     defaultModelConfig(),
		Teacher:     defaultModelConfig(),
		PromptsDir:  "prompts",
		LogsDir:     "logs",
		ResultsDir:  "results",
		CacheDir:    ".cache",
		CacheTTL:    time.Hour,
		Temperature: 0,
		MaxTokens:   512,
		CriteriaWeights: map[string]float64{
			"relevance":   0.4,
			"correctness": 0.4,
			"conciseness": 0.2,
		},
		LogLevel: utils.LogLevelInfo,
	}
}

func defaultModelConfig() ModelConfig {
	return ModelConfig{
		Backend:    BackendHTTP,
		Provider:   "openai",
		Model:      "gpt-4",
		Timeout:    60 * time.Second,
		RetryDelay: 2 * time.Second,
	}
}

// Load builds a Config from defaults, then the optional YAML (or JSON) file at
// path, then EVO_-prefixed environment variables, and validates the result.
func Load(path string, options ...ConfigOption) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	loadAPIKeys(cfg)
	ApplyOptions(cfg, options...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadAPIKeys falls back to the conventional <PROVIDER>_API_KEY variables
// when no explicit key was configured.
func loadAPIKeys(cfg *Config) {
	for _, mc := range []*ModelConfig{&cfg.Student, &cfg.Teacher} {
		if mc.APIKey != "" || mc.Provider == "" {
			continue
		}
		key := strings.ToUpper(strings.ReplaceAll(mc.Provider, "-", "_")) + "_API_KEY"
		if v, ok := os.LookupEnv(key); ok {
			mc.APIKey = v
		}
	}
}

var validate = validator.New()

// Validate checks the configuration against its struct rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, m := range []struct {
		role string
		mc   ModelConfig
	}{{"student", c.Student}, {"teacher", c.Teacher}} {
		role, mc := m.role, m.mc
		if mc.Backend != BackendMock && mc.BaseURL == "" && !providers.IsKnownProvider(mc.Provider) {
			return fmt.Errorf("invalid configuration: %s provider %q is unknown and has no base_url", role, mc.Provider)
		}
	}
	return nil
}

func ApplyOptions(cfg *Config, options ...ConfigOption) {
	for _, option := range options {
		option(cfg)
	}
}

func SetStudentModel(model string) ConfigOption {
	return func(c *Config) {
		c.Student.Model = model
	}
}

func SetTeacherModel(model string) ConfigOption {
	return func(c *Config) {
		c.Teacher.Model = model
	}
}

func SetBackend(backend string) ConfigOption {
	return func(c *Config) {
		c.Student.Backend = backend
		c.Teacher.Backend = backend
	}
}

func SetPromptsDir(dir string) ConfigOption {
	return func(c *Config) {
		c.PromptsDir = dir
	}
}

// SetWorkDir roots every storage directory under dir.
func SetWorkDir(dir string) ConfigOption {
	return func(c *Config) {
		c.PromptsDir = filepath.Join(dir, "prompts")
		c.LogsDir = filepath.Join(dir, "logs")
		c.ResultsDir = filepath.Join(dir, "results")
		c.CacheDir = filepath.Join(dir, ".cache")
	}
}

func SetCacheTTL(ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.CacheTTL = ttl
	}
}

func SetMaxTokens(maxTokens int) ConfigOption {
	return func(c *Config) {
		if maxTokens < 1 {
			maxTokens = 1
		}
		c.MaxTokens = maxTokens
	}
}

func SetTemperature(temperature float64) ConfigOption {
	return func(c *Config) {
		c.Temperature = temperature
	}
}

func SetLogLevel(level utils.LogLevel) ConfigOption {
	return func(c *Config) {
		c.LogLevel = level
	}
}

func SetCriteriaWeights(weights map[string]float64) ConfigOption {
	return func(c *Config) {
		c.CriteriaWeights = make(map[string]float64, len(weights))
		for k, v := range weights {
			c.CriteriaWeights[k] = v
		}
	}
}
