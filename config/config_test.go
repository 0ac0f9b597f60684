package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/evoprompt/utils"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "prompts", cfg.PromptsDir)
	assert.Equal(t, "logs", cfg.LogsDir)
	assert.Equal(t, "results", cfg.ResultsDir)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 512, cfg.MaxTokens)
	assert.Equal(t, 0.0, cfg.Temperature)
	assert.Equal(t, "gpt-4", cfg.Student.Model)
	assert.Equal(t, BackendHTTP, cfg.Teacher.Backend)
	assert.InDelta(t, 0.4, cfg.CriteriaWeights["relevance"], 1e-9)
	assert.Equal(t, utils.LogLevelInfo, cfg.LogLevel)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("EVO_STUDENT_MODEL", "deepseek-chat")
	t.Setenv("EVO_STUDENT_PROVIDER", "deepseek")
	t.Setenv("EVO_TEACHER_BACKEND", "mock")
	t.Setenv("EVO_CACHE_TTL", "90s")
	t.Setenv("EVO_MAX_TOKENS", "256")
	t.Setenv("EVO_LOG_LEVEL", "debug")
	t.Setenv("EVO_CRITERIA_WEIGHTS", "relevance:0.5,style:0.5")
	t.Setenv("DEEPSEEK_API_KEY", "sk-deepseek")
	t.Setenv("EVO_STUDENT_HEADERS", "X-Title:evoprompt")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "deepseek-chat", cfg.Student.Model)
	assert.Equal(t, "sk-deepseek", cfg.Student.APIKey)
	assert.Equal(t, BackendMock, cfg.Teacher.Backend)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
	assert.Equal(t, 256, cfg.MaxTokens)
	assert.Equal(t, utils.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, map[string]float64{"relevance": 0.5, "style": 0.5}, cfg.CriteriaWeights)
	assert.Equal(t, map[string]string{"X-Title": "evoprompt"}, cfg.Student.Headers)
}

func TestValidateAcceptsCustomProviderWithBaseURL(t *testing.T) {
	cfg := NewConfig()
	cfg.Student.Provider = "vllm"
	cfg.Student.BaseURL = "http://127.0.0.1:8000/v1"
	cfg.Teacher.Provider = "anything"
	cfg.Teacher.Backend = BackendMock
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evoprompt.yaml")
	content := `
prompts_dir: /tmp/p
cache_ttl: 10m
log_level: warn
student:
  backend: openai
  provider: openai
  model: gpt-4o-mini
  base_url: https://api.deepseek.com/v1
  timeout: 15s
teacher:
  backend: mock
  provider: mock
  model: judge
  timeout: 5s
  mock_text: '{"score": 50}'
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("EVO_STUDENT_MODEL", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/p", cfg.PromptsDir)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Equal(t, utils.LogLevelWarn, cfg.LogLevel)
	assert.Equal(t, BackendOpenAI, cfg.Student.Backend)
	assert.Equal(t, "from-env", cfg.Student.Model)
	assert.Equal(t, "https://api.deepseek.com/v1", cfg.Student.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Student.Timeout)
	assert.Equal(t, `{"score": 50}`, cfg.Teacher.MockText)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		problem string
	}{
		{"unknown backend", func(c *Config) { c.Student.Backend = "grpc" }, "Backend"},
		{"empty model", func(c *Config) { c.Teacher.Model = "" }, "Model"},
		{"zero max tokens", func(c *Config) { c.MaxTokens = 0 }, "MaxTokens"},
		{"bad base url", func(c *Config) { c.Student.BaseURL = "not a url" }, "BaseURL"},
		{"empty prompts dir", func(c *Config) { c.PromptsDir = "" }, "PromptsDir"},
		{"negative weight", func(c *Config) { c.CriteriaWeights["style"] = -0.1 }, "CriteriaWeights"},
		{"empty weight name", func(c *Config) { c.CriteriaWeights[""] = 0.1 }, "CriteriaWeights"},
		{"unknown provider without base url", func(c *Config) { c.Teacher.Provider = "vllm" }, `teacher provider "vllm"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.problem)
		})
	}
}

func TestConfigOptions(t *testing.T) {
	cfg := NewConfig()
	weights := map[string]float64{"clarity": 1}
	ApplyOptions(cfg,
		SetStudentModel("student-x"),
		SetTeacherModel("teacher-y"),
		SetBackend(BackendMock),
		SetWorkDir("/work"),
		SetCacheTTL(time.Minute),
		SetMaxTokens(-5),
		SetTemperature(0.3),
		SetLogLevel(utils.LogLevelError),
		SetCriteriaWeights(weights),
	)
	weights["clarity"] = 2

	assert.Equal(t, "student-x", cfg.Student.Model)
	assert.Equal(t, "teacher-y", cfg.Teacher.Model)
	assert.Equal(t, BackendMock, cfg.Student.Backend)
	assert.Equal(t, BackendMock, cfg.Teacher.Backend)
	assert.Equal(t, "/work/prompts", cfg.PromptsDir)
	assert.Equal(t, "/work/.cache", cfg.CacheDir)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, 1, cfg.MaxTokens)
	assert.Equal(t, 0.3, cfg.Temperature)
	assert.Equal(t, utils.LogLevelError, cfg.LogLevel)
	assert.Equal(t, 1.0, cfg.CriteriaWeights["clarity"])
	assert.NoError(t, cfg.Validate())
}
