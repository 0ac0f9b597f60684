package llm

import (
	"errors"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teilomillet/evoprompt/utils"
)

// DefaultEncodingLoadTimeout bounds how long Count waits for the BPE ranks.
// tiktoken-go fetches them over the network unless TIKTOKEN_CACHE_DIR holds
// a copy.
const DefaultEncodingLoadTimeout = 10 * time.Second

// ErrEncodingUnavailable is returned by Count when the encoding could not be
// loaded in time. The load keeps going in the background.
var ErrEncodingUnavailable = errors.New("token encoding not available")

// TokenCounter counts tokens in a piece of text.
type TokenCounter interface {
	Count(text string) (int, error)
}

// TiktokenCounter counts tokens with the BPE encoding of a model. The
// encoding is loaded on first use. Pass WithTokenCounter(nil) to an LLMImpl
// to skip estimation entirely, and with it the download.
type TiktokenCounter struct {
	model       string
	logger      utils.Logger
	loadTimeout time.Duration
	loadModel   func(model string) (*tiktoken.Tiktoken, error)

	once     sync.Once
	loaded   chan struct{}
	encoding *tiktoken.Tiktoken
	err      error
}

func NewTiktokenCounter(model string, logger utils.Logger) *TiktokenCounter {
	if logger == nil {
		logger = utils.NopLogger{}
	}
	return &TiktokenCounter{
		model:       model,
		logger:      logger,
		loadTimeout: DefaultEncodingLoadTimeout,
		loadModel:   tiktoken.EncodingForModel,
		loaded:      make(chan struct{}),
	}
}

func (c *TiktokenCounter) load() {
	defer close(c.loaded)
	enc, err := c.loadModel(c.model)
	if err != nil {
		c.logger.Warn("Failed to get encoding for model, defaulting to gpt-4o", "model", c.model, "error", err)
		enc, err = c.loadModel("gpt-4o")
	}
	c.encoding, c.err = enc, err
}

func (c *TiktokenCounter) Count(text string) (int, error) {
	c.once.Do(func() { go c.load() })

	select {
	case <-c.loaded:
	case <-time.After(c.loadTimeout):
		c.logger.Debug("Token encoding still loading", "model", c.model, "waited", c.loadTimeout)
		return 0, ErrEncodingUnavailable
	}
	if c.err != nil {
		return 0, c.err
	}
	return len(c.encoding.Encode(text, nil, nil)), nil
}

// EstimateUsage builds an OpenAI-style usage map from local token counts.
// It returns nil when the counter fails.
func EstimateUsage(counter TokenCounter, prompt, completion string) map[string]any {
	promptTokens, err := counter.Count(prompt)
	if err != nil {
		return nil
	}
	completionTokens, err := counter.Count(completion)
	if err != nil {
		return nil
	}
	return map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
		"estimated":         true,
	}
}
