package llm

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTiktokenCounterLoadTimeout(t *testing.T) {
	release := make(chan struct{})
	var loads atomic.Int32

	c := NewTiktokenCounter("gpt-4", nil)
	c.loadTimeout = 10 * time.Millisecond
	c.loadModel = func(model string) (*tiktoken.Tiktoken, error) {
		loads.Add(1)
		<-release
		return nil, errors.New("offline")
	}

	_, err := c.Count("hello")
	assert.ErrorIs(t, err, ErrEncodingUnavailable)
	assert.Nil(t, EstimateUsage(c, "a", "b"))

	close(release)
	c.loadTimeout = time.Second
	_, err = c.Count("hello")
	assert.EqualError(t, err, "offline")
	assert.Equal(t, int32(2), loads.Load(), "falls back to the gpt-4o encoding")
}

func TestEstimateUsage(t *testing.T) {
	usage := EstimateUsage(wordCounter{}, "one two", "three")
	require.NotNil(t, usage)
	assert.Equal(t, 2, usage["prompt_tokens"])
	assert.Equal(t, 1, usage["completion_tokens"])
	assert.Equal(t, 3, usage["total_tokens"])
}
