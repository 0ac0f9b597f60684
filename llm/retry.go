package llm

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy decides whether a failed Generate attempt is repeated.
// failures counts the failed attempts so far, starting at 1. A policy holds
// no per-call state, so one value can serve concurrent calls.
type RetryPolicy interface {
	Retry(err error, failures int) (time.Duration, bool)
}

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 30

// BackoffPolicy retries transport failures, rate limiting and 5xx replies,
// doubling BaseDelay after each failure. A Retry-After hint from the server
// is honored when it asks for a longer wait. MaxDelay, if set, caps the wait.
type BackoffPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p BackoffPolicy) Retry(err error, failures int) (time.Duration, bool) {
	if failures < 1 || failures > p.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	delay := p.BaseDelay << min(failures-1, maxBackoffShift)

	var llmErr *LLMError
	if errors.As(err, &llmErr) && llmErr.RetryAfter > delay {
		delay = llmErr.RetryAfter
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

// parseRetryAfter reads the delay-seconds form of a Retry-After header.
// HTTP dates are ignored.
func parseRetryAfter(value string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
