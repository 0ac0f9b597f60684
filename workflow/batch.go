package workflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/teilomillet/evoprompt/types"
)

// BatchItem is one prompt to run inside RunBatch.
type BatchItem struct {
	PromptName string
	Input      string
	Options    RunOptions
}

type BatchResult struct {
	PromptName string
	Results    []*types.IterationResult
	Error      error
}

type batchState struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	limiter *rate.Limiter
}

func (b *batchState) init() {
	b.locks = make(map[string]*sync.Mutex)
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(rate.Inf, 1)
	}
}

func (b *batchState) lockFor(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	return l
}

// WithBatchRateLimit paces how fast RunBatch starts items.
func WithBatchRateLimit(r rate.Limit, burst int) Option {
	return func(w *Workflow) {
		w.batch.limiter = rate.NewLimiter(r, burst)
	}
}

// RunBatch runs every item concurrently. Items naming the same prompt run one
// after another, so their version updates never interleave.
func (w *Workflow) RunBatch(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			results[i].PromptName = item.PromptName

			if err := w.batch.limiter.Wait(ctx); err != nil {
				results[i].Error = fmt.Errorf("rate limiter error: %w", err)
				return
			}

			lock := w.batch.lockFor(item.PromptName)
			lock.Lock()
			defer lock.Unlock()

			results[i].Results, results[i].Error = w.Run(ctx, item.PromptName, item.Input, item.Options)
			if results[i].Error != nil {
				w.logger.Warn("Batch item failed", "prompt", item.PromptName, "error", results[i].Error)
			}
		}(i, item)
	}
	wg.Wait()
	return results
}
