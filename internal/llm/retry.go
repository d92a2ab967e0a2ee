package llm

import (
	"context"
	"time"
)

// RetryPolicy retries a call a fixed number of times with a fixed wait.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Backoff: time.Second}
}

// RetryResult is the outcome of Do. Err is the last error when every
// attempt failed.
type RetryResult struct {
	Output   string
	Attempts int
	Err      error
}

// Exhausted reports whether all attempts failed.
func (r RetryResult) Exhausted() bool { return r.Err != nil }

// Do calls fn until it succeeds, attempts run out or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) (string, error)) RetryResult {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var res RetryResult
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Backoff > 0 {
			t := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				res.Err = ctx.Err()
				return res
			case <-t.C:
			}
		}
		res.Attempts++
		out, err := fn(ctx)
		if err == nil {
			return RetryResult{Output: out, Attempts: res.Attempts}
		}
		res.Err = err
		if ctx.Err() != nil {
			return res
		}
	}
	return res
}
