package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for blocking callers that may sleep
// between attempts. The session loop never uses it; see ReconnectPolicy.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do calls fn until it succeeds, the retries are spent or ctx is done.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Backoff):
		}
	}
	return err
}
