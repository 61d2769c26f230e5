package harness

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// pollUntil retries fn with exponential backoff until it succeeds, returns a
// backoff.Permanent error, ctx is done, or timeout elapses.
func pollUntil(ctx context.Context, timeout time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}
