// Package retry wraps github.com/sethvargo/go-retry into the single bounded
// retry policy this module uses everywhere spec.md authorizes a retry: the
// resumable downloader (§4.4, max 3 attempts, 1s base, 30s cap) and the
// metadata store (§4.5, max 5 attempts, 50ms base, 2s cap). Every other
// component surfaces its error immediately — the orchestrator decides.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy configures one bounded exponential-backoff retry loop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Download is the §4.4 policy: max 3 attempts, 1s base, cap 30s.
func Download() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
}

// MetadataStore is the §4.5 policy: up to 5 attempts, 50ms base, cap 2s.
func MetadataStore() Policy {
	return Policy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.InitialDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	return b
}

// Classifier decides whether an error returned by the wrapped operation is
// worth another attempt. go-retry retries only errors wrapped with
// retry.RetryableError; Do wraps exactly the errors the classifier accepts,
// so any other error ends the loop at once.
type Classifier func(err error) bool

// Do runs fn under the policy, retrying only errors for which isRetryable
// returns true. logger, if non-nil, gets a warning per retried attempt.
func Do(ctx context.Context, p Policy, logger *slog.Logger, isRetryable Classifier, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err // terminal: go-retry stops because it isn't wrapped RetryableError
		}
		if logger != nil {
			logger.Warn("operation failed, retrying",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"error", err)
		}
		return retry.RetryableError(err)
	})
}
