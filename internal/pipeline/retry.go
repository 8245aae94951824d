package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dgallion1/docchat/internal/llm"
)

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var retryErr *llm.RetryableError
	return errors.As(err, &retryErr)
}

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

const MaxRetries = 3

// Corrector is the reconciliation correction capability.
type Corrector interface {
	Correct(ctx context.Context, original, reference, sectionTitle string) (string, error)
}

// RetryingCorrector retries retryable correction failures with backoff.
type RetryingCorrector struct {
	Next    Corrector
	Log     *slog.Logger
	Backoff func(attempt int) time.Duration // Defaults to Backoff.
}

func (c *RetryingCorrector) Correct(ctx context.Context, original, reference, sectionTitle string) (string, error) {
	backoff := c.Backoff
	if backoff == nil {
		backoff = Backoff
	}
	var out string
	var lastErr error
	for attempt := range MaxRetries {
		out, lastErr = c.Next.Correct(ctx, original, reference, sectionTitle)
		if lastErr == nil || !IsRetryable(lastErr) {
			return out, lastErr
		}
		if c.Log != nil {
			c.Log.Warn("retryable correction error", "section", sectionTitle, "attempt", attempt, "error", lastErr)
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return out, lastErr
}
