package shared

import (
	"context"
	"fmt"
	"time"
)

// BackoffStrategy is a fixed ladder of retry delays.
type BackoffStrategy struct {
	Delays []time.Duration
}

var (
	BackoffQuick = BackoffStrategy{
		Delays: []time.Duration{
			500 * time.Millisecond,
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
		},
	}

	BackoffStandard = BackoffStrategy{
		Delays: []time.Duration{
			500 * time.Millisecond,
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
		},
	}
)

type RetryFunc func(ctx context.Context, attempt int) error

// Retry runs fn with the strategy's delays between failed attempts. It stops
// early when ctx is cancelled. Used by callers that decide to re-dial a
// transport; the stream manager itself never retries.
func Retry(ctx context.Context, strategy BackoffStrategy, fn RetryFunc, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for i := 0; i < len(strategy.Delays); i++ {
		if err := fn(ctx, i+1); err != nil {
			lastErr = err
			if onRetry != nil {
				onRetry(i+1, err, strategy.Delays[i])
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(strategy.Delays[i]):
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", len(strategy.Delays), lastErr)
}
