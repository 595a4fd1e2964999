package control

import (
	"context"
	"fmt"
	"time"
)

// Backoff bounds the identity query retry loop.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff gives a freshly started node roughly a minute to come up.
var DefaultBackoff = Backoff{Attempts: 10, Initial: 500 * time.Millisecond, Max: 10 * time.Second}

// WaitForNodeInfo queries client until it answers or the attempts run out.
// The delay before attempt n grows exponentially from Initial, capped at Max.
func WaitForNodeInfo(ctx context.Context, client Client, backoff Backoff) (NodeInfo, error) {
	attempts := backoff.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if delay := calculateBackoff(attempt, backoff.Initial, backoff.Max); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return NodeInfo{}, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
			case <-timer.C:
			}
		}

		info, err := client.NodeInfo(ctx)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return NodeInfo{}, fmt.Errorf("%w after %d attempts: %v", ErrUnreachable, attempts, lastErr)
}

// calculateBackoff computes the delay before retry number attempt.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	backoff := initialDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > maxDelay {
			return maxDelay
		}
	}
	if backoff > maxDelay {
		return maxDelay
	}
	return backoff
}
