package consumer

import (
	"context"
	"time"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = time.Minute
)

// retryDelay doubles base per attempt and caps it at max. Attempts are
// 1-based.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if max <= 0 {
		max = defaultMaxDelay
	}
	delay := base
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
