package cancel

import (
	"context"
	"time"
)

// RetryCountdown waits d, cancellably, before a caller re-attempts a
// retryable stream error (spec §4.G "Retry countdown"). It returns true
// if the full wait elapsed (the caller should retry) or false if ctx
// was cancelled first (the caller should stop). d <= 0 returns true
// immediately without waiting.
func RetryCountdown(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
