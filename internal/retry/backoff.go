package retry

import "time"

const (
	backoffBase = time.Minute
	backoffCap  = 24 * time.Hour
)

// Backoff returns the deterministic part of the delay before the next
// attempt of an entry with the given (already bumped) retry count:
// min(2^retryCount * 60s, 24h). Jitter is added by the caller.
func Backoff(retryCount int) time.Duration {
	// 2^11 minutes already exceeds 24h; avoid shifting into overflow.
	if retryCount >= 11 {
		return backoffCap
	}
	d := time.Duration(1<<uint(retryCount)) * backoffBase
	if d > backoffCap {
		return backoffCap
	}
	return d
}
