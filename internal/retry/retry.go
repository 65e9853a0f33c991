package retry

import "time"

// ExponentialBackoff returns base doubled attempt times, capped at limit.
// Overflowing shifts are capped as well.
func ExponentialBackoff(base, limit time.Duration, attempt uint) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt >= 63 {
		return limit
	}
	interval := base << attempt
	if interval < base || interval <= 0 {
		return limit
	}
	return min(interval, limit)
}
