package relay

import "time"

// Backoff returns the reconnect delay after n consecutive failures:
// 1s after the first, doubling each failure, capped at cap.
// n <= 0 returns zero (no delay before the first attempt).
// NextFailureCount advances the consecutive-failure counter after a stream
// ends. A stream whose connection was established resets the counter, so the
// next delay drops back to the base; only uninterrupted connect failures
// accumulate toward the fatal ceiling.
func NextFailureCount(prev int, healthy bool) int {
	if healthy {
		return 1
	}
	return prev + 1
}

func Backoff(n int, cap time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := time.Second
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
