package backoff

import "time"

// Duration returns base * 2^(attempt-1), capped at max. Attempt is 1-based.
func Duration(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 400 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt <= 1 {
		if base > max {
			return max
		}
		return base
	}
	if attempt > 16 {
		attempt = 16
	}
	d := base * time.Duration(1<<(attempt-1))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Sleep waits for d or until stop is closed. It reports whether the full
// duration elapsed.
func Sleep(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
