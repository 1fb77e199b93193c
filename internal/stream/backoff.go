package stream

import "time"

const maxBackoff = 30 * time.Second

// Backoff returns the delay before reconnect attempt n (1-based):
// base, 2*base, 4*base, ... capped at maxBackoff.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		return maxBackoff
	}
	d := base << uint(shift)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}
