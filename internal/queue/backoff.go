package queue

import "time"

const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// Backoff returns the delay before the given retry attempt: exponential from
// one second, capped at five minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 9 {
		shift = 9
	}
	d := backoffBase << uint(shift)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
