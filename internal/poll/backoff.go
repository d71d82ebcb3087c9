package poll

import "time"

// Backoff computes effective intervals under one Policy.
//
// growth(k) = 2^k: after k consecutive failures the interval is
// requested × 2^k, bounded to [floor(priority), MaxBackoff]. A success halves
// k, so the interval walks back toward the requested one.
type Backoff struct {
	Policy Policy
}

// Clamp bounds d to [floor(priority), MaxBackoff].
func (b Backoff) Clamp(pr Priority, d time.Duration) time.Duration {
	floor := b.Policy.Floor(pr)
	if d < floor {
		d = floor
	}
	if max := b.ceiling(); d > max {
		d = max
	}
	return d
}

func (b Backoff) ceiling() time.Duration {
	if b.Policy.MaxBackoff > 0 {
		return b.Policy.MaxBackoff
	}
	return defaultMaxBackoff
}

// Effective returns the interval for a task with the given error count.
func (b Backoff) Effective(pr Priority, requested time.Duration, consecutiveErrors int) time.Duration {
	d := b.Clamp(pr, requested)
	max := b.ceiling()
	for i := 0; i < consecutiveErrors; i++ {
		if d > max/2 {
			d = max
			break
		}
		d *= 2
	}
	return b.Clamp(pr, d)
}

// Failure returns the error count and interval after one more failure.
func (b Backoff) Failure(pr Priority, requested time.Duration, consecutiveErrors int) (int, time.Duration) {
	if consecutiveErrors < 0 {
		consecutiveErrors = 0
	}
	n := consecutiveErrors + 1
	return n, b.Effective(pr, requested, n)
}

// Success returns the decayed error count and relaxed interval.
func (b Backoff) Success(pr Priority, requested time.Duration, consecutiveErrors int) (int, time.Duration) {
	n := 0
	if consecutiveErrors > 1 {
		n = consecutiveErrors / 2
	}
	return n, b.Effective(pr, requested, n)
}
