package jobs

import "time"

// Backoff computes the requeue delay before a retry attempt. Delay doubles
// per failed attempt from Base, capped at Cap. Deterministic so retry
// schedules are reproducible in tests.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before re-dispatching a job that failed
// `attempt` times.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base << uint(attempt-1)
	if b.Cap > 0 && (d > b.Cap || d <= 0) {
		return b.Cap
	}
	return d
}
