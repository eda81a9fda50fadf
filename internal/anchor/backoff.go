package anchor

import "time"

// Backoff is a bounded exponential retry schedule with a retry horizon.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Horizon time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Horizon: 24 * time.Hour}
}

// Next returns the delay before attempt number attempts+1.
func (b Backoff) Next(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether a job first enqueued at since has used up its horizon.
func (b Backoff) Exhausted(since, now time.Time) bool {
	return b.Horizon > 0 && now.Sub(since) >= b.Horizon
}
