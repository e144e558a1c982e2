package engine

import (
	"math/rand"
	"time"
)

// retrySchedule computes the delay before the next delivery attempt from the
// number of attempts already made. The schedule is a pure function of the
// persisted attempt count so it survives restarts: base doubles per attempt,
// gets up to 20% of jitter either way, and never exceeds cap.
type retrySchedule struct {
	base   time.Duration
	cap    time.Duration
	jitter func(time.Duration) time.Duration
}

func newRetrySchedule(base, cap time.Duration, rng *rand.Rand) retrySchedule {
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap < base {
		cap = time.Hour
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return retrySchedule{
		base: base,
		cap:  cap,
		jitter: func(d time.Duration) time.Duration {
			spread := 0.8 + rng.Float64()*0.4
			return time.Duration(float64(d) * spread)
		},
	}
}

// Delay returns the wait before retrying after the given completed attempts.
// attempts=0 is the first failure, yielding roughly the base delay.
func (s retrySchedule) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := s.base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.cap || d <= 0 {
			d = s.cap
			break
		}
	}
	if s.jitter != nil {
		d = s.jitter(d)
	}
	if d > s.cap {
		d = s.cap
	}
	if d < 0 {
		d = s.cap
	}
	return d
}
