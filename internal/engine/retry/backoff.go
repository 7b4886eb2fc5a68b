package retry

import (
	"math/rand"
	"time"
)

// JitterFunc perturbs a delay. The deterministic default schedule keeps
// Jitter nil so tests see exact delays; production wiring can plug in
// BoundedJitter to break up synchronized retry storms.
type JitterFunc func(time.Duration) time.Duration

// Schedule is a fixed, monotonically non-decreasing backoff schedule.
// Delays are measured from the finished_at of the most recent failed
// attempt, not from creation.
type Schedule struct {
	Delays []time.Duration
	Jitter JitterFunc
}

// DefaultSchedule returns the standard deployment retry schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		Delays: []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second},
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts that have already failed. Clamped to the last entry once the
// count runs past the schedule.
func (s Schedule) Delay(retryCount int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(s.Delays) {
		retryCount = len(s.Delays) - 1
	}
	delay := s.Delays[retryCount]
	if s.Jitter != nil {
		delay = s.Jitter(delay)
	}
	return delay
}

// SecondsToDelays converts a configured schedule in whole seconds.
func SecondsToDelays(seconds []int) []time.Duration {
	delays := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		delays[i] = time.Duration(s) * time.Second
	}
	return delays
}

// BoundedJitter returns a JitterFunc adding up to fraction*delay of random
// spread. Fraction 0.2 turns 10s into 10s..12s.
func BoundedJitter(fraction float64) JitterFunc {
	return func(d time.Duration) time.Duration {
		if fraction <= 0 {
			return d
		}
		spread := float64(d) * fraction
		return d + time.Duration(rand.Float64()*spread)
	}
}
