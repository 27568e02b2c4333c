package queue

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the backoff before a retry attempt. It is a
// plain value passed into the services that need it, so retry behavior
// is testable without a running scheduler.
type RetryPolicy struct {
	Base     time.Duration // delay before the first retry
	MaxDelay time.Duration // cap for the exponential growth
	Jitter   float64       // +- fraction applied to the final delay
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:     30 * time.Second,
		MaxDelay: 15 * time.Minute,
		Jitter:   0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the backoff before retry attempt n (1-indexed),
// doubling from Base and capped at MaxDelay. A nil rng disables jitter.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// DelayWithHint prefers an explicit retry-after hint (bounded by
// MaxDelay, jittered to avoid thundering herds) over the exponential
// schedule.
func (p RetryPolicy) DelayWithHint(attempt int, hint time.Duration, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if hint <= 0 {
		return p.Delay(attempt, rng)
	}
	d := hint
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
