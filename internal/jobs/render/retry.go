package render

import (
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: 2 * time.Second, Max: time.Minute}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max < p.Initial {
		p.Max = def.Max
		if p.Max < p.Initial {
			p.Max = p.Initial
		}
	}
	return p
}

// Exhausted reports whether a job that just failed on attempt (zero based)
// has no attempts left.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt+1 >= p.MaxAttempts
}

// Delay is the jittered wait before the next attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
