// Package reconnect computes the delay before the next push connection attempt.
package reconnect

import "time"

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Policy is a deterministic capped exponential backoff without jitter.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

func Default() Policy {
	return Policy{Base: DefaultBaseDelay, Max: DefaultMaxDelay}
}

// Delay returns min(Base * 2^attempt, Max). attempt is the number of attempts
// already made since the last acknowledged connection.
func (p Policy) Delay(attempt int) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
