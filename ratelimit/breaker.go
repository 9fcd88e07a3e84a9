package ratelimit

import "time"

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker is a consecutive-failure circuit breaker. It is not safe for
// concurrent use; serverState.mu guards it.
type breaker struct {
	threshold int
	cooldown  time.Duration

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// allow reports whether a call may proceed. After the cooldown a single
// probe is let through in half-open state.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *breaker) success() {
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// failure records a failed call and reports whether the circuit just opened.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		return true
	case StateClosed:
		if b.threshold > 0 && b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
			return true
		}
	}
	return false
}

// release gives back a half-open probe slot without recording an outcome.
func (b *breaker) release() {
	if b.state == StateHalfOpen {
		b.probing = false
	}
}
