package worker

import (
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
)

// RetryPolicy controls whether and when a transiently failed command is
// redelivered. When Schedule is set it takes precedence; otherwise the delay
// grows exponentially from BaseDelay, clamped at MaxDelay.
type RetryPolicy struct {
	Schedule   []time.Duration
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy backs off 10s, 60s, 5m and caps at 15m
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Schedule: []time.Duration{10 * time.Second, time.Minute, 5 * time.Minute},
		MaxDelay: 15 * time.Minute,
	}
}

// ShouldRetry reports whether another delivery is warranted. Only transient
// failures retry, and only while attempts remain.
func (p *RetryPolicy) ShouldRetry(attempt, maxAttempts int, kind bus.ErrorKind) bool {
	if kind != bus.ErrorKindTransient {
		return false
	}
	return attempt < maxAttempts
}

// NextDelay returns the backoff before the given attempt is redelivered.
// attempt is 1-based: the delay after the first failed attempt is
// NextDelay(1).
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if len(p.Schedule) > 0 {
		if attempt > len(p.Schedule) {
			attempt = len(p.Schedule)
		}
		return p.clamp(p.Schedule[attempt-1])
	}

	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return p.clamp(delay)
}

func (p *RetryPolicy) clamp(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
