// Package backoff computes how long to wait before retrying a failed sync.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// MaxInterval caps every computed backoff.
const MaxInterval = 24 * time.Hour

// Calculate returns attempt*(base+jitter) capped at MaxInterval and
// floored at min, where jitter is uniform in [0, base). Attempt zero, as
// after a reset, yields min.
func Calculate(attempt int, base, min time.Duration) time.Duration {
	return calculate(attempt, base, min, rand.Int64N)
}

func calculate(attempt int, base, min time.Duration, int64n func(int64) int64) time.Duration {
	if attempt < 1 {
		return min
	}
	jitter := time.Duration(0)
	if base > 0 {
		jitter = time.Duration(int64n(int64(base)))
	}
	d := base + jitter
	if d > 0 && time.Duration(attempt) > MaxInterval/d {
		d = MaxInterval
	} else {
		d *= time.Duration(attempt)
	}
	if d > MaxInterval {
		d = MaxInterval
	}
	if d < min {
		d = min
	}
	return d
}

// Policy tracks consecutive failures of one sync loop.
type Policy struct {
	Base time.Duration
	Min  time.Duration

	mu       sync.Mutex
	attempts int
	int64n   func(int64) int64
}

func NewPolicy(base, min time.Duration) *Policy {
	return &Policy{Base: base, Min: min, int64n: rand.Int64N}
}

// Failure records a failure and returns the wait before the next attempt.
func (p *Policy) Failure() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return calculate(p.attempts, p.Base, p.Min, p.rand())
}

func (p *Policy) Success() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

// Attempts is the number of consecutive failures.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// ServerBackoff stretches a server-requested interval by up to 25%.
func (p *Policy) ServerBackoff(wait time.Duration) time.Duration {
	if wait <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	extra := int64(wait) / 4
	if extra <= 0 {
		return wait
	}
	return wait + time.Duration(p.rand()(extra+1))
}

func (p *Policy) rand() func(int64) int64 {
	if p.int64n == nil {
		return rand.Int64N
	}
	return p.int64n
}
