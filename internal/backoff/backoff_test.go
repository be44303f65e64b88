package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixed(v int64) func(int64) int64 {
	return func(n int64) int64 {
		if v >= n {
			return n - 1
		}
		return v
	}
}

func TestCalculateBounds(t *testing.T) {
	base := 15 * time.Minute
	for attempt := 1; attempt <= 10; attempt++ {
		got := Calculate(attempt, base, time.Minute)
		assert.GreaterOrEqual(t, got, time.Duration(attempt)*base)
		assert.Less(t, got, time.Duration(attempt)*2*base+1)
		assert.LessOrEqual(t, got, MaxInterval)
	}

	assert.Equal(t, time.Minute, Calculate(0, time.Hour, time.Minute))
	assert.Equal(t, time.Minute, Calculate(-3, time.Hour, time.Minute))
	assert.Zero(t, Calculate(0, time.Hour, 0))
}

func TestCalculateDeterministic(t *testing.T) {
	assert.Equal(t, 3*(10*time.Second+2*time.Second), calculate(3, 10*time.Second, 0, fixed(int64(2*time.Second))))
	// Floor applies when the product is small.
	assert.Equal(t, time.Minute, calculate(1, time.Second, time.Minute, fixed(0)))
	// Cap applies and does not overflow.
	assert.Equal(t, MaxInterval, calculate(1_000_000, time.Hour, 0, fixed(0)))
	assert.Equal(t, time.Minute, calculate(0, 0, time.Minute, fixed(0)))
}

func TestPolicy(t *testing.T) {
	p := &Policy{Base: time.Second, Min: 0, int64n: fixed(0)}
	assert.Equal(t, time.Second, p.Failure())
	assert.Equal(t, 2*time.Second, p.Failure())
	assert.Equal(t, 2, p.Attempts())
	p.Success()
	assert.Equal(t, 0, p.Attempts())
	assert.Equal(t, time.Second, p.Failure())
}

func TestServerBackoff(t *testing.T) {
	p := NewPolicy(time.Second, 0)
	for range 20 {
		got := p.ServerBackoff(100 * time.Second)
		assert.GreaterOrEqual(t, got, 100*time.Second)
		assert.LessOrEqual(t, got, 125*time.Second)
	}
	assert.Zero(t, p.ServerBackoff(0))
}
