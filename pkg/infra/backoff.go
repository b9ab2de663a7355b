package infra

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff is a jittered exponential delay used for reconnect loops
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
	mu         sync.Mutex
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitterFactor := rand.Float64()*0.4 - 0.2
	jitter := time.Duration(jitterFactor * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// RetryPolicy decides when a transiently failed queue item may be tried
// again. It is deterministic so the decision can be tested without timers.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Cap:         60 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns min(Cap, 2^attempts * Base)
func (p RetryPolicy) Delay(attempts int) time.Duration {
	d := p.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d <= 0 || d >= p.Cap {
			return p.Cap
		}
	}
	return min(d, p.Cap)
}

// Exhausted reports whether attempts has reached the retry ceiling
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
