package resilience

import (
	"sync"
	"time"
)

// CircuitBreaker stops sends to a failing provider after a streak of
// consecutive errors. Once the cooldown elapses it admits a single probe;
// the probe's outcome either closes the breaker or re-opens it for another
// cooldown.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	streak   int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a send may proceed. An open breaker admits nothing
// until the cooldown has elapsed, then at most one probe at a time.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streak < c.threshold {
		return true
	}
	if c.probing || time.Since(c.openedAt) < c.cooldown {
		return false
	}
	c.probing = true
	return true
}

// OnSuccess closes the breaker and clears the failure streak.
func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.streak = 0
	c.probing = false
	c.openedAt = time.Time{}
	c.mu.Unlock()
}

// OnError extends the failure streak. Crossing the threshold opens the
// breaker; a failed probe re-opens it for a fresh cooldown.
func (c *CircuitBreaker) OnError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streak++
	c.probing = false
	if c.streak >= c.threshold {
		c.openedAt = time.Now()
	}
}
