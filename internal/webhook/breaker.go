package webhook

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while an endpoint's breaker rejects calls.
var ErrCircuitOpen = errors.New("webhook endpoint circuit is open")

// BreakerState is the state of an endpoint circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every delivery through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects deliveries until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe deliveries through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive failed deliveries to one
// endpoint and stays open for a cooldown. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// NewBreaker creates a breaker. Non-positive arguments fall back to 5
// failures, 1 probe success and a 30s cooldown.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow returns ErrCircuitOpen when the delivery must not be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Success records a delivered webhook.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// Failure records a failed delivery.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// advance moves an open breaker to half-open once the cooldown has passed.
// Callers hold mu.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
