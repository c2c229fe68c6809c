package faceit

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with exponential cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for baseDelay * 2^(failures-trip), capped at maxDelay.
//
// A zero breaker (trip <= 0) never opens.
type breaker struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(trip int, base time.Duration) *breaker {
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return &breaker{}
	}
	if base <= 0 {
		base = 30 * time.Second
	}
	return &breaker{
		trip:       trip,
		baseDelay:  base,
		maxDelay:   10 * time.Minute,
		resetAfter: 15 * time.Minute,
	}
}

func (b *breaker) enabled() bool { return b != nil && b.trip > 0 }

// open reports whether calls should be short-circuited at now.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	if !b.enabled() {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, failed bool) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked(now)

	if !failed {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return
	}
	d := b.baseDelay
	for i := 0; i < b.fails-b.trip && d < b.maxDelay; i++ {
		d *= 2
	}
	b.openUntil = now.Add(min(d, b.maxDelay))
}

// maybeResetLocked forgets failures that are older than resetAfter.
func (b *breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && b.resetAfter > 0 && now.Sub(b.lastFailure) > b.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
