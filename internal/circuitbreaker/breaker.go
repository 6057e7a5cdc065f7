// Package circuitbreaker implements a thread-safe circuit breaker for
// durable-workflow dispatch. When the workflow service becomes unavailable,
// the breaker trips after a configurable number of consecutive failures and
// routes runs through the in-process pipeline for a cooldown period before
// probing again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: runs dispatch durably.
	Closed State = iota
	// Open means the circuit has tripped: runs bypass durable dispatch.
	Open
	// HalfOpen allows a single probe through to test recovery.
	HalfOpen
)

var stateNames = map[State]string{
	Closed:   "closed",
	Open:     "open",
	HalfOpen: "half-open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker tracks consecutive dispatch failures and transitions between
// Closed, Open, and HalfOpen states.
type Breaker struct {
	failureThreshold int
	cooldown         time.Duration
	onStateChange    func(from, to State)

	mu        sync.Mutex
	state     State
	streak    int       // consecutive failures while Closed
	probing   bool      // a HalfOpen probe is in flight
	openUntil time.Time // earliest probe time while Open

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive failures required to trip from Closed
// to Open. The default is 3.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before transitioning to
// HalfOpen. The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback fired on every state transition.
// The callback runs while the breaker's mutex is held, so it must not call
// back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a Breaker in the Closed state.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next run should dispatch durably.
//
// Closed always allows. Open denies until the cooldown elapses, then
// transitions to HalfOpen and allows a single probe. HalfOpen denies while
// the probe is in flight.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.nowFunc().After(b.openUntil) {
		b.transition(HalfOpen)
		b.probing = false
	}
	if b.state == HalfOpen && !b.probing {
		b.probing = true
		return true
	}
	return b.state == Closed
}

// RecordSuccess resets the failure counter; a successful HalfOpen probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak = 0
	if b.state == HalfOpen {
		b.transition(Closed)
	}
}

// RecordFailure increments the failure counter, trips the breaker at the
// threshold, and reopens immediately on a failed probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.streak++
		if b.streak >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip opens the breaker and starts the cooldown clock. Caller must hold b.mu.
func (b *Breaker) trip() {
	b.transition(Open)
	b.openUntil = b.nowFunc().Add(b.cooldown)
	b.streak = 0
}

// CurrentState returns the current breaker state. In Open state this does
// NOT check the cooldown timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition changes state and fires the callback if registered. Caller
// must hold b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
