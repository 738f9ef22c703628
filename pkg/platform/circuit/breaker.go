// Package circuit provides a minimal two-state circuit breaker used to guard
// optional dependencies. When a dependency keeps failing the breaker opens and
// callers switch to a fallback path; consecutive successes close it again.
package circuit

import "sync"

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
)

// Change reports a state transition caused by a recorded outcome, so callers
// can log open/close events exactly once.
type Change struct {
	Opened bool
	Closed bool
}

// Breaker tracks consecutive failures and successes for one named dependency.
type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive successes close an open circuit.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// New creates a closed Breaker with default thresholds (5 failures, 3 successes).
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether callers should use their fallback path.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// RecordFailure registers a failed call against the primary dependency.
// It returns whether the caller should use the fallback, and whether this
// particular failure opened the circuit.
func (b *Breaker) RecordFailure() (useFallback bool, change Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.successCount = 0
	if b.state == StateOpen {
		return true, Change{}
	}
	if b.failureCount >= b.failureThreshold {
		b.state = StateOpen
		return true, Change{Opened: true}
	}
	return false, Change{}
}

// RecordSuccess registers a successful call against the primary dependency.
// It returns whether the caller should use the primary, and whether this
// particular success closed the circuit.
func (b *Breaker) RecordSuccess() (usePrimary bool, change Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			return true, Change{Closed: true}
		}
		return false, Change{}
	}
	b.failureCount = 0
	return true, Change{}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
}
