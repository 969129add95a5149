// Package circuitbreaker guards calls to the payment provider with a per-operation
// closed -> open -> half-open breaker so a provider outage fails fast.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
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

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hearth",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

var cbRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hearth",
	Subsystem: "circuitbreaker",
	Name:      "rejected_total",
	Help:      "Calls rejected because the circuit was open.",
}, []string{"key"})

func init() {
	prometheus.MustRegister(cbStateTransitions, cbRejected)
}

type entry struct {
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// Breaker is a per-key circuit breaker.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	isFailure    func(error) bool
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before allowing one probe.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		isFailure:    func(err error) bool { return err != nil },
		now:          time.Now,
	}
}

// WithFailureFilter sets which errors count against the circuit. Business
// rejections from the provider (a declined card) should not trip it.
func (b *Breaker) WithFailureFilter(fn func(error) bool) *Breaker {
	b.isFailure = fn
	return b
}

// OnTransition sets a callback invoked synchronously on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn unless the circuit for key is open, and records the outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.allow(key) {
		cbRejected.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	b.record(key, err)
	return err
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	if e.state == StateOpen && b.now().Sub(e.openedAt) >= b.openDuration {
		return StateHalfOpen
	}
	return e.state
}

func (b *Breaker) allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) < b.openDuration {
			return false
		}
		b.transition(e, key, StateHalfOpen)
		e.probeActive = true
		return true
	case StateHalfOpen:
		if e.probeActive {
			return false
		}
		e.probeActive = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	e.probeActive = false

	if !b.isFailure(err) {
		e.failures = 0
		b.transition(e, key, StateClosed)
		return
	}

	e.failures++
	if e.state == StateHalfOpen || e.failures >= b.threshold {
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	}
}

// entry returns the entry for key, creating it. Caller must hold b.mu.
func (b *Breaker) entry(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	return e
}

// transition changes state and fires the callback. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
