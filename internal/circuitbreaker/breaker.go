// Package circuitbreaker stops traffic to a failing dependency until it
// shows signs of recovery.
//
// Each key (one per upstream provider) moves through three states. Closed
// passes everything. After enough consecutive failures the key opens and
// rejects everything for a cooldown period. It then admits a single probe
// request; the probe's outcome decides whether the key closes again or
// reopens for another cooldown.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one key in the closed/open/half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the stable name used as a metric label.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradeshield",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key and gates requests
// accordingly. All methods are safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	onTransition func(key string, from, to State)
}

// New returns a breaker that opens a key after threshold consecutive
// failures and keeps it open for the cooldown before probing. Zero or
// negative arguments fall back to 5 failures and 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// OnTransition registers a callback fired on every state change. The
// callback runs on its own goroutine and must not call back into b.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request to key may proceed. An open key whose
// cooldown has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		// A key with no recorded failures is closed.
		return true
	}

	switch c.state {
	case StateOpen:
		if time.Since(c.lastFailure) < b.cooldown {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already in flight.
		return false
	}
	return true
}

// RecordSuccess clears the failure count for key and, if a probe just
// succeeded, closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.setState(key, c, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure against key. Reaching the threshold, or
// failing a half-open probe, opens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	switch {
	case c.state == StateHalfOpen:
		b.setState(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.setState(key, c, StateOpen)
	}
}

// State returns the current state of key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// setState records a transition. Caller holds b.mu.
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		go b.onTransition(key, from, to)
	}
}
