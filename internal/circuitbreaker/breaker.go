// Package circuitbreaker stops calling a failing dependency for a while, then
// lets a single trial call through to see whether it recovered.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bazaar/internal/clock"
	"github.com/mbd888/bazaar/internal/metrics"
)

// ErrOpen is returned without calling fn while a key's circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State of one key's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "circuit_state",
		Help:      "Circuit state per key: 0 closed, 1 open, 2 half-open.",
	}, []string{"key"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "circuit_rejected_total",
		Help:      "Calls refused because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(stateGauge, rejectedTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per key, typically a payment provider name.
// A circuit opens after threshold consecutive counted failures and stays
// open for cooldown. The first call after that is the only one admitted
// until it reports back.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New returns a Breaker. Non-positive arguments fall back to 5 failures and
// 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.NewSystem(),
		circuits:  make(map[string]*circuit),
	}
}

func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.clock = c
	return b
}

// Execute runs fn under key's circuit. counts picks the errors that count
// as dependency failures; nil counts all of them. Errors it rejects, such
// as a declined card, leave the circuit healthy.
func (b *Breaker) Execute(key string, fn func() error, counts func(error) bool) error {
	if !b.admit(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	b.report(key, err != nil && (counts == nil || counts(err)))
	return err
}

// State reports key's circuit. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) admit(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.set(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

func (b *Breaker) report(key string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if !failed {
		if c != nil {
			c.failures = 0
			b.set(key, c, StateClosed)
		}
		return
	}
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.clock.Now()
		b.set(key, c, StateOpen)
	}
}

// set must be called with b.mu held.
func (b *Breaker) set(key string, c *circuit, s State) {
	if c.state == s {
		return
	}
	c.state = s
	stateGauge.WithLabelValues(key).Set(float64(s))
}
