// Package circuitbreaker stops calling a failing upstream for a cool-down
// period after a run of consecutive failures.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	FailureThreshold int           `yaml:"failureThreshold" env:"FAILURE_THRESHOLD" env-default:"5"`
	SuccessThreshold int           `yaml:"successThreshold" env:"SUCCESS_THRESHOLD" env-default:"1"`
	ResetTimeout     time.Duration `yaml:"resetTimeout" env:"RESET_TIMEOUT" env-default:"60s"`
}

// DefaultConfig returns the defaults used for the upstream feed.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     60 * time.Second,
	}
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
	clock     func() time.Time
	onChange  func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

// WithStateChange registers a callback invoked on every state transition.
// It runs with the breaker lock held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a closed circuit breaker. Non-positive thresholds fall back to 1.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	b := &Breaker{
		cfg:   cfg,
		state: Closed,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow returns ErrCircuitOpen while the breaker is open and the reset
// timeout has not elapsed. Once it has, the breaker moves to half-open and
// lets trial calls through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	if b.clock().Sub(b.openedAt) < b.cfg.ResetTimeout {
		return ErrCircuitOpen
	}
	b.successes = 0
	b.transition(HalfOpen)
	return nil
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures, b.successes = 0, 0
			b.transition(Closed)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.successes = 0
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.clock()
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current consecutive failure and half-open success counts.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}
