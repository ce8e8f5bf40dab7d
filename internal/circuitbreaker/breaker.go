// Package circuitbreaker stops calls to a failing dependency for a cooldown
// period, then lets a single trial call decide whether it has recovered.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("trial call already in flight")
)

type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Timeout is how long the breaker stays open before a trial call.
	Timeout time.Duration

	// OnStateChange is called with the breaker lock held; keep it short.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{Threshold: 5, Timeout: 30 * time.Second}
}

type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.state
}

// Failures is the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn unless the breaker is open. Errors from fn count as
// failures; fn is not called when Execute returns ErrOpenState or
// ErrTooManyRequests.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) expire() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	switch b.state {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.trial {
			return ErrTooManyRequests
		}
		b.trial = true
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trial = false
		if success {
			b.failures = 0
			b.setState(StateClosed)
		} else {
			b.open()
		}
		return
	}
	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.Threshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.setState(StateClosed)
}
