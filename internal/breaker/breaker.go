package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultHalfOpenInFlight = 1
)

// Config tunes a single breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenInFlight int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.HalfOpenInFlight <= 0 {
		c.HalfOpenInFlight = DefaultHalfOpenInFlight
	}
	return c
}

// Breaker gates calls against one scanner. Closed lets everything through;
// open fails fast until the recovery timeout elapses; half_open admits a
// bounded number of probes whose outcome decides the next state.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenInUse   int
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
	}
}

func (b *Breaker) Name() string {
	return b.name
}

// AllowRequest reports whether a call may proceed, reserving a probe slot
// when half-open. Every allowed call must be followed by RecordSuccess or
// RecordFailure.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenInUse = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInUse < b.cfg.HalfOpenInFlight {
			b.halfOpenInUse++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure count; a half-open probe success closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenInUse = 0
	}
}

// RecordFailure increments the failure count and stamps the time. The
// breaker opens after the configured threshold of consecutive failures, and
// a half-open probe failure reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenInUse = 0
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInUse = 0
	b.lastFailureTime = time.Time{}
}

// Snapshot is a point-in-time view for operational surfaces.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// Call runs fn under the breaker, recording its outcome. Returns
// ErrCircuitOpen without calling fn when the breaker refuses the request.
func (b *Breaker) Call(fn func() error) error {
	if !b.AllowRequest() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
