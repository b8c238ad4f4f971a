// Package circuitbreaker shields the invocation engine from providers
// that keep failing: after a failure threshold the endpoint is blocked
// until a probe succeeds.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen rejects a call while the breaker blocks the endpoint.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Config tunes a breaker.
type Config struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker blocks before probing.
	Cooldown time.Duration
}

// DefaultConfig blocks after 5 consecutive failures for 30 seconds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker tracks one endpoint.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	name     string
	state    State
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker for the named endpoint.
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: cfg, name: name, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker whose
// cooldown has elapsed lets exactly one probe through in half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Cooldown {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrOpen
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = time.Now()
		b.setState(StateOpen)
	}
}

// State returns the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with the lock held.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	slog.Warn("circuit breaker state change", "endpoint", b.name, "from", b.state.String(), "to", to.String())
	b.state = to
}

// Group keeps one breaker per endpoint.
type Group struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group sharing one config.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		b = NewBreaker(name, g.cfg)
		g.breakers[name] = b
	}
	return b
}
