package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the circuit position for one protected dependency.
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

// OpenError is returned when the circuit is open and calls fail fast
// without touching the dependency. Retryable after the reset timeout.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Name)
}

// ErrCallTimeout is returned when the wrapped call exceeds its deadline.
var ErrCallTimeout = errors.New("breaker: call timed out")

// IsOpen reports whether err is an OpenError.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Config tunes a breaker's state machine.
type Config struct {
	FailureThreshold int           // failures within the volume window that open the circuit
	VolumeThreshold  int           // rolling window size, in calls
	ResetTimeout     time.Duration // open -> half-open after this
	SuccessThreshold int           // consecutive half-open successes that close the circuit
	CallTimeout      time.Duration // default per-call deadline
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.VolumeThreshold < c.FailureThreshold {
		c.VolumeThreshold = c.FailureThreshold * 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return nil
}

// Breaker guards calls to one named dependency with a three-state machine:
// closed (calls pass), open (calls fail fast), half-open (limited trials).
type Breaker struct {
	name   string
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	window         []bool // rolling outcome window, true = failure
	consecOK       int    // consecutive successes while half-open
	trialsInFlight int
	lastFailureAt  time.Time
}

// New creates a breaker for a named dependency.
func New(name string, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With("breaker", name),
		state:  StateClosed,
	}, nil
}

// State returns the current circuit state, applying the open -> half-open
// transition if the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Execute runs fn under the breaker with the given timeout (0 = the
// configured default). The call counts toward the rolling failure window;
// context cancellation of the parent is reported as the caller's error.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error, timeout time.Duration) error {
	if err := b.allow(); err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = b.cfg.CallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = fmt.Errorf("%w after %s: %v", ErrCallTimeout, timeout, callCtx.Err())
	}

	b.record(err == nil)
	return err
}

// allow decides whether a call may proceed given the current state.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialsInFlight >= b.cfg.SuccessThreshold {
			return &OpenError{Name: b.name}
		}
		b.trialsInFlight++
		return nil
	default:
		return &OpenError{Name: b.name}
	}
}

// maybeHalfOpen transitions open -> half-open once the reset timeout has
// elapsed. Callers must hold mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.clock.Now().Sub(b.lastFailureAt) > b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.consecOK = 0
		b.trialsInFlight = 0
		b.logger.Info("circuit half-open")
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.window = append(b.window, !success)
		if len(b.window) > b.cfg.VolumeThreshold {
			b.window = b.window[len(b.window)-b.cfg.VolumeThreshold:]
		}
		if !success && b.failuresInWindow() >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trialsInFlight--
		if !success {
			// Any half-open failure reopens immediately.
			b.trip()
			return
		}
		b.consecOK++
		if b.consecOK >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.window = nil
			b.consecOK = 0
			b.logger.Info("circuit closed")
		}
	case StateOpen:
		if !success {
			b.lastFailureAt = b.clock.Now()
		}
	}
}

// trip moves to open and records the failure time. Callers must hold mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.lastFailureAt = b.clock.Now()
	b.window = nil
	b.consecOK = 0
	b.logger.Warn("circuit opened")
}

func (b *Breaker) failuresInWindow() int {
	n := 0
	for _, failed := range b.window {
		if failed {
			n++
		}
	}
	return n
}
