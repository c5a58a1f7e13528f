package projector

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
)

// ErrCircuitOpen is returned by Breaker.Allow while deliveries are being
// short-circuited.
var ErrCircuitOpen = errors.New("projector circuit breaker is open")

// BreakerState is the state of a delivery circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every delivery through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects deliveries until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe deliveries through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minRateSamples is the number of deliveries a window needs before its
// failure rate can trip the breaker.
const minRateSamples = 10

// Breaker guards a sink. It opens after FailureThreshold consecutive
// failures, or when the failure rate within a tumbling window reaches
// ErrorRateThreshold, and closes again after SuccessThreshold successful
// probes. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	cfg       config.CircuitBreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
	onChange  func(BreakerState)

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a breaker from cfg, filling zero thresholds with
// defaults. onChange, when set, is called with the lock held after every
// state change and must not call back into the breaker.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{
		cfg:      cfg,
		state:    BreakerClosed,
		now:      time.Now,
		onChange: onChange,
	}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a delivery may be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.coolDown()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Success records a delivered notification.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.count(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a failed delivery attempt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.count(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.successes = 0
		b.trip()
	}
}

// State returns the current state, moving Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolDown()
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.resetWindow()
	b.transition(BreakerOpen)
}

func (b *Breaker) coolDown() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.successes = 0
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(to)
	}
}

func (b *Breaker) count(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 || b.windowTotal < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}
