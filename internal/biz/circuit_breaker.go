package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "Atelier/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed lets all calls through and counts failures.
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen rejects all calls until the reset timeout elapses.
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen lets trial calls through to probe recovery.
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig holds the circuit breaker thresholds. All fields are required.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many failures land inside
	// FailureWindow.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int
	// FailureWindow is the sliding window failures are counted over.
	FailureWindow time.Duration
}

func (c BreakerConfig) validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset timeout must be positive, got %s", c.ResetTimeout)
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("breaker failure window must be positive, got %s", c.FailureWindow)
	}
	return nil
}

// BreakerStats is a point-in-time snapshot of a breaker.
type BreakerStats struct {
	Name             string
	State            BreakerState
	FailuresInWindow int
	SuccessCount     int
	TotalRequests    int64
	TotalSuccesses   int64
	TotalFailures    int64
	LastStateChange  time.Time
}

// CircuitBreaker is a per-dependency failure/success state machine. It fails
// fast while a dependency is presumed unhealthy instead of amplifying load on
// an already-struggling service. One instance is created per dependency name
// and lives for the process lifetime.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger *log.Helper

	mu              sync.Mutex
	state           BreakerState
	failureTimes    []time.Time
	successCount    int
	lastStateChange time.Time
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64

	// now is swapped in tests to control the clock.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger log.Logger) (*CircuitBreaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: log.NewHelper(logger),
		state:  BreakerClosed,
		now:    time.Now,
	}
	b.lastStateChange = b.now()

	return b, nil
}

// errCircuitOpen builds the tagged rejection error for this breaker.
func (b *CircuitBreaker) errCircuitOpen() error {
	return pkgerrors.NewJobError(pkgerrors.KindCircuitOpen,
		"circuit breaker %q is open", b.name)
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	return pkgerrors.ClassifyJobError(err) == pkgerrors.KindCircuitOpen
}

// Execute runs op through the breaker. While the breaker is OPEN and the
// reset timeout has not elapsed, op is not invoked and a circuit-open error
// is returned immediately; that fail-fast is the point of the pattern.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	result, err := op(ctx)
	if err != nil {
		b.recordFailure()
		return nil, err
	}

	b.recordSuccess()
	return result, nil
}

// beforeCall accounts for the request and decides whether it may proceed,
// transitioning OPEN → HALF_OPEN when the reset timeout has elapsed.
func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.state == BreakerOpen {
		elapsed := b.now().Sub(b.lastStateChange)
		if elapsed < b.cfg.ResetTimeout {
			return b.errCircuitOpen()
		}
		b.transition(BreakerHalfOpen)
	}

	return nil
}

// Allow is a read-only advisory check: it reports whether a call made right
// now would be let through, without mutating breaker state.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return true
	}
	return b.now().Sub(b.lastStateChange) >= b.cfg.ResetTimeout
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(BreakerClosed)
			b.logger.Infow("msg", "circuit breaker recovered",
				"breaker", b.name,
				"successes", b.successCount)
		}
	case BreakerClosed:
		b.failureTimes = b.failureTimes[:0]
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	now := b.now()

	switch b.state {
	case BreakerHalfOpen:
		// A single failure during probing reopens and discards partial
		// success progress.
		b.transition(BreakerOpen)
		b.logger.Warnw("msg", "circuit breaker reopened by probe failure",
			"breaker", b.name)
	case BreakerClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneLocked(now)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
			b.logger.Warnw("msg", "circuit breaker opened",
				"breaker", b.name,
				"failures", len(b.failureTimes),
				"window", b.cfg.FailureWindow.String())
		}
	}
}

// pruneLocked drops failure timestamps older than the window. Callers hold mu.
func (b *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failureTimes[:0]
	for _, ts := range b.failureTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failureTimes = kept
}

// transition switches state and resets per-state counters. Callers hold mu.
func (b *CircuitBreaker) transition(next BreakerState) {
	b.state = next
	b.lastStateChange = b.now()
	b.successCount = 0
	if next == BreakerClosed {
		b.failureTimes = b.failureTimes[:0]
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(b.now())

	return BreakerStats{
		Name:             b.name,
		State:            b.state,
		FailuresInWindow: len(b.failureTimes),
		SuccessCount:     b.successCount,
		TotalRequests:    b.totalRequests,
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
		LastStateChange:  b.lastStateChange,
	}
}

// Reset forces the breaker CLOSED and clears all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(BreakerClosed)
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.logger.Infow("msg", "circuit breaker reset", "breaker", b.name)
}
