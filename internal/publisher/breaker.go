package publisher

import (
	"sync/atomic"
	"time"

	"github.com/fixbridge/execution-service/internal/metrics"
)

type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitBreaker is the process-wide breaker guarding one topic. State,
// failure counter, and open timestamp are mutated with CAS only; there is no
// lock on the submit path.
type CircuitBreaker struct {
	threshold       int32
	recoveryTimeout time.Duration

	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64 // unix nanos of the OPEN transition

	now func() time.Time
}

func NewCircuitBreaker(threshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		threshold:       int32(threshold),
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// Allow reports whether a submission may attempt a publish. After the
// recovery timeout one submission wins the CAS into HALF_OPEN and is let
// through as the probe; the rest stay short-circuited.
func (b *CircuitBreaker) Allow() bool {
	switch CircuitState(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		opened := b.openedAt.Load()
		if b.now().UnixNano()-opened < int64(b.recoveryTimeout) {
			return false
		}
		return b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen))
	default: // HALF_OPEN: probe in flight
		return false
	}
}

// OnSuccess closes the breaker and zeroes the failure counter.
func (b *CircuitBreaker) OnSuccess() {
	b.failures.Store(0)
	b.state.Store(int32(StateClosed))
}

// OnFailure records one message-level failure. A failed HALF_OPEN probe
// re-opens immediately; in CLOSED the breaker opens once consecutive
// failures reach the threshold.
func (b *CircuitBreaker) OnFailure() {
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		metrics.RecordCircuitOpen()
		return
	}

	if b.failures.Add(1) >= b.threshold &&
		b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		metrics.RecordCircuitOpen()
	}
}

// Reset is the administrative escape hatch: force CLOSED and zero the counter.
func (b *CircuitBreaker) Reset() {
	b.failures.Store(0)
	b.state.Store(int32(StateClosed))
}

func (b *CircuitBreaker) State() CircuitState {
	return CircuitState(b.state.Load())
}

func (b *CircuitBreaker) Failures() int {
	return int(b.failures.Load())
}
