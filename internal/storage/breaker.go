// breaker.go - Circuit breaker in front of a storage backend.
//
// When the backing database or object store is unreachable every
// request would otherwise wait for its own timeout; the breaker fails
// fast instead until the cool-down elapses.
package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"socket-file-drop/internal/logging"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed: requests flow normally
	StateClosed CircuitState = iota
	// StateOpen: requests fail fast
	StateOpen
	// StateHalfOpen: one trial request is let through
	StateHalfOpen
)

func (s CircuitState) String() string {
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
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("storage: circuit breaker is open")
)

// CircuitBreaker counts consecutive backend failures.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures uint32
	timeout     time.Duration
	now         func() time.Time
	log         *logging.Logger

	state           CircuitState
	failures        uint32
	lastFailureTime time.Time
	trialInFlight   bool
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and allows a trial call after timeout.
func NewCircuitBreaker(maxFailures uint32, timeout time.Duration, log *logging.Logger) *CircuitBreaker {
	if log == nil {
		log = logging.Default()
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
		log:         log,
		state:       StateClosed,
	}
}

// allow reports whether a call may proceed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		cb.log.Info("circuit_breaker_half_open", logging.Fields{"timeout": cb.timeout.String()})
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
	}
	return nil
}

// record feeds the outcome of an allowed call back into the breaker.
func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false
	if !failed {
		if cb.state != StateClosed {
			cb.log.Info("circuit_breaker_closed", logging.Fields{"reason": "recovery_successful"})
		}
		cb.state = StateClosed
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailureTime = cb.now()
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.log.Warn("circuit_breaker_opened", logging.Fields{
				"failures":     cb.failures,
				"max_failures": cb.maxFailures,
				"timeout":      cb.timeout.String(),
			})
		}
		cb.state = StateOpen
	}
}

// release ends an allowed call whose outcome says nothing about backend
// health. State and failure count are left alone.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStore guards a FileStorage with a CircuitBreaker. Misses are
// successful calls; only backend errors count as failures.
type BreakerStore struct {
	next    FileStorage
	breaker *CircuitBreaker
}

// NewBreakerStore wraps next.
func NewBreakerStore(next FileStorage, breaker *CircuitBreaker) *BreakerStore {
	return &BreakerStore{next: next, breaker: breaker}
}

func (b *BreakerStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := b.breaker.allow(); err != nil {
		return &WriteError{Key: key, Err: err}
	}
	err := b.next.Put(ctx, key, body, size)
	switch {
	case err == nil:
		b.breaker.record(false)
	case ctx.Err() != nil || isClientFault(err):
		b.breaker.release()
	default:
		b.breaker.record(true)
	}
	return err
}

func (b *BreakerStore) Get(ctx context.Context, key string) (*Blob, error) {
	if err := b.breaker.allow(); err != nil {
		return nil, &ReadError{Key: key, Err: err}
	}
	blob, err := b.next.Get(ctx, key)
	switch {
	case err == nil || errors.Is(err, ErrNotFound):
		b.breaker.record(false)
	case ctx.Err() != nil:
		b.breaker.release()
	default:
		b.breaker.record(true)
	}
	return blob, err
}

func (b *BreakerStore) Ping(ctx context.Context) error { return b.next.Ping(ctx) }

func (b *BreakerStore) Close() error { return b.next.Close() }

// Breaker exposes the wrapped breaker for health reporting.
func (b *BreakerStore) Breaker() *CircuitBreaker { return b.breaker }

// ClientFault marks upload errors caused by the request body rather
// than the backend, so they do not trip the breaker.
type ClientFault interface {
	ClientFault() bool
}

func isClientFault(err error) bool {
	var cf ClientFault
	return errors.As(err, &cf) && cf.ClientFault()
}
