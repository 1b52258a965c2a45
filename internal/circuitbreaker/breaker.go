// Package circuitbreaker keeps one gobreaker circuit per key, typically a
// delivery channel, so a failing provider is short-circuited instead of
// hammered on every attempt.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitBreaker struct {
	mu           sync.Mutex
	breakers     map[string]*gobreaker.CircuitBreaker[struct{}]
	threshold    int
	cooldown     time.Duration
	isSuccessful func(err error) bool
	onChange     func(key string, from, to string)
}

// New returns a breaker that opens a key after threshold consecutive
// failures and lets one probe through after cooldown.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		breakers:     make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		threshold:    threshold,
		cooldown:     cooldown,
		isSuccessful: func(err error) bool { return err == nil },
	}
}

// WithIsSuccessful decides which errors count against a circuit. Errors for
// which fn returns true are passed through without tripping it.
func (cb *CircuitBreaker) WithIsSuccessful(fn func(err error) bool) *CircuitBreaker {
	cb.isSuccessful = fn
	return cb
}

// WithStateChange registers a callback invoked on every state transition.
func (cb *CircuitBreaker) WithStateChange(fn func(key string, from, to string)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

func (cb *CircuitBreaker) breaker(key string) *gobreaker.CircuitBreaker[struct{}] {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if b, ok := cb.breakers[key]; ok {
		return b
	}

	threshold := uint32(cb.threshold)
	b := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     cb.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: cb.isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if cb.onChange != nil {
				cb.onChange(name, from.String(), to.String())
			}
		},
	})
	cb.breakers[key] = b
	return b
}

// Execute runs fn through the circuit for key. It returns ErrCircuitOpen
// without calling fn while the circuit is open or a half-open probe is
// already in flight. Otherwise fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(key string, fn func() error) error {
	_, err := cb.breaker(key).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns "closed", "open" or "half-open" for key.
func (cb *CircuitBreaker) State(key string) string {
	return cb.breaker(key).State().String()
}
