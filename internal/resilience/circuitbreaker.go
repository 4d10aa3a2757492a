// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilience provides retry-with-backoff, timeout, rate limiting,
// and circuit breaking for outward calls to agents and collaborators.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow when a key's circuit is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before a key's
	// circuit opens. 0 disables breaking entirely (Allow always true).
	FailureThreshold int
	// RecoveryTimeout is how long a circuit stays open after its last
	// failure. Once it has elapsed, the next Allow closes the circuit and
	// resets its failure count; there is no half-open state limiting
	// traffic to a single probe.
	RecoveryTimeout time.Duration
}

// CircuitBreakerStatus reports the state of a single key's circuit.
type CircuitBreakerStatus struct {
	Open                bool
	ConsecutiveFailures int
	LastFailureTime     time.Time
}

// CircuitBreaker tracks consecutive-failure counts per key (agent id,
// collaborator id, job type) and opens that key's circuit once the
// threshold is reached, closing it again after a recovery timeout elapses.
type CircuitBreaker struct {
	mu               sync.RWMutex
	states           map[string]*circuitState
	failureThreshold int
	recoveryTimeout  time.Duration
}

type circuitState struct {
	consecutiveFailures int
	lastFailureTime     time.Time
	open                bool
}

// NewCircuitBreaker builds a CircuitBreaker from cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		states:           make(map[string]*circuitState),
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
	}
}

// Allow reports whether a call against key should proceed. An open circuit
// whose RecoveryTimeout has elapsed is closed here with its failure count
// reset, so every call proceeds until failures reach the threshold again.
func (cb *CircuitBreaker) Allow(key string) bool {
	if cb.failureThreshold <= 0 {
		return true
	}

	cb.mu.RLock()
	state, exists := cb.states[key]
	cb.mu.RUnlock()
	if !exists {
		return true
	}

	if !state.open {
		return true
	}

	if time.Since(state.lastFailureTime) <= cb.recoveryTimeout {
		return false
	}

	cb.mu.Lock()
	state.open = false
	state.consecutiveFailures = 0
	cb.mu.Unlock()
	return true
}

// RecordSuccess resets key's failure count and closes its circuit.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, exists := cb.states[key]
	if !exists {
		cb.states[key] = &circuitState{}
		return
	}
	state.consecutiveFailures = 0
	state.open = false
}

// RecordFailure increments key's consecutive-failure count, opening its
// circuit once the configured threshold is reached.
func (cb *CircuitBreaker) RecordFailure(key string) {
	if cb.failureThreshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, exists := cb.states[key]
	if !exists {
		state = &circuitState{}
		cb.states[key] = state
	}
	state.consecutiveFailures++
	state.lastFailureTime = time.Now()
	if state.consecutiveFailures >= cb.failureThreshold {
		state.open = true
	}
}

// Status returns the current circuit state for every key seen so far.
func (cb *CircuitBreaker) Status() map[string]CircuitBreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make(map[string]CircuitBreakerStatus, len(cb.states))
	for key, state := range cb.states {
		out[key] = CircuitBreakerStatus{
			Open:                state.open,
			ConsecutiveFailures: state.consecutiveFailures,
			LastFailureTime:     state.lastFailureTime,
		}
	}
	return out
}
