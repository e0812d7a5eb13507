// Copyright 2025 The Mediq Authors
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

package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen rejects calls while the provider is considered down.
var ErrBreakerOpen = errors.New("llm: circuit breaker open")

// Breaker is a per-provider circuit breaker. Closed counts consecutive
// failures; at the threshold it opens and rejects immediately. After
// the recovery timeout a single probe is admitted (half-open); its
// outcome closes or re-opens the circuit.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker creates a closed breaker. Threshold defaults to 5,
// recovery timeout to 60s.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
	}
}

// State reports the current state, accounting for recovery-timeout
// expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.recoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.openedAt) < b.recoveryTimeout {
			return fmt.Errorf("%w: provider %s", ErrBreakerOpen, b.name)
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		slog.Info("Circuit breaker half-open, admitting probe", "provider", b.name)
		return nil

	case BreakerHalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("%w: provider %s (probe in flight)", ErrBreakerOpen, b.name)
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		slog.Info("Circuit breaker closed", "provider", b.name)
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
}

// OnFailure records a failed call; may trip the circuit.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	}
	b.probeInFlight = false
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.failures = 0
	slog.Warn("Circuit breaker opened", "provider", b.name, "recovery_timeout", b.recoveryTimeout)
}
