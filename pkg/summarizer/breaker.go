package summarizer

import (
	"sync"
	"time"

	"github.com/batchsum/engine/pkg/clock"
)

type breakerPhase int

const (
	phaseClosed breakerPhase = iota
	phaseOpen
	phaseHalfOpen
)

// breakerState is a minimal three-state circuit breaker (no request
// counting/half-open trial limits) scoped to a single client so
// Summarize and Healthy agree on whether the endpoint is accepting
// traffic.
type breakerState struct {
	mu              sync.Mutex
	phase           breakerPhase
	consecutiveFail int
	openedAt        time.Time
	clock           clock.Clock
}

func newBreakerState(c clock.Clock) *breakerState {
	return &breakerState{phase: phaseClosed, clock: c}
}

// allow reports whether a new request should be attempted, flipping
// Open to HalfOpen once recoveryTimeout has elapsed since the trip.
func (b *breakerState) allow(failureThreshold int, recoveryTimeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase == phaseOpen {
		if b.clock.Since(b.openedAt) >= recoveryTimeout {
			b.phase = phaseHalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *breakerState) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.phase = phaseClosed
}

// recordFailure trips the breaker open either immediately (a failure
// during the HalfOpen trial) or once consecutiveFail reaches
// failureThreshold while Closed.
func (b *breakerState) recordFailure(failureThreshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail++

	switch b.phase {
	case phaseHalfOpen:
		b.phase = phaseOpen
		b.openedAt = b.clock.Now()
	case phaseClosed:
		if b.consecutiveFail >= failureThreshold {
			b.phase = phaseOpen
			b.openedAt = b.clock.Now()
		}
	}
}
