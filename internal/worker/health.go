package worker

import (
	"sync"
	"time"
)

// HealthState is the coarse condition of a worker
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	HealthCritical HealthState = "CRITICAL"
)

const (
	degradedFailureThreshold    = 10
	criticalStuckThreshold      = 3
	criticalExhaustionThreshold = 5
)

// HealthSnapshot is a point-in-time view of the health counters
type HealthSnapshot struct {
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	StuckSlots          int         `json:"stuck_slots"`
	PoolExhaustions     int         `json:"pool_exhaustions"`
	InFlight            int         `json:"in_flight"`
}

// HealthTracker accumulates per-worker failure signals. A slot is stuck when
// it has held a message for more than three times the visibility timeout,
// which means the queue has already redelivered it elsewhere.
type HealthTracker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	poolExhaustions     int
	inFlight            map[int64]time.Time
	stuckAfter          time.Duration
}

// NewHealthTracker creates a tracker calibrated to the worker's visibility
// timeout
func NewHealthTracker(visibilityTimeout time.Duration) *HealthTracker {
	return &HealthTracker{
		inFlight:   make(map[int64]time.Time),
		stuckAfter: 3 * visibilityTimeout,
	}
}

// SlotStarted records that a message entered processing
func (h *HealthTracker) SlotStarted(msgID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight[msgID] = time.Now()
}

// SlotFinished records that a message left processing
func (h *HealthTracker) SlotFinished(msgID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, msgID)
}

// RecordSuccess resets the consecutive failure streak
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
}

// RecordFailure extends the consecutive failure streak
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
}

// RecordPoolExhaustion notes a failed connection acquisition
func (h *HealthTracker) RecordPoolExhaustion() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.poolExhaustions++
}

// Reset clears every counter, used after a watchdog restart
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	h.poolExhaustions = 0
	h.inFlight = make(map[int64]time.Time)
}

// Snapshot evaluates the counters against the thresholds
func (h *HealthTracker) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	stuck := 0
	now := time.Now()
	for _, started := range h.inFlight {
		if h.stuckAfter > 0 && now.Sub(started) > h.stuckAfter {
			stuck++
		}
	}

	state := HealthHealthy
	if h.consecutiveFailures >= degradedFailureThreshold {
		state = HealthDegraded
	}
	if stuck >= criticalStuckThreshold || h.poolExhaustions >= criticalExhaustionThreshold {
		state = HealthCritical
	}

	return HealthSnapshot{
		State:               state,
		ConsecutiveFailures: h.consecutiveFailures,
		StuckSlots:          stuck,
		PoolExhaustions:     h.poolExhaustions,
		InFlight:            len(h.inFlight),
	}
}
