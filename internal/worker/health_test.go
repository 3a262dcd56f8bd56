//go:build unit || !integration

package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTrackerStartsHealthy(t *testing.T) {
	tracker := NewHealthTracker(30 * time.Second)

	snap := tracker.Snapshot()
	assert.Equal(t, HealthHealthy, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.InFlight)
}

func TestHealthTrackerDegradedOnFailureStreak(t *testing.T) {
	tracker := NewHealthTracker(30 * time.Second)

	for i := 0; i < degradedFailureThreshold-1; i++ {
		tracker.RecordFailure()
	}
	assert.Equal(t, HealthHealthy, tracker.Snapshot().State)

	tracker.RecordFailure()
	snap := tracker.Snapshot()
	assert.Equal(t, HealthDegraded, snap.State)
	assert.Equal(t, degradedFailureThreshold, snap.ConsecutiveFailures)
}

func TestHealthTrackerSuccessResetsStreak(t *testing.T) {
	tracker := NewHealthTracker(30 * time.Second)

	for i := 0; i < degradedFailureThreshold; i++ {
		tracker.RecordFailure()
	}
	assert.Equal(t, HealthDegraded, tracker.Snapshot().State)

	tracker.RecordSuccess()
	snap := tracker.Snapshot()
	assert.Equal(t, HealthHealthy, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestHealthTrackerCriticalOnStuckSlots(t *testing.T) {
	// A nanosecond visibility timeout makes every in-flight slot count as
	// stuck immediately.
	tracker := NewHealthTracker(time.Nanosecond)

	tracker.SlotStarted(1)
	tracker.SlotStarted(2)
	time.Sleep(time.Millisecond)
	assert.Equal(t, HealthHealthy, tracker.Snapshot().State)

	tracker.SlotStarted(3)
	time.Sleep(time.Millisecond)
	snap := tracker.Snapshot()
	assert.Equal(t, HealthCritical, snap.State)
	assert.Equal(t, criticalStuckThreshold, snap.StuckSlots)
	assert.Equal(t, 3, snap.InFlight)
}

func TestHealthTrackerSlotFinishedClearsStuck(t *testing.T) {
	tracker := NewHealthTracker(time.Nanosecond)

	for id := int64(1); id <= 3; id++ {
		tracker.SlotStarted(id)
	}
	time.Sleep(time.Millisecond)
	assert.Equal(t, HealthCritical, tracker.Snapshot().State)

	tracker.SlotFinished(1)
	assert.Equal(t, HealthHealthy, tracker.Snapshot().State)
}

func TestHealthTrackerCriticalOnPoolExhaustion(t *testing.T) {
	tracker := NewHealthTracker(30 * time.Second)

	for i := 0; i < criticalExhaustionThreshold-1; i++ {
		tracker.RecordPoolExhaustion()
	}
	assert.Equal(t, HealthHealthy, tracker.Snapshot().State)

	tracker.RecordPoolExhaustion()
	assert.Equal(t, HealthCritical, tracker.Snapshot().State)
}

func TestHealthTrackerReset(t *testing.T) {
	tracker := NewHealthTracker(time.Nanosecond)

	for i := 0; i < degradedFailureThreshold; i++ {
		tracker.RecordFailure()
	}
	for i := 0; i < criticalExhaustionThreshold; i++ {
		tracker.RecordPoolExhaustion()
	}
	tracker.SlotStarted(1)
	assert.NotEqual(t, HealthHealthy, tracker.Snapshot().State)

	tracker.Reset()
	snap := tracker.Snapshot()
	assert.Equal(t, HealthHealthy, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.PoolExhaustions)
	assert.Zero(t, snap.InFlight)
}
