package coordinator

import (
	"time"

	"github.com/maxpert/sluice/telemetry"
)

// EpochMetrics records the timing and outcome of one snapshot epoch.
type EpochMetrics struct {
	jobID     string
	startTime time.Time
}

// NewEpochMetrics starts timing an epoch of jobID.
func NewEpochMetrics(jobID string) *EpochMetrics {
	return &EpochMetrics{
		jobID:     jobID,
		startTime: time.Now(),
	}
}

// RecordFailure records a discarded epoch and returns err unchanged.
// Common results: "timeout", "rejected", "persist_failed"
func (m *EpochMetrics) RecordFailure(result string, err error) error {
	telemetry.CheckpointsTotal.With(result).Inc()
	telemetry.CheckpointDurationSeconds.Observe(time.Since(m.startTime).Seconds())
	return err
}

// RecordSuccess records a durable checkpoint.
func (m *EpochMetrics) RecordSuccess(checkpointID uint64) {
	telemetry.CheckpointsTotal.With("success").Inc()
	telemetry.CheckpointDurationSeconds.Observe(time.Since(m.startTime).Seconds())
	telemetry.LastCheckpointID.With(m.jobID).Set(float64(checkpointID))
}
