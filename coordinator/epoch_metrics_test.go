package coordinator

import (
	"errors"
	"testing"
	"time"
)

func TestNewEpochMetrics(t *testing.T) {
	before := time.Now()
	m := NewEpochMetrics("orders")
	after := time.Now()

	if m == nil {
		t.Fatal("NewEpochMetrics returned nil")
	}
	if m.jobID != "orders" {
		t.Errorf("jobID = %q, want %q", m.jobID, "orders")
	}
	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime not captured correctly: got %v, expected between %v and %v",
			m.startTime, before, after)
	}
}

func TestRecordFailureReturnsError(t *testing.T) {
	tests := []struct {
		name   string
		result string
		err    error
	}{
		{name: "timeout", result: "timeout", err: errors.New("deadline exceeded")},
		{name: "rejected", result: "rejected", err: &BarrierRejectedError{JobID: "j", Epoch: 3, Err: errors.New("stopped")}},
		{name: "persist", result: "persist_failed", err: &PersistError{JobID: "j", CheckpointID: 2, Err: errors.New("disk full")}},
		{name: "nil error", result: "timeout", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewEpochMetrics("j")
			if got := m.RecordFailure(tt.result, tt.err); got != tt.err {
				t.Errorf("RecordFailure() = %v, want %v", got, tt.err)
			}
		})
	}
}

func TestRecordSuccess(t *testing.T) {
	m := NewEpochMetrics("j")
	time.Sleep(time.Millisecond)
	m.RecordSuccess(7)

	if time.Since(m.startTime) < time.Millisecond {
		t.Error("startTime should precede RecordSuccess")
	}
}
