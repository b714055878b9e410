package coordinator

import (
	"errors"
	"fmt"
)

// ErrSnapshotInFlight is returned when a snapshot is requested while the
// previous epoch is still being assembled.
var ErrSnapshotInFlight = errors.New("snapshot already in flight")

// BarrierRejectedError means the running execution refused a barrier, for
// example because it is shutting down.
type BarrierRejectedError struct {
	JobID string
	Epoch uint64
	Err   error
}

func (e *BarrierRejectedError) Error() string {
	return fmt.Sprintf("barrier for epoch %d of job %s rejected: %v", e.Epoch, e.JobID, e.Err)
}

func (e *BarrierRejectedError) Unwrap() error { return e.Err }

// PersistError means every participant reported but the checkpoint store
// did not accept the assembled checkpoint. Nothing of the epoch is visible.
type PersistError struct {
	JobID        string
	CheckpointID uint64
	Err          error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist checkpoint %d of job %s: %v", e.CheckpointID, e.JobID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// CommitError means the checkpoint is durable but the outputs held for its
// epoch were not all written. They stay pending in that checkpoint.
type CommitError struct {
	JobID        string
	CheckpointID uint64
	Epoch        uint64
	Err          error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("failed to release outputs of checkpoint %d (epoch %d) of job %s: %v", e.CheckpointID, e.Epoch, e.JobID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
