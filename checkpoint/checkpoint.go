// Package checkpoint holds the durable snapshot of a job's state and the
// stores that persist it.
//
// A checkpoint is written as one record. Stores either make the whole record
// visible or leave the previous checkpoint untouched, and every record
// carries a checksum that is verified on read.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/sluice/cdc"
)

var (
	// ErrNotFound is returned when a job has no complete checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed is returned by every operation on a closed store.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrStaleCheckpoint is returned when Put is given an ID that does not
	// advance past the latest stored checkpoint.
	ErrStaleCheckpoint = errors.New("checkpoint id does not advance")
)

// DedupEntry is the per-key history the dedup filter needs to survive a
// restart.
type DedupEntry struct {
	Last     cdc.Position `msgpack:"last"`
	Streamed bool         `msgpack:"streamed"`
}

// Output is a derived record held back until the checkpoint of its epoch
// is durable.
type Output struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

// PartitionState is what one partition reports at a barrier. Pending lists
// outputs of this and earlier epochs not yet released to the sink; a
// restore releases them again.
type PartitionState struct {
	Index        int                   `msgpack:"index"`
	Accumulators map[string][]byte     `msgpack:"acc"`
	Dedup        map[string]DedupEntry `msgpack:"dedup"`
	Pending      []Output              `msgpack:"pending,omitempty"`
}

// Checkpoint is the full state of a job at one snapshot epoch.
type Checkpoint struct {
	JobID      string           `msgpack:"job"`
	ID         uint64           `msgpack:"id"`
	Epoch      uint64           `msgpack:"epoch"`
	CreatedAt  time.Time        `msgpack:"created_at"`
	Reader     cdc.ReaderState  `msgpack:"reader"`
	Partitions []PartitionState `msgpack:"partitions"`
}

// Validate checks the structural invariants every stored checkpoint holds.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("checkpoint has no job id")
	}
	if c.ID == 0 {
		return fmt.Errorf("checkpoint id must be positive")
	}
	seen := make(map[int]struct{}, len(c.Partitions))
	for _, p := range c.Partitions {
		if p.Index < 0 || p.Index >= len(c.Partitions) {
			return fmt.Errorf("partition index %d out of range [0,%d)", p.Index, len(c.Partitions))
		}
		if _, dup := seen[p.Index]; dup {
			return fmt.Errorf("partition %d reported twice", p.Index)
		}
		seen[p.Index] = struct{}{}
	}
	return nil
}

// Partition returns the state of partition idx, or nil when absent.
func (c *Checkpoint) Partition(idx int) *PartitionState {
	for i := range c.Partitions {
		if c.Partitions[i].Index == idx {
			return &c.Partitions[i]
		}
	}
	return nil
}

// KeyCount returns the number of accumulators across all partitions.
func (c *Checkpoint) KeyCount() int {
	n := 0
	for _, p := range c.Partitions {
		n += len(p.Accumulators)
	}
	return n
}

// Store persists checkpoints addressed by (job, checkpoint id).
//
// Put is atomic: a reader sees the new checkpoint in full or not at all, and
// a successful Put garbage-collects every older checkpoint of the job in the
// same write. LatestComplete returns ErrNotFound when the job has none and a
// *cdc.CheckpointCorruptError when the newest one fails verification.
type Store interface {
	Put(ctx context.Context, cp *Checkpoint) error
	LatestComplete(ctx context.Context, jobID string) (*Checkpoint, error)
	Delete(ctx context.Context, jobID string) error
	Close() error
}

func corrupt(jobID string, id uint64, err error) error {
	return &cdc.CheckpointCorruptError{JobID: jobID, CheckpointID: id, Reason: err.Error()}
}
