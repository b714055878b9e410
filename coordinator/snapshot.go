// Package coordinator takes consistent checkpoints of a running job.
//
// A snapshot epoch asks the execution for a barrier at the next event
// boundary, collects the reader state and every partition's state at that
// barrier, and persists them as one checkpoint. Any missing participant
// discards the whole epoch; the job keeps running.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/rs/zerolog/log"
)

// BarrierSource is the running execution being snapshotted.
type BarrierSource interface {
	// InjectBarrier places a barrier for epoch and returns the reader state
	// at the barrier plus one future per partition.
	InjectBarrier(ctx context.Context, epoch uint64) (cdc.ReaderState, []*future.Future[checkpoint.PartitionState], error)
	// CommitEpoch releases outputs held for epoch.
	CommitEpoch(ctx context.Context, epoch uint64) error
}

// Config controls snapshot cadence.
type Config struct {
	JobID        string
	Interval     time.Duration // 0 disables periodic snapshots
	Timeout      time.Duration // Bound on one epoch
	RetryBackoff time.Duration // Delay before retrying a discarded epoch
	ExactlyOnce  bool

	// OnEpochStart and OnEpochEnd, when set, bracket every epoch
	OnEpochStart func(epoch uint64)
	OnEpochEnd   func(epoch uint64, err error)
}

// SnapshotCoordinator runs snapshot epochs for one execution. At most one
// epoch is in flight at a time.
type SnapshotCoordinator struct {
	cfg    Config
	source BarrierSource
	store  checkpoint.Store

	inFlight atomic.Bool

	mu     sync.Mutex
	epoch  uint64 // Last epoch started, including discarded ones
	lastID uint64 // Last durable checkpoint id
}

// NewSnapshotCoordinator creates a coordinator continuing after last, the
// checkpoint the execution was restored from (nil for a fresh start).
func NewSnapshotCoordinator(cfg Config, source BarrierSource, store checkpoint.Store, last *checkpoint.Checkpoint) *SnapshotCoordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := &SnapshotCoordinator{cfg: cfg, source: source, store: store}
	if last != nil {
		c.lastID = last.ID
		c.epoch = last.Epoch
	}
	return c
}

// LastCheckpointID returns the id of the newest durable checkpoint, 0 if
// none.
func (c *SnapshotCoordinator) LastCheckpointID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// TriggerSnapshot runs one epoch and returns the durable checkpoint.
//
// Under EXACTLY_ONCE it returns only after the held outputs of the epoch
// are written. If that fails it returns the durable checkpoint together
// with a *CommitError.
//
// Other errors leave the store untouched: *cdc.SnapshotTimeoutError when a
// participant did not report in time or reported an error,
// *BarrierRejectedError when the execution refused the barrier,
// *PersistError when the store rejected the write, and ErrSnapshotInFlight
// when another epoch is running.
func (c *SnapshotCoordinator) TriggerSnapshot(ctx context.Context) (cp *checkpoint.Checkpoint, err error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSnapshotInFlight
	}
	defer c.inFlight.Store(false)

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	id := c.lastID + 1
	c.mu.Unlock()

	if c.cfg.OnEpochStart != nil {
		c.cfg.OnEpochStart(epoch)
	}
	if c.cfg.OnEpochEnd != nil {
		defer func() {
			c.cfg.OnEpochEnd(epoch, err)
		}()
	}

	metrics := NewEpochMetrics(c.cfg.JobID)
	epochCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	state, futures, err := c.source.InjectBarrier(epochCtx, epoch)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, metrics.RecordFailure("timeout", c.timeoutError(epoch, 1, err))
		default:
			return nil, metrics.RecordFailure("rejected", &BarrierRejectedError{JobID: c.cfg.JobID, Epoch: epoch, Err: err})
		}
	}

	partitions, missing, err := collect(epochCtx, futures)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, metrics.RecordFailure("timeout", c.timeoutError(epoch, missing, err))
	}

	cp = &checkpoint.Checkpoint{
		JobID:      c.cfg.JobID,
		ID:         id,
		Epoch:      epoch,
		CreatedAt:  time.Now().UTC(),
		Reader:     state,
		Partitions: partitions,
	}
	if err := c.store.Put(ctx, cp); err != nil {
		return nil, metrics.RecordFailure("persist_failed", &PersistError{JobID: c.cfg.JobID, CheckpointID: id, Err: err})
	}

	c.mu.Lock()
	c.lastID = id
	c.mu.Unlock()
	metrics.RecordSuccess(id)

	log.Info().
		Str("job", c.cfg.JobID).
		Uint64("checkpoint_id", id).
		Uint64("epoch", epoch).
		Stringer("position", state.LastCommittedPosition).
		Stringer("phase", state.Phase).
		Int("keys", cp.KeyCount()).
		Msg("Checkpoint completed")

	if c.cfg.ExactlyOnce {
		// Pending outputs are inside the checkpoint, so a failed commit is
		// recovered by the next restore
		if err := c.source.CommitEpoch(ctx, epoch); err != nil {
			log.Warn().Err(err).
				Str("job", c.cfg.JobID).
				Uint64("epoch", epoch).
				Msg("Failed to release held outputs")
			return cp, &CommitError{JobID: c.cfg.JobID, CheckpointID: id, Epoch: epoch, Err: err}
		}
	}
	return cp, nil
}

// Run triggers a snapshot every Interval until ctx is cancelled. A
// discarded epoch is retried after RetryBackoff. Run never fails the job.
func (c *SnapshotCoordinator) Run(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		next := c.cfg.Interval
		if _, err := c.TriggerSnapshot(ctx); err != nil {
			var commitErr *CommitError
			if ctx.Err() != nil {
				return nil
			}
			// A failed commit already stopped the execution
			if !errors.Is(err, ErrSnapshotInFlight) && !errors.As(err, &commitErr) {
				log.Warn().Err(err).
					Str("job", c.cfg.JobID).
					Dur("retry_in", c.cfg.RetryBackoff).
					Msg("Snapshot epoch discarded")
				if c.cfg.RetryBackoff > 0 {
					next = c.cfg.RetryBackoff
				}
			}
		}
		timer.Reset(next)
	}
}

func (c *SnapshotCoordinator) timeoutError(epoch uint64, missing int, err error) error {
	return &cdc.SnapshotTimeoutError{
		JobID:   c.cfg.JobID,
		Epoch:   epoch,
		Missing: missing,
		Timeout: c.cfg.Timeout,
		Err:     err,
	}
}

type report struct {
	index int
	state checkpoint.PartitionState
	err   error
}

// collect waits for every partition future. It returns the number of
// partitions that had not reported when it gave up.
func collect(ctx context.Context, futures []*future.Future[checkpoint.PartitionState]) ([]checkpoint.PartitionState, int, error) {
	reports := make(chan report, len(futures))
	for i, f := range futures {
		go func(i int, f *future.Future[checkpoint.PartitionState]) {
			state, err := f.Get()
			reports <- report{index: i, state: state, err: err}
		}(i, f)
	}

	out := make([]checkpoint.PartitionState, len(futures))
	for received := 0; received < len(futures); received++ {
		select {
		case r := <-reports:
			if r.err != nil {
				return nil, len(futures) - received, fmt.Errorf("partition %d: %w", r.index, r.err)
			}
			out[r.index] = r.state
		case <-ctx.Done():
			return nil, len(futures) - received, ctx.Err()
		}
	}
	return out, 0, nil
}
