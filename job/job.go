// Package job runs processing pipelines through their lifecycle.
//
// A Job runs one execution at a time. An execution restores the latest
// complete checkpoint (or starts a fresh snapshot when there is none), runs
// the reader, partitions and snapshot coordinator under one errgroup, and
// ends on cancellation, failure or source exhaustion. Retryable failures
// restart the job from its last checkpoint; fatal ones leave it FAILED with
// the cause kept verbatim.
package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/maxpert/sluice/cluster"
	"github.com/maxpert/sluice/coordinator"
	"github.com/maxpert/sluice/pipeline"
	"github.com/maxpert/sluice/sink"
	"github.com/maxpert/sluice/source"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// finalSnapshotAttempts bounds the checkpoint taken when a bounded source
// runs dry.
const finalSnapshotAttempts = 10

// errCompleted ends an execution whose source is exhausted and whose final
// checkpoint is durable.
var errCompleted = errors.New("source exhausted")

// Definition is what a job processes and where its outputs go. The job
// does not close the connector or the sink.
type Definition struct {
	Plan   *pipeline.Plan
	Source source.Connector
	Sink   sink.Sink
}

// Info is a point-in-time view of a job.
type Info struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Status           Status           `json:"status"`
	Cause            string           `json:"cause,omitempty"`
	CauseKind        string           `json:"cause_kind,omitempty"`
	Guarantee        string           `json:"guarantee"`
	Partitions       int              `json:"partitions"`
	SubmittedAt      time.Time        `json:"submitted_at"`
	Executions       int              `json:"executions"`
	AutoRestarts     int              `json:"auto_restarts"`
	LastCheckpointID uint64           `json:"last_checkpoint_id"`
	EventsDispatched uint64           `json:"events_dispatched"`
	// Assignment reports the ring placement of partitions per member.
	// Every partition still runs in this process.
	Assignment       map[string][]int `json:"assignment"`
}

// attempt is one execution of a job.
type attempt struct {
	number int
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Guarded by Job.mu
	stopped bool
	exec    *pipeline.Execution
	coord   *coordinator.SnapshotCoordinator
}

// Job is a submitted pipeline and its lifecycle.
type Job struct {
	id          string
	cfg         Config
	def         Definition
	store       checkpoint.Store
	assignment  map[string][]int
	submittedAt time.Time

	ops sync.Mutex // Serializes Cancel, Restart and shutdown

	mu             sync.Mutex
	status         Status
	cause          error
	current        *attempt
	executions     int
	autoRestarts   int
	lastCheckpoint uint64
	dispatched     uint64
	changed        chan struct{} // Closed and replaced on every status change
}

func newJob(id string, def Definition, cfg Config, store checkpoint.Store) (*Job, error) {
	if def.Plan == nil || def.Source == nil || def.Sink == nil {
		return nil, fmt.Errorf("job definition needs a plan, a source and a sink")
	}

	ring := cluster.NewRing(cfg.VirtualNodes)
	for _, m := range cfg.Members {
		ring.Add(m)
	}
	assignment, err := ring.Assign(cfg.Partitions)
	if err != nil {
		return nil, fmt.Errorf("place partitions: %w", err)
	}

	return &Job{
		id:          id,
		cfg:         cfg,
		def:         def,
		store:       store,
		assignment:  assignment,
		submittedAt: time.Now().UTC(),
		status:      NotRunning,
		changed:     make(chan struct{}),
	}, nil
}

// ID returns the job ID.
func (j *Job) ID() string {
	return j.id
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Cause returns the error behind the current status, nil when there is
// none.
func (j *Job) Cause() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cause
}

// Info returns a snapshot of the job's state.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := Info{
		ID:               j.id,
		Name:             j.cfg.Name,
		Status:           j.status,
		Guarantee:        j.cfg.Guarantee.String(),
		Partitions:       j.cfg.Partitions,
		SubmittedAt:      j.submittedAt,
		Executions:       j.executions,
		AutoRestarts:     j.autoRestarts,
		LastCheckpointID: j.lastCheckpoint,
		EventsDispatched: j.dispatched,
		Assignment:       j.assignment,
	}
	if j.cause != nil {
		info.Cause = j.cause.Error()
		info.CauseKind = cdc.Kind(j.cause)
	}
	if a := j.current; a != nil && a.coord != nil {
		info.LastCheckpointID = a.coord.LastCheckpointID()
		info.EventsDispatched = a.exec.Dispatched()
	}
	return info
}

// Await blocks until the job reaches one of want or ctx ends.
func (j *Job) Await(ctx context.Context, want ...Status) error {
	for {
		j.mu.Lock()
		status, changed := j.status, j.changed
		j.mu.Unlock()

		if slices.Contains(want, status) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("job %s is %s: %w", j.id, status, ctx.Err())
		}
	}
}

// Snapshot takes an on-demand checkpoint of the running execution.
func (j *Job) Snapshot(ctx context.Context) (*checkpoint.Checkpoint, error) {
	j.mu.Lock()
	status := j.status
	var coord *coordinator.SnapshotCoordinator
	if j.current != nil {
		coord = j.current.coord
	}
	j.mu.Unlock()

	if coord == nil || (status != Running && status != Suspended) {
		return nil, &TransitionError{JobID: j.id, From: status, To: Suspended}
	}
	return coord.TriggerSnapshot(ctx)
}

// Cancel stops the job and leaves it FAILED with ErrCancelled. Durable
// checkpoints are kept, so a later Restart resumes from them.
func (j *Job) Cancel() error {
	j.ops.Lock()
	defer j.ops.Unlock()

	j.mu.Lock()
	if j.status.Terminal() {
		from := j.status
		j.mu.Unlock()
		return &TransitionError{JobID: j.id, From: from, To: Failed}
	}
	a := j.detachLocked()
	j.mu.Unlock()
	j.wait(a)

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setStatusLocked(Failed, ErrCancelled)
}

// Restart stops the current execution and starts a new one from the
// latest complete checkpoint. A live execution is asked for a final
// checkpoint first; if that fails the job resumes from the previous one.
func (j *Job) Restart() error {
	j.ops.Lock()
	defer j.ops.Unlock()

	j.mu.Lock()
	if j.status == Failed && isCorrupt(j.cause) {
		cause := j.cause
		j.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDiscardRequired, cause)
	}
	if !CanTransition(j.status, Restarting) {
		from := j.status
		j.mu.Unlock()
		return &TransitionError{JobID: j.id, From: from, To: Restarting}
	}
	var coord *coordinator.SnapshotCoordinator
	if j.current != nil {
		coord = j.current.coord
	}
	j.mu.Unlock()

	if coord != nil {
		if _, err := coord.TriggerSnapshot(context.Background()); err != nil {
			log.Warn().Err(err).
				Str("job", j.id).
				Msg("Final checkpoint before restart failed, resuming from the previous one")
		}
	}

	j.mu.Lock()
	a := j.detachLocked()
	j.mu.Unlock()
	j.wait(a)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.setStatusLocked(Restarting, nil); err != nil {
		return err
	}
	j.autoRestarts = 0
	j.launchLocked(0)
	return nil
}

// RestartDiscardingState stops the job, deletes every checkpoint it has and
// starts it cold. This is the only way out of a corrupt checkpoint.
func (j *Job) RestartDiscardingState(ctx context.Context) error {
	j.ops.Lock()
	defer j.ops.Unlock()

	j.mu.Lock()
	if !CanTransition(j.status, Restarting) && j.status != Restarting {
		from := j.status
		j.mu.Unlock()
		return &TransitionError{JobID: j.id, From: from, To: Restarting}
	}
	a := j.detachLocked()
	j.mu.Unlock()
	j.wait(a)

	if err := j.store.Delete(ctx, j.id); err != nil {
		err = fmt.Errorf("discard checkpoints of job %s: %w", j.id, err)
		j.mu.Lock()
		defer j.mu.Unlock()
		j.setStatusLocked(Failed, err)
		return err
	}
	log.Warn().Str("job", j.id).Msg("Discarded checkpoints, restarting cold")

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.setStatusLocked(Restarting, nil); err != nil {
		return err
	}
	j.autoRestarts = 0
	j.lastCheckpoint = 0
	j.launchLocked(0)
	return nil
}

// start launches the first execution.
func (j *Job) start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.launchLocked(0)
}

// shutdown stops the execution without touching checkpoints. A live job
// returns to NOT_RUNNING and resumes when submitted again.
func (j *Job) shutdown() {
	j.ops.Lock()
	defer j.ops.Unlock()

	j.mu.Lock()
	a := j.detachLocked()
	j.mu.Unlock()
	j.wait(a)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Live() {
		j.setStatusLocked(NotRunning, nil)
	}
}

func (j *Job) launchLocked(delay time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	j.executions++
	a := &attempt{
		number: j.executions,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	j.current = a

	go func() {
		defer close(a.done)
		defer cancel()
		err := j.execute(a, delay)
		j.finish(a, err)
	}()
}

// detachLocked stops the current attempt from driving the status and
// cancels it. The caller waits for it outside the lock.
func (j *Job) detachLocked() *attempt {
	a := j.current
	if a == nil {
		return nil
	}
	a.stopped = true
	j.saveProgressLocked(a)
	j.current = nil
	a.cancel()
	return a
}

func (j *Job) wait(a *attempt) {
	if a != nil {
		<-a.done
	}
}

func (j *Job) saveProgressLocked(a *attempt) {
	if a.coord != nil {
		j.lastCheckpoint = a.coord.LastCheckpointID()
		j.dispatched = a.exec.Dispatched()
	}
}

// execute runs one attempt to its end.
func (j *Job) execute(a *attempt, delay time.Duration) error {
	if delay > 0 {
		if err := source.Sleep(a.ctx, delay); err != nil {
			return err
		}
	}

	cp, err := j.store.LatestComplete(a.ctx, j.id)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = nil
	case err != nil:
		return fmt.Errorf("load checkpoint: %w", err)
	}

	var resume *cdc.ReaderState
	if cp != nil {
		resume = &cp.Reader
	}
	reader, err := source.Open(a.ctx, j.def.Source, source.Options{JobID: j.id, Backoff: j.cfg.Backoff}, resume)
	if err != nil {
		return err
	}
	defer reader.Close()

	exec, err := pipeline.NewExecution(pipeline.Config{
		JobID:      j.id,
		Partitions: j.cfg.Partitions,
		InboxSize:  j.cfg.InboxSize,
		Guarantee:  j.cfg.Guarantee,
	}, j.def.Plan, reader, j.def.Sink, cp)
	if err != nil {
		if cp != nil {
			return &cdc.CheckpointCorruptError{JobID: j.id, CheckpointID: cp.ID, Reason: err.Error()}
		}
		return err
	}

	coord := coordinator.NewSnapshotCoordinator(coordinator.Config{
		JobID:        j.id,
		Interval:     j.cfg.SnapshotInterval,
		Timeout:      j.cfg.SnapshotTimeout,
		RetryBackoff: j.cfg.SnapshotRetry,
		ExactlyOnce:  j.cfg.Guarantee == pipeline.ExactlyOnce,
		OnEpochStart: func(uint64) { j.epochStarted(a) },
		OnEpochEnd:   func(_ uint64, err error) { j.epochEnded(a, err) },
	}, exec, j.store, cp)

	j.mu.Lock()
	if a.stopped {
		j.mu.Unlock()
		return context.Canceled
	}
	a.exec, a.coord = exec, coord
	j.setStatusLocked(Running, nil)
	j.mu.Unlock()

	ev := log.Info().
		Str("job", j.id).
		Int("execution", a.number).
		Stringer("guarantee", j.cfg.Guarantee).
		Int("partitions", j.cfg.Partitions)
	if cp != nil {
		ev = ev.Uint64("checkpoint_id", cp.ID)
	}
	ev.Msg("Execution started")

	g, gctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		return exec.Run(gctx)
	})
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return j.awaitExhaustion(gctx, exec, coord)
	})
	return g.Wait()
}

// awaitExhaustion takes the final checkpoint once a bounded source runs
// dry. For EXACTLY_ONCE the job completes only after that checkpoint's
// outputs are written; a failed write restarts the job from it.
func (j *Job) awaitExhaustion(ctx context.Context, exec *pipeline.Execution, coord *coordinator.SnapshotCoordinator) error {
	select {
	case <-ctx.Done():
		return nil
	case <-exec.Exhausted():
	}

	for n := 1; ; n++ {
		_, err := coord.TriggerSnapshot(ctx)
		if err == nil {
			return errCompleted
		}
		var commitErr *coordinator.CommitError
		if errors.As(err, &commitErr) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if n >= finalSnapshotAttempts {
			return fmt.Errorf("final checkpoint: %w", err)
		}
		if err := source.Sleep(ctx, j.cfg.SnapshotRetry); err != nil {
			return nil
		}
	}
}

// finish settles the status after an attempt ended on its own.
func (j *Job) finish(a *attempt, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if a.stopped || j.current != a {
		return
	}
	j.saveProgressLocked(a)
	j.current = nil

	if errors.Is(err, errCompleted) {
		j.setStatusLocked(Completed, nil)
		return
	}
	if err == nil {
		err = errors.New("execution ended unexpectedly")
	}

	telemetry.JobFailuresTotal.With(cdc.Kind(err)).Inc()
	if !cdc.IsFatal(err) && j.cfg.AutoRestart && j.autoRestarts < j.cfg.MaxAutoRestarts {
		j.autoRestarts++
		delay := j.cfg.Backoff.Delay(j.autoRestarts)
		log.Warn().Err(err).
			Str("job", j.id).
			Int("restart", j.autoRestarts).
			Dur("delay", delay).
			Msg("Execution failed, restarting from last checkpoint")
		j.setStatusLocked(Restarting, err)
		j.launchLocked(delay)
		return
	}
	j.setStatusLocked(Failed, err)
}

func (j *Job) epochStarted(a *attempt) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == a && j.status == Running {
		j.setStatusLocked(Suspended, nil)
	}
}

func (j *Job) epochEnded(a *attempt, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current != a {
		return
	}
	if err == nil {
		// A durable checkpoint is progress; the restart budget starts over
		j.autoRestarts = 0
	}
	if j.status == Suspended {
		j.setStatusLocked(Running, nil)
	}
}

func (j *Job) setStatusLocked(to Status, cause error) error {
	from := j.status
	if from == to {
		j.cause = cause
		return nil
	}
	if !CanTransition(from, to) {
		err := &TransitionError{JobID: j.id, From: from, To: to}
		log.Error().Err(err).Msg("Rejected job status transition")
		return err
	}

	j.status = to
	j.cause = cause
	close(j.changed)
	j.changed = make(chan struct{})
	telemetry.JobStatusTransitionsTotal.With(from.String(), to.String()).Inc()

	switch {
	case to == Failed:
		log.Error().Err(cause).
			Str("job", j.id).
			Str("kind", cdc.Kind(cause)).
			Stringer("from", from).
			Msg("Job failed")
	case to == Suspended || from == Suspended:
		log.Debug().
			Str("job", j.id).
			Stringer("from", from).
			Stringer("to", to).
			Msg("Job status changed")
	default:
		log.Info().
			Str("job", j.id).
			Stringer("from", from).
			Stringer("to", to).
			Msg("Job status changed")
	}
	return nil
}

func isCorrupt(err error) bool {
	var corrupt *cdc.CheckpointCorruptError
	return errors.As(err, &corrupt)
}
