package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by barrier and commit requests made to an
// execution that is no longer running.
var ErrStopped = errors.New("execution stopped")

// Guarantee selects when outputs reach the sink.
type Guarantee uint8

const (
	// AtLeastOnce writes outputs as they are produced; a restart may write
	// an output again.
	AtLeastOnce Guarantee = iota
	// ExactlyOnce holds outputs until the checkpoint covering them is
	// durable.
	ExactlyOnce
)

func (g Guarantee) String() string {
	if g == ExactlyOnce {
		return "EXACTLY_ONCE"
	}
	return "AT_LEAST_ONCE"
}

// ParseGuarantee parses "AT_LEAST_ONCE" or "EXACTLY_ONCE".
func ParseGuarantee(s string) (Guarantee, error) {
	switch s {
	case "AT_LEAST_ONCE":
		return AtLeastOnce, nil
	case "EXACTLY_ONCE":
		return ExactlyOnce, nil
	}
	return AtLeastOnce, fmt.Errorf("unknown processing guarantee %q", s)
}

// EventReader is what an execution pulls events from.
type EventReader interface {
	Next(ctx context.Context) (cdc.ChangeEvent, error)
	State() cdc.ReaderState
}

// Config sizes an execution.
type Config struct {
	JobID      string
	Partitions int
	InboxSize  int
	Guarantee  Guarantee
}

type barrierReply struct {
	state   cdc.ReaderState
	futures []*future.Future[checkpoint.PartitionState]
	err     error
}

type barrierRequest struct {
	epoch uint64
	reply chan barrierReply
}

type fetched struct {
	ev    cdc.ChangeEvent
	state cdc.ReaderState
	err   error
}

// Execution runs one attempt of a job: a reader task routing events to
// partitions, and the partitions themselves.
//
// The reader task is the only goroutine that writes events to partition
// inboxes, so a barrier it injects sits at the same point of the event
// sequence in every inbox.
type Execution struct {
	cfg        Config
	plan       *Plan
	reader     EventReader
	partitions []*Partition

	requests  chan barrierRequest
	exhausted chan struct{}
	done      chan struct{}

	dispatched atomic.Uint64
}

// NewExecution builds an execution, restoring partition state from
// restored when it is not nil. Keys are re-partitioned on restore, so the
// partition count may differ from the checkpoint's.
func NewExecution(cfg Config, plan *Plan, reader EventReader, emitter Emitter, restored *checkpoint.Checkpoint) (*Execution, error) {
	if cfg.Partitions < 1 {
		return nil, fmt.Errorf("partitions must be positive, got %d", cfg.Partitions)
	}
	if cfg.InboxSize < 1 {
		cfg.InboxSize = 1
	}

	e := &Execution{
		cfg:       cfg,
		plan:      plan,
		reader:    reader,
		requests:  make(chan barrierRequest),
		exhausted: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := 0; i < cfg.Partitions; i++ {
		e.partitions = append(e.partitions, newPartition(cfg, i, plan, emitter))
	}

	if restored != nil {
		if err := e.restore(restored); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Execution) restore(cp *checkpoint.Checkpoint) error {
	n := len(e.partitions)
	accumulators := make([]map[string][]byte, n)
	dedup := make([]map[string]checkpoint.DedupEntry, n)
	pending := make([][]checkpoint.Output, n)
	for i := range accumulators {
		accumulators[i] = make(map[string][]byte)
		dedup[i] = make(map[string]checkpoint.DedupEntry)
	}

	for _, ps := range cp.Partitions {
		for key, data := range ps.Accumulators {
			accumulators[PartitionOf(key, n)][key] = data
		}
		for key, entry := range ps.Dedup {
			dedup[PartitionOf(key, n)][key] = entry
		}
		target := ps.Index % n
		pending[target] = append(pending[target], ps.Pending...)
	}

	epoch := cp.Epoch
	if epoch == 0 {
		epoch = 1
	}
	for i, p := range e.partitions {
		if err := p.restore(accumulators[i], dedup[i], pending[i], epoch); err != nil {
			return err
		}
	}

	log.Info().
		Str("job", e.cfg.JobID).
		Uint64("checkpoint_id", cp.ID).
		Int("keys", cp.KeyCount()).
		Int("partitions", n).
		Msg("Restored partition state")
	return nil
}

// Run blocks until ctx is cancelled or a task fails. Source exhaustion does
// not end Run; it closes Exhausted and keeps serving barriers.
func (e *Execution) Run(ctx context.Context) error {
	defer close(e.done)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range e.partitions {
		p := p
		g.Go(func() error {
			return p.run(gctx)
		})
	}
	g.Go(func() error {
		return e.readLoop(gctx)
	})
	return g.Wait()
}

// Exhausted is closed once a bounded source has no more events.
func (e *Execution) Exhausted() <-chan struct{} {
	return e.exhausted
}

// Dispatched returns the number of events routed to partitions.
func (e *Execution) Dispatched() uint64 {
	return e.dispatched.Load()
}

// Partitions returns the partition count.
func (e *Execution) Partitions() int {
	return len(e.partitions)
}

func (e *Execution) readLoop(ctx context.Context) error {
	state := e.reader.State()
	results := make(chan fetched)

	// The fetcher runs ahead by at most one event; Next can block on the
	// source, and barriers must still be served meanwhile.
	fetchCtx, cancel := context.WithCancel(ctx)
	fetcherDone := make(chan struct{})
	defer func() {
		cancel()
		<-fetcherDone
	}()
	go func() {
		defer close(fetcherDone)
		for {
			ev, err := e.reader.Next(fetchCtx)
			r := fetched{ev: ev, state: e.reader.State(), err: err}
			select {
			case results <- r:
			case <-fetchCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-e.requests:
			if err := e.injectBarrier(ctx, req, state); err != nil {
				return err
			}

		case r := <-results:
			if errors.Is(r.err, io.EOF) {
				log.Info().
					Str("job", e.cfg.JobID).
					Uint64("events", e.dispatched.Load()).
					Msg("Source exhausted")
				close(e.exhausted)
				results = nil
				continue
			}
			if r.err != nil {
				return r.err
			}
			if err := e.dispatch(ctx, r.ev); err != nil {
				return err
			}
			state = r.state
		}
	}
}

func (e *Execution) dispatch(ctx context.Context, ev cdc.ChangeEvent) error {
	if !e.plan.Admits(ev) {
		return nil
	}
	key, err := e.plan.Key(ev)
	if err != nil {
		return err
	}
	p := e.partitions[PartitionOf(key, len(e.partitions))]
	if err := p.send(ctx, message{key: key, ev: ev}); err != nil {
		return err
	}
	e.dispatched.Add(1)
	return nil
}

func (e *Execution) injectBarrier(ctx context.Context, req barrierRequest, state cdc.ReaderState) error {
	futures := make([]*future.Future[checkpoint.PartitionState], len(e.partitions))
	for i, p := range e.partitions {
		promise := future.NewPromise[checkpoint.PartitionState]()
		futures[i] = promise.Future()
		if err := p.send(ctx, message{barrier: &barrier{epoch: req.epoch, promise: promise}}); err != nil {
			req.reply <- barrierReply{err: err}
			return err
		}
	}
	req.reply <- barrierReply{state: state, futures: futures}
	return nil
}

// InjectBarrier places a barrier for epoch after the last dispatched event.
// It returns the reader state at that point and one future per partition,
// in partition order, resolving to the partition state at the barrier.
func (e *Execution) InjectBarrier(ctx context.Context, epoch uint64) (cdc.ReaderState, []*future.Future[checkpoint.PartitionState], error) {
	req := barrierRequest{epoch: epoch, reply: make(chan barrierReply, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return cdc.ReaderState{}, nil, ctx.Err()
	case <-e.done:
		return cdc.ReaderState{}, nil, ErrStopped
	}

	select {
	case r := <-req.reply:
		return r.state, r.futures, r.err
	case <-ctx.Done():
		return cdc.ReaderState{}, nil, ctx.Err()
	case <-e.done:
		return cdc.ReaderState{}, nil, ErrStopped
	}
}

// CommitEpoch tells every partition the checkpoint of epoch is durable and
// waits until each has written the outputs it held for that epoch.
func (e *Execution) CommitEpoch(ctx context.Context, epoch uint64) error {
	acks := make([]*future.Future[struct{}], 0, len(e.partitions))
	for _, p := range e.partitions {
		promise := future.NewPromise[struct{}]()
		if err := p.send(ctx, message{commit: &commit{epoch: epoch, promise: promise}}); err != nil {
			return err
		}
		acks = append(acks, promise.Future())
	}
	_, err := awaitFutures(ctx, acks)
	return err
}

type result[T any] struct {
	index int
	value T
	err   error
}

// awaitFutures waits for every future and returns their values in order. It
// gives up on the first error or when ctx ends.
func awaitFutures[T any](ctx context.Context, futures []*future.Future[T]) ([]T, error) {
	results := make(chan result[T], len(futures))
	for i, f := range futures {
		go func(i int, f *future.Future[T]) {
			v, err := f.Get()
			results <- result[T]{index: i, value: v, err: err}
		}(i, f)
	}

	out := make([]T, len(futures))
	for range futures {
		select {
		case r := <-results:
			if r.err != nil {
				return nil, r.err
			}
			out[r.index] = r.value
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}
