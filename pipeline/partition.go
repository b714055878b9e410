package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
)

// Emitter receives derived outputs. Writes must be idempotent by key.
type Emitter interface {
	Put(ctx context.Context, key string, value []byte) error
}

type barrier struct {
	epoch   uint64
	promise *future.Promise[checkpoint.PartitionState]
}

// commit releases outputs sealed at or before epoch. The promise resolves
// once they are written.
type commit struct {
	epoch   uint64
	promise *future.Promise[struct{}]
}

// message is one inbox entry: an event, a barrier or an epoch commit.
type message struct {
	key     string
	ev      cdc.ChangeEvent
	barrier *barrier
	commit  *commit
}

type heldOutput struct {
	epoch uint64 // Barrier that sealed the output, 0 while unsealed
	out   Output
}

// Partition owns a disjoint set of keys and processes their events one at a
// time, in inbox order.
type Partition struct {
	jobID     string
	index     int
	plan      *Plan
	guarantee Guarantee
	emitter   Emitter
	inbox     chan message

	// stopped is closed when run returns, after cause is set. gate keeps
	// senders out of the inbox while abandon drains it.
	stopped chan struct{}
	cause   error
	gate    sync.RWMutex
	closed  bool

	dedup *Dedup
	state map[string]any
	held  []heldOutput
}

func newPartition(cfg Config, index int, plan *Plan, emitter Emitter) *Partition {
	return &Partition{
		jobID:     cfg.JobID,
		index:     index,
		plan:      plan,
		guarantee: cfg.Guarantee,
		emitter:   emitter,
		inbox:     make(chan message, cfg.InboxSize),
		stopped:   make(chan struct{}),
		dedup:     NewDedup(),
		state:     make(map[string]any),
	}
}

// restore loads checkpointed accumulators, dedup history and pending
// outputs. Restored outputs belong to a durable epoch and are released when
// the partition starts.
func (p *Partition) restore(accumulators map[string][]byte, dedup map[string]checkpoint.DedupEntry, pending []checkpoint.Output, epoch uint64) error {
	for key, data := range accumulators {
		state, err := p.plan.decodeState(data)
		if err != nil {
			return fmt.Errorf("partition %d key %s: %w", p.index, key, err)
		}
		p.state[key] = state
	}
	p.dedup = RestoreDedup(dedup)
	for _, o := range pending {
		p.held = append(p.held, heldOutput{epoch: epoch, out: Output{Key: o.Key, Value: o.Value}})
	}
	telemetry.HeldOutputs.Add(float64(len(pending)))
	return nil
}

// send queues msg. Once the partition has stopped it fails with the error
// that stopped it, so no barrier or commit is left without an answer.
func (p *Partition) send(ctx context.Context, msg message) error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed {
		return p.cause
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.stopped:
		return p.cause
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Partition) run(ctx context.Context) (err error) {
	defer func() {
		p.abandon(err)
	}()

	if len(p.held) > 0 {
		if err := p.release(ctx, p.held[len(p.held)-1].epoch); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.inbox:
			switch {
			case msg.barrier != nil:
				err = p.onBarrier(msg.barrier)
			case msg.commit != nil:
				err = p.release(ctx, msg.commit.epoch)
				msg.commit.promise.Set(struct{}{}, err)
			default:
				err = p.onEvent(ctx, msg.key, msg.ev)
			}
			if err != nil {
				return err
			}
		}
	}
}

func (p *Partition) onEvent(ctx context.Context, key string, ev cdc.ChangeEvent) error {
	if p.dedup.Process(key, ev) == Drop {
		log.Debug().
			Str("job", p.jobID).
			Int("partition", p.index).
			Str("key", key).
			Stringer("position", ev.Position).
			Msg("Dropped replayed event")
		return nil
	}

	state, ok := p.state[key]
	if !ok {
		state = p.plan.initial()
	}

	start := time.Now()
	next, out, err := p.plan.fold(state, ev)
	telemetry.FoldDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("fold failed for key %s at %s: %w", key, ev.Position, err)
	}
	p.state[key] = next
	telemetry.EventsFoldedTotal.With(p.jobID).Inc()

	if out == nil {
		return nil
	}
	o := *out
	if o.Key == "" {
		o.Key = key
	}

	if p.guarantee == ExactlyOnce {
		p.held = append(p.held, heldOutput{out: o})
		telemetry.HeldOutputs.Inc()
		return nil
	}
	return p.emit(ctx, o)
}

// onBarrier seals every held output into the barrier's epoch and reports
// the partition state.
func (p *Partition) onBarrier(b *barrier) error {
	ps := checkpoint.PartitionState{
		Index:        p.index,
		Accumulators: make(map[string][]byte, len(p.state)),
		Dedup:        p.dedup.State(),
	}
	for key, state := range p.state {
		data, err := p.plan.encodeState(state)
		if err != nil {
			err = fmt.Errorf("partition %d key %s: %w", p.index, key, err)
			b.promise.Set(checkpoint.PartitionState{}, err)
			return err
		}
		ps.Accumulators[key] = data
	}

	for i := range p.held {
		if p.held[i].epoch == 0 {
			p.held[i].epoch = b.epoch
		}
		ps.Pending = append(ps.Pending, checkpoint.Output{Key: p.held[i].out.Key, Value: p.held[i].out.Value})
	}

	b.promise.Set(ps, nil)
	return nil
}

// release writes held outputs sealed at or before epoch. Outputs stay held
// until written, so a failed write leaves them in the next checkpoint.
func (p *Partition) release(ctx context.Context, epoch uint64) error {
	released := 0
	defer func() {
		if released > 0 {
			p.held = p.held[released:]
			telemetry.HeldOutputs.Sub(float64(released))
		}
	}()

	for _, h := range p.held {
		if h.epoch == 0 || h.epoch > epoch {
			break
		}
		if err := p.emit(ctx, h.out); err != nil {
			return err
		}
		released++
	}

	if released > 0 {
		log.Debug().
			Str("job", p.jobID).
			Int("partition", p.index).
			Uint64("epoch", epoch).
			Int("outputs", released).
			Msg("Released held outputs")
	}
	return nil
}

func (p *Partition) emit(ctx context.Context, o Output) error {
	if err := p.emitter.Put(ctx, o.Key, o.Value); err != nil {
		return fmt.Errorf("partition %d failed to write output %s: %w", p.index, o.Key, err)
	}
	return nil
}

// abandon fails barriers and commits still queued so nobody waits on a
// partition that has stopped.
func (p *Partition) abandon(cause error) {
	if cause == nil {
		cause = ErrStopped
	}
	p.cause = cause
	close(p.stopped)
	p.gate.Lock()
	p.closed = true
	p.gate.Unlock()

	for {
		select {
		case msg := <-p.inbox:
			switch {
			case msg.barrier != nil:
				msg.barrier.promise.Set(checkpoint.PartitionState{}, cause)
			case msg.commit != nil:
				msg.commit.promise.Set(struct{}{}, cause)
			}
		default:
			telemetry.HeldOutputs.Sub(float64(len(p.held)))
			p.held = nil
			return
		}
	}
}
