package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceReader replays a fixed list of events and then reports io.EOF
type sliceReader struct {
	mu     sync.Mutex
	events []cdc.ChangeEvent
	next   int
	state  cdc.ReaderState
}

func (r *sliceReader) Next(ctx context.Context) (cdc.ChangeEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.events) {
		return cdc.ChangeEvent{}, io.EOF
	}
	ev := r.events[r.next]
	r.next++
	r.state.Phase = cdc.Streaming
	r.state.LastCommittedPosition = ev.Position
	return ev, nil
}

func (r *sliceReader) State() cdc.ReaderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

type put struct {
	key   string
	value string
}

type recordingEmitter struct {
	mu   sync.Mutex
	puts []put
	err  error
}

func (e *recordingEmitter) Put(ctx context.Context, key string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.puts = append(e.puts, put{key: key, value: string(value)})
	return nil
}

func (e *recordingEmitter) snapshot() []put {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]put(nil), e.puts...)
}

func (e *recordingEmitter) byKey() map[string]string {
	out := make(map[string]string)
	for _, p := range e.snapshot() {
		out[p.key] = p.value
	}
	return out
}

type counter struct {
	Count int
}

// countingPlan emits "<id>/<count>" → "<OP>" for every folded event
func countingPlan(opts ...Option) *Plan {
	return New("count", func() counter { return counter{} },
		func(s counter, ev cdc.ChangeEvent) (counter, *Output, error) {
			out := &Output{
				Key:   fmt.Sprintf("%v/%d", ev.Key["id"], s.Count),
				Value: []byte(ev.Operation.String()),
			}
			s.Count++
			return s, out, nil
		}, opts...)
}

func change(id int64, op cdc.Operation, offset uint64) cdc.ChangeEvent {
	return cdc.ChangeEvent{
		Database:  "inventory",
		Table:     "customers",
		Operation: op,
		Key:       cdc.RecordPart{"id": id},
		Value:     cdc.RecordPart{"id": id},
		Position:  pos(offset),
	}
}

func customerEvents() []cdc.ChangeEvent {
	return []cdc.ChangeEvent{
		change(1001, cdc.OpInsert, 10),
		change(1002, cdc.OpInsert, 20),
		change(1003, cdc.OpInsert, 30),
		change(1004, cdc.OpInsert, 40),
		change(1004, cdc.OpUpdate, 50),
		change(1005, cdc.OpInsert, 60),
		change(1005, cdc.OpDelete, 70),
	}
}

type harness struct {
	exec   *Execution
	cancel context.CancelFunc
	errCh  chan error
}

func start(t *testing.T, exec *Execution) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{exec: exec, cancel: cancel, errCh: make(chan error, 1)}
	go func() { h.errCh <- exec.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.errCh
	})
	return h
}

// barrier injects a barrier and waits for every partition to report
func (h *harness) barrier(t *testing.T, epoch uint64) (cdc.ReaderState, []checkpoint.PartitionState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, futures, err := h.exec.InjectBarrier(ctx, epoch)
	require.NoError(t, err)
	return state, awaitAll(t, futures)
}

func awaitAll(t *testing.T, futures []*future.Future[checkpoint.PartitionState]) []checkpoint.PartitionState {
	t.Helper()
	out := make([]checkpoint.PartitionState, len(futures))
	for i, f := range futures {
		ps, err := f.Get()
		require.NoError(t, err)
		out[i] = ps
	}
	return out
}

func waitExhausted(t *testing.T, exec *Execution) {
	t.Helper()
	select {
	case <-exec.Exhausted():
	case <-time.After(5 * time.Second):
		t.Fatal("source not exhausted")
	}
}

func TestExecutionCustomersScenario(t *testing.T) {
	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 4, InboxSize: 8},
		countingPlan(), &sliceReader{events: customerEvents()}, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	state, _ := h.barrier(t, 1)

	assert.Equal(t, pos(70), state.LastCommittedPosition)
	assert.Equal(t, uint64(7), exec.Dispatched())
	assert.Equal(t, map[string]string{
		"1001/0": "INSERT",
		"1002/0": "INSERT",
		"1003/0": "INSERT",
		"1004/0": "INSERT",
		"1004/1": "UPDATE",
		"1005/0": "INSERT",
		"1005/1": "DELETE",
	}, emitter.byKey())
}

func TestExecutionPreservesPerKeyOrder(t *testing.T) {
	var events []cdc.ChangeEvent
	offset := uint64(0)
	for round := 0; round < 50; round++ {
		for id := int64(1); id <= 20; id++ {
			offset += 10
			events = append(events, change(id, cdc.OpUpdate, offset))
		}
	}

	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 3, InboxSize: 4},
		countingPlan(), &sliceReader{events: events}, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	h.barrier(t, 1)

	next := make(map[string]int)
	for _, p := range emitter.snapshot() {
		idx := strings.LastIndexByte(p.key, '/')
		require.Positive(t, idx, p.key)
		id := p.key[:idx]
		count, err := strconv.Atoi(p.key[idx+1:])
		require.NoError(t, err)
		assert.Equal(t, next[id], count, p.key)
		next[id]++
	}
	assert.Len(t, next, 20)
	for k, n := range next {
		assert.Equal(t, 50, n, k)
	}
}

func TestExecutionDropsDuplicatePositions(t *testing.T) {
	events := []cdc.ChangeEvent{
		change(1001, cdc.OpInsert, 10),
		change(1001, cdc.OpUpdate, 20),
		change(1001, cdc.OpUpdate, 20),
	}
	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 2, InboxSize: 8},
		countingPlan(), &sliceReader{events: events}, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	h.barrier(t, 1)

	assert.Equal(t, []put{{"1001/0", "INSERT"}, {"1001/1", "UPDATE"}}, emitter.snapshot())
}

func TestExecutionExactlyOnceHoldsUntilCommit(t *testing.T) {
	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 2, InboxSize: 8, Guarantee: ExactlyOnce},
		countingPlan(), &sliceReader{events: customerEvents()}, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	_, states := h.barrier(t, 1)

	assert.Empty(t, emitter.snapshot())
	pending := 0
	for _, ps := range states {
		pending += len(ps.Pending)
	}
	assert.Equal(t, 7, pending)

	require.NoError(t, exec.CommitEpoch(context.Background(), 1))
	// A second barrier queues behind the commit in every inbox
	_, states = h.barrier(t, 2)
	for _, ps := range states {
		assert.Empty(t, ps.Pending)
	}
	assert.Len(t, emitter.byKey(), 7)
}

func TestExecutionCommitEpochWaitsForWrites(t *testing.T) {
	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 3, InboxSize: 8, Guarantee: ExactlyOnce},
		countingPlan(), &sliceReader{events: customerEvents()}, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	h.barrier(t, 1)
	require.Empty(t, emitter.snapshot())

	require.NoError(t, exec.CommitEpoch(context.Background(), 1))
	assert.Len(t, emitter.byKey(), 7)
}

func TestExecutionCommitEpochReportsFailedWrite(t *testing.T) {
	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 1, InboxSize: 8, Guarantee: ExactlyOnce},
		countingPlan(), &sliceReader{events: customerEvents()}, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	h.barrier(t, 1)

	emitter.mu.Lock()
	emitter.err = errors.New("sink down")
	emitter.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorContains(t, exec.CommitEpoch(ctx, 1), "sink down")

	runErr := <-h.errCh
	h.errCh <- runErr
	assert.ErrorContains(t, runErr, "sink down")
}

func TestStoppedPartitionAnswersEveryRequest(t *testing.T) {
	p := newPartition(Config{JobID: "j1", InboxSize: 4}, 0, countingPlan(), &recordingEmitter{})

	queued := future.NewPromise[checkpoint.PartitionState]()
	require.NoError(t, p.send(context.Background(), message{barrier: &barrier{epoch: 1, promise: queued}}))
	acked := future.NewPromise[struct{}]()
	require.NoError(t, p.send(context.Background(), message{commit: &commit{epoch: 1, promise: acked}}))

	cause := errors.New("fold failed")
	p.abandon(cause)

	_, err := queued.Future().Get()
	assert.ErrorIs(t, err, cause)
	_, err = acked.Future().Get()
	assert.ErrorIs(t, err, cause)

	late := future.NewPromise[checkpoint.PartitionState]()
	err = p.send(context.Background(), message{barrier: &barrier{epoch: 2, promise: late}})
	assert.ErrorIs(t, err, cause)
}

func TestCommitEpochAfterStopFails(t *testing.T) {
	events := []cdc.ChangeEvent{{Database: "inventory", Table: "customers", Operation: cdc.OpInsert, Position: pos(1)}}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 2, InboxSize: 1, Guarantee: ExactlyOnce},
		countingPlan(), &sliceReader{events: events}, &recordingEmitter{}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, exec.Run(context.Background()), ErrNoKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = exec.CommitEpoch(ctx, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutionDiscardedEpochRollsIntoNext(t *testing.T) {
	reader := &sliceReader{events: customerEvents()[:4]}
	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 1, InboxSize: 8, Guarantee: ExactlyOnce},
		countingPlan(), reader, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	h.barrier(t, 1) // never committed
	h.barrier(t, 2)
	require.NoError(t, exec.CommitEpoch(context.Background(), 2))
	h.barrier(t, 3)

	assert.Len(t, emitter.snapshot(), 4)
}

func TestExecutionRestoreDropsReplayedPrefix(t *testing.T) {
	events := customerEvents()

	// First run stops after the first five events
	first := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 4, InboxSize: 8},
		countingPlan(), &sliceReader{events: events[:5]}, first, nil)
	require.NoError(t, err)
	h := start(t, exec)
	waitExhausted(t, exec)
	state, states := h.barrier(t, 1)
	cp := &checkpoint.Checkpoint{JobID: "j1", ID: 1, Epoch: 1, Reader: state, Partitions: states}

	// The restart replays the whole log; the committed prefix must not fold again.
	// A different partition count re-buckets the keys.
	second := &recordingEmitter{}
	exec2, err := NewExecution(Config{JobID: "j1", Partitions: 3, InboxSize: 8},
		countingPlan(), &sliceReader{events: events}, second, cp)
	require.NoError(t, err)
	h2 := start(t, exec2)
	waitExhausted(t, exec2)
	h2.barrier(t, 2)

	assert.Equal(t, []put{{"1005/0", "INSERT"}, {"1005/1", "DELETE"}}, second.snapshot())

	// Final state matches an uninterrupted run
	merged := first.byKey()
	for k, v := range second.byKey() {
		merged[k] = v
	}
	uninterrupted := &recordingEmitter{}
	exec3, err := NewExecution(Config{JobID: "j1", Partitions: 2, InboxSize: 8},
		countingPlan(), &sliceReader{events: events}, uninterrupted, nil)
	require.NoError(t, err)
	h3 := start(t, exec3)
	waitExhausted(t, exec3)
	h3.barrier(t, 1)
	assert.Equal(t, uninterrupted.byKey(), merged)
}

func TestExecutionRestoreReleasesPending(t *testing.T) {
	cp := &checkpoint.Checkpoint{
		JobID: "j1", ID: 3, Epoch: 3,
		Partitions: []checkpoint.PartitionState{{
			Index:   0,
			Pending: []checkpoint.Output{{Key: "1001/0", Value: []byte("INSERT")}},
		}},
	}
	emitter := &recordingEmitter{}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 1, InboxSize: 8, Guarantee: ExactlyOnce},
		countingPlan(), &sliceReader{}, emitter, cp)
	require.NoError(t, err)

	h := start(t, exec)
	h.barrier(t, 4)
	assert.Equal(t, []put{{"1001/0", "INSERT"}}, emitter.snapshot())
}

func TestExecutionEventFilter(t *testing.T) {
	emitter := &recordingEmitter{}
	plan := countingPlan(WithEventFilter(func(ev cdc.ChangeEvent) bool {
		return ev.Operation != cdc.OpDelete
	}))
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 2, InboxSize: 8},
		plan, &sliceReader{events: customerEvents()}, emitter, nil)
	require.NoError(t, err)

	h := start(t, exec)
	waitExhausted(t, exec)
	state, _ := h.barrier(t, 1)

	assert.Len(t, emitter.snapshot(), 6)
	assert.Equal(t, uint64(6), exec.Dispatched())
	// Filtered events still advance the reader
	assert.Equal(t, pos(70), state.LastCommittedPosition)
}

func TestExecutionFailsOnKeylessEvent(t *testing.T) {
	events := []cdc.ChangeEvent{{Database: "inventory", Table: "customers", Operation: cdc.OpInsert, Position: pos(1)}}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 1, InboxSize: 1},
		countingPlan(), &sliceReader{events: events}, &recordingEmitter{}, nil)
	require.NoError(t, err)

	err = exec.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNoKey))

	_, _, err = exec.InjectBarrier(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestExecutionSinkFailureStopsRun(t *testing.T) {
	emitter := &recordingEmitter{err: errors.New("sink down")}
	exec, err := NewExecution(Config{JobID: "j1", Partitions: 1, InboxSize: 1},
		countingPlan(), &sliceReader{events: customerEvents()}, emitter, nil)
	require.NoError(t, err)

	err = exec.Run(context.Background())
	assert.ErrorContains(t, err, "sink down")
}

func TestNewExecutionRejectsZeroPartitions(t *testing.T) {
	_, err := NewExecution(Config{JobID: "j1"}, countingPlan(), &sliceReader{}, &recordingEmitter{}, nil)
	assert.Error(t, err)
}
