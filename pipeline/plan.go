// Package pipeline is the keyed, stateful half of a job: events are routed
// by key to partitions, filtered for replays, and folded into per-key
// accumulators whose outputs go to a sink.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/sluice/cdc"
	"github.com/maxpert/sluice/encoding"
)

// Output is one derived record for the sink. An empty Key means the
// partition key of the event that produced it.
type Output struct {
	Key   string
	Value []byte
}

// FoldFunc folds one event into the accumulator of its key. It must be
// deterministic: replays after a restart call it again with the same
// arguments and expect the same results.
type FoldFunc[S any] func(state S, ev cdc.ChangeEvent) (S, *Output, error)

// KeyExtractor returns the partition key of an event.
type KeyExtractor func(ev cdc.ChangeEvent) (string, error)

// EventFilter reports whether an event enters the pipeline. Rejected events
// still advance the reader.
type EventFilter func(ev cdc.ChangeEvent) bool

// ErrNoKey is returned by the default key extractor for keyless events.
var ErrNoKey = errors.New("event has no key")

// Option configures a Plan.
type Option func(*Plan)

// WithKeyExtractor replaces DefaultKey.
func WithKeyExtractor(fn KeyExtractor) Option {
	return func(p *Plan) { p.keyOf = fn }
}

// WithEventFilter drops events before they reach dedup.
func WithEventFilter(fn EventFilter) Option {
	return func(p *Plan) { p.filter = fn }
}

// Plan is a built, type-erased pipeline definition.
type Plan struct {
	name   string
	keyOf  KeyExtractor
	filter EventFilter

	initial func() any
	fold    func(state any, ev cdc.ChangeEvent) (any, *Output, error)
	encode  func(state any) ([]byte, error)
	decode  func(data []byte) (any, error)
}

// New builds a Plan folding events into accumulators of type S. S is
// persisted with msgpack, so its exported fields are what survives a
// restart.
func New[S any](name string, initial func() S, fold FoldFunc[S], opts ...Option) *Plan {
	p := &Plan{
		name:  name,
		keyOf: DefaultKey,
		initial: func() any {
			return initial()
		},
		fold: func(state any, ev cdc.ChangeEvent) (any, *Output, error) {
			return fold(state.(S), ev)
		},
		encode: func(state any) ([]byte, error) {
			return encoding.Marshal(state.(S))
		},
		decode: func(data []byte) (any, error) {
			var s S
			if err := encoding.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pipeline name.
func (p *Plan) Name() string {
	return p.name
}

// Key returns the partition key of ev.
func (p *Plan) Key(ev cdc.ChangeEvent) (string, error) {
	return p.keyOf(ev)
}

// Admits reports whether ev passes the event filter.
func (p *Plan) Admits(ev cdc.ChangeEvent) bool {
	return p.filter == nil || p.filter(ev)
}

func (p *Plan) encodeState(state any) ([]byte, error) {
	data, err := p.encode(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode accumulator: %w", err)
	}
	return data, nil
}

func (p *Plan) decodeState(data []byte) (any, error) {
	state, err := p.decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode accumulator: %w", err)
	}
	return state, nil
}

// DefaultKey keys events by "database.table/<key columns>".
func DefaultKey(ev cdc.ChangeEvent) (string, error) {
	if ev.Key.IsEmpty() {
		return "", fmt.Errorf("%w: %s.%s at %s", ErrNoKey, ev.Database, ev.Table, ev.Position)
	}
	var b strings.Builder
	b.WriteString(ev.Database)
	b.WriteByte('.')
	b.WriteString(ev.Table)
	b.WriteByte('/')
	b.WriteString(ev.Key.String())
	return b.String(), nil
}

// PartitionOf maps a key to one of n partitions. The mapping depends only
// on the key, so it is the same on every member and across restarts.
func PartitionOf(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
