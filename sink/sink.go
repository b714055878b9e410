// Package sink delivers derived outputs to their destination.
//
// Every sink is a keyed upsert: writing the same key twice leaves the last
// value. Replays after a restart rely on that to stay harmless.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
)

// Sink is a destination for (key, value) outputs. A nil value deletes the
// key where the destination supports it.
type Sink interface {
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Factory creates a Sink from configuration
type Factory func(cfg.SinkConfiguration) (Sink, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a sink factory for a type
func Register(sinkType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

// Types returns the registered sink types in sorted order
func Types() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open creates the sink described by config, instrumented with write
// metrics.
func Open(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	s, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", config.Type, err)
	}

	log.Info().
		Str("type", config.Type).
		Str("topic", config.Topic).
		Msg("Opened output sink")

	return Instrument(config.Type, s), nil
}

// Instrument counts the writes of s by result
func Instrument(name string, s Sink) Sink {
	return &meteredSink{name: name, Sink: s}
}

type meteredSink struct {
	Sink
	name string
}

func (m *meteredSink) Put(ctx context.Context, key string, value []byte) error {
	if err := m.Sink.Put(ctx, key, value); err != nil {
		telemetry.SinkWritesTotal.With(m.name, "failed").Inc()
		return err
	}
	telemetry.SinkWritesTotal.With(m.name, "success").Inc()
	return nil
}

// Unwrap returns the instrumented sink
func (m *meteredSink) Unwrap() Sink {
	return m.Sink
}
