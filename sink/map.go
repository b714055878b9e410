package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/maxpert/sluice/cfg"
)

func init() {
	Register("map", func(config cfg.SinkConfiguration) (Sink, error) {
		return NewMapSink(), nil
	})
}

// Write is one Put observed by a MapSink
type Write struct {
	Key   string
	Value []byte
}

// MapSink keeps outputs in memory. It records the order of writes as well
// as the final value per key.
type MapSink struct {
	mu      sync.Mutex
	entries map[string][]byte
	writes  []Write
	closed  bool

	// PutErr, when set, fails every Put
	PutErr error
}

// NewMapSink creates an empty MapSink
func NewMapSink() *MapSink {
	return &MapSink{entries: make(map[string][]byte)}
}

func (m *MapSink) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return m.PutErr
	}
	if m.closed {
		return ErrClosed
	}

	v := append([]byte(nil), value...)
	if value == nil {
		delete(m.entries, key)
	} else {
		m.entries[key] = v
	}
	m.writes = append(m.writes, Write{Key: key, Value: v})
	return nil
}

// Get returns the current value of key
func (m *MapSink) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

// Entries returns a copy of the current contents
func (m *MapSink) Entries() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = string(v)
	}
	return out
}

// Keys returns the current keys in sorted order
func (m *MapSink) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Writes returns every Put in the order it happened
func (m *MapSink) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Len returns the number of keys
func (m *MapSink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reset clears contents and history
func (m *MapSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]byte)
	m.writes = nil
}

func (m *MapSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
