// Package encoding provides centralized serialization for sluice.
// Checkpoint bodies, accumulator state and positions all go through this
// package so that restarts decode exactly what was written.
//
// Thread Safety: every function here is safe for concurrent use.
//
// Type Preservation: when decoding into interface{}, msgpack strings decode as
// Go strings (not []byte). Accumulators that hold row values rely on this to
// compare equal before and after a restart.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

type encoderPoolEntry struct {
	buf *bytes.Buffer
	enc *msgpack.Encoder
}

var encoderPool = sync.Pool{
	New: func() any {
		buf := &bytes.Buffer{}
		enc := msgpack.NewEncoder(buf)
		// Sorted map keys keep encoded accumulators byte-stable across runs
		enc.SetSortMapKeys(true)
		return &encoderPoolEntry{buf: buf, enc: enc}
	},
}

// Marshal encodes a value to msgpack format.
// Map keys are sorted, so equal values always encode to equal bytes.
func Marshal(v interface{}) ([]byte, error) {
	entry := encoderPool.Get().(*encoderPoolEntry)
	defer encoderPool.Put(entry)
	entry.buf.Reset()

	if err := entry.enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, entry.buf.Len())
	copy(out, entry.buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
