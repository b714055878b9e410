package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/sluice/encoding"
	"github.com/maxpert/sluice/telemetry"
)

// Envelope layout:
//
//	magic[4] | version[1] | flags[1] | xxhash64(payload)[8] | payload
//
// payload is the msgpack body, zstd compressed when flagCompressed is set.
const (
	envelopeMagic   = "SLCK"
	envelopeVersion = 1
	headerSize      = 4 + 1 + 1 + 8

	flagCompressed = 1 << 0
)

var errShortRecord = errors.New("record shorter than header")

// Encode serializes cp into a checksummed envelope.
func Encode(cp *Checkpoint, compress bool) ([]byte, error) {
	body, err := encoding.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %d: %w", cp.ID, err)
	}

	var flags byte
	if compress {
		body, err = encoding.Compress(body)
		if err != nil {
			return nil, fmt.Errorf("compress checkpoint %d: %w", cp.ID, err)
		}
		flags |= flagCompressed
	}

	out := make([]byte, headerSize+len(body))
	copy(out, envelopeMagic)
	out[4] = envelopeVersion
	out[5] = flags
	binary.BigEndian.PutUint64(out[6:14], xxhash.Sum64(body))
	copy(out[headerSize:], body)
	telemetry.CheckpointBytes.Observe(float64(len(out)))
	return out, nil
}

// Decode verifies and deserializes an envelope produced by Encode. Every
// failure means the record cannot be trusted.
func Decode(data []byte) (*Checkpoint, error) {
	if len(data) < headerSize {
		return nil, errShortRecord
	}
	if string(data[:4]) != envelopeMagic {
		return nil, fmt.Errorf("bad magic %q", data[:4])
	}
	if data[4] != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", data[4])
	}

	payload := data[headerSize:]
	if want, got := binary.BigEndian.Uint64(data[6:14]), xxhash.Sum64(payload); want != got {
		return nil, fmt.Errorf("checksum mismatch: stored %016x, computed %016x", want, got)
	}

	body := payload
	if data[5]&flagCompressed != 0 {
		var err error
		body, err = encoding.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}

	var cp Checkpoint
	if err := encoding.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return &cp, nil
}
