package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			if err != nil {
				return nil
			}
			return enc
		},
	}
	zstdDecoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
)

// Compress zstd-compresses data. Used for checkpoint bodies, which are
// dominated by repetitive accumulator keys.
func Compress(data []byte) ([]byte, error) {
	enc, ok := zstdEncoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, ok := zstdDecoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("zstd decoder unavailable")
	}
	defer zstdDecoderPool.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}

// MarshalCompressed is Marshal followed by Compress.
func MarshalCompressed(v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

// UnmarshalCompressed is Decompress followed by Unmarshal.
func UnmarshalCompressed(data []byte, v interface{}) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
