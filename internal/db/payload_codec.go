package db

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Event payloads are small JSON documents compressed with zstd before they
// reach the timer_events payload column. Encoders and decoders are pooled;
// constructing a zstd context per event would dominate the write path.

var encoderPool = sync.Pool{
	New: func() any {
		e, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			// Static options; only fails on programmer error.
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return e
	},
}

var decoderPool = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

// CompressPayload compresses event wire JSON for storage.
func CompressPayload(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// DecompressPayload restores event wire JSON from its stored form.
func DecompressPayload(data []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}
