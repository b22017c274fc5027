package cache

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// vectorCodec packs float64 vectors as little-endian bits and zstd-compresses
// them. Expression vectors are mostly zeros and compress well.
type vectorCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newVectorCodec() (*vectorCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &vectorCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *vectorCodec) encode(values []float64) []byte {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	return c.encoder.EncodeAll(raw, nil)
}

func (c *vectorCodec) decode(data []byte) ([]float64, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("invalid vector payload length %d", len(raw))
	}
	values := make([]float64, len(raw)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return values, nil
}

func (c *vectorCodec) close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
