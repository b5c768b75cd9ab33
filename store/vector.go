package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when a vector's dimension does not match
// the dimension the store was pinned to by the first embedded write.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// encodeVector packs a float32 vector into a little-endian blob.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a blob written by encodeVector. The recorded
// dimension must match the blob length.
func decodeVector(buf []byte, dim int) ([]float32, error) {
	if len(buf) == 0 || dim == 0 {
		return nil, nil
	}
	if len(buf) != 4*dim {
		return nil, fmt.Errorf("%w: blob holds %d bytes, dimension tag says %d", ErrDimensionMismatch, len(buf), dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
