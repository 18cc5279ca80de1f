package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// lz4 blocks carry no length, so every payload is prefixed with the original
// size as a little-endian uint32 and a mode byte.
const (
	lz4HeaderSize = 5
	lz4ModeRaw    = 0x0
	lz4ModeBlock  = 0x1
)

var errLZ4Header = errors.New("lz4 payload shorter than its header")

var lz4CompressorPool = sync.Pool{
	New: func() any {
		return &lz4.Compressor{}
	},
}

type LZ4Compressor struct{}

var _ Codec = (*LZ4Compressor)(nil)

// NewLZ4Compressor creates a new LZ4 compressor.
func NewLZ4Compressor() LZ4Compressor {
	return LZ4Compressor{}
}

// Compress compresses data as a single LZ4 block using a pooled compressor.
//
// Returns:
//   - []byte: size header followed by the block (nil if input is empty)
//   - error: compression error if any
func (c LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dst := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(dst, uint32(len(data))) //nolint:gosec

	lc, _ := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)

	n, err := lc.CompressBlock(data, dst[lz4HeaderSize:])
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(data) {
		// incompressible
		dst[4] = lz4ModeRaw
		return append(dst[:lz4HeaderSize], data...), nil
	}
	dst[4] = lz4ModeBlock

	return dst[:lz4HeaderSize+n], nil
}

// Decompress restores a payload produced by Compress.
func (c LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < lz4HeaderSize {
		return nil, errLZ4Header
	}

	size := binary.LittleEndian.Uint32(data)
	if data[4] == lz4ModeRaw {
		if len(data)-lz4HeaderSize != int(size) {
			return nil, fmt.Errorf("lz4 raw payload: got %d bytes, header says %d", len(data)-lz4HeaderSize, size)
		}

		return append([]byte(nil), data[lz4HeaderSize:]...), nil
	}

	buf := make([]byte, size)
	n, err := lz4.UncompressBlock(data[lz4HeaderSize:], buf)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompression failed: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4 decompression: got %d bytes, header says %d", n, size)
	}

	return buf, nil
}
