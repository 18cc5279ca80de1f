package pool

import (
	"sync"
)

// Staging buffer sizes. Tiles stage their input vectors through these
// buffers.
const (
	StagingBufferDefaultSize  = 1024 * 64       // 64KiB
	StagingBufferMaxThreshold = 1024 * 1024 * 4 // 4MiB
)

// ByteBuffer is a reusable host-side byte slice.
type ByteBuffer struct {
	// B is the underlying byte slice.
	B []byte
}

// NewByteBuffer creates a ByteBuffer with the given initial capacity.
func NewByteBuffer(defaultSize int) *ByteBuffer {
	return &ByteBuffer{
		B: make([]byte, 0, defaultSize),
	}
}

// Bytes returns the underlying byte slice.
func (bb *ByteBuffer) Bytes() []byte {
	return bb.B
}

// Reset empties the buffer but keeps its memory.
func (bb *ByteBuffer) Reset() {
	bb.B = bb.B[:0]
}

// Len returns the length of the buffer.
func (bb *ByteBuffer) Len() int {
	return len(bb.B)
}

// Cap returns the capacity of the buffer.
func (bb *ByteBuffer) Cap() int {
	return cap(bb.B)
}

// Resize sets the buffer length to n, reallocating when the capacity is
// insufficient. Existing content up to min(len, n) is preserved; bytes beyond
// the old length are unspecified.
func (bb *ByteBuffer) Resize(n int) {
	if n < 0 {
		panic("Resize: negative length")
	}
	if n <= cap(bb.B) {
		bb.B = bb.B[:n]
		return
	}

	bb.Grow(n - len(bb.B))
	bb.B = bb.B[:n]
}

// Grow ensures the buffer can hold requiredBytes more bytes without reallocating.
//
// Small buffers grow by StagingBufferDefaultSize; larger ones by 25% of their
// capacity, and never by less than requiredBytes.
func (bb *ByteBuffer) Grow(requiredBytes int) {
	available := cap(bb.B) - len(bb.B)
	if available >= requiredBytes {
		return
	}

	growBy := StagingBufferDefaultSize
	if cap(bb.B) > 4*StagingBufferDefaultSize {
		growBy = cap(bb.B) / 4
	}
	if growBy < requiredBytes {
		growBy = requiredBytes
	}

	newBuf := make([]byte, len(bb.B), len(bb.B)+growBy)
	copy(newBuf, bb.B)
	bb.B = newBuf
}

// Write appends data to the buffer.
func (bb *ByteBuffer) Write(data []byte) (int, error) {
	bb.B = append(bb.B, data...)
	return len(data), nil
}

// ByteBufferPool is a sync.Pool of ByteBuffers that drops buffers grown past
// maxThreshold so one huge tile does not pin memory for the rest of a run.
type ByteBufferPool struct {
	pool         sync.Pool
	maxThreshold int
}

// NewByteBufferPool creates a pool whose new buffers have defaultSize capacity.
// A maxThreshold of zero disables the size check.
func NewByteBufferPool(defaultSize int, maxThreshold int) *ByteBufferPool {
	return &ByteBufferPool{
		pool: sync.Pool{
			New: func() any {
				return NewByteBuffer(defaultSize)
			},
		},
		maxThreshold: maxThreshold,
	}
}

// Get retrieves an empty ByteBuffer.
func (bbp *ByteBufferPool) Get() *ByteBuffer {
	bb, _ := bbp.pool.Get().(*ByteBuffer)
	return bb
}

// Put returns bb to the pool.
func (bbp *ByteBufferPool) Put(bb *ByteBuffer) {
	if bb == nil {
		return
	}
	if bbp.maxThreshold > 0 && cap(bb.B) > bbp.maxThreshold {
		return
	}

	bb.Reset()
	bbp.pool.Put(bb)
}

var stagingPool = NewByteBufferPool(StagingBufferDefaultSize, StagingBufferMaxThreshold)

// GetStagingBuffer retrieves a buffer for host-to-device transfers.
func GetStagingBuffer() *ByteBuffer {
	return stagingPool.Get()
}

// PutStagingBuffer returns a staging buffer to its pool.
func PutStagingBuffer(bb *ByteBuffer) {
	stagingPool.Put(bb)
}
