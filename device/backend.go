// Package device manages the accelerator that builds recurrence tiles.
//
// A Backend is the narrow contract every device implements: allocate and
// free buffers, enqueue transfers, enqueue named kernels against buffers and
// wait on the returned futures. Commands on one backend execute in the order
// they were enqueued. CPUBackend implements the contract with straight-line
// Go kernels and simulated device memory, so the engine runs and tests
// without an accelerator.
//
// The Manager sits on top of a Backend and owns the per-run lifecycle: the
// backend is opened on first use, the grid is staged once and shared, and
// each tile goes through Stage, Dispatch, Fetch and Release.
package device

import (
	"context"
	"time"

	"github.com/arloliu/rqa/compress"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/grid"
)

// BufferID identifies a device allocation.
type BufferID uint64

// Buffer is a handle to device memory.
type Buffer struct {
	ID   BufferID
	Size int
}

// Info describes a device.
type Info struct {
	Name         string
	Vendor       string
	Features     []string
	ComputeUnits int
	// GlobalMemory is the total device memory in bytes.
	GlobalMemory int64
	// MaxAlloc is the largest single allocation in bytes.
	MaxAlloc int64
}

// Future tracks one enqueued command.
type Future interface {
	// Done is closed when the command has finished.
	Done() <-chan struct{}
	// Wait blocks until the command finishes or ctx ends, and returns the
	// command's error.
	Wait(ctx context.Context) error
	// Elapsed returns the command's execution time once it has finished.
	Elapsed() time.Duration
}

// ReadFuture tracks a device-to-host transfer.
type ReadFuture interface {
	Future
	// Payload returns the transferred bytes, compressed with the codec given
	// to Read. Valid after the future completes without error.
	Payload() []byte
	// Checksum returns the device-side xxHash64 of Payload.
	Checksum() uint64
}

// KernelParams are the scalar arguments of the build kernels.
type KernelParams struct {
	StartX, StartY int
	DimX, DimY     int
	MaskLower      bool
	Metric         format.DistanceMetric
	Radius         float64
	Grid           grid.Layout
}

// KernelArgs binds a kernel to its buffers. Buffer order per kernel:
//
//	build_dense, build_bitset, count_sparse: x vectors, y vectors, grid cells,
//	    grid cell ids, grid cell starts, result
//	fill_sparse: the same six, then the row index buffer
type KernelArgs struct {
	Buffers []Buffer
	Params  KernelParams
}

// Backend is a device with one in-order command queue.
type Backend interface {
	Info() Info

	// Alloc reserves size bytes of device memory.
	Alloc(size int) (Buffer, error)
	// Free releases buf. Commands still using buf must have completed.
	Free(buf Buffer) error

	// Write enqueues a host-to-device copy of data into buf. data must stay
	// unchanged until the future completes. The device verifies checksum
	// against the received bytes.
	Write(buf Buffer, data []byte, checksum uint64) Future
	// Fill enqueues setting every byte of buf to value.
	Fill(buf Buffer, value byte) Future
	// Submit enqueues kernel over workSize work items.
	Submit(kernel format.KernelID, args KernelArgs, workSize int) Future
	// Read enqueues a device-to-host copy of buf, compressed with codec.
	Read(buf Buffer, codec compress.Codec) ReadFuture

	// Finish waits until every enqueued command has completed.
	Finish(ctx context.Context) error
	// Close drains the queue and releases all device memory.
	Close() error
}
