package device

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/arloliu/rqa/compress"
	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/internal/hash"
)

const (
	// DefaultGlobalMemory is the simulated device memory of a CPU backend.
	DefaultGlobalMemory = 256 << 20
	// queueDepth bounds the number of commands waiting on the queue.
	queueDepth = 256
)

// CPUConfig configures a CPUBackend.
type CPUConfig struct {
	// GlobalMemory is the simulated device memory; 0 means DefaultGlobalMemory.
	GlobalMemory int64
	// MaxAlloc is the largest single allocation; 0 means GlobalMemory / 4.
	MaxAlloc int64
	// ComputeUnits bounds the goroutines a kernel fans out to; 0 means
	// runtime.NumCPU().
	ComputeUnits int
	Logger       *slog.Logger
}

// command is one queued operation.
type command struct {
	run func() error
	fut *future
}

// CPUBackend runs kernels on the host. Device memory is simulated: every
// allocation is a host byte slice counted against GlobalMemory.
type CPUBackend struct {
	info   Info
	logger *slog.Logger

	memMu  sync.Mutex
	mem    map[BufferID][]byte
	used   int64
	peak   int64
	nextID BufferID

	queueMu sync.Mutex
	queue   chan command
	closed  bool
	drained chan struct{}

	kernels map[format.KernelID]kernel
}

var _ Backend = (*CPUBackend)(nil)

// NewCPUBackend creates a CPU backend and starts its command queue.
func NewCPUBackend(cfg CPUConfig) *CPUBackend {
	if cfg.GlobalMemory <= 0 {
		cfg.GlobalMemory = DefaultGlobalMemory
	}
	if cfg.MaxAlloc <= 0 || cfg.MaxAlloc > cfg.GlobalMemory {
		cfg.MaxAlloc = cfg.GlobalMemory / 4
	}
	if cfg.ComputeUnits <= 0 {
		cfg.ComputeUnits = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "device.cpu")
	}

	b := &CPUBackend{
		info: Info{
			Name:         "cpu-" + runtime.GOARCH,
			Vendor:       "host",
			Features:     cpuFeatures(),
			ComputeUnits: cfg.ComputeUnits,
			GlobalMemory: cfg.GlobalMemory,
			MaxAlloc:     cfg.MaxAlloc,
		},
		logger:  cfg.Logger,
		mem:     make(map[BufferID][]byte),
		queue:   make(chan command, queueDepth),
		drained: make(chan struct{}),
		kernels: builtinKernels(),
	}
	go b.loop()

	return b
}

// cpuFeatures lists the SIMD extensions the host reports.
func cpuFeatures() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}
	add(cpu.X86.HasSSE42, "sse4.2")
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasSVE, "sve")

	return features
}

func (b *CPUBackend) loop() {
	defer close(b.drained)
	for cmd := range b.queue {
		start := time.Now()
		err := cmd.run()
		cmd.fut.complete(err, time.Since(start))
	}
}

// enqueue appends run to the queue, or fails the future once the backend is
// closed.
func (b *CPUBackend) enqueue(fut *future, run func() error) *future {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if b.closed {
		fut.complete(errs.ErrDeviceClosed, 0)
		return fut
	}
	b.queue <- command{run: run, fut: fut}

	return fut
}

func (b *CPUBackend) Info() Info {
	return b.info
}

func (b *CPUBackend) Alloc(size int) (Buffer, error) {
	if size < 0 {
		return Buffer{}, fmt.Errorf("%w: negative size %d", errs.ErrInvalidBuffer, size)
	}
	if int64(size) > b.info.MaxAlloc {
		return Buffer{}, fmt.Errorf("%w: %d bytes exceed max allocation %d",
			errs.ErrOutOfDeviceMemory, size, b.info.MaxAlloc)
	}

	b.memMu.Lock()
	defer b.memMu.Unlock()

	if b.mem == nil {
		return Buffer{}, errs.ErrDeviceClosed
	}
	if b.used+int64(size) > b.info.GlobalMemory {
		return Buffer{}, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			errs.ErrOutOfDeviceMemory, size, b.used, b.info.GlobalMemory)
	}

	b.nextID++
	id := b.nextID
	b.mem[id] = make([]byte, size)
	b.used += int64(size)
	b.peak = max(b.peak, b.used)

	return Buffer{ID: id, Size: size}, nil
}

func (b *CPUBackend) Free(buf Buffer) error {
	b.memMu.Lock()
	defer b.memMu.Unlock()

	data, ok := b.mem[buf.ID]
	if !ok {
		return fmt.Errorf("%w: buffer %d", errs.ErrInvalidBuffer, buf.ID)
	}
	delete(b.mem, buf.ID)
	b.used -= int64(len(data))

	return nil
}

// Used returns the allocated device memory in bytes.
func (b *CPUBackend) Used() int64 {
	b.memMu.Lock()
	defer b.memMu.Unlock()

	return b.used
}

// Peak returns the highest allocated device memory seen.
func (b *CPUBackend) Peak() int64 {
	b.memMu.Lock()
	defer b.memMu.Unlock()

	return b.peak
}

func (b *CPUBackend) lookup(buf Buffer) ([]byte, error) {
	b.memMu.Lock()
	defer b.memMu.Unlock()

	data, ok := b.mem[buf.ID]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", errs.ErrInvalidBuffer, buf.ID)
	}

	return data, nil
}

func (b *CPUBackend) Write(buf Buffer, data []byte, checksum uint64) Future {
	return b.enqueue(newFuture(), func() error {
		dst, err := b.lookup(buf)
		if err != nil {
			return err
		}
		if len(data) > len(dst) {
			return fmt.Errorf("%w: writing %d bytes into buffer %d of %d",
				errs.ErrInvalidBuffer, len(data), buf.ID, len(dst))
		}
		n := copy(dst, data)
		if got := hash.Checksum(dst[:n]); got != checksum {
			return fmt.Errorf("%w: buffer %d: got %016x, want %016x", errs.ErrTransferChecksum, buf.ID, got, checksum)
		}

		return nil
	})
}

func (b *CPUBackend) Fill(buf Buffer, value byte) Future {
	return b.enqueue(newFuture(), func() error {
		dst, err := b.lookup(buf)
		if err != nil {
			return err
		}
		if value == 0 {
			clear(dst)
			return nil
		}
		for i := range dst {
			dst[i] = value
		}

		return nil
	})
}

func (b *CPUBackend) Submit(kernelID format.KernelID, args KernelArgs, workSize int) Future {
	k, ok := b.kernels[kernelID]
	if !ok {
		return failedFuture(fmt.Errorf("%w: unknown kernel %s", errs.ErrKernelFailed, kernelID))
	}

	return b.enqueue(newFuture(), func() error {
		mem := make([][]byte, len(args.Buffers))
		for i, buf := range args.Buffers {
			data, err := b.lookup(buf)
			if err != nil {
				return err
			}
			mem[i] = data
		}
		if err := k(args.Params, mem, workSize, b.info.ComputeUnits); err != nil {
			return fmt.Errorf("%w: %s: %w", errs.ErrKernelFailed, kernelID, err)
		}

		return nil
	})
}

func (b *CPUBackend) Read(buf Buffer, codec compress.Codec) ReadFuture {
	fut := newFuture()
	if codec == nil {
		codec = compress.NewNoOpCompressor()
	}

	return b.enqueue(fut, func() error {
		src, err := b.lookup(buf)
		if err != nil {
			return err
		}
		packed, err := codec.Compress(src)
		if err != nil {
			return fmt.Errorf("%w: compress buffer %d: %w", errs.ErrDeviceResource, buf.ID, err)
		}
		if len(packed) > 0 && &packed[0] == &src[0] {
			// uncompressed payloads alias device memory
			packed = append([]byte(nil), packed...)
		}
		fut.payload = packed
		fut.checksum = hash.Checksum(fut.payload)

		return nil
	})
}

func (b *CPUBackend) Finish(ctx context.Context) error {
	return b.enqueue(newFuture(), func() error { return nil }).Wait(ctx)
}

// Close stops accepting commands, waits for the queue to drain and releases
// all memory. Close is idempotent.
func (b *CPUBackend) Close() error {
	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.queueMu.Unlock()

	<-b.drained

	b.memMu.Lock()
	leaked := len(b.mem)
	b.mem = nil
	b.used = 0
	b.memMu.Unlock()

	if leaked > 0 {
		b.logger.Debug("released buffers still allocated at close", "buffers", leaked)
	}

	return nil
}
