package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/rqa/compress"
	"github.com/arloliu/rqa/endian"
	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/grid"
	"github.com/arloliu/rqa/internal/hash"
	"github.com/arloliu/rqa/internal/options"
	"github.com/arloliu/rqa/internal/pool"
	"github.com/arloliu/rqa/matrix"
	"github.com/arloliu/rqa/neighbourhood"
	"github.com/arloliu/rqa/series"
)

// Config configures a Manager.
type Config struct {
	// Backend is the device to use. nil opens a CPUBackend on first use.
	Backend Backend
	// CPU configures the CPUBackend opened when Backend is nil.
	CPU CPUConfig
	// Compression is applied to result transfers.
	Compression format.CompressionType
	Logger      *slog.Logger
}

// Option configures a Manager.
type Option = options.Option[*Config]

// WithBackend sets the device backend.
func WithBackend(b Backend) Option {
	return options.NoError(func(c *Config) { c.Backend = b })
}

// WithMemory sets the simulated device memory and maximum single allocation
// of the default CPU backend. A zero maxAlloc keeps the backend default.
func WithMemory(global, maxAlloc int64) Option {
	return options.New(func(c *Config) error {
		if global < 0 || maxAlloc < 0 {
			return fmt.Errorf("%w: memory %d, max allocation %d", errs.ErrInvalidBudget, global, maxAlloc)
		}
		c.CPU.GlobalMemory = global
		c.CPU.MaxAlloc = maxAlloc

		return nil
	})
}

// WithComputeUnits bounds the goroutines a CPU kernel fans out to.
func WithComputeUnits(n int) Option {
	return options.NoError(func(c *Config) { c.CPU.ComputeUnits = n })
}

// WithCompression sets the result transfer compression.
func WithCompression(t format.CompressionType) Option {
	return options.New(func(c *Config) error {
		if _, err := compress.GetCodec(t); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidCompression, err)
		}
		c.Compression = t

		return nil
	})
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return options.NoError(func(c *Config) { c.Logger = l })
}

// Stats summarizes a manager's transfers.
type Stats struct {
	Tiles         int64
	BytesIn       int64
	BytesOut      int64
	BytesOutWire  int64
	PeakDeviceMem int64
}

// Timings are the device phases of one tile.
type Timings struct {
	TransferIn  time.Duration
	Compute     time.Duration
	TransferOut time.Duration
}

// Handle tracks one staged tile from Stage to Release.
type Handle struct {
	Sub  *matrix.SubMatrix
	Type format.MatrixType

	params  KernelParams
	x, y    Buffer
	result  Buffer
	indices Buffer
	sparse  bool
	nnz     int

	staging  []*pool.ByteBuffer
	writes   []Future
	compute  []Future
	released bool

	Timings Timings
}

type stagedGrid struct {
	g      *grid.Grid
	cells  Buffer
	ids    Buffer
	starts Buffer
}

// Manager owns one device for the duration of an analysis run.
//
// The backend is opened on first use. The grid is staged once with StageGrid
// and shared by every tile. Manager methods are safe for concurrent use;
// commands still execute in enqueue order.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	codec  compress.Codec

	openOnce sync.Once
	openErr  error
	backend  Backend
	owned    bool

	gridMu sync.Mutex
	grid   *stagedGrid

	closeOnce sync.Once

	tiles        atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	bytesOutWire atomic.Int64
}

// NewManager creates a manager. The device is not touched until first use.
func NewManager(opts ...Option) (*Manager, error) {
	cfg := Config{Compression: format.CompressionNone}
	if err := options.Apply(&cfg, opts...); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "device")
	}
	codec, err := compress.CreateCodec(cfg.Compression, "result transfer")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidCompression, err)
	}
	if cfg.CPU.Logger == nil {
		cfg.CPU.Logger = cfg.Logger.With("backend", "cpu")
	}

	return &Manager{cfg: cfg, logger: cfg.Logger, codec: codec}, nil
}

func (m *Manager) open() (Backend, error) {
	m.openOnce.Do(func() {
		if m.cfg.Backend != nil {
			m.backend = m.cfg.Backend
		} else {
			m.backend = NewCPUBackend(m.cfg.CPU)
			m.owned = true
		}
		info := m.backend.Info()
		m.logger.Debug("device opened",
			"name", info.Name,
			"compute_units", info.ComputeUnits,
			"global_memory", info.GlobalMemory,
			"max_alloc", info.MaxAlloc,
			"features", info.Features)
	})

	return m.backend, m.openErr
}

// Info returns the device description, opening the device if needed.
func (m *Manager) Info() (Info, error) {
	b, err := m.open()
	if err != nil {
		return Info{}, err
	}

	return b.Info(), nil
}

// GridFootprint returns the device bytes a staged grid occupies.
func GridFootprint(g *grid.Grid) int64 {
	return int64(len(g.Cells))*4 + int64(len(g.CellIDs))*8 + int64(len(g.CellsStart))*4
}

// StageGrid copies g to the device. Every subsequent tile uses it; staging a
// second grid replaces the first.
func (m *Manager) StageGrid(ctx context.Context, g *grid.Grid) error {
	b, err := m.open()
	if err != nil {
		return err
	}

	m.gridMu.Lock()
	defer m.gridMu.Unlock()

	if m.grid != nil {
		m.freeGrid(b)
	}

	sg := &stagedGrid{g: g}
	parts := []struct {
		dst  *Buffer
		data []byte
	}{
		{&sg.cells, endian.AppendUint32s(le, nil, g.Cells)},
		{&sg.ids, endian.AppendUint64s(le, nil, g.CellIDs)},
		{&sg.starts, endian.AppendUint32s(le, nil, g.CellsStart)},
	}

	writes := make([]Future, 0, len(parts))
	for _, p := range parts {
		buf, err := b.Alloc(len(p.data))
		if err != nil {
			m.releaseBuffers(b, sg.cells, sg.ids, sg.starts)
			return err
		}
		*p.dst = buf
		writes = append(writes, b.Write(buf, p.data, hash.Checksum(p.data)))
		m.bytesIn.Add(int64(len(p.data)))
	}
	if _, err := WaitAll(ctx, writes...); err != nil {
		m.releaseBuffers(b, sg.cells, sg.ids, sg.starts)
		return err
	}
	m.grid = sg
	m.logger.Debug("grid staged", "cells", len(g.CellIDs), "vectors", len(g.Cells), "bytes", GridFootprint(g))

	return nil
}

func (m *Manager) freeGrid(b Backend) {
	m.releaseBuffers(b, m.grid.cells, m.grid.ids, m.grid.starts)
	m.grid = nil
}

func (m *Manager) releaseBuffers(b Backend, bufs ...Buffer) {
	for _, buf := range bufs {
		if buf.ID == 0 {
			continue
		}
		if err := b.Free(buf); err != nil {
			m.logger.Debug("free failed", "buffer", buf.ID, "error", err)
		}
	}
}

// Stage allocates a tile's buffers and enqueues the copies of its column
// vectors from xs and row vectors from ys. It returns once the copies are
// enqueued; the transfers complete in queue order.
//
// Returns errs.ErrTileTooLarge when a buffer of the tile exceeds the device's
// maximum single allocation.
func (m *Manager) Stage(ctx context.Context, sub *matrix.SubMatrix, xs, ys series.Accessor,
	pred neighbourhood.Predicate, mt format.MatrixType,
) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := m.open()
	if err != nil {
		return nil, err
	}

	m.gridMu.Lock()
	sg := m.grid
	m.gridMu.Unlock()
	if sg == nil {
		return nil, fmt.Errorf("%w: no grid staged", errs.ErrInvalidBuffer)
	}
	if xs.Dimension() != sg.g.Dimension || ys.Dimension() != sg.g.Dimension {
		return nil, fmt.Errorf("%w: series dimensions %d and %d, grid %d",
			errs.ErrEmbeddingDimensionMismatch, xs.Dimension(), ys.Dimension(), sg.g.Dimension)
	}

	maxAlloc := b.Info().MaxAlloc
	resultSize := matrix.ResultSize(mt, sub.DimX, sub.DimY)
	inSize := int64(max(sub.DimX, sub.DimY)) * int64(sg.g.Dimension) * 8
	if resultSize > maxAlloc || inSize > maxAlloc {
		return nil, fmt.Errorf("%w: %s needs %d result bytes, %d input bytes, max allocation %d",
			errs.ErrTileTooLarge, sub, resultSize, inSize, maxAlloc)
	}

	h := &Handle{
		Sub:  sub,
		Type: mt,
		params: KernelParams{
			StartX:    sub.StartX,
			StartY:    sub.StartY,
			DimX:      sub.DimX,
			DimY:      sub.DimY,
			MaskLower: sub.MaskLower,
			Metric:    pred.Metric(),
			Radius:    pred.Radius(),
			Grid:      sg.g.Layout,
		},
		sparse: mt == format.MatrixSparse,
	}

	h.x, err = m.stageVectors(b, h, xs, sub.StartX, sub.DimX)
	if err != nil {
		m.Release(h)
		return nil, err
	}
	h.y, err = m.stageVectors(b, h, ys, sub.StartY, sub.DimY)
	if err != nil {
		m.Release(h)
		return nil, err
	}
	h.result, err = b.Alloc(int(resultSize))
	if err != nil {
		m.Release(h)
		return nil, err
	}

	return h, nil
}

func (m *Manager) stageVectors(b Backend, h *Handle, a series.Accessor, start, count int) (Buffer, error) {
	vecs, done := pool.GetFloat64Slice(count * a.Dimension())
	defer done()
	vecs = a.Vectors(start, count, vecs[:0])

	bb := pool.GetStagingBuffer()
	h.staging = append(h.staging, bb)
	bb.B = endian.AppendFloat64s(le, bb.B[:0], vecs)

	buf, err := b.Alloc(bb.Len())
	if err != nil {
		return Buffer{}, err
	}
	h.writes = append(h.writes, b.Write(buf, bb.B, hash.Checksum(bb.B)))
	m.bytesIn.Add(int64(bb.Len()))

	return buf, nil
}

func (m *Manager) args(h *Handle, extra ...Buffer) KernelArgs {
	m.gridMu.Lock()
	sg := m.grid
	m.gridMu.Unlock()

	bufs := append([]Buffer{h.x, h.y, sg.cells, sg.ids, sg.starts, h.result}, extra...)

	return KernelArgs{Buffers: bufs, Params: h.params}
}

// Dispatch enqueues kernel for h and returns its future.
//
// KernelClear clears the result buffers. KernelFillSparse first reads the
// column pointers written by KernelCountSparse and allocates the row index
// buffer; it returns errs.ErrTileTooLarge when the indices exceed the
// maximum single allocation.
func (m *Manager) Dispatch(ctx context.Context, h *Handle, kernel format.KernelID) (Future, error) {
	b, err := m.open()
	if err != nil {
		return nil, err
	}

	var fut Future
	switch kernel {
	case format.KernelClear:
		fut = b.Fill(h.result, 0)
	case format.KernelFillSparse:
		if err := m.allocIndices(ctx, b, h); err != nil {
			return nil, err
		}
		fut = b.Submit(kernel, m.args(h, h.indices), h.Sub.DimX)
	default:
		fut = b.Submit(kernel, m.args(h), h.Sub.DimX)
	}
	h.compute = append(h.compute, fut)

	return fut, nil
}

func (m *Manager) allocIndices(ctx context.Context, b Backend, h *Handle) error {
	rf := b.Read(h.result, nil)
	if err := rf.Wait(ctx); err != nil {
		return err
	}
	indptr := rf.Payload()
	if hash.Checksum(indptr) != rf.Checksum() {
		return fmt.Errorf("%w: column pointers of %s", errs.ErrTransferChecksum, h.Sub)
	}
	h.compute = append(h.compute, rf)

	h.nnz = int(le.Uint32(indptr[h.Sub.DimX*4:]))
	size := matrix.SparseIndicesSize(h.nnz)
	if maxAlloc := b.Info().MaxAlloc; size > maxAlloc {
		return fmt.Errorf("%w: %s has %d recurrent points, %d bytes exceed max allocation %d",
			errs.ErrTileTooLarge, h.Sub, h.nnz, size, maxAlloc)
	}
	if h.indices.ID != 0 {
		m.releaseBuffers(b, h.indices)
	}
	buf, err := b.Alloc(int(size))
	if err != nil {
		return err
	}
	h.indices = buf

	return nil
}

// Build enqueues the clear and build kernels of h's representation and waits
// for them.
func (m *Manager) Build(ctx context.Context, h *Handle) error {
	var kernels []format.KernelID
	switch h.Type {
	case format.MatrixBitset:
		kernels = []format.KernelID{format.KernelClear, format.KernelBuildBitset}
	case format.MatrixSparse:
		kernels = []format.KernelID{format.KernelClear, format.KernelCountSparse, format.KernelFillSparse}
	default:
		kernels = []format.KernelID{format.KernelClear, format.KernelBuildDense}
	}

	for _, k := range kernels {
		if _, err := m.Dispatch(ctx, h, k); err != nil {
			return err
		}
	}
	in, err := WaitAll(ctx, h.writes...)
	if err != nil {
		return err
	}
	compute, err := WaitAll(ctx, h.compute...)
	if err != nil {
		return err
	}
	h.Timings.TransferIn = in
	h.Timings.Compute = compute

	return nil
}

// Fetch reads h's result back, verifies its checksum and decodes it.
func (m *Manager) Fetch(ctx context.Context, h *Handle) (matrix.Values, error) {
	b, err := m.open()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reads := []ReadFuture{b.Read(h.result, m.codec)}
	if h.sparse {
		reads = append(reads, b.Read(h.indices, m.codec))
	}

	raw := make([][]byte, len(reads))
	for i, rf := range reads {
		if err := rf.Wait(ctx); err != nil {
			return nil, err
		}
		payload := rf.Payload()
		if hash.Checksum(payload) != rf.Checksum() {
			return nil, fmt.Errorf("%w: result of %s", errs.ErrTransferChecksum, h.Sub)
		}
		raw[i], err = m.codec.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress result of %s: %w", errs.ErrDeviceResource, h.Sub, err)
		}
		m.bytesOutWire.Add(int64(len(payload)))
		m.bytesOut.Add(int64(len(raw[i])))
	}

	var v matrix.Values
	switch h.Type {
	case format.MatrixBitset:
		v, err = matrix.DecodeBitset(h.Sub.DimX, h.Sub.DimY, raw[0])
	case format.MatrixSparse:
		v, err = matrix.DecodeCSC(h.Sub.DimX, h.Sub.DimY, raw[0], raw[1])
	default:
		v, err = matrix.WrapDense(h.Sub.DimX, h.Sub.DimY, raw[0])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode result of %s: %w", errs.ErrDeviceResource, h.Sub, err)
	}
	h.Timings.TransferOut = time.Since(start)
	m.tiles.Add(1)

	return v, nil
}

// Release waits for h's outstanding commands, then frees its device buffers
// and staging memory. Release is idempotent.
func (m *Manager) Release(h *Handle) {
	if h == nil || h.released {
		return
	}
	h.released = true

	if b, err := m.open(); err == nil {
		// in-flight commands must not see their buffers freed
		_, _ = WaitAll(context.Background(), h.writes...)
		_, _ = WaitAll(context.Background(), h.compute...)
		m.releaseBuffers(b, h.x, h.y, h.result, h.indices)
	}
	for _, bb := range h.staging {
		pool.PutStagingBuffer(bb)
	}
	h.staging = nil
}

// Stats returns the manager's transfer counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Tiles:        m.tiles.Load(),
		BytesIn:      m.bytesIn.Load(),
		BytesOut:     m.bytesOut.Load(),
		BytesOutWire: m.bytesOutWire.Load(),
	}
	if cpu, ok := m.backend.(*CPUBackend); ok {
		s.PeakDeviceMem = cpu.Peak()
	}

	return s
}

// CompressionStats describes the result transfers so far.
func (m *Manager) CompressionStats() compress.Stats {
	return compress.Stats{
		Algorithm:      m.cfg.Compression,
		OriginalSize:   m.bytesOut.Load(),
		CompressedSize: m.bytesOutWire.Load(),
	}
}

// Close frees the staged grid and closes the backend if the manager opened
// it. Close is idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.openOnce.Do(func() { m.openErr = errs.ErrDeviceClosed })
		if m.backend == nil {
			return
		}
		m.gridMu.Lock()
		if m.grid != nil {
			m.freeGrid(m.backend)
		}
		m.gridMu.Unlock()

		if m.owned {
			err = m.backend.Close()
		}
		m.logger.Debug("device closed", "tiles", m.tiles.Load(), "bytes_in", m.bytesIn.Load(), "bytes_out", m.bytesOut.Load())
	})

	return err
}
