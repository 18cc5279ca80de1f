package device

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rqa/compress"
	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/grid"
	"github.com/arloliu/rqa/matrix"
	"github.com/arloliu/rqa/neighbourhood"
	"github.com/arloliu/rqa/series"
	"github.com/arloliu/rqa/tiling"
)

type fixture struct {
	xs, ys *series.Embedded
	pred   neighbourhood.Predicate
	g      *grid.Grid
}

func wave(n int, phase float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.Sin(0.7*float64(i)+phase) + 0.3*math.Cos(2.3*float64(i))
	}

	return s
}

func newFixture(t *testing.T, nx, ny int, metric format.DistanceMetric, radius float64) fixture {
	t.Helper()

	xs, err := series.Embed(wave(nx+3, 0), 2, 3)
	require.NoError(t, err)
	ys := xs
	if ny != nx {
		ys, err = series.Embed(wave(ny+3, 0.4), 2, 3)
		require.NoError(t, err)
	}
	pred, err := neighbourhood.New(metric, radius)
	require.NoError(t, err)
	g, err := grid.Build(series.All(ys), 2, radius, 0)
	require.NoError(t, err)

	return fixture{xs: xs, ys: ys, pred: pred, g: g}
}

// reference returns the recurrent local rows of local column x of sub.
func (f fixture) reference(sub *matrix.SubMatrix, x int) []uint32 {
	xv := series.All(f.xs)
	yv := series.All(f.ys)
	gx := sub.StartX + x

	var rows []uint32
	for y := range sub.DimY {
		gy := sub.StartY + y
		if sub.MaskLower && gx < gy {
			continue
		}
		if f.pred.Recurrent(xv[gx*2:gx*2+2], yv[gy*2:gy*2+2]) {
			rows = append(rows, uint32(y))
		}
	}

	return rows
}

func columnOf(v matrix.Values, x int) []uint32 {
	col := v.Column(x, nil)
	if len(col) == 0 {
		return nil
	}

	return slices.Clone(col)
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func buildTile(t *testing.T, m *Manager, f fixture, sub *matrix.SubMatrix, mt format.MatrixType) matrix.Values {
	t.Helper()
	ctx := context.Background()

	h, err := m.Stage(ctx, sub, f.xs, f.ys, f.pred, mt)
	require.NoError(t, err)
	defer m.Release(h)

	require.NoError(t, m.Build(ctx, h))
	v, err := m.Fetch(ctx, h)
	require.NoError(t, err)

	return v
}

func TestManager_KernelsMatchReference(t *testing.T) {
	types := []format.MatrixType{format.MatrixDense, format.MatrixBitset, format.MatrixSparse}
	cases := []struct {
		name      string
		nx, ny    int
		tile      int
		metric    format.DistanceMetric
		radius    float64
		symmetric bool
	}{
		{"asymmetric euclidean", 37, 29, 8, format.MetricEuclidean, 0.4, false},
		{"asymmetric maximum", 37, 29, 11, format.MetricMaximum, 0.3, false},
		{"symmetric euclidean", 40, 40, 9, format.MetricEuclidean, 0.5, true},
		{"single tile", 20, 20, 64, format.MetricMaximum, 0.25, true},
		{"wide bitset column", 10, 70, 70, format.MetricEuclidean, 0.6, false},
	}

	for _, tc := range cases {
		f := newFixture(t, tc.nx, tc.ny, tc.metric, tc.radius)
		sched, err := tiling.PlanFixed(f.xs.Len(), f.ys.Len(), tc.tile, tc.tile, tc.symmetric)
		require.NoError(t, err)

		for _, mt := range types {
			t.Run(tc.name+"/"+mt.String(), func(t *testing.T) {
				m := newTestManager(t, WithMemory(8<<20, 0))
				require.NoError(t, m.StageGrid(context.Background(), f.g))

				for _, sub := range sched.Tiles() {
					v := buildTile(t, m, f, sub, mt)
					require.Equal(t, mt, v.Type())
					dimX, dimY := v.Dims()
					require.Equal(t, sub.DimX, dimX)
					require.Equal(t, sub.DimY, dimY)

					for x := range sub.DimX {
						require.Equal(t, f.reference(sub, x), columnOf(v, x), "%s column %d", sub, x)
					}
				}
			})
		}
	}
}

func TestManager_Compression(t *testing.T) {
	f := newFixture(t, 64, 64, format.MetricEuclidean, 0.2)
	sub := matrix.NewSubMatrix(0, 0, 0, 64, 64)

	var want matrix.Values
	for _, ct := range []format.CompressionType{format.CompressionNone, format.CompressionZstd, format.CompressionS2, format.CompressionLZ4} {
		t.Run(ct.String(), func(t *testing.T) {
			m := newTestManager(t, WithCompression(ct))
			require.NoError(t, m.StageGrid(context.Background(), f.g))

			v := buildTile(t, m, f, sub, format.MatrixDense)
			if want == nil {
				want = v
			}
			for x := range 64 {
				require.Equal(t, columnOf(want, x), columnOf(v, x))
			}

			stats := m.CompressionStats()
			require.Equal(t, ct, stats.Algorithm)
			require.Equal(t, int64(64*64), stats.OriginalSize)
			if ct != format.CompressionNone {
				require.Less(t, stats.CompressedSize, stats.OriginalSize)
			}
			require.Equal(t, int64(1), m.Stats().Tiles)
		})
	}
}

func TestManager_InvalidCompression(t *testing.T) {
	_, err := NewManager(WithCompression(format.CompressionType(42)))
	require.ErrorIs(t, err, errs.ErrInvalidCompression)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestManager_StageWithoutGrid(t *testing.T) {
	f := newFixture(t, 16, 16, format.MetricEuclidean, 0.3)
	m := newTestManager(t)

	_, err := m.Stage(context.Background(), matrix.NewSubMatrix(0, 0, 0, 4, 4), f.xs, f.ys, f.pred, format.MatrixDense)
	require.ErrorIs(t, err, errs.ErrDeviceResource)
}

func TestManager_TileTooLarge(t *testing.T) {
	f := newFixture(t, 64, 64, format.MetricEuclidean, 0.3)
	m := newTestManager(t, WithMemory(64<<10, 1<<10))
	require.NoError(t, m.StageGrid(context.Background(), f.g))

	sub := matrix.NewSubMatrix(0, 0, 0, 64, 64)
	_, err := m.Stage(context.Background(), sub, f.xs, f.ys, f.pred, format.MatrixDense)
	require.ErrorIs(t, err, errs.ErrTileTooLarge)
}

func TestManager_SparseIndicesTooLarge(t *testing.T) {
	// every pair recurs: 256 row indices need 1024 bytes
	f := newFixture(t, 16, 16, format.MetricMaximum, 10)
	m := newTestManager(t, WithMemory(8<<10, 512))
	ctx := context.Background()
	require.NoError(t, m.StageGrid(ctx, f.g))

	h, err := m.Stage(ctx, matrix.NewSubMatrix(0, 0, 0, 16, 16), f.xs, f.ys, f.pred, format.MatrixSparse)
	require.NoError(t, err)
	defer m.Release(h)

	err = m.Build(ctx, h)
	require.ErrorIs(t, err, errs.ErrTileTooLarge)
}

func TestManager_OutOfDeviceMemory(t *testing.T) {
	f := newFixture(t, 64, 64, format.MetricEuclidean, 0.3)
	m := newTestManager(t, WithMemory(6<<10, 5<<10))
	ctx := context.Background()
	require.NoError(t, m.StageGrid(ctx, f.g))

	// 64x64 dense result fits one allocation but not next to the staged grid
	// and vectors
	_, err := m.Stage(ctx, matrix.NewSubMatrix(0, 0, 0, 64, 64), f.xs, f.ys, f.pred, format.MatrixDense)
	require.ErrorIs(t, err, errs.ErrOutOfDeviceMemory)
}

func TestManager_ReleaseFreesTileMemory(t *testing.T) {
	f := newFixture(t, 32, 32, format.MetricEuclidean, 0.3)
	cpu := NewCPUBackend(CPUConfig{GlobalMemory: 1 << 20})
	t.Cleanup(func() { _ = cpu.Close() })
	m := newTestManager(t, WithBackend(cpu))
	ctx := context.Background()

	require.NoError(t, m.StageGrid(ctx, f.g))
	require.Equal(t, GridFootprint(f.g), cpu.Used())

	for _, mt := range []format.MatrixType{format.MatrixDense, format.MatrixSparse} {
		h, err := m.Stage(ctx, matrix.NewSubMatrix(0, 0, 0, 32, 32), f.xs, f.ys, f.pred, mt)
		require.NoError(t, err)
		require.NoError(t, m.Build(ctx, h))
		_, err = m.Fetch(ctx, h)
		require.NoError(t, err)

		m.Release(h)
		m.Release(h)
		require.Equal(t, GridFootprint(f.g), cpu.Used())
	}

	require.NoError(t, m.Close())
	require.Equal(t, int64(0), cpu.Used(), "grid freed")
	require.NoError(t, cpu.Finish(ctx), "external backend stays open")
}

func TestManager_ClosedDevice(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.Info()
	require.ErrorIs(t, err, errs.ErrDeviceClosed)

	f := newFixture(t, 16, 16, format.MetricEuclidean, 0.3)
	m = newTestManager(t)
	require.NoError(t, m.StageGrid(context.Background(), f.g))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err = m.StageGrid(context.Background(), f.g)
	require.ErrorIs(t, err, errs.ErrDeviceClosed)
}

func TestManager_CancelledStage(t *testing.T) {
	f := newFixture(t, 16, 16, format.MetricEuclidean, 0.3)
	m := newTestManager(t)
	require.NoError(t, m.StageGrid(context.Background(), f.g))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Stage(ctx, matrix.NewSubMatrix(0, 0, 0, 4, 4), f.xs, f.ys, f.pred, format.MatrixDense)
	require.ErrorIs(t, err, context.Canceled)
}

// faultyBackend corrupts transfers of an underlying CPU backend.
type faultyBackend struct {
	*CPUBackend
	corruptWrites bool
	corruptReads  bool
}

type corruptRead struct {
	ReadFuture
}

func (r corruptRead) Payload() []byte {
	p := slices.Clone(r.ReadFuture.Payload())
	if len(p) > 0 {
		p[0] ^= 0xff
	}

	return p
}

func (b *faultyBackend) Write(buf Buffer, data []byte, checksum uint64) Future {
	if b.corruptWrites {
		checksum ^= 1
	}

	return b.CPUBackend.Write(buf, data, checksum)
}

func (b *faultyBackend) Read(buf Buffer, codec compress.Codec) ReadFuture {
	rf := b.CPUBackend.Read(buf, codec)
	if b.corruptReads {
		return corruptRead{rf}
	}

	return rf
}

func TestManager_TransferChecksum(t *testing.T) {
	f := newFixture(t, 16, 16, format.MetricEuclidean, 0.3)
	ctx := context.Background()

	t.Run("write", func(t *testing.T) {
		fb := &faultyBackend{CPUBackend: newTestCPU(t, 1<<20, 0), corruptWrites: true}
		m := newTestManager(t, WithBackend(fb))

		err := m.StageGrid(ctx, f.g)
		require.ErrorIs(t, err, errs.ErrTransferChecksum)
	})

	t.Run("read", func(t *testing.T) {
		fb := &faultyBackend{CPUBackend: newTestCPU(t, 1<<20, 0)}
		m := newTestManager(t, WithBackend(fb))
		require.NoError(t, m.StageGrid(ctx, f.g))

		h, err := m.Stage(ctx, matrix.NewSubMatrix(0, 0, 0, 16, 16), f.xs, f.ys, f.pred, format.MatrixDense)
		require.NoError(t, err)
		defer m.Release(h)
		require.NoError(t, m.Build(ctx, h))

		fb.corruptReads = true
		_, err = m.Fetch(ctx, h)
		require.ErrorIs(t, err, errs.ErrTransferChecksum)
		require.ErrorIs(t, err, errs.ErrDeviceResource)
	})
}

func TestGridFootprint(t *testing.T) {
	f := newFixture(t, 30, 30, format.MetricEuclidean, 0.3)
	want := int64(len(f.g.Cells)*4 + len(f.g.CellIDs)*8 + len(f.g.CellsStart)*4)

	require.Equal(t, want, GridFootprint(f.g))
}

func BenchmarkManager_DenseTile(b *testing.B) {
	samples := wave(1024+3, 0)
	xs, _ := series.Embed(samples, 2, 3)
	pred, _ := neighbourhood.New(format.MetricEuclidean, 0.2)
	g, _ := grid.Build(series.All(xs), 2, 0.2, 0)

	m, _ := NewManager()
	defer m.Close()
	ctx := context.Background()
	_ = m.StageGrid(ctx, g)
	sub := matrix.NewSubMatrix(0, 0, 0, 256, 256)

	for b.Loop() {
		h, err := m.Stage(ctx, sub, xs, xs, pred, format.MatrixDense)
		if err != nil {
			b.Fatal(err)
		}
		if err := m.Build(ctx, h); err != nil {
			b.Fatal(err)
		}
		if _, err := m.Fetch(ctx, h); err != nil {
			b.Fatal(err)
		}
		m.Release(h)
	}
}
