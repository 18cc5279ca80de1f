package analysis

import (
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"gonum.org/v1/gonum/mat"

	"github.com/arloliu/rqa/device"
	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/neighbourhood"
	"github.com/arloliu/rqa/series"
)

func signal(n int, phase float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		t := float64(i)
		s[i] = math.Sin(0.3*t+phase) + 0.2*math.Sin(1.7*t)
	}

	return s
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithLogger(slog.New(slog.DiscardHandler))}
	e, err := NewEngine(append(base, opts...)...)
	require.NoError(t, err)

	return e
}

// reference computes the recurrence matrix with gonum and scans every
// in-scope diagonal of it.
type reference struct {
	hist    map[int]uint64
	total   uint64
	inScope uint64
}

func referenceOf(t *testing.T, x, y series.Accessor, metric format.DistanceMetric, radius float64, theiler int) reference {
	t.Helper()
	pred, err := neighbourhood.New(metric, radius)
	require.NoError(t, err)

	nx, ny := x.Len(), y.Len()
	xv, yv := series.Dense(x), series.Dense(y)
	r := mat.NewDense(ny, nx, nil)
	for j := range ny {
		for i := range nx {
			if pred.Recurrent(xv.RawRowView(i), yv.RawRowView(j)) {
				r.Set(j, i, 1)
			}
		}
	}

	ref := reference{hist: make(map[int]uint64)}
	ref.total = uint64(mat.Sum(r))
	for d := -(ny - 1); d < nx; d++ {
		if abs(d) <= theiler {
			continue
		}
		run := 0
		for yy := max(0, -d); yy < ny && yy+d < nx; yy++ {
			if r.At(yy, yy+d) != 0 {
				run++
				ref.inScope++
				continue
			}
			if run > 0 {
				ref.hist[run]++
			}
			run = 0
		}
		if run > 0 {
			ref.hist[run]++
		}
	}

	return ref
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}

func embed(t *testing.T, samples []float64, dim, delay int) *series.Embedded {
	t.Helper()
	e, err := series.Embed(samples, dim, delay)
	require.NoError(t, err)

	return e
}

func requireMatchesReference(t *testing.T, res *Result, ref reference) {
	t.Helper()
	require.Equal(t, ref.hist, res.Histogram())
	require.Equal(t, ref.total, res.TotalRecurrencePoints)
	require.Equal(t, ref.inScope, res.InScopePoints)
	require.InDelta(t, float64(ref.total)/float64(res.NX*res.NY), res.RecurrenceRate(), 1e-12)
}

func TestEngine_PeriodicSeries(t *testing.T) {
	samples := make([]float64, 20)
	for i := range samples {
		samples[i] = float64(i % 5)
	}
	e := newTestEngine(t, WithRadius(0.5), WithTheilerCorrector(1), WithTileSize(8), WithMinimumLineLength(4))

	res, err := e.Analyze(context.Background(), samples)
	require.NoError(t, err)

	require.Equal(t, map[int]uint64{15: 2, 10: 2, 5: 2}, res.Histogram())
	require.Equal(t, 15, res.LongestDiagonalLine())
	require.InDelta(t, 1.0, res.Determinism(), 1e-12)
	require.InDelta(t, 80.0/400.0, res.RecurrenceRate(), 1e-12)
	require.InDelta(t, 10.0, res.AverageDiagonalLine(), 1e-12)
	require.InDelta(t, math.Log(3), res.Entropy(), 1e-12)
	require.InDelta(t, 1.0/15.0, res.Divergence(), 1e-12)
	require.InDelta(t, 5.0, res.Ratio(), 1e-12)
	require.Equal(t, uint64(6), res.Lines())
	require.Equal(t, 9, res.Tiles)

	x := embed(t, samples, 1, 1)
	requireMatchesReference(t, res, referenceOf(t, x, x, format.MetricEuclidean, 0.5, 1))

	sym := newTestEngine(t, WithRadius(0.5), WithTheilerCorrector(1), WithTileSize(8), WithSymmetric(true))
	symRes, err := sym.Analyze(context.Background(), samples)
	require.NoError(t, err)
	require.Equal(t, res.Histogram(), symRes.Histogram())
	require.Equal(t, res.TotalRecurrencePoints, symRes.TotalRecurrencePoints)
	require.Equal(t, 6, symRes.Tiles)
}

func TestEngine_MatchesReference(t *testing.T) {
	cases := []struct {
		name      string
		nx, ny    int
		dim       int
		delay     int
		metric    format.DistanceMetric
		radius    float64
		theiler   int
		tile      int
		symmetric bool
	}{
		{"asymmetric tiles of 7", 60, 45, 2, 2, format.MetricEuclidean, 0.25, 0, 7, false},
		{"asymmetric maximum", 50, 50, 3, 1, format.MetricMaximum, 0.2, 2, 16, false},
		{"symmetric", 64, 64, 2, 3, format.MetricEuclidean, 0.3, 1, 10, true},
		{"symmetric single tile", 30, 30, 1, 1, format.MetricMaximum, 0.1, 0, 0, true},
		{"wide theiler", 40, 40, 2, 1, format.MetricEuclidean, 0.3, 12, 5, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			x := embed(t, signal(tc.nx+(tc.dim-1)*tc.delay, 0), tc.dim, tc.delay)
			y := x
			if !tc.symmetric && tc.ny != tc.nx {
				y = embed(t, signal(tc.ny+(tc.dim-1)*tc.delay, 0.5), tc.dim, tc.delay)
			}
			ref := referenceOf(t, x, y, tc.metric, tc.radius, tc.theiler)

			for _, mt := range []format.MatrixType{format.MatrixDense, format.MatrixBitset, format.MatrixSparse} {
				e := newTestEngine(t,
					WithRadius(tc.radius),
					WithEmbedding(tc.dim, tc.delay),
					WithMetric(tc.metric),
					WithTheilerCorrector(tc.theiler),
					WithSymmetric(tc.symmetric),
					WithTileSize(tc.tile),
					WithMatrixType(mt),
				)
				res, err := e.Run(context.Background(), x, y)
				require.NoError(t, err, mt.String())
				requireMatchesReference(t, res, ref)
			}
		})
	}
}

func TestEngine_HistogramCoversInScopePoints(t *testing.T) {
	x := embed(t, signal(90, 0), 2, 2)
	e := newTestEngine(t, WithRadius(0.3), WithEmbedding(2, 2), WithTheilerCorrector(3), WithTileSize(13))

	res, err := e.Run(context.Background(), x, x)
	require.NoError(t, err)

	var points uint64
	for l, n := range res.DiagonalFrequencyDistribution {
		points += uint64(l) * n
	}
	require.Equal(t, res.InScopePoints, points)
	require.Positive(t, points)
}

func TestEngine_TileSizeIndependence(t *testing.T) {
	samples := signal(100, 0.2)
	var want map[int]uint64
	for _, tile := range []int{32, 16, 8} {
		e := newTestEngine(t, WithRadius(0.2), WithTheilerCorrector(1), WithTileSize(tile))
		res, err := e.Analyze(context.Background(), samples)
		require.NoError(t, err)
		if want == nil {
			want = res.Histogram()
			continue
		}
		require.Equal(t, want, res.Histogram(), "tile %d", tile)
	}
}

func TestEngine_SymmetricMatchesAsymmetric(t *testing.T) {
	samples := signal(75, 0)
	for _, tile := range []int{0, 9, 25} {
		asym := newTestEngine(t, WithRadius(0.25), WithTheilerCorrector(2), WithTileSize(tile))
		sym := newTestEngine(t, WithRadius(0.25), WithTheilerCorrector(2), WithTileSize(tile), WithSymmetric(true))

		a, err := asym.Analyze(context.Background(), samples)
		require.NoError(t, err)
		s, err := sym.Analyze(context.Background(), samples)
		require.NoError(t, err)

		require.Equal(t, a.Histogram(), s.Histogram())
		require.Equal(t, a.TotalRecurrencePoints, s.TotalRecurrencePoints)
		require.Equal(t, a.InScopePoints, s.InScopePoints)
		require.Less(t, s.RecurrencePoints, a.RecurrencePoints)
	}
}

func TestEngine_LineAcrossSeam(t *testing.T) {
	// x_i = 10·i; y_j repeats x_{j+2} for j in [3, 11) and is far from every
	// x elsewhere, so the only line is d = 2 from (5, 3) to (12, 10).
	xs := make([]float64, 16)
	ys := make([]float64, 16)
	for i := range xs {
		xs[i] = 10 * float64(i)
		ys[i] = -1000 - 10*float64(i)
	}
	for j := 3; j < 11; j++ {
		ys[j] = xs[j+2]
	}
	x, err := series.FromFlat(xs, 1)
	require.NoError(t, err)
	y, err := series.FromFlat(ys, 1)
	require.NoError(t, err)

	e := newTestEngine(t, WithRadius(1), WithTileSize(8))
	res, err := e.Run(context.Background(), x, y)
	require.NoError(t, err)

	require.Equal(t, map[int]uint64{8: 1}, res.Histogram())
	require.Equal(t, 4, res.Tiles)
}

func TestEngine_Compression(t *testing.T) {
	samples := signal(120, 0)
	var want map[int]uint64
	for _, ct := range []format.CompressionType{format.CompressionNone, format.CompressionZstd, format.CompressionS2, format.CompressionLZ4} {
		e := newTestEngine(t, WithRadius(0.2), WithTileSize(40), WithTransferCompression(ct), WithMatrixType(format.MatrixBitset))
		res, err := e.Analyze(context.Background(), samples)
		require.NoError(t, err, ct.String())
		require.Equal(t, ct, res.Transfer.Algorithm)
		require.Positive(t, res.Transfer.OriginalSize)
		if want == nil {
			want = res.Histogram()
			continue
		}
		require.Equal(t, want, res.Histogram(), ct.String())
	}
}

func TestEngine_PlansFromBudget(t *testing.T) {
	samples := signal(300, 0)
	e := newTestEngine(t, WithRadius(0.2), WithDeviceMemory(96<<10, 0), WithWorkers(2))

	res, err := e.Analyze(context.Background(), samples)
	require.NoError(t, err)
	require.Greater(t, res.Tiles, 1)
	require.LessOrEqual(t, int64(res.TileX*res.TileY), int64(96<<10)/4)
	require.LessOrEqual(t, res.Device.PeakDeviceMem, int64(96<<10))

	x := embed(t, samples, 1, 1)
	requireMatchesReference(t, res, referenceOf(t, x, x, format.MetricEuclidean, 0.2, 0))
}

func TestEngine_RetriesTooLargeTiles(t *testing.T) {
	// every pair recurs; a 64x64 sparse tile needs 16 KiB of row indices
	samples := signal(64, 0)
	opts := []Option{
		WithRadius(10),
		WithMatrixType(format.MatrixSparse),
		WithTileSize(64),
		WithDeviceMemory(64<<10, 4<<10),
	}

	e := newTestEngine(t, opts...)
	res, err := e.Analyze(context.Background(), samples)
	require.NoError(t, err)
	require.Equal(t, 1, res.Retries)
	require.Equal(t, 32, res.TileX)
	require.Equal(t, uint64(64*64), res.TotalRecurrencePoints)

	x := embed(t, samples, 1, 1)
	requireMatchesReference(t, res, referenceOf(t, x, x, format.MetricEuclidean, 10, 0))

	noRetry := newTestEngine(t, append(opts, WithMaxTileRetries(0))...)
	_, err = noRetry.Analyze(context.Background(), samples)
	require.ErrorIs(t, err, errs.ErrTileTooLarge)
	phase, ok := errs.PhaseOf(err)
	require.True(t, ok)
	require.Equal(t, format.PhaseMatrix, phase)
}

func TestEngine_OutOfDeviceMemory(t *testing.T) {
	e := newTestEngine(t, WithRadius(0.2), WithTileSize(64), WithDeviceMemory(5000, 5000), WithWorkers(1))

	res, err := e.Analyze(context.Background(), signal(64, 0))
	require.ErrorIs(t, err, errs.ErrOutOfDeviceMemory)
	require.ErrorIs(t, err, errs.ErrDeviceResource)
	require.Nil(t, res)
}

func TestEngine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestEngine(t, WithRadius(0.2), WithTileSize(8))
	res, err := e.Analyze(ctx, signal(64, 0))
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, res)
}

func TestEngine_ConfigErrors(t *testing.T) {
	_, err := NewEngine(WithRadius(0))
	require.ErrorIs(t, err, errs.ErrInvalidRadius)
	phase, ok := errs.PhaseOf(err)
	require.True(t, ok)
	require.Equal(t, format.PhaseConfig, phase)

	e := newTestEngine(t, WithRadius(0.2), WithEmbedding(3, 2))
	_, err = e.Analyze(context.Background(), []float64{1, 2, 3, 4})
	require.ErrorIs(t, err, errs.ErrEmptyTimeSeries)

	x := embed(t, signal(20, 0), 2, 1)
	y := embed(t, signal(20, 0), 3, 1)
	_, err = e.Run(context.Background(), x, y)
	require.ErrorIs(t, err, errs.ErrEmbeddingDimensionMismatch)

	sym := newTestEngine(t, WithRadius(0.2), WithSymmetric(true))
	_, err = sym.AnalyzeCross(context.Background(), signal(20, 0), signal(25, 0))
	require.ErrorIs(t, err, errs.ErrSymmetricSeriesMismatch)
}

func TestEngine_ExternalBackend(t *testing.T) {
	cpu := device.NewCPUBackend(device.CPUConfig{GlobalMemory: 4 << 20, ComputeUnits: 2})
	t.Cleanup(func() { _ = cpu.Close() })

	e := newTestEngine(t, WithRadius(0.2), WithTileSize(16), WithBackend(cpu))
	_, err := e.Analyze(context.Background(), signal(50, 0))
	require.NoError(t, err)
	require.Equal(t, int64(0), cpu.Used(), "all buffers released")

	_, err = e.Analyze(context.Background(), signal(50, 0))
	require.NoError(t, err, "backend reusable across runs")
}

func TestEngine_MetricsAndTracing(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	again, err := NewMetrics(reg)
	require.NoError(t, err, "collectors are shared")

	e := newTestEngine(t, WithRadius(0.2), WithTileSize(16), WithMetrics(m),
		WithTracerProvider(noop.NewTracerProvider()))
	res, err := e.Analyze(context.Background(), signal(48, 0))
	require.NoError(t, err)

	require.InDelta(t, 1, testutil.ToFloat64(again.Runs.WithLabelValues("succeeded")), 0)
	require.InDelta(t, float64(res.Tiles), testutil.ToFloat64(m.Tiles), 0)
	require.InDelta(t, float64(res.TotalRecurrencePoints), testutil.ToFloat64(m.RecurrencePoints), 0)
	require.Positive(t, testutil.ToFloat64(m.TransferBytes.WithLabelValues("in")))

	x := embed(t, signal(20, 0), 1, 1)
	y := embed(t, signal(20, 0), 2, 1)
	_, err = e.Run(context.Background(), x, y)
	require.Error(t, err)
	require.InDelta(t, 1, testutil.ToFloat64(m.Runs.WithLabelValues("failed")), 0)
}

func TestEngine_Fingerprint(t *testing.T) {
	samples := signal(40, 0)
	a := newTestEngine(t, WithRadius(0.2), WithTileSize(8))
	b := newTestEngine(t, WithRadius(0.2), WithTileSize(16))
	c := newTestEngine(t, WithRadius(0.3), WithTileSize(8))

	ra, err := a.Analyze(context.Background(), samples)
	require.NoError(t, err)
	rb, err := b.Analyze(context.Background(), samples)
	require.NoError(t, err)
	rc, err := c.Analyze(context.Background(), samples)
	require.NoError(t, err)

	require.Equal(t, ra.Fingerprint, rb.Fingerprint, "tiling does not change the result")
	require.NotEqual(t, ra.Fingerprint, rc.Fingerprint)
}

func BenchmarkEngine_Analyze(b *testing.B) {
	samples := signal(2000, 0)
	e, err := NewEngine(WithRadius(0.1), WithEmbedding(2, 3), WithTheilerCorrector(1),
		WithSymmetric(true), WithMatrixType(format.MatrixBitset), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		b.Fatal(err)
	}

	for b.Loop() {
		if _, err := e.Analyze(context.Background(), samples); err != nil {
			b.Fatal(err)
		}
	}
}
