// Package analysis runs a recurrence quantification analysis over the tiled
// recurrence matrix of two embedded time series.
//
// An Engine builds the grid index of the row series, stages it on the device,
// plans tiles that fit the device memory budget and processes them wavefront
// by wavefront: the tiles of one wave are built concurrently, their recurrence
// values fetched and scanned for diagonal lines, with open runs carried to
// the tiles that continue them. The per-tile line histograms are folded into
// one Result.
//
// A tile that exceeds the device limits makes the engine re-plan with halved
// tiles, up to Config.MaxTileRetries times. Every other failure aborts the
// run with an errs.AnalysisError naming the phase and tile, and no partial
// result.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/rqa/device"
	"github.com/arloliu/rqa/diagonal"
	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/grid"
	"github.com/arloliu/rqa/matrix"
	"github.com/arloliu/rqa/neighbourhood"
	"github.com/arloliu/rqa/series"
	"github.com/arloliu/rqa/tiling"
)

const tracerName = "github.com/arloliu/rqa/analysis"

// Engine runs analyses with one configuration. An Engine is safe for
// concurrent use; every run opens its own device.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	pred   neighbourhood.Predicate
}

// NewEngine creates an engine from the defaults and opts.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}

	return NewEngineFromConfig(cfg)
}

// NewEngineFromConfig creates an engine from a validated or loaded config.
func NewEngineFromConfig(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}
	pred, err := neighbourhood.New(cfg.Metric, cfg.Radius)
	if err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "analysis")
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Engine{cfg: *cfg, logger: logger, tracer: tp.Tracer(tracerName), pred: pred}, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Analyze embeds samples with the configured dimension and delay and analyses
// the series against itself.
func (e *Engine) Analyze(ctx context.Context, samples []float64) (*Result, error) {
	x, err := series.Embed(samples, e.cfg.EmbeddingDimension, e.cfg.TimeDelay)
	if err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}

	return e.Run(ctx, x, x)
}

// AnalyzeCross embeds both sample series and analyses x against y.
func (e *Engine) AnalyzeCross(ctx context.Context, xSamples, ySamples []float64) (*Result, error) {
	x, err := series.Embed(xSamples, e.cfg.EmbeddingDimension, e.cfg.TimeDelay)
	if err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}
	y, err := series.Embed(ySamples, e.cfg.EmbeddingDimension, e.cfg.TimeDelay)
	if err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}

	return e.Run(ctx, x, y)
}

// Run analyses the recurrence matrix with columns from x and rows from y.
// In symmetric mode y may be nil.
func (e *Engine) Run(ctx context.Context, x, y series.Accessor) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "analysis.Engine.Run")
	defer span.End()

	res, err := e.run(ctx, x, y)
	e.cfg.Metrics.observeRun(res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		e.logger.Error("analysis failed", "error", err)

		return nil, err
	}

	span.SetAttributes(
		attribute.Int("rqa.nx", res.NX),
		attribute.Int("rqa.ny", res.NY),
		attribute.Int("rqa.tiles", res.Tiles),
		attribute.Float64("rqa.recurrence_rate", res.RecurrenceRate()),
	)
	span.SetStatus(codes.Ok, "analysis complete")
	e.logger.Info("analysis complete",
		"nx", res.NX,
		"ny", res.NY,
		"tiles", res.Tiles,
		"tile_x", res.TileX,
		"tile_y", res.TileY,
		"retries", res.Retries,
		"recurrence_rate", res.RecurrenceRate(),
		"determinism", res.Determinism(),
		"total", res.Runtimes.Total)

	return res, nil
}

func (e *Engine) run(ctx context.Context, x, y series.Accessor) (*Result, error) {
	start := time.Now()

	settings, err := NewSettings(x, y, e.pred, e.cfg.TheilerCorrector, e.cfg.Symmetric)
	if err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}

	mgr, err := e.newManager()
	if err != nil {
		return nil, errs.Wrap(format.PhaseConfig, nil, err)
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			e.logger.Warn("closing device failed", "error", cerr)
		}
	}()

	var rt Runtimes

	phaseStart := time.Now()
	g, err := e.stageGrid(ctx, mgr, settings)
	if err != nil {
		return nil, errs.Wrap(format.PhaseGrid, nil, err)
	}
	rt.Grid = time.Since(phaseStart)

	phaseStart = time.Now()
	info, err := mgr.Info()
	if err != nil {
		return nil, errs.Wrap(format.PhaseTiling, nil, err)
	}
	workers := e.cfg.Workers
	if workers == 0 {
		workers = max(info.ComputeUnits, 1)
	}
	sched, err := e.plan(settings, info, device.GridFootprint(g), workers)
	if err != nil {
		return nil, errs.Wrap(format.PhaseTiling, nil, err)
	}
	rt.Tiling = time.Since(phaseStart)

	for retries := 0; ; retries++ {
		e.logger.Debug("tiles planned",
			"tiles", sched.Len(), "waves", len(sched.Waves()), "tile_x", sched.TileX, "tile_y", sched.TileY)

		res, err := e.runSchedule(ctx, mgr, settings, sched, workers)
		if err == nil {
			res.Fingerprint = settings.Fingerprint()
			res.MinimumLineLength = e.cfg.MinimumLineLength
			res.Retries = retries
			res.Runtimes.Grid = rt.Grid
			res.Runtimes.Tiling = rt.Tiling
			res.Runtimes.Total = time.Since(start)
			res.Device = mgr.Stats()
			res.Transfer = mgr.CompressionStats()

			return res, nil
		}
		if !errors.Is(err, errs.ErrTileTooLarge) || retries >= e.cfg.MaxTileRetries {
			return nil, err
		}

		next, herr := sched.Halve()
		if herr != nil {
			return nil, err
		}
		e.logger.Warn("tile exceeds device limits, re-planning with halved tiles",
			"error", err, "retry", retries+1, "tile_x", next.TileX, "tile_y", next.TileY)
		sched = next
	}
}

func (e *Engine) newManager() (*device.Manager, error) {
	opts := []device.Option{
		device.WithMemory(e.cfg.DeviceMemoryBudget, e.cfg.DeviceMaxAlloc),
		device.WithCompression(e.cfg.TransferCompression),
		device.WithLogger(e.logger.With("component", "device")),
	}
	if e.cfg.Backend != nil {
		opts = append(opts, device.WithBackend(e.cfg.Backend))
	}

	return device.NewManager(opts...)
}

func (e *Engine) stageGrid(ctx context.Context, mgr *device.Manager, s *Settings) (*grid.Grid, error) {
	_, span := e.tracer.Start(ctx, "analysis.Engine.stageGrid")
	defer span.End()

	g, err := grid.Build(series.All(s.Y), s.Dimension(), s.Neighbourhood.Radius(), e.cfg.GridEdgeLength)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("grid.cells", g.NumOccupied()))
	if err := mgr.StageGrid(ctx, g); err != nil {
		return nil, err
	}

	return g, nil
}

func (e *Engine) plan(s *Settings, info device.Info, reserved int64, workers int) (*tiling.Schedule, error) {
	if e.cfg.TileSize > 0 {
		return tiling.PlanFixed(s.NX(), s.NY(), e.cfg.TileSize, e.cfg.TileSize, s.Symmetric)
	}

	budget := tiling.Budget{
		Memory:      min(e.cfg.DeviceMemoryBudget, info.GlobalMemory),
		MaxAlloc:    info.MaxAlloc,
		Reserved:    reserved,
		Concurrency: workers,
		MatrixType:  e.cfg.MatrixType,
		Dimension:   s.Dimension(),
	}

	return tiling.Plan(s.NX(), s.NY(), budget, s.Symmetric)
}

// aggregator folds tile results into a run result.
type aggregator struct {
	mu       sync.Mutex
	hist     []uint64
	counts   diagonal.Counts
	runtimes Runtimes
	tiles    int
}

func (a *aggregator) fold(sub *matrix.SubMatrix, counts diagonal.Counts, rt Runtimes) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(sub.DiagonalFrequencyDistribution); n > len(a.hist) {
		a.hist = append(a.hist, make([]uint64, n-len(a.hist))...)
	}
	for l, n := range sub.DiagonalFrequencyDistribution {
		a.hist[l] += n
	}
	a.counts.Add(counts)
	a.runtimes.Add(rt)
	a.tiles++
}

func (a *aggregator) result(s *Settings, sched *tiling.Schedule) *Result {
	res := &Result{
		NX:                            s.NX(),
		NY:                            s.NY(),
		Symmetric:                     s.Symmetric,
		TheilerCorrector:              s.TheilerCorrector,
		DiagonalFrequencyDistribution: a.hist,
		RecurrencePoints:              a.counts.Recurrent,
		TotalRecurrencePoints:         a.counts.Recurrent,
		InScopePoints:                 a.counts.InScope,
		Tiles:                         a.tiles,
		TileX:                         sched.TileX,
		TileY:                         sched.TileY,
		Runtimes:                      a.runtimes,
	}
	if s.Symmetric {
		for l := range res.DiagonalFrequencyDistribution {
			res.DiagonalFrequencyDistribution[l] *= 2
		}
		res.TotalRecurrencePoints = 2*a.counts.Recurrent - a.counts.MainDiagonal
		res.InScopePoints = 2 * a.counts.InScope
	}

	return res
}

func (e *Engine) runSchedule(ctx context.Context, mgr *device.Manager, s *Settings,
	sched *tiling.Schedule, workers int,
) (*Result, error) {
	store := diagonal.NewCarryover(s.NX(), s.NY())
	det := diagonal.NewDetector(s.NX(), s.NY(), s.TheilerCorrector, s.Symmetric, store)
	agg := &aggregator{}

	for _, wave := range sched.Waves() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, sub := range wave {
			g.Go(func() error {
				return e.processTile(gctx, mgr, s, det, agg, sub)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if n := store.Pending(); n > 0 {
		return nil, errs.Wrap(format.PhaseDetection, nil,
			fmt.Errorf("%w: %d diagonals left open after the last tile", errs.ErrCarryoverConsistency, n))
	}

	return agg.result(s, sched), nil
}

func (e *Engine) processTile(ctx context.Context, mgr *device.Manager, s *Settings,
	det *diagonal.Detector, agg *aggregator, sub *matrix.SubMatrix,
) error {
	ctx, span := e.tracer.Start(ctx, "analysis.Engine.processTile", trace.WithAttributes(
		attribute.Int("tile.index", sub.Index),
		attribute.Int("tile.start_x", sub.StartX),
		attribute.Int("tile.start_y", sub.StartY),
		attribute.Int("tile.dim_x", sub.DimX),
		attribute.Int("tile.dim_y", sub.DimY),
	))
	defer span.End()

	fail := func(phase format.Phase, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, phase.String()+" failed")

		return errs.Wrap(phase, sub.Ref(), err)
	}

	h, err := mgr.Stage(ctx, sub, s.X, s.Y, s.Neighbourhood, e.cfg.MatrixType)
	if err != nil {
		return fail(format.PhaseMatrix, err)
	}
	defer mgr.Release(h)

	if err := mgr.Build(ctx, h); err != nil {
		return fail(format.PhaseMatrix, err)
	}
	v, err := mgr.Fetch(ctx, h)
	if err != nil {
		return fail(format.PhaseMatrix, err)
	}
	// free the tile's device memory before detection; the deferred call
	// covers the error paths above
	mgr.Release(h)

	detectStart := time.Now()
	counts, err := det.Detect(sub, v)
	if err != nil {
		return fail(format.PhaseDetection, err)
	}
	detection := time.Since(detectStart)

	agg.fold(sub, counts, Runtimes{
		TransferIn:  h.Timings.TransferIn,
		Compute:     h.Timings.Compute,
		Detection:   detection,
		TransferOut: h.Timings.TransferOut,
	})
	e.logger.Debug("tile processed",
		"tile", sub.Index,
		"start_x", sub.StartX,
		"start_y", sub.StartY,
		"recurrent", counts.Recurrent,
		"compute", h.Timings.Compute,
		"detection", detection)

	return nil
}
