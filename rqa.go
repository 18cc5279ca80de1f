// Package rqa computes recurrence quantification measures of time series on
// a tiled recurrence matrix built by an accelerator device.
//
// The recurrence matrix R of two embedded series X and Y has R[x][y] = 1
// when vectors X[x] and Y[y] lie within a fixed radius of each other. rqa
// never holds R in full: the matrix is cut into tiles sized to the device
// memory budget, each tile is built on the device with the help of a uniform
// grid index, and the diagonal lines of each tile are counted on the host,
// with lines that cross tile seams carried from tile to tile.
//
// # Core Features
//
//   - Time-delay embedding of scalar samples, or caller-supplied vectors
//   - Euclidean and maximum norm neighbourhoods
//   - Dense, bitset and sparse (CSC) tile representations
//   - Symmetric mode that builds only the upper triangle
//   - Theiler window exclusion of diagonals close to the main diagonal
//   - Optional result transfer compression (None, Zstd, S2, LZ4) with xxHash64
//     checksums on every transfer
//   - Recurrence rate, determinism, average and longest line, entropy,
//     divergence and per-phase runtimes
//
// # Basic Usage
//
//	samples := loadSeries()
//	res, err := rqa.Analyze(ctx, samples, 0.1,
//	    rqa.WithEmbedding(3, 2),
//	    rqa.WithTheilerCorrector(1),
//	)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.RecurrenceRate(), res.Determinism())
//
// # Package Structure
//
// This package wraps the analysis package with defaults for the common case
// of one series analysed against itself. Use analysis.Engine directly to
// reuse a configuration, to run on a custom device.Backend or to analyse
// pre-embedded vectors.
package rqa

import (
	"context"

	"github.com/arloliu/rqa/analysis"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/series"
)

type (
	// Result is the outcome of one analysis.
	Result = analysis.Result
	// Option configures an analysis.
	Option = analysis.Option
	// Engine runs analyses with one configuration.
	Engine = analysis.Engine
)

// Options re-exported from the analysis package.
var (
	WithEmbedding           = analysis.WithEmbedding
	WithTheilerCorrector    = analysis.WithTheilerCorrector
	WithMetric              = analysis.WithMetric
	WithMatrixType          = analysis.WithMatrixType
	WithMinimumLineLength   = analysis.WithMinimumLineLength
	WithTransferCompression = analysis.WithTransferCompression
	WithDeviceMemory        = analysis.WithDeviceMemory
	WithGridEdgeLength      = analysis.WithGridEdgeLength
	WithTileSize            = analysis.WithTileSize
	WithWorkers             = analysis.WithWorkers
	WithLogger              = analysis.WithLogger
	WithMetrics             = analysis.WithMetrics
)

// defaultOptions analyse one series against itself with bitset tiles.
var defaultOptions = []Option{
	analysis.WithSymmetric(true),
	analysis.WithMatrixType(format.MatrixBitset),
	analysis.WithMetric(format.MetricEuclidean),
}

// NewEngine creates an engine for auto-recurrence analysis with the given
// radius. opts are applied after the defaults.
func NewEngine(radius float64, opts ...Option) (*Engine, error) {
	all := append([]Option{analysis.WithRadius(radius)}, defaultOptions...)

	return analysis.NewEngine(append(all, opts...)...)
}

// Analyze embeds samples and computes the recurrence measures of the series
// against itself.
func Analyze(ctx context.Context, samples []float64, radius float64, opts ...Option) (*Result, error) {
	e, err := NewEngine(radius, opts...)
	if err != nil {
		return nil, err
	}

	return e.Analyze(ctx, samples)
}

// AnalyzeCross computes the cross-recurrence measures of x against y.
func AnalyzeCross(ctx context.Context, x, y []float64, radius float64, opts ...Option) (*Result, error) {
	opts = append([]Option{analysis.WithSymmetric(false)}, opts...)
	e, err := NewEngine(radius, opts...)
	if err != nil {
		return nil, err
	}

	return e.AnalyzeCross(ctx, x, y)
}

// AnalyzeVectors computes the recurrence measures of already embedded
// vectors, one row per vector, against themselves.
func AnalyzeVectors(ctx context.Context, vectors [][]float64, radius float64, opts ...Option) (*Result, error) {
	v, err := series.FromRows(vectors)
	if err != nil {
		return nil, err
	}
	e, err := NewEngine(radius, opts...)
	if err != nil {
		return nil, err
	}

	return e.Run(ctx, v, v)
}
