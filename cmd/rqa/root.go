package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/rqa/analysis"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/series"
)

type flags struct {
	config      string
	radius      float64
	dimension   int
	delay       int
	theiler     int
	metric      string
	matrix      string
	compression string
	memory      int64
	maxAlloc    int64
	tileSize    int
	minLine     int
	workers     int
	column      int
	vectors     bool
	output      string
	metrics     bool
	verbose     bool
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "rqa [flags] X.csv [Y.csv]",
		Short: "Recurrence quantification analysis of time series",
		Long: `rqa computes the recurrence matrix of one series against itself, or of X
against Y, tile by tile and prints the recurrence measures.

Each CSV row is one sample. With --vectors each row is one embedded vector,
otherwise --column selects the sample column and the series is embedded
with --dimension and --delay.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "YAML configuration file")
	fl.Float64VarP(&f.radius, "radius", "r", 0, "neighbourhood radius")
	fl.IntVarP(&f.dimension, "dimension", "m", analysis.DefaultEmbeddingDimension, "embedding dimension")
	fl.IntVarP(&f.delay, "delay", "t", analysis.DefaultTimeDelay, "embedding time delay")
	fl.IntVarP(&f.theiler, "theiler", "w", 0, "Theiler corrector")
	fl.StringVar(&f.metric, "metric", "euclidean", "distance metric (euclidean, maximum)")
	fl.StringVar(&f.matrix, "matrix", "bitset", "tile representation (dense, bitset, sparse)")
	fl.StringVar(&f.compression, "compression", "none", "result transfer compression (none, zstd, s2, lz4)")
	fl.Int64Var(&f.memory, "memory", analysis.DefaultDeviceMemoryBudget, "device memory budget in bytes")
	fl.Int64Var(&f.maxAlloc, "max-alloc", 0, "largest device allocation in bytes (0: a quarter of --memory)")
	fl.IntVar(&f.tileSize, "tile-size", 0, "fixed square tile side (0: plan from --memory)")
	fl.IntVarP(&f.minLine, "min-line", "l", analysis.DefaultMinimumLineLength, "minimum diagonal line length")
	fl.IntVar(&f.workers, "workers", 0, "tiles built concurrently (0: one per compute unit)")
	fl.IntVar(&f.column, "column", 0, "CSV column holding the samples")
	fl.BoolVar(&f.vectors, "vectors", false, "treat each CSV row as an embedded vector")
	fl.StringVarP(&f.output, "output", "o", "text", "output format (text, yaml)")
	fl.BoolVar(&f.metrics, "metrics", false, "print Prometheus metrics of the run")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log every tile")

	return cmd
}

// options turns the flags the user set into analysis options, so that a
// configuration file keeps its values for the others.
func (f *flags) options(cmd *cobra.Command, cross bool) ([]analysis.Option, error) {
	changed := cmd.Flags().Changed
	var opts []analysis.Option

	if changed("radius") {
		opts = append(opts, analysis.WithRadius(f.radius))
	}
	if changed("dimension") || changed("delay") {
		opts = append(opts, analysis.WithEmbedding(f.dimension, f.delay))
	}
	if changed("theiler") {
		opts = append(opts, analysis.WithTheilerCorrector(f.theiler))
	}
	if changed("metric") || f.config == "" {
		m, ok := format.ParseDistanceMetric(f.metric)
		if !ok {
			return nil, fmt.Errorf("unknown metric %q", f.metric)
		}
		opts = append(opts, analysis.WithMetric(m))
	}
	if changed("matrix") || f.config == "" {
		t, ok := format.ParseMatrixType(f.matrix)
		if !ok {
			return nil, fmt.Errorf("unknown matrix type %q", f.matrix)
		}
		opts = append(opts, analysis.WithMatrixType(t))
	}
	if changed("compression") {
		c, ok := format.ParseCompressionType(f.compression)
		if !ok {
			return nil, fmt.Errorf("unknown compression %q", f.compression)
		}
		opts = append(opts, analysis.WithTransferCompression(c))
	}
	if changed("memory") || changed("max-alloc") {
		opts = append(opts, analysis.WithDeviceMemory(f.memory, f.maxAlloc))
	}
	if changed("tile-size") {
		opts = append(opts, analysis.WithTileSize(f.tileSize))
	}
	if changed("min-line") {
		opts = append(opts, analysis.WithMinimumLineLength(f.minLine))
	}
	if changed("workers") {
		opts = append(opts, analysis.WithWorkers(f.workers))
	}
	if f.config == "" || cross {
		opts = append(opts, analysis.WithSymmetric(!cross))
	}

	return opts, nil
}

func run(cmd *cobra.Command, f *flags, args []string) error {
	cross := len(args) == 2
	opts, err := f.options(cmd, cross)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	opts = append(opts, analysis.WithLogger(logger))

	reg := prometheus.NewRegistry()
	if f.metrics {
		m, err := analysis.NewMetrics(reg)
		if err != nil {
			return err
		}
		opts = append(opts, analysis.WithMetrics(m))
	}

	var cfg *analysis.Config
	if f.config != "" {
		cfg, err = analysis.LoadConfig(f.config, opts...)
	} else {
		cfg, err = analysis.NewConfig(opts...)
	}
	if err != nil {
		return err
	}
	engine, err := analysis.NewEngineFromConfig(cfg)
	if err != nil {
		return err
	}

	x, err := f.load(args[0], cfg)
	if err != nil {
		return err
	}
	y := x
	if cross {
		if y, err = f.load(args[1], cfg); err != nil {
			return err
		}
	}

	res, err := engine.Run(cmd.Context(), x, y)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := writeResult(out, f.output, res); err != nil {
		return err
	}
	if f.metrics {
		return writeMetrics(out, reg)
	}

	return nil
}

func (f *flags) load(path string, cfg *analysis.Config) (series.Accessor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if f.vectors {
		rows, err := readRows(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		return series.FromRows(rows)
	}

	samples, err := readColumn(file, f.column)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return series.Embed(samples, cfg.EmbeddingDimension, cfg.TimeDelay)
}

// report is the YAML form of a result.
type report struct {
	NX                int               `yaml:"nx"`
	NY                int               `yaml:"ny"`
	Symmetric         bool              `yaml:"symmetric"`
	TheilerCorrector  int               `yaml:"theiler_corrector"`
	MinimumLineLength int               `yaml:"minimum_line_length"`
	RecurrenceRate    float64           `yaml:"recurrence_rate"`
	Determinism       float64           `yaml:"determinism"`
	TotalDeterminism  float64           `yaml:"total_determinism"`
	AverageLine       float64           `yaml:"average_diagonal_line"`
	LongestLine       int               `yaml:"longest_diagonal_line"`
	Divergence        float64           `yaml:"divergence"`
	Entropy           float64           `yaml:"entropy"`
	Ratio             float64           `yaml:"ratio"`
	RecurrencePoints  uint64            `yaml:"recurrence_points"`
	Histogram         map[int]uint64    `yaml:"diagonal_frequency_distribution"`
	Tiles             int               `yaml:"tiles"`
	Retries           int               `yaml:"tile_retries"`
	Runtimes          map[string]string `yaml:"runtimes"`
	Fingerprint       string            `yaml:"fingerprint"`
}

func newReport(res *analysis.Result) report {
	rt := res.Runtimes

	return report{
		NX:                res.NX,
		NY:                res.NY,
		Symmetric:         res.Symmetric,
		TheilerCorrector:  res.TheilerCorrector,
		MinimumLineLength: res.MinimumLineLength,
		RecurrenceRate:    res.RecurrenceRate(),
		Determinism:       res.Determinism(),
		TotalDeterminism:  res.TotalDeterminism(),
		AverageLine:       res.AverageDiagonalLine(),
		LongestLine:       res.LongestDiagonalLine(),
		Divergence:        res.Divergence(),
		Entropy:           res.Entropy(),
		Ratio:             res.Ratio(),
		RecurrencePoints:  res.TotalRecurrencePoints,
		Histogram:         res.Histogram(),
		Tiles:             res.Tiles,
		Retries:           res.Retries,
		Runtimes: map[string]string{
			"grid":         rt.Grid.String(),
			"tiling":       rt.Tiling.String(),
			"transfer_in":  rt.TransferIn.String(),
			"compute":      rt.Compute.String(),
			"detection":    rt.Detection.String(),
			"transfer_out": rt.TransferOut.String(),
			"total":        rt.Total.String(),
		},
		Fingerprint: fmt.Sprintf("%016x", res.Fingerprint),
	}
}

func writeResult(w io.Writer, output string, res *analysis.Result) error {
	switch output {
	case "text":
		_, err := fmt.Fprintln(w, res.String())
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(newReport(res)); err != nil {
			return err
		}

		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}

	return nil
}
