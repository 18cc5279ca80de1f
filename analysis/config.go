package analysis

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/rqa/device"
	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/internal/options"
)

// Defaults applied by NewConfig and LoadConfig.
const (
	DefaultEmbeddingDimension = 1
	DefaultTimeDelay          = 1
	DefaultMinimumLineLength  = 2
	DefaultMaxTileRetries     = 4
	DefaultDeviceMemoryBudget = device.DefaultGlobalMemory
)

// Config holds every analysis option. The zero value is not usable; start
// from NewConfig or LoadConfig.
type Config struct {
	Radius             float64
	EmbeddingDimension int
	TimeDelay          int
	TheilerCorrector   int
	Symmetric          bool
	Metric             format.DistanceMetric
	// GridEdgeLength is the grid cell side; 0 means Radius.
	GridEdgeLength float64

	// DeviceMemoryBudget is the device memory available to a run.
	DeviceMemoryBudget int64
	// DeviceMaxAlloc caps a single device allocation; 0 means a quarter of
	// DeviceMemoryBudget.
	DeviceMaxAlloc      int64
	MatrixType          format.MatrixType
	TransferCompression format.CompressionType
	// TileSize forces square tiles of this side; 0 plans tiles from the
	// memory budget.
	TileSize int

	// MinimumLineLength is the shortest diagonal line counted by the
	// line-based measures.
	MinimumLineLength int
	// Workers bounds the tiles of one wavefront built concurrently; 0 means 1
	// per compute unit.
	Workers        int
	MaxTileRetries int

	// Backend overrides the device; nil runs on a CPUBackend.
	Backend        device.Backend
	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
}

// Option configures a Config.
type Option = options.Option[*Config]

func defaultConfig() *Config {
	return &Config{
		EmbeddingDimension:  DefaultEmbeddingDimension,
		TimeDelay:           DefaultTimeDelay,
		Metric:              format.MetricEuclidean,
		DeviceMemoryBudget:  DefaultDeviceMemoryBudget,
		MatrixType:          format.MatrixDense,
		TransferCompression: format.CompressionNone,
		MinimumLineLength:   DefaultMinimumLineLength,
		MaxTileRetries:      DefaultMaxTileRetries,
	}
}

// NewConfig applies opts over the defaults and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	if err := options.ApplyValidated(cfg, (*Config).Validate, opts...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every option.
func (c *Config) Validate() error {
	if !(c.Radius > 0) || math.IsInf(c.Radius, 0) {
		return fmt.Errorf("%w: %v", errs.ErrInvalidRadius, c.Radius)
	}
	if !(c.GridEdgeLength >= 0) || math.IsInf(c.GridEdgeLength, 0) {
		return fmt.Errorf("%w: %v", errs.ErrInvalidGridEdgeLength, c.GridEdgeLength)
	}
	if c.EmbeddingDimension < 1 || c.TimeDelay < 1 {
		return fmt.Errorf("%w: dimension=%d delay=%d", errs.ErrInvalidEmbedding, c.EmbeddingDimension, c.TimeDelay)
	}
	if c.TheilerCorrector < 0 {
		return fmt.Errorf("%w: %d", errs.ErrInvalidTheilerCorrector, c.TheilerCorrector)
	}
	if c.Metric.String() == "Unknown" {
		return fmt.Errorf("%w: %d", errs.ErrInvalidMetric, c.Metric)
	}
	if c.MatrixType.String() == "Unknown" {
		return fmt.Errorf("%w: %d", errs.ErrInvalidMatrixType, c.MatrixType)
	}
	if c.TransferCompression.String() == "Unknown" {
		return fmt.Errorf("%w: %d", errs.ErrInvalidCompression, c.TransferCompression)
	}
	if c.DeviceMemoryBudget <= 0 || c.DeviceMaxAlloc < 0 || c.DeviceMaxAlloc > c.DeviceMemoryBudget {
		return fmt.Errorf("%w: budget %d, max allocation %d", errs.ErrInvalidBudget, c.DeviceMemoryBudget, c.DeviceMaxAlloc)
	}
	if c.TileSize < 0 {
		return fmt.Errorf("%w: tile size %d", errs.ErrInvalidBudget, c.TileSize)
	}
	if c.MinimumLineLength < 1 {
		return fmt.Errorf("%w: minimum line length %d", errs.ErrConfiguration, c.MinimumLineLength)
	}
	if c.Workers < 0 || c.MaxTileRetries < 0 {
		return fmt.Errorf("%w: workers %d, max tile retries %d", errs.ErrConfiguration, c.Workers, c.MaxTileRetries)
	}

	return nil
}

// WithRadius sets the neighbourhood radius.
func WithRadius(r float64) Option {
	return options.NoError(func(c *Config) { c.Radius = r })
}

// WithEmbedding sets the embedding dimension and time delay.
func WithEmbedding(dim, delay int) Option {
	return options.NoError(func(c *Config) {
		c.EmbeddingDimension = dim
		c.TimeDelay = delay
	})
}

// WithTheilerCorrector excludes the diagonals |d| <= w from line detection.
func WithTheilerCorrector(w int) Option {
	return options.NoError(func(c *Config) { c.TheilerCorrector = w })
}

// WithSymmetric analyses one series against itself, computing only the upper
// triangle.
func WithSymmetric(symmetric bool) Option {
	return options.NoError(func(c *Config) { c.Symmetric = symmetric })
}

// WithMetric sets the distance metric.
func WithMetric(m format.DistanceMetric) Option {
	return options.NoError(func(c *Config) { c.Metric = m })
}

// WithGridEdgeLength sets the grid cell side.
func WithGridEdgeLength(edge float64) Option {
	return options.NoError(func(c *Config) { c.GridEdgeLength = edge })
}

// WithDeviceMemory sets the device memory budget and maximum allocation.
func WithDeviceMemory(budget, maxAlloc int64) Option {
	return options.NoError(func(c *Config) {
		c.DeviceMemoryBudget = budget
		c.DeviceMaxAlloc = maxAlloc
	})
}

// WithMatrixType selects the tile representation.
func WithMatrixType(t format.MatrixType) Option {
	return options.NoError(func(c *Config) { c.MatrixType = t })
}

// WithTransferCompression sets the result transfer compression.
func WithTransferCompression(t format.CompressionType) Option {
	return options.NoError(func(c *Config) { c.TransferCompression = t })
}

// WithTileSize forces square tiles of the given side.
func WithTileSize(side int) Option {
	return options.NoError(func(c *Config) { c.TileSize = side })
}

// WithMinimumLineLength sets the shortest line counted by the line measures.
func WithMinimumLineLength(l int) Option {
	return options.NoError(func(c *Config) { c.MinimumLineLength = l })
}

// WithWorkers bounds concurrent tiles per wavefront.
func WithWorkers(n int) Option {
	return options.NoError(func(c *Config) { c.Workers = n })
}

// WithMaxTileRetries bounds the re-plans after errs.ErrTileTooLarge.
func WithMaxTileRetries(n int) Option {
	return options.NoError(func(c *Config) { c.MaxTileRetries = n })
}

// WithBackend runs on b instead of a CPU backend. The caller keeps ownership
// of b.
func WithBackend(b device.Backend) Option {
	return options.NoError(func(c *Config) { c.Backend = b })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return options.NoError(func(c *Config) { c.Logger = l })
}

// WithMetrics records run metrics into m.
func WithMetrics(m *Metrics) Option {
	return options.NoError(func(c *Config) { c.Metrics = m })
}

// WithTracerProvider sets the span provider; the global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return options.NoError(func(c *Config) { c.TracerProvider = tp })
}

// fileConfig is the YAML form of Config.
type fileConfig struct {
	Radius              float64  `yaml:"radius"`
	EmbeddingDimension  *int     `yaml:"embedding_dimension"`
	TimeDelay           *int     `yaml:"time_delay"`
	TheilerCorrector    int      `yaml:"theiler_corrector"`
	Symmetric           bool     `yaml:"is_matrix_symmetric"`
	DistanceMetric      string   `yaml:"distance_metric"`
	GridEdgeLength      *float64 `yaml:"grid_edge_length"`
	DeviceMemoryBudget  *int64   `yaml:"device_memory_budget"`
	DeviceMaxAlloc      int64    `yaml:"device_max_alloc"`
	MatrixType          string   `yaml:"matrix_type"`
	TransferCompression string   `yaml:"transfer_compression"`
	TileSize            int      `yaml:"tile_size"`
	MinimumLineLength   *int     `yaml:"minimum_line_length"`
	Workers             int      `yaml:"workers"`
	MaxTileRetries      *int     `yaml:"max_tile_retries"`
}

// ParseConfig reads a YAML document. Keys left out keep their defaults; opts
// are applied after the document.
func ParseConfig(r io.Reader, opts ...Option) (*Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", errs.ErrConfiguration, err)
	}

	cfg := defaultConfig()
	cfg.Radius = fc.Radius
	cfg.TheilerCorrector = fc.TheilerCorrector
	cfg.Symmetric = fc.Symmetric
	if fc.GridEdgeLength != nil {
		if !(*fc.GridEdgeLength > 0) {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidGridEdgeLength, *fc.GridEdgeLength)
		}
		cfg.GridEdgeLength = *fc.GridEdgeLength
	}
	cfg.DeviceMaxAlloc = fc.DeviceMaxAlloc
	cfg.TileSize = fc.TileSize
	cfg.Workers = fc.Workers
	setIf(&cfg.EmbeddingDimension, fc.EmbeddingDimension)
	setIf(&cfg.TimeDelay, fc.TimeDelay)
	setIf(&cfg.DeviceMemoryBudget, fc.DeviceMemoryBudget)
	setIf(&cfg.MinimumLineLength, fc.MinimumLineLength)
	setIf(&cfg.MaxTileRetries, fc.MaxTileRetries)

	if fc.DistanceMetric != "" {
		m, ok := format.ParseDistanceMetric(fc.DistanceMetric)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errs.ErrInvalidMetric, fc.DistanceMetric)
		}
		cfg.Metric = m
	}
	if fc.MatrixType != "" {
		t, ok := format.ParseMatrixType(fc.MatrixType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errs.ErrInvalidMatrixType, fc.MatrixType)
		}
		cfg.MatrixType = t
	}
	if fc.TransferCompression != "" {
		t, ok := format.ParseCompressionType(fc.TransferCompression)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errs.ErrInvalidCompression, fc.TransferCompression)
		}
		cfg.TransferCompression = t
	}

	if err := options.ApplyValidated(cfg, (*Config).Validate, opts...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrConfiguration, err)
	}

	return ParseConfig(bytes.NewReader(data), opts...)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
