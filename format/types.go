package format

type (
	DistanceMetric  uint8
	MatrixType      uint8
	CompressionType uint8
	KernelID        uint8
	Phase           uint8
)

const (
	MetricEuclidean DistanceMetric = 0x1 // MetricEuclidean is the L2 norm.
	MetricMaximum   DistanceMetric = 0x2 // MetricMaximum is the L-infinity (Chebyshev) norm.

	MatrixDense  MatrixType = 0x1 // MatrixDense stores one byte per vector pair.
	MatrixBitset MatrixType = 0x2 // MatrixBitset stores one bit per vector pair.
	MatrixSparse MatrixType = 0x3 // MatrixSparse stores recurrent rows in column-compressed form.

	CompressionNone CompressionType = 0x1 // CompressionNone represents no compression.
	CompressionZstd CompressionType = 0x2 // CompressionZstd represents Zstandard compression.
	CompressionS2   CompressionType = 0x3 // CompressionS2 represents S2 compression.
	CompressionLZ4  CompressionType = 0x4 // CompressionLZ4 represents LZ4 compression.

	KernelClear       KernelID = 0x1 // KernelClear zeroes a device buffer.
	KernelBuildDense  KernelID = 0x2 // KernelBuildDense fills a byte-per-pair tile.
	KernelBuildBitset KernelID = 0x3 // KernelBuildBitset fills a bit-per-pair tile.
	KernelCountSparse KernelID = 0x4 // KernelCountSparse counts recurrent rows per column.
	KernelFillSparse  KernelID = 0x5 // KernelFillSparse writes recurrent rows using the counted offsets.

	PhaseConfig    Phase = 0x1 // PhaseConfig covers settings validation.
	PhaseGrid      Phase = 0x2 // PhaseGrid covers grid construction.
	PhaseTiling    Phase = 0x3 // PhaseTiling covers tile planning.
	PhaseMatrix    Phase = 0x4 // PhaseMatrix covers staging, kernels and result transfer.
	PhaseDetection Phase = 0x5 // PhaseDetection covers diagonal line detection.
)

func (m DistanceMetric) String() string {
	switch m {
	case MetricEuclidean:
		return "Euclidean"
	case MetricMaximum:
		return "Maximum"
	default:
		return "Unknown"
	}
}

// ParseDistanceMetric maps a configuration name to a DistanceMetric.
func ParseDistanceMetric(name string) (DistanceMetric, bool) {
	switch name {
	case "euclidean", "Euclidean", "l2":
		return MetricEuclidean, true
	case "maximum", "Maximum", "chebyshev", "linf":
		return MetricMaximum, true
	default:
		return 0, false
	}
}

func (t MatrixType) String() string {
	switch t {
	case MatrixDense:
		return "Dense"
	case MatrixBitset:
		return "Bitset"
	case MatrixSparse:
		return "Sparse"
	default:
		return "Unknown"
	}
}

// ParseMatrixType maps a configuration name to a MatrixType.
func ParseMatrixType(name string) (MatrixType, bool) {
	switch name {
	case "dense", "Dense":
		return MatrixDense, true
	case "bitset", "Bitset", "bit":
		return MatrixBitset, true
	case "sparse", "Sparse", "csc":
		return MatrixSparse, true
	default:
		return 0, false
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "None"
	case CompressionZstd:
		return "Zstd"
	case CompressionS2:
		return "S2"
	case CompressionLZ4:
		return "LZ4"
	default:
		return "Unknown"
	}
}

// ParseCompressionType maps a configuration name to a CompressionType.
func ParseCompressionType(name string) (CompressionType, bool) {
	switch name {
	case "", "none", "None":
		return CompressionNone, true
	case "zstd", "Zstd":
		return CompressionZstd, true
	case "s2", "S2":
		return CompressionS2, true
	case "lz4", "LZ4":
		return CompressionLZ4, true
	default:
		return 0, false
	}
}

func (k KernelID) String() string {
	switch k {
	case KernelClear:
		return "clear"
	case KernelBuildDense:
		return "build_dense"
	case KernelBuildBitset:
		return "build_bitset"
	case KernelCountSparse:
		return "count_sparse"
	case KernelFillSparse:
		return "fill_sparse"
	default:
		return "unknown"
	}
}

func (p Phase) String() string {
	switch p {
	case PhaseConfig:
		return "config"
	case PhaseGrid:
		return "grid"
	case PhaseTiling:
		return "tiling"
	case PhaseMatrix:
		return "matrix"
	case PhaseDetection:
		return "detection"
	default:
		return "unknown"
	}
}
