// Package errs defines the error taxonomy shared by every rqa package.
//
// Errors fall into four families, each rooted at one sentinel so callers can
// branch with errors.Is without knowing the concrete cause:
//
//   - ErrConfiguration: invalid settings, surfaced before any work starts.
//   - ErrTileTooLarge: a tile does not fit the device; recovered by re-tiling.
//   - ErrDeviceResource: allocation, transfer or kernel failure; fatal.
//   - ErrCarryoverConsistency: a tile ordering bug detected by the detector.
//
// AnalysisError tags a failure with the phase and tile that produced it.
package errs

import (
	"errors"
	"fmt"

	"github.com/arloliu/rqa/format"
)

// Root sentinels.
var (
	// ErrConfiguration is returned for invalid analysis settings.
	ErrConfiguration = errors.New("rqa: invalid configuration")

	// ErrTileTooLarge is returned when a tile buffer exceeds the device limits.
	ErrTileTooLarge = errors.New("rqa: tile too large for device")

	// ErrDeviceResource is returned for device allocation, transfer or kernel failures.
	ErrDeviceResource = errors.New("rqa: device resource failure")

	// ErrCarryoverConsistency is returned when diagonal carryover is read before
	// being written, written twice, or continued at the wrong position.
	ErrCarryoverConsistency = errors.New("rqa: diagonal carryover inconsistency")
)

// Configuration errors. Each wraps ErrConfiguration.
var (
	ErrInvalidRadius              = fmt.Errorf("%w: radius must be positive and finite", ErrConfiguration)
	ErrInvalidGridEdgeLength      = fmt.Errorf("%w: grid edge length must be positive and finite", ErrConfiguration)
	ErrEmbeddingDimensionMismatch = fmt.Errorf("%w: embedding dimension mismatch", ErrConfiguration)
	ErrInvalidEmbedding           = fmt.Errorf("%w: embedding dimension and time delay must be >= 1", ErrConfiguration)
	ErrInvalidTheilerCorrector    = fmt.Errorf("%w: theiler corrector must be >= 0", ErrConfiguration)
	ErrEmptyTimeSeries            = fmt.Errorf("%w: time series has no embedded vectors", ErrConfiguration)
	ErrInvalidBudget              = fmt.Errorf("%w: device memory budget too small", ErrConfiguration)
	ErrInvalidMetric              = fmt.Errorf("%w: unknown distance metric", ErrConfiguration)
	ErrInvalidMatrixType          = fmt.Errorf("%w: unknown matrix type", ErrConfiguration)
	ErrInvalidCompression         = fmt.Errorf("%w: unknown transfer compression", ErrConfiguration)
	ErrSymmetricSeriesMismatch    = fmt.Errorf("%w: symmetric analysis requires a single time series", ErrConfiguration)
)

// Device errors. Each wraps ErrDeviceResource.
var (
	ErrOutOfDeviceMemory = fmt.Errorf("%w: out of device memory", ErrDeviceResource)
	ErrTransferChecksum  = fmt.Errorf("%w: transfer checksum mismatch", ErrDeviceResource)
	ErrKernelFailed      = fmt.Errorf("%w: kernel execution failed", ErrDeviceResource)
	ErrInvalidBuffer     = fmt.Errorf("%w: invalid or released buffer", ErrDeviceResource)
	ErrDeviceClosed      = fmt.Errorf("%w: device is closed", ErrDeviceResource)
)

// TileRef identifies a tile in error reports.
type TileRef struct {
	Index  int
	StartX int
	StartY int
	DimX   int
	DimY   int
}

func (t TileRef) String() string {
	return fmt.Sprintf("tile %d [x=%d+%d, y=%d+%d]", t.Index, t.StartX, t.DimX, t.StartY, t.DimY)
}

// AnalysisError reports the phase, and the tile if any, where an analysis failed.
type AnalysisError struct {
	Phase format.Phase
	Tile  *TileRef
	Err   error
}

func (e *AnalysisError) Error() string {
	if e.Tile != nil {
		return fmt.Sprintf("rqa: %s phase failed at %s: %v", e.Phase, e.Tile, e.Err)
	}

	return fmt.Sprintf("rqa: %s phase failed: %v", e.Phase, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Wrap tags err with a phase. It returns nil for a nil err and leaves an
// existing AnalysisError untouched.
func Wrap(phase format.Phase, tile *TileRef, err error) error {
	if err == nil {
		return nil
	}

	var ae *AnalysisError
	if errors.As(err, &ae) {
		return err
	}

	return &AnalysisError{Phase: phase, Tile: tile, Err: err}
}

// PhaseOf returns the phase recorded in err, if err is an AnalysisError.
func PhaseOf(err error) (format.Phase, bool) {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Phase, true
	}

	return 0, false
}
