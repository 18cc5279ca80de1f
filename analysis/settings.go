package analysis

import (
	"fmt"

	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/internal/hash"
	"github.com/arloliu/rqa/neighbourhood"
	"github.com/arloliu/rqa/series"
)

// Settings is the immutable input of one run: the two series, the
// neighbourhood and the line detection scope. X supplies the columns and Y
// the rows of the recurrence matrix.
type Settings struct {
	X, Y             series.Accessor
	Neighbourhood    neighbourhood.Predicate
	TheilerCorrector int
	Symmetric        bool
}

// NewSettings validates the run input. In symmetric mode y may be nil, in
// which case X is compared with itself, and a given y must have the length
// of x. Cross runs accept series of any lengths.
func NewSettings(x, y series.Accessor, pred neighbourhood.Predicate, theiler int, symmetric bool) (*Settings, error) {
	if x == nil || x.Len() == 0 {
		return nil, fmt.Errorf("%w: series x", errs.ErrEmptyTimeSeries)
	}
	if y == nil {
		if !symmetric {
			return nil, fmt.Errorf("%w: series y", errs.ErrEmptyTimeSeries)
		}
		y = x
	}
	if y.Len() == 0 {
		return nil, fmt.Errorf("%w: series y", errs.ErrEmptyTimeSeries)
	}
	if x.Dimension() != y.Dimension() {
		return nil, fmt.Errorf("%w: x has %d components, y has %d",
			errs.ErrEmbeddingDimensionMismatch, x.Dimension(), y.Dimension())
	}
	if symmetric && x.Len() != y.Len() {
		return nil, fmt.Errorf("%w: %d and %d vectors", errs.ErrSymmetricSeriesMismatch, x.Len(), y.Len())
	}
	if theiler < 0 {
		return nil, fmt.Errorf("%w: %d", errs.ErrInvalidTheilerCorrector, theiler)
	}

	return &Settings{X: x, Y: y, Neighbourhood: pred, TheilerCorrector: theiler, Symmetric: symmetric}, nil
}

// NX returns the number of columns.
func (s *Settings) NX() int { return s.X.Len() }

// NY returns the number of rows.
func (s *Settings) NY() int { return s.Y.Len() }

// Dimension returns the embedding dimension.
func (s *Settings) Dimension() int { return s.X.Dimension() }

// Fingerprint digests the parameters that determine a result.
func (s *Settings) Fingerprint() uint64 {
	return hash.NewFingerprint().
		Int(s.NX()).
		Int(s.NY()).
		Int(s.Dimension()).
		Uint64(uint64(s.Neighbourhood.Metric())).
		Float64(s.Neighbourhood.Radius()).
		Int(s.TheilerCorrector).
		Bool(s.Symmetric).
		Sum()
}
