// Package series provides read-only access to time-delay-embedded vectors.
//
// The engine never looks at raw samples. It asks an Accessor for the dense
// row-major block of vectors covering an index range and stages that block to
// the device. Two accessors are provided: Embedded, which performs the
// time-delay embedding of a scalar series lazily, and Vectors, which wraps
// vectors that were embedded upstream.
package series

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/arloliu/rqa/errs"
)

// Accessor exposes embedded vectors by index. Implementations are immutable
// for the duration of an analysis run and safe for concurrent readers.
type Accessor interface {
	// Len returns the number of embedded vectors.
	Len() int

	// Dimension returns the number of components per vector.
	Dimension() int

	// Vectors appends the components of vectors [start, start+count) to dst in
	// row-major order and returns the extended slice. The caller guarantees
	// 0 <= start and start+count <= Len().
	Vectors(start, count int, dst []float64) []float64
}

// Embedded is the time-delay embedding of a scalar series: vector i is
// (s[i], s[i+delay], ..., s[i+(dim-1)*delay]).
type Embedded struct {
	samples []float64
	dim     int
	delay   int
}

var _ Accessor = (*Embedded)(nil)

// Embed creates an Embedded accessor over samples. The slice is retained, not
// copied; the caller must not modify it while the accessor is in use.
//
// Returns errs.ErrInvalidEmbedding if dim or delay is below 1, and
// errs.ErrEmptyTimeSeries if the series is too short to form one vector.
func Embed(samples []float64, dim, delay int) (*Embedded, error) {
	if dim < 1 || delay < 1 {
		return nil, fmt.Errorf("%w: dimension=%d delay=%d", errs.ErrInvalidEmbedding, dim, delay)
	}
	if len(samples)-(dim-1)*delay <= 0 {
		return nil, fmt.Errorf("%w: %d samples cannot hold one vector of dimension %d with delay %d",
			errs.ErrEmptyTimeSeries, len(samples), dim, delay)
	}

	return &Embedded{samples: samples, dim: dim, delay: delay}, nil
}

func (e *Embedded) Len() int {
	return len(e.samples) - (e.dim-1)*e.delay
}

func (e *Embedded) Dimension() int {
	return e.dim
}

// Delay returns the time delay between vector components.
func (e *Embedded) Delay() int {
	return e.delay
}

func (e *Embedded) Vectors(start, count int, dst []float64) []float64 {
	for i := start; i < start+count; i++ {
		for k := range e.dim {
			dst = append(dst, e.samples[i+k*e.delay])
		}
	}

	return dst
}

// Vectors wraps already-embedded vectors stored row-major.
type Vectors struct {
	data []float64
	dim  int
}

var _ Accessor = (*Vectors)(nil)

// FromFlat wraps data holding len(data)/dim vectors of dimension dim.
func FromFlat(data []float64, dim int) (*Vectors, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension=%d", errs.ErrInvalidEmbedding, dim)
	}
	if len(data) == 0 {
		return nil, errs.ErrEmptyTimeSeries
	}
	if len(data)%dim != 0 {
		return nil, fmt.Errorf("%w: %d values do not divide into vectors of dimension %d",
			errs.ErrEmbeddingDimensionMismatch, len(data), dim)
	}

	return &Vectors{data: data, dim: dim}, nil
}

// FromRows copies rows into a Vectors accessor. All rows must share a length.
func FromRows(rows [][]float64) (*Vectors, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errs.ErrEmptyTimeSeries
	}

	dim := len(rows[0])
	data := make([]float64, 0, len(rows)*dim)
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: row %d has %d components, want %d",
				errs.ErrEmbeddingDimensionMismatch, i, len(row), dim)
		}
		data = append(data, row...)
	}

	return &Vectors{data: data, dim: dim}, nil
}

// FromMatrix copies the rows of m, one vector per row.
func FromMatrix(m mat.Matrix) (*Vectors, error) {
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return nil, errs.ErrEmptyTimeSeries
	}

	dense := mat.DenseCopyOf(m)
	data := make([]float64, 0, r*c)
	for i := range r {
		data = append(data, dense.RawRowView(i)...)
	}

	return &Vectors{data: data, dim: c}, nil
}

func (v *Vectors) Len() int {
	return len(v.data) / v.dim
}

func (v *Vectors) Dimension() int {
	return v.dim
}

func (v *Vectors) Vectors(start, count int, dst []float64) []float64 {
	return append(dst, v.data[start*v.dim:(start+count)*v.dim]...)
}

// All returns every vector of a as one row-major slice.
func All(a Accessor) []float64 {
	return a.Vectors(0, a.Len(), make([]float64, 0, a.Len()*a.Dimension()))
}

// Dense returns the vectors of a as a Len × Dimension gonum matrix.
func Dense(a Accessor) *mat.Dense {
	return mat.NewDense(a.Len(), a.Dimension(), All(a))
}
