// Package neighbourhood implements the fixed-radius recurrence test.
//
// Two embedded vectors recur when their distance is at most the radius. The
// test is exact; the grid index only narrows the set of pairs it is asked
// about.
package neighbourhood

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
)

// Predicate is an immutable fixed-radius neighbourhood.
type Predicate struct {
	metric format.DistanceMetric
	radius float64
}

// New creates a predicate for metric with the given radius.
//
// Returns:
//   - Predicate: the neighbourhood
//   - error: errs.ErrInvalidRadius for a non-positive or non-finite radius,
//     errs.ErrInvalidMetric for an unknown metric
func New(metric format.DistanceMetric, radius float64) (Predicate, error) {
	if !(radius > 0) || math.IsInf(radius, 0) {
		return Predicate{}, fmt.Errorf("%w: %v", errs.ErrInvalidRadius, radius)
	}
	switch metric {
	case format.MetricEuclidean, format.MetricMaximum:
	default:
		return Predicate{}, fmt.Errorf("%w: %d", errs.ErrInvalidMetric, metric)
	}

	return Predicate{metric: metric, radius: radius}, nil
}

func (p Predicate) Metric() format.DistanceMetric {
	return p.metric
}

func (p Predicate) Radius() float64 {
	return p.radius
}

// norm returns the L parameter of floats.Distance for the metric.
func (p Predicate) norm() float64 {
	if p.metric == format.MetricMaximum {
		return math.Inf(1)
	}

	return 2
}

// Distance returns the distance between a and b under the predicate's metric.
// a and b must have the same length.
func (p Predicate) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, p.norm())
}

// Recurrent reports whether a and b are within the radius.
func (p Predicate) Recurrent(a, b []float64) bool {
	if p.metric == format.MetricMaximum {
		for i := range a {
			if math.Abs(a[i]-b[i]) > p.radius {
				return false
			}
		}

		return true
	}

	// squared comparison with early exit; matches floats.Distance(a, b, 2) <= radius
	limit := p.radius * p.radius
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
		if sum > limit {
			return math.Sqrt(sum) <= p.radius
		}
	}

	return math.Sqrt(sum) <= p.radius
}
