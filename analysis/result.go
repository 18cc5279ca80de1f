package analysis

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/arloliu/rqa/compress"
	"github.com/arloliu/rqa/device"
)

// Runtimes are the accumulated durations of each analysis phase. Device
// phases are summed over tiles and may exceed Total when tiles overlap.
type Runtimes struct {
	Grid        time.Duration
	Tiling      time.Duration
	TransferIn  time.Duration
	Compute     time.Duration
	Detection   time.Duration
	TransferOut time.Duration
	Total       time.Duration
}

// Add accumulates o into r.
func (r *Runtimes) Add(o Runtimes) {
	r.Grid += o.Grid
	r.Tiling += o.Tiling
	r.TransferIn += o.TransferIn
	r.Compute += o.Compute
	r.Detection += o.Detection
	r.TransferOut += o.TransferOut
	r.Total += o.Total
}

// Result is the outcome of one recurrence analysis.
type Result struct {
	// Fingerprint identifies the settings the result was computed with.
	Fingerprint uint64

	NX, NY            int
	Symmetric         bool
	TheilerCorrector  int
	MinimumLineLength int

	// DiagonalFrequencyDistribution[l] is the number of diagonal lines of
	// length l on in-scope diagonals, over the whole matrix.
	DiagonalFrequencyDistribution []uint64

	// RecurrencePoints counts the recurrent points of the computed cells; in
	// symmetric runs that is the upper triangle including the main diagonal.
	RecurrencePoints uint64
	// TotalRecurrencePoints counts the recurrent points of the whole matrix.
	TotalRecurrencePoints uint64
	// InScopePoints counts the recurrent points on in-scope diagonals of the
	// whole matrix.
	InScopePoints uint64

	Tiles        int
	TileX, TileY int
	// Retries is the number of re-plans with halved tiles.
	Retries int

	Runtimes Runtimes
	Device   device.Stats
	Transfer compress.Stats
}

// RecurrenceRate returns TotalRecurrencePoints / (NX · NY).
func (r *Result) RecurrenceRate() float64 {
	cells := float64(r.NX) * float64(r.NY)
	if cells == 0 {
		return 0
	}

	return float64(r.TotalRecurrencePoints) / cells
}

// histogramSums returns the number of lines and the points they cover, over
// lengths >= minLength.
func (r *Result) histogramSums(minLength int) (lines, points uint64) {
	for l := max(minLength, 1); l < len(r.DiagonalFrequencyDistribution); l++ {
		n := r.DiagonalFrequencyDistribution[l]
		lines += n
		points += uint64(l) * n //nolint:gosec
	}

	return lines, points
}

// Lines returns the number of diagonal lines of length >= MinimumLineLength.
func (r *Result) Lines() uint64 {
	lines, _ := r.histogramSums(r.MinimumLineLength)
	return lines
}

// Determinism returns the share of in-scope recurrent points that form
// diagonal lines of length >= MinimumLineLength. Points inside the Theiler
// window count in neither term; see TotalDeterminism for the share of all
// recurrent points.
func (r *Result) Determinism() float64 {
	_, all := r.histogramSums(1)
	if all == 0 {
		return 0
	}
	_, lined := r.histogramSums(r.MinimumLineLength)

	return float64(lined) / float64(all)
}

// TotalDeterminism returns the points on diagonal lines of length >=
// MinimumLineLength over TotalRecurrencePoints, Theiler window included.
func (r *Result) TotalDeterminism() float64 {
	if r.TotalRecurrencePoints == 0 {
		return 0
	}
	_, lined := r.histogramSums(r.MinimumLineLength)

	return float64(lined) / float64(r.TotalRecurrencePoints)
}

// AverageDiagonalLine returns the mean length of lines >= MinimumLineLength.
func (r *Result) AverageDiagonalLine() float64 {
	lines, points := r.histogramSums(r.MinimumLineLength)
	if lines == 0 {
		return 0
	}

	return float64(points) / float64(lines)
}

// LongestDiagonalLine returns the longest in-scope diagonal line.
func (r *Result) LongestDiagonalLine() int {
	for l := len(r.DiagonalFrequencyDistribution) - 1; l > 0; l-- {
		if r.DiagonalFrequencyDistribution[l] > 0 {
			return l
		}
	}

	return 0
}

// Divergence returns 1 / LongestDiagonalLine, or 0 without lines.
func (r *Result) Divergence() float64 {
	if l := r.LongestDiagonalLine(); l > 0 {
		return 1 / float64(l)
	}

	return 0
}

// Entropy returns the Shannon entropy, in nats, of the length distribution of
// lines >= MinimumLineLength.
func (r *Result) Entropy() float64 {
	lines, _ := r.histogramSums(r.MinimumLineLength)
	if lines == 0 {
		return 0
	}

	p := make([]float64, 0, len(r.DiagonalFrequencyDistribution))
	for l := max(r.MinimumLineLength, 1); l < len(r.DiagonalFrequencyDistribution); l++ {
		if n := r.DiagonalFrequencyDistribution[l]; n > 0 {
			p = append(p, float64(n)/float64(lines))
		}
	}

	return stat.Entropy(p)
}

// Ratio returns Determinism / RecurrenceRate, or 0 for an empty matrix.
func (r *Result) Ratio() float64 {
	rr := r.RecurrenceRate()
	if rr == 0 {
		return 0
	}

	return r.Determinism() / rr
}

// Histogram returns the non-zero entries of the diagonal line distribution.
func (r *Result) Histogram() map[int]uint64 {
	h := make(map[int]uint64)
	for l, n := range r.DiagonalFrequencyDistribution {
		if n > 0 {
			h[l] = n
		}
	}

	return h
}

func (r *Result) String() string {
	return fmt.Sprintf("RR=%.6f DET=%.6f L=%.4f Lmax=%d ENTR=%.4f (%dx%d, %d tiles)",
		r.RecurrenceRate(), r.Determinism(), r.AverageDiagonalLine(), r.LongestDiagonalLine(),
		r.Entropy(), r.NX, r.NY, r.Tiles)
}
