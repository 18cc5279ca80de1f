// Package diagonal detects diagonal lines in recurrence tiles.
//
// Each in-scope diagonal d (|d| > theiler corrector) is a two-state machine:
// no run, or a run (start, length). A recurrent cell extends the run when it
// directly follows the previous one on the diagonal; otherwise the previous
// run is complete and counted in the tile's frequency distribution. A run
// still open on the last cell a diagonal has inside a tile is not counted:
// it is handed through the Carryover store to the tile that continues the
// diagonal, so a line crossing tile seams is counted once at full length.
package diagonal

import (
	"fmt"

	"github.com/arloliu/rqa/internal/pool"
	"github.com/arloliu/rqa/matrix"
)

// Counts summarises the recurrent cells a tile contributed.
type Counts struct {
	// Recurrent counts every recurrent cell of the tile.
	Recurrent uint64
	// MainDiagonal counts recurrent cells with x == y.
	MainDiagonal uint64
	// InScope counts recurrent cells on in-scope diagonals.
	InScope uint64
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Recurrent += o.Recurrent
	c.MainDiagonal += o.MainDiagonal
	c.InScope += o.InScope
}

// Detector scans tiles of one NX × NY recurrence matrix.
type Detector struct {
	nx, ny    int
	theiler   int
	symmetric bool
	store     *Carryover
}

// NewDetector creates a detector sharing store across all tiles of a run.
// In symmetric mode only diagonals d > theiler are scanned; the caller
// mirrors the results.
func NewDetector(nx, ny, theiler int, symmetric bool, store *Carryover) *Detector {
	return &Detector{nx: nx, ny: ny, theiler: theiler, symmetric: symmetric, store: store}
}

// InScope reports whether diagonal d is analysed.
func (dt *Detector) InScope(d int) bool {
	if dt.symmetric && d < 0 {
		return false
	}
	if d < 0 {
		d = -d
	}

	return d > dt.theiler
}

// Store returns the carryover store.
func (dt *Detector) Store() *Carryover {
	return dt.store
}

// continues reports whether the diagonal through global cell (x, y) has a
// next cell in the matrix.
func (dt *Detector) continues(x, y int) bool {
	return x+1 < dt.nx && y+1 < dt.ny
}

// Detect scans sub, whose recurrence values are v, and records completed
// lines in sub.DiagonalFrequencyDistribution. Runs open at the tile exit are
// written to sub's carryover buffers and to the store.
//
// All tiles holding earlier cells of sub's diagonals must have been detected
// before; otherwise Detect fails with errs.ErrCarryoverConsistency.
func (dt *Detector) Detect(sub *matrix.SubMatrix, v matrix.Values) (Counts, error) {
	var counts Counts

	dimX, dimY := v.Dims()
	if dimX != sub.DimX || dimY != sub.DimY {
		return counts, fmt.Errorf("%s: values are %dx%d", sub, dimX, dimY)
	}
	sub.ResetDiagonals()

	n := sub.NumDiagonals()
	scratch, done := pool.GetInt32Slice(3 * n)
	defer done()
	lastX, start, length := scratch[:n], scratch[n:2*n], scratch[2*n:]

	for k := range n {
		lastX[k] = -2
		d := sub.GlobalDiagonal(k)
		if !dt.InScope(d) {
			continue
		}
		firstX, _ := sub.DiagonalSpan(d)
		if firstX == 0 || firstX-d == 0 {
			continue
		}
		st, err := dt.store.Take(d, firstX)
		if err != nil {
			return counts, fmt.Errorf("%s: %w", sub, err)
		}
		if st.Length > 0 {
			start[k] = int32(st.Start)   //nolint:gosec
			length[k] = int32(st.Length) //nolint:gosec
			lastX[k] = int32(firstX - sub.StartX - 1)
		}
	}

	var rows []uint32
	for x := range dimX {
		rows = v.Column(x, rows)
		gx := sub.StartX + x
		for _, ry := range rows {
			gy := sub.StartY + int(ry)
			d := gx - gy
			if sub.MaskLower && d < 0 {
				continue
			}
			counts.Recurrent++
			if d == 0 {
				counts.MainDiagonal++
			}
			if !dt.InScope(d) {
				continue
			}
			counts.InScope++

			k := x - int(ry) + dimY - 1
			if length[k] > 0 && int(lastX[k]) == x-1 {
				length[k]++
			} else {
				if length[k] > 0 {
					sub.RecordLine(int(length[k]))
				}
				start[k] = int32(gy) //nolint:gosec
				length[k] = 1
			}
			lastX[k] = int32(x) //nolint:gosec
		}
	}

	for k := range n {
		d := sub.GlobalDiagonal(k)
		if !dt.InScope(d) {
			continue
		}
		_, exitX := sub.DiagonalSpan(d)
		exitY := exitX - d
		open := length[k] > 0 && int(lastX[k]) == exitX-sub.StartX

		if !dt.continues(exitX, exitY) {
			if length[k] > 0 {
				sub.RecordLine(int(length[k]))
			}
			continue
		}

		var st State
		if open {
			st = State{Start: int(start[k]), Length: int(length[k])}
			sub.DiagonalLengthCarryover[k] = uint32(length[k]) //nolint:gosec
			sub.DiagonalIndexCarryover[k] = st.Start
		} else if length[k] > 0 {
			sub.RecordLine(int(length[k]))
		}
		if err := dt.store.Put(d, exitX+1, st.Start, st.Length); err != nil {
			return counts, fmt.Errorf("%s: %w", sub, err)
		}
	}

	return counts, nil
}
