// Package matrix defines recurrence tiles and their value representations.
//
// A SubMatrix is one rectangular tile of the global recurrence matrix. The x
// axis indexes columns (vectors of the query series) and the y axis indexes
// rows (vectors of the indexed series); a cell (x, y) lies on diagonal
// d = x - y. Diagonals touching a tile are numbered locally by
// k = d - DiagonalOffset + DimY - 1, from 0 (the diagonal through the first
// column's last row) to DimX+DimY-2 (through the last column's first row).
//
// Recurrence values come in three representations (Dense, Bitset, CSC) that
// share the per-column iteration contract of Values.
package matrix

import (
	"fmt"

	"github.com/arloliu/rqa/errs"
)

// SubMatrix is one tile of the global recurrence matrix together with the
// diagonal state the detector leaves behind for its successors.
type SubMatrix struct {
	// Index is the tile's position in the processing order.
	Index int
	// StartX and StartY are the global origin of the tile.
	StartX, StartY int
	// DimX and DimY are the tile extents.
	DimX, DimY int
	// DiagonalOffset is StartX - StartY, the diagonal through the tile origin.
	DiagonalOffset int
	// MaskLower restricts the tile to cells with x >= y. It is set on tiles
	// straddling the main diagonal of a symmetric analysis.
	MaskLower bool

	// DiagonalLengthCarryover[k] is the length of the run left open on local
	// diagonal k at the tile's exit, or 0.
	DiagonalLengthCarryover []uint32
	// DiagonalIndexCarryover[k] is the global row where that run started.
	DiagonalIndexCarryover []int
	// DiagonalFrequencyDistribution[l] counts diagonal lines of length l
	// completed inside this tile.
	DiagonalFrequencyDistribution []uint64
}

// NewSubMatrix creates a tile. Carryover buffers are allocated on first use.
func NewSubMatrix(index, startX, startY, dimX, dimY int) *SubMatrix {
	return &SubMatrix{
		Index:          index,
		StartX:         startX,
		StartY:         startY,
		DimX:           dimX,
		DimY:           dimY,
		DiagonalOffset: startX - startY,
	}
}

func (s *SubMatrix) String() string {
	return fmt.Sprintf("tile %d [x=%d+%d, y=%d+%d]", s.Index, s.StartX, s.DimX, s.StartY, s.DimY)
}

// EndX returns one past the last global column.
func (s *SubMatrix) EndX() int {
	return s.StartX + s.DimX
}

// EndY returns one past the last global row.
func (s *SubMatrix) EndY() int {
	return s.StartY + s.DimY
}

// NumDiagonals returns the number of diagonals crossing the tile.
func (s *SubMatrix) NumDiagonals() int {
	return s.DimX + s.DimY - 1
}

// MinDiagonal returns the lowest global diagonal crossing the tile.
func (s *SubMatrix) MinDiagonal() int {
	return s.DiagonalOffset - (s.DimY - 1)
}

// MaxDiagonal returns the highest global diagonal crossing the tile.
func (s *SubMatrix) MaxDiagonal() int {
	return s.DiagonalOffset + s.DimX - 1
}

// LocalDiagonal maps global diagonal d to its local index.
func (s *SubMatrix) LocalDiagonal(d int) int {
	return d - s.MinDiagonal()
}

// GlobalDiagonal maps local diagonal k to its global offset.
func (s *SubMatrix) GlobalDiagonal(k int) int {
	return k + s.MinDiagonal()
}

// DiagonalSpan returns the global columns of the first and last cell of
// diagonal d inside the tile. The caller guarantees d is in
// [MinDiagonal, MaxDiagonal].
func (s *SubMatrix) DiagonalSpan(d int) (firstX, lastX int) {
	firstX = max(s.StartX, s.StartY+d)
	lastX = min(s.EndX()-1, s.EndY()-1+d)

	return firstX, lastX
}

// Ref returns the tile identity used in error reports.
func (s *SubMatrix) Ref() *errs.TileRef {
	return &errs.TileRef{Index: s.Index, StartX: s.StartX, StartY: s.StartY, DimX: s.DimX, DimY: s.DimY}
}

// ResetDiagonals allocates or clears the carryover buffers and the frequency
// distribution.
func (s *SubMatrix) ResetDiagonals() {
	n := s.NumDiagonals()
	if cap(s.DiagonalLengthCarryover) >= n {
		s.DiagonalLengthCarryover = s.DiagonalLengthCarryover[:n]
		s.DiagonalIndexCarryover = s.DiagonalIndexCarryover[:n]
		clear(s.DiagonalLengthCarryover)
		clear(s.DiagonalIndexCarryover)
	} else {
		s.DiagonalLengthCarryover = make([]uint32, n)
		s.DiagonalIndexCarryover = make([]int, n)
	}
	s.DiagonalFrequencyDistribution = s.DiagonalFrequencyDistribution[:0]
}

// RecordLine counts one completed diagonal line of the given length.
func (s *SubMatrix) RecordLine(length int) {
	for len(s.DiagonalFrequencyDistribution) <= length {
		s.DiagonalFrequencyDistribution = append(s.DiagonalFrequencyDistribution, 0)
	}
	s.DiagonalFrequencyDistribution[length]++
}

// Contains reports whether the global cell (x, y) lies in the tile and, for
// masked tiles, in its x >= y half.
func (s *SubMatrix) Contains(x, y int) bool {
	if x < s.StartX || x >= s.EndX() || y < s.StartY || y >= s.EndY() {
		return false
	}

	return !s.MaskLower || x >= y
}
