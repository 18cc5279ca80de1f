// Package tiling decomposes the recurrence matrix into device-sized tiles and
// fixes the order in which they are processed.
//
// # Order
//
// A diagonal line leaves a tile through its top edge, its right edge or its
// top-right corner, so the continuation of every diagonal lies in the tile
// above, to the right, or diagonally up-right. Tiles are therefore visited by
// anti-diagonal wavefronts of the tile grid: wave w holds the tiles (i, j)
// with i + j = w, ordered by column i. Every tile's predecessors belong to
// earlier waves, and two tiles of one wave are at least tileX + tileY
// diagonals apart, wider than any tile, so they share no diagonal and may be
// processed concurrently. The argument does not depend on tiles being square
// or full-sized; edge tiles are only narrower.
package tiling

import (
	"fmt"
	"math"
	"slices"

	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/matrix"
)

// DefaultSparseDensity is the recurrence density assumed when sizing sparse
// tiles before their recurrent count is known.
const DefaultSparseDensity = 0.05

// Budget describes the device memory available to tiles.
type Budget struct {
	// Memory is the device memory budget in bytes.
	Memory int64
	// MaxAlloc is the largest single allocation; 0 means Memory.
	MaxAlloc int64
	// Reserved is memory held for the whole run, such as the staged grid.
	Reserved int64
	// Concurrency is the number of tiles resident at once; 0 means 1.
	Concurrency int
	// MatrixType selects the result representation.
	MatrixType format.MatrixType
	// Dimension is the embedding dimension of staged vectors.
	Dimension int
	// SparseDensity is the expected recurrence density for sparse tiles;
	// 0 means DefaultSparseDensity.
	SparseDensity float64
}

// perTile returns the memory each resident tile may use.
func (b Budget) perTile() int64 {
	c := int64(max(b.Concurrency, 1))
	return (b.Memory - b.Reserved) / c
}

func (b Budget) maxAlloc() int64 {
	if b.MaxAlloc <= 0 {
		return b.Memory
	}

	return b.MaxAlloc
}

// ResultBytes returns the result buffer size of a dimX × dimY tile, using
// the expected density for sparse tiles.
func (b Budget) ResultBytes(dimX, dimY int) int64 {
	size := matrix.ResultSize(b.MatrixType, dimX, dimY)
	if b.MatrixType == format.MatrixSparse {
		density := b.SparseDensity
		if density <= 0 {
			density = DefaultSparseDensity
		}
		nnz := math.Ceil(float64(dimX) * float64(dimY) * min(density, 1))
		size += matrix.SparseIndicesSize(int(nnz))
	}

	return size
}

// InputBytes returns the staged vector bytes of a dimX × dimY tile.
func (b Budget) InputBytes(dimX, dimY int) int64 {
	return int64(dimX+dimY) * int64(b.Dimension) * 8
}

// Fits reports whether a dimX × dimY tile fits the budget.
func (b Budget) Fits(dimX, dimY int) bool {
	result := b.ResultBytes(dimX, dimY)

	return result <= b.maxAlloc() && result+b.InputBytes(dimX, dimY) <= b.perTile()
}

// Schedule is an ordered tiling of an NX × NY recurrence matrix.
type Schedule struct {
	NX, NY       int
	TileX, TileY int
	Symmetric    bool

	tiles []*matrix.SubMatrix
	waves [][]*matrix.SubMatrix
}

// Plan chooses the largest tiles that fit budget and orders them.
//
// Tiles are square where the matrix allows it; when one axis is shorter
// than the square side, the other axis grows to use the remaining budget.
// Symmetric schedules always use square tiles.
//
// Returns errs.ErrInvalidBudget if not even a 1 × 1 tile fits.
func Plan(nx, ny int, budget Budget, symmetric bool) (*Schedule, error) {
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("%w: %d x %d matrix", errs.ErrEmptyTimeSeries, nx, ny)
	}
	if !budget.Fits(1, 1) {
		return nil, fmt.Errorf("%w: %d bytes (reserved %d) cannot hold a 1x1 tile",
			errs.ErrInvalidBudget, budget.Memory, budget.Reserved)
	}

	side := largest(max(nx, ny), func(t int) bool { return budget.Fits(t, t) })
	if symmetric {
		side = min(side, nx)
		return PlanFixed(nx, ny, side, side, true)
	}

	tileX, tileY := min(side, nx), min(side, ny)
	if tileY < side {
		tileX = largest(nx, func(t int) bool { return budget.Fits(t, tileY) })
	} else if tileX < side {
		tileY = largest(ny, func(t int) bool { return budget.Fits(tileX, t) })
	}

	return PlanFixed(nx, ny, tileX, tileY, false)
}

// largest returns the largest t in [1, limit] with fits(t), assuming fits is
// monotone and fits(1) holds.
func largest(limit int, fits func(int) bool) int {
	lo, hi := 1, limit
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	return lo
}

// PlanFixed tiles the matrix with the given tile extents.
//
// In a symmetric schedule nx must equal ny and tiles must be square; only
// tiles with StartX >= StartY are kept, and tiles straddling the main
// diagonal are masked to x >= y.
func PlanFixed(nx, ny, tileX, tileY int, symmetric bool) (*Schedule, error) {
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("%w: %d x %d matrix", errs.ErrEmptyTimeSeries, nx, ny)
	}
	if tileX < 1 || tileY < 1 {
		return nil, fmt.Errorf("%w: tile %d x %d", errs.ErrInvalidBudget, tileX, tileY)
	}
	if symmetric && (nx != ny || tileX != tileY) {
		return nil, fmt.Errorf("%w: %d x %d matrix with %d x %d tiles",
			errs.ErrSymmetricSeriesMismatch, nx, ny, tileX, tileY)
	}
	tileX, tileY = min(tileX, nx), min(tileY, ny)

	s := &Schedule{NX: nx, NY: ny, TileX: tileX, TileY: tileY, Symmetric: symmetric}
	cols := (nx + tileX - 1) / tileX
	rows := (ny + tileY - 1) / tileY

	type cell struct{ i, j int }
	order := make([]cell, 0, cols*rows)
	for i := range cols {
		for j := range rows {
			if symmetric && i < j {
				continue
			}
			order = append(order, cell{i, j})
		}
	}
	slices.SortFunc(order, func(a, b cell) int {
		if a.i+a.j != b.i+b.j {
			return (a.i + a.j) - (b.i + b.j)
		}

		return a.i - b.i
	})

	wave := -1
	for idx, c := range order {
		startX, startY := c.i*tileX, c.j*tileY
		sub := matrix.NewSubMatrix(idx, startX, startY, min(tileX, nx-startX), min(tileY, ny-startY))
		sub.MaskLower = symmetric && c.i == c.j
		s.tiles = append(s.tiles, sub)

		if c.i+c.j != wave {
			wave = c.i + c.j
			s.waves = append(s.waves, nil)
		}
		s.waves[len(s.waves)-1] = append(s.waves[len(s.waves)-1], sub)
	}

	return s, nil
}

// Halve returns a schedule over the same matrix with both tile extents
// halved. It fails with errs.ErrTileTooLarge once tiles are 1 × 1.
func (s *Schedule) Halve() (*Schedule, error) {
	if s.TileX == 1 && s.TileY == 1 {
		return nil, fmt.Errorf("%w: tiles are already 1x1", errs.ErrTileTooLarge)
	}

	return PlanFixed(s.NX, s.NY, max(s.TileX/2, 1), max(s.TileY/2, 1), s.Symmetric)
}

// Tiles returns the tiles in processing order.
func (s *Schedule) Tiles() []*matrix.SubMatrix {
	return s.tiles
}

// Waves returns the tiles grouped by wavefront, in processing order.
func (s *Schedule) Waves() [][]*matrix.SubMatrix {
	return s.waves
}

// Len returns the number of tiles.
func (s *Schedule) Len() int {
	return len(s.tiles)
}

// TileAt returns the tile containing global cell (x, y), or nil if the cell
// is not covered, which happens below the diagonal of symmetric schedules.
func (s *Schedule) TileAt(x, y int) *matrix.SubMatrix {
	if x < 0 || y < 0 || x >= s.NX || y >= s.NY {
		return nil
	}
	for _, t := range s.tiles {
		if t.Contains(x, y) {
			return t
		}
	}

	return nil
}
