// Package grid implements the uniform grid index used to prune the pairwise
// recurrence test.
//
// Embedding space is cut into hypercubes of a fixed edge length. Every vector
// is assigned to exactly one cell, and the vector indices are stored sorted by
// cell id so that the members of a cell form one contiguous run. A query only
// visits the cells within Reach steps of its own cell in every dimension,
// where Reach = ceil(radius / edge). With the default edge equal to the radius
// that is the cell itself plus its immediate neighbours.
//
// Only occupied cells are stored: CellIDs lists them in ascending order and
// CellsStart[c] is the position in Cells of the first member of CellIDs[c].
package grid

import (
	"fmt"
	"math"
	"slices"

	"github.com/arloliu/rqa/errs"
)

// maxCells bounds the flattened cell id space. Grids finer than this are
// coarsened by doubling the edge length.
const maxCells = uint64(1) << 48

// Layout describes the geometry of a grid.
type Layout struct {
	// Dimension is the number of components per vector.
	Dimension int
	// EdgeLength is the side of one cell.
	EdgeLength float64
	// Reach is the number of neighbouring cells scanned per dimension.
	Reach int
	// Origin is the per-dimension minimum of the indexed vectors.
	Origin []float64
	// Shape is the number of cells per dimension.
	Shape []int
}

// Grid is an immutable uniform grid over a set of vectors.
type Grid struct {
	Layout

	// Cells holds every vector index exactly once, sorted by cell id and then
	// by index.
	Cells []uint32
	// CellIDs holds the flattened ids of the occupied cells in ascending order.
	CellIDs []uint64
	// CellsStart has len(CellIDs)+1 entries; the members of CellIDs[c] are
	// Cells[CellsStart[c]:CellsStart[c+1]].
	CellsStart []uint32
}

// Build indexes count vectors of dimension dim stored row-major in vectors.
//
// Parameters:
//   - vectors: row-major vector components
//   - dim: components per vector
//   - radius: neighbourhood radius; determines Reach
//   - edge: cell edge length, or 0 to use the radius
//
// Returns errs.ErrInvalidRadius or errs.ErrInvalidGridEdgeLength for
// non-positive values and errs.ErrEmptyTimeSeries for an empty input.
func Build(vectors []float64, dim int, radius, edge float64) (*Grid, error) {
	if !(radius > 0) || math.IsInf(radius, 0) {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidRadius, radius)
	}
	if edge == 0 {
		edge = radius
	}
	if !(edge > 0) || math.IsInf(edge, 0) {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidGridEdgeLength, edge)
	}
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension=%d", errs.ErrInvalidEmbedding, dim)
	}
	if len(vectors) == 0 {
		return nil, errs.ErrEmptyTimeSeries
	}
	if len(vectors)%dim != 0 {
		return nil, fmt.Errorf("%w: %d values for dimension %d", errs.ErrEmbeddingDimensionMismatch, len(vectors), dim)
	}
	n := len(vectors) / dim
	if n > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d vectors exceed the grid index range", errs.ErrConfiguration, n)
	}

	origin := make([]float64, dim)
	upper := make([]float64, dim)
	copy(origin, vectors[:dim])
	copy(upper, vectors[:dim])
	for i := range n {
		for k, v := range vectors[i*dim : (i+1)*dim] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: vector %d is not finite", errs.ErrConfiguration, i)
			}
			origin[k] = min(origin[k], v)
			upper[k] = max(upper[k], v)
		}
	}

	layout := Layout{Dimension: dim, EdgeLength: edge, Origin: origin}
	for {
		shape, ok := shapeFor(origin, upper, layout.EdgeLength)
		if ok {
			layout.Shape = shape
			break
		}
		layout.EdgeLength *= 2
	}
	layout.Reach = int(math.Ceil(radius / layout.EdgeLength))

	ids := make([]uint64, n)
	for i := range n {
		ids[i], _ = layout.CellOf(vectors[i*dim : (i+1)*dim])
	}

	cells := make([]uint32, n)
	for i := range cells {
		cells[i] = uint32(i) //nolint:gosec
	}
	slices.SortStableFunc(cells, func(a, b uint32) int {
		switch {
		case ids[a] < ids[b]:
			return -1
		case ids[a] > ids[b]:
			return 1
		default:
			return 0
		}
	})

	g := &Grid{Layout: layout, Cells: cells}
	for pos, idx := range cells {
		id := ids[idx]
		if len(g.CellIDs) == 0 || g.CellIDs[len(g.CellIDs)-1] != id {
			g.CellIDs = append(g.CellIDs, id)
			g.CellsStart = append(g.CellsStart, uint32(pos)) //nolint:gosec
		}
	}
	g.CellsStart = append(g.CellsStart, uint32(n)) //nolint:gosec

	return g, nil
}

// Assemble reconstructs a grid from its parts, typically device buffers
// staged from a grid produced by Build. The slices are not copied.
func Assemble(layout Layout, cells []uint32, cellIDs []uint64, cellsStart []uint32) *Grid {
	return &Grid{Layout: layout, Cells: cells, CellIDs: cellIDs, CellsStart: cellsStart}
}

func shapeFor(origin, upper []float64, edge float64) ([]int, bool) {
	shape := make([]int, len(origin))
	total := uint64(1)
	for k := range origin {
		extent := math.Floor((upper[k]-origin[k])/edge) + 1
		if extent > float64(maxCells) {
			return nil, false
		}
		shape[k] = int(extent)
		if total > maxCells/uint64(shape[k]) {
			return nil, false
		}
		total *= uint64(shape[k])
	}

	return shape, true
}

// NumCells returns the total number of cells, occupied or not.
func (l *Layout) NumCells() uint64 {
	total := uint64(1)
	for _, s := range l.Shape {
		total *= uint64(s)
	}

	return total
}

// coordinate returns the cell coordinate of v along dimension k. The result
// may fall outside [0, Shape[k]) for vectors that were not indexed.
func (l *Layout) coordinate(k int, v float64) int {
	c := math.Floor((v - l.Origin[k]) / l.EdgeLength)
	// clamp far-away queries so the conversion stays defined
	limit := float64(l.Shape[k] + l.Reach + 1)
	if c > limit {
		return int(limit)
	}
	if c < -float64(l.Reach+1) {
		return -(l.Reach + 1)
	}

	return int(c)
}

// CellOf returns the flattened id of the cell containing v. ok is false when
// v lies outside the indexed bounding box.
func (l *Layout) CellOf(v []float64) (uint64, bool) {
	var id uint64
	for k := range l.Dimension {
		c := l.coordinate(k, v[k])
		if c < 0 || c >= l.Shape[k] {
			return 0, false
		}
		id = id*uint64(l.Shape[k]) + uint64(c)
	}

	return id, true
}

// NumOccupied returns the number of non-empty cells.
func (g *Grid) NumOccupied() int {
	return len(g.CellIDs)
}

// Len returns the number of indexed vectors.
func (g *Grid) Len() int {
	return len(g.Cells)
}

// Members returns the vector indices of occupied cell c in ascending order.
func (g *Grid) Members(c int) []uint32 {
	return g.Cells[g.CellsStart[c]:g.CellsStart[c+1]]
}

// Lookup returns the occupied-cell position of a flattened cell id.
func (g *Grid) Lookup(id uint64) (int, bool) {
	return slices.BinarySearch(g.CellIDs, id)
}

// Candidates calls fn for every indexed vector j with lo <= j < hi that lies
// in the cell of query or within Reach cells of it along every dimension.
// Candidates are a superset of the recurrent vectors and must still be tested
// exactly. Order is by cell, then ascending index within a cell.
func (g *Grid) Candidates(query []float64, lo, hi int, fn func(j int)) {
	if lo >= hi || len(g.CellIDs) == 0 {
		return
	}

	dim := g.Dimension
	center := make([]int, dim)
	for k := range dim {
		center[k] = g.coordinate(k, query[k])
		if center[k] < -g.Reach || center[k] >= g.Shape[k]+g.Reach {
			return
		}
	}

	if g.neighbourhoodSize() > uint64(len(g.CellIDs)) {
		g.scanOccupied(center, lo, hi, fn)
		return
	}
	g.scanNeighbourhood(center, lo, hi, fn)
}

// neighbourhoodSize returns (2*Reach+1)^Dimension, saturating at maxCells.
func (g *Grid) neighbourhoodSize() uint64 {
	side := uint64(2*g.Reach + 1) //nolint:gosec
	size := uint64(1)
	for range g.Dimension {
		if size > maxCells/side {
			return maxCells
		}
		size *= side
	}

	return size
}

// scanNeighbourhood walks the (2*Reach+1)^Dimension cells around center with
// an odometer and looks each one up among the occupied cells.
func (g *Grid) scanNeighbourhood(center []int, lo, hi int, fn func(j int)) {
	dim := g.Dimension
	lower := make([]int, dim)
	upper := make([]int, dim)
	for k := range dim {
		lower[k] = max(center[k]-g.Reach, 0)
		upper[k] = min(center[k]+g.Reach, g.Shape[k]-1)
		if lower[k] > upper[k] {
			return
		}
	}

	cur := slices.Clone(lower)
	for {
		var id uint64
		for k := range dim {
			id = id*uint64(g.Shape[k]) + uint64(cur[k]) //nolint:gosec
		}
		if c, ok := g.Lookup(id); ok {
			g.visit(c, lo, hi, fn)
		}

		k := dim - 1
		for k >= 0 {
			cur[k]++
			if cur[k] <= upper[k] {
				break
			}
			cur[k] = lower[k]
			k--
		}
		if k < 0 {
			return
		}
	}
}

// scanOccupied checks every occupied cell against center. Used when the
// neighbourhood has more cells than the grid has occupied cells.
func (g *Grid) scanOccupied(center []int, lo, hi int, fn func(j int)) {
	dim := g.Dimension
	for c, id := range g.CellIDs {
		near := true
		rest := id
		for k := dim - 1; k >= 0; k-- {
			s := uint64(g.Shape[k]) //nolint:gosec
			coord := int(rest % s)  //nolint:gosec
			rest /= s
			if coord < center[k]-g.Reach || coord > center[k]+g.Reach {
				near = false
				break
			}
		}
		if near {
			g.visit(c, lo, hi, fn)
		}
	}
}

// visit reports the members of occupied cell c within [lo, hi).
func (g *Grid) visit(c, lo, hi int, fn func(j int)) {
	members := g.Members(c)
	start, _ := slices.BinarySearch(members, uint32(lo)) //nolint:gosec
	for _, j := range members[start:] {
		if int(j) >= hi {
			return
		}
		fn(int(j))
	}
}
