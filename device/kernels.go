package device

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/rqa/endian"
	"github.com/arloliu/rqa/format"
	"github.com/arloliu/rqa/grid"
	"github.com/arloliu/rqa/matrix"
	"github.com/arloliu/rqa/neighbourhood"
)

// kernel executes over workSize work items, fanning out to at most units
// goroutines. mem holds the bound buffers in KernelArgs order.
type kernel func(p KernelParams, mem [][]byte, workSize, units int) error

func builtinKernels() map[format.KernelID]kernel {
	return map[format.KernelID]kernel{
		format.KernelClear:       clearKernel,
		format.KernelBuildDense:  buildDense,
		format.KernelBuildBitset: buildBitset,
		format.KernelCountSparse: countSparse,
		format.KernelFillSparse:  fillSparse,
	}
}

var le = endian.GetLittleEndianEngine()

// Buffer positions shared by the build kernels.
const (
	argX = iota
	argY
	argCells
	argCellIDs
	argCellsStart
	argResult
	argIndices
	buildArgs = argResult + 1
)

func clearKernel(_ KernelParams, mem [][]byte, _, _ int) error {
	for _, b := range mem {
		clear(b)
	}

	return nil
}

// tileView is the host-side reading of a build kernel's input buffers.
type tileView struct {
	p    KernelParams
	dim  int
	xs   []float64
	ys   []float64
	g    *grid.Grid
	pred neighbourhood.Predicate
}

func newTileView(p KernelParams, mem [][]byte, want int) (*tileView, error) {
	if len(mem) < want {
		return nil, fmt.Errorf("got %d buffers, want %d", len(mem), want)
	}
	pred, err := neighbourhood.New(p.Metric, p.Radius)
	if err != nil {
		return nil, err
	}

	t := &tileView{
		p:    p,
		dim:  p.Grid.Dimension,
		xs:   float64s(mem[argX]),
		ys:   float64s(mem[argY]),
		pred: pred,
	}
	if len(t.xs) < p.DimX*t.dim || len(t.ys) < p.DimY*t.dim {
		return nil, fmt.Errorf("vector buffers hold %d and %d values, tile needs %d and %d",
			len(t.xs), len(t.ys), p.DimX*t.dim, p.DimY*t.dim)
	}
	t.g = grid.Assemble(p.Grid, uint32s(mem[argCells]), uint64s(mem[argCellIDs]), uint32s(mem[argCellsStart]))

	return t, nil
}

func float64s(b []byte) []float64 {
	if v, ok := endian.Float64View(b); ok {
		return v
	}

	return endian.DecodeFloat64s(le, make([]float64, 0, len(b)/8), b)
}

func uint32s(b []byte) []uint32 {
	if v, ok := endian.Uint32View(b); ok {
		return v
	}

	return endian.DecodeUint32s(le, make([]uint32, 0, len(b)/4), b)
}

func uint64s(b []byte) []uint64 {
	if v, ok := endian.Uint64View(b); ok {
		return v
	}

	return endian.DecodeUint64s(le, make([]uint64, 0, len(b)/8), b)
}

// column calls fn with the local row of every recurrent cell of local
// column x. Rows arrive grouped by grid cell, not sorted.
func (t *tileView) column(x int, fn func(y int)) {
	query := t.xs[x*t.dim : (x+1)*t.dim]
	lo, hi := t.p.StartY, t.p.StartY+t.p.DimY
	if t.p.MaskLower {
		hi = min(hi, t.p.StartX+x+1)
	}
	t.g.Candidates(query, lo, hi, func(j int) {
		y := j - t.p.StartY
		if t.pred.Recurrent(query, t.ys[y*t.dim:(y+1)*t.dim]) {
			fn(y)
		}
	})
}

// parallelColumns splits [0, workSize) into at most units contiguous ranges
// and runs fn on each concurrently.
func parallelColumns(workSize, units int, fn func(lo, hi int) error) error {
	units = max(min(units, workSize), 1)
	chunk := (workSize + units - 1) / units

	var g errgroup.Group
	for lo := 0; lo < workSize; lo += chunk {
		hi := min(lo+chunk, workSize)
		g.Go(func() error { return fn(lo, hi) })
	}

	return g.Wait()
}

func buildDense(p KernelParams, mem [][]byte, workSize, units int) error {
	t, err := newTileView(p, mem, buildArgs)
	if err != nil {
		return err
	}
	out := mem[argResult]
	if len(out) < p.DimX*p.DimY {
		return fmt.Errorf("dense result holds %d bytes, tile needs %d", len(out), p.DimX*p.DimY)
	}

	return parallelColumns(min(workSize, p.DimX), units, func(lo, hi int) error {
		for x := lo; x < hi; x++ {
			col := out[x*p.DimY : (x+1)*p.DimY]
			t.column(x, func(y int) { col[y] = 1 })
		}

		return nil
	})
}

func buildBitset(p KernelParams, mem [][]byte, workSize, units int) error {
	t, err := newTileView(p, mem, buildArgs)
	if err != nil {
		return err
	}
	stride := matrix.WordsPerColumn(p.DimY) * 8
	out := mem[argResult]
	if len(out) < p.DimX*stride {
		return fmt.Errorf("bitset result holds %d bytes, tile needs %d", len(out), p.DimX*stride)
	}

	// byte y/8, bit y%8 of a column equals bit y%64 of little-endian word y/64
	return parallelColumns(min(workSize, p.DimX), units, func(lo, hi int) error {
		for x := lo; x < hi; x++ {
			col := out[x*stride : (x+1)*stride]
			t.column(x, func(y int) { col[y/8] |= 1 << (uint(y) % 8) })
		}

		return nil
	})
}

// countSparse writes the exclusive prefix sum of per-column recurrent counts
// into the DimX+1 entry column pointer buffer.
func countSparse(p KernelParams, mem [][]byte, workSize, units int) error {
	t, err := newTileView(p, mem, buildArgs)
	if err != nil {
		return err
	}
	indptr := mem[argResult]
	if len(indptr) < (p.DimX+1)*4 {
		return fmt.Errorf("column pointers hold %d bytes, tile needs %d", len(indptr), (p.DimX+1)*4)
	}

	err = parallelColumns(min(workSize, p.DimX), units, func(lo, hi int) error {
		for x := lo; x < hi; x++ {
			var n uint32
			t.column(x, func(int) { n++ })
			le.PutUint32(indptr[(x+1)*4:], n)
		}

		return nil
	})
	if err != nil {
		return err
	}

	le.PutUint32(indptr, 0)
	var sum uint32
	for x := 1; x <= p.DimX; x++ {
		sum += le.Uint32(indptr[x*4:])
		le.PutUint32(indptr[x*4:], sum)
	}

	return nil
}

// fillSparse writes each column's recurrent rows, ascending, at the offsets
// computed by countSparse.
func fillSparse(p KernelParams, mem [][]byte, workSize, units int) error {
	t, err := newTileView(p, mem, argIndices+1)
	if err != nil {
		return err
	}
	indptr, indices := mem[argResult], mem[argIndices]
	nnz := le.Uint32(indptr[p.DimX*4:])
	if len(indices) < int(nnz)*4 {
		return fmt.Errorf("row indices hold %d bytes, tile needs %d", len(indices), nnz*4)
	}

	return parallelColumns(min(workSize, p.DimX), units, func(lo, hi int) error {
		var rows []uint32
		for x := lo; x < hi; x++ {
			rows = rows[:0]
			t.column(x, func(y int) { rows = append(rows, uint32(y)) }) //nolint:gosec
			slices.Sort(rows)

			start, end := le.Uint32(indptr[x*4:]), le.Uint32(indptr[(x+1)*4:])
			if int(end-start) != len(rows) {
				return fmt.Errorf("column %d: counted %d rows, found %d", x, end-start, len(rows))
			}
			for i, y := range rows {
				le.PutUint32(indices[(int(start)+i)*4:], y)
			}
		}

		return nil
	})
}
