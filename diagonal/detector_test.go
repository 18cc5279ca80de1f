package diagonal

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rqa/errs"
	"github.com/arloliu/rqa/matrix"
	"github.com/arloliu/rqa/tiling"
)

// recurrence is a global boolean matrix indexed [x][y].
type recurrence [][]bool

func newRecurrence(nx, ny int) recurrence {
	r := make(recurrence, nx)
	for x := range r {
		r[x] = make([]bool, ny)
	}

	return r
}

func randomRecurrence(rng *rand.Rand, nx, ny int, density float64, symmetric bool) recurrence {
	r := newRecurrence(nx, ny)
	for x := range nx {
		for y := range ny {
			if symmetric && y > x {
				continue
			}
			// favour diagonal structure so runs cross seams
			if rng.Float64() < density || (x > 0 && y > 0 && r[x-1][y-1] && rng.Float64() < 0.7) {
				r[x][y] = true
			}
		}
	}
	if symmetric {
		for x := range nx {
			for y := x + 1; y < ny; y++ {
				r[x][y] = r[y][x]
			}
		}
	}

	return r
}

// reference counts diagonal lines of the whole matrix in one pass.
func reference(r recurrence, theiler int) ([]uint64, uint64) {
	nx, ny := len(r), len(r[0])
	var hist []uint64
	var points uint64
	record := func(l int) {
		for len(hist) <= l {
			hist = append(hist, 0)
		}
		hist[l]++
	}
	for d := -(ny - 1); d <= nx-1; d++ {
		if abs(d) <= theiler {
			continue
		}
		run := 0
		for y := max(0, -d); y < ny && y+d < nx; y++ {
			if r[y+d][y] {
				run++
				points++
				continue
			}
			if run > 0 {
				record(run)
			}
			run = 0
		}
		if run > 0 {
			record(run)
		}
	}

	return hist, points
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}

func tileValues(r recurrence, sub *matrix.SubMatrix) *matrix.Dense {
	v := matrix.NewDense(sub.DimX, sub.DimY)
	for x := sub.StartX; x < sub.EndX(); x++ {
		for y := sub.StartY; y < sub.EndY(); y++ {
			if r[x][y] && sub.Contains(x, y) {
				v.Set(x-sub.StartX, y-sub.StartY)
			}
		}
	}

	return v
}

// run detects every tile of s in order and folds the histograms, mirroring
// them for symmetric schedules.
func run(t *testing.T, r recurrence, s *tiling.Schedule, theiler int) ([]uint64, Counts) {
	t.Helper()
	store := NewCarryover(s.NX, s.NY)
	det := NewDetector(s.NX, s.NY, theiler, s.Symmetric, store)

	var hist []uint64
	var total Counts
	for _, sub := range s.Tiles() {
		counts, err := det.Detect(sub, tileValues(r, sub))
		require.NoError(t, err)
		total.Add(counts)
		for l, n := range sub.DiagonalFrequencyDistribution {
			for len(hist) <= l {
				hist = append(hist, 0)
			}
			if s.Symmetric {
				n *= 2
			}
			hist[l] += n
		}
	}
	require.Zero(t, store.Pending(), "every carryover consumed")

	return trim(hist), total
}

func trim(h []uint64) []uint64 {
	for len(h) > 0 && h[len(h)-1] == 0 {
		h = h[:len(h)-1]
	}

	return h
}

func weighted(h []uint64) uint64 {
	var sum uint64
	for l, n := range h {
		sum += uint64(l) * n
	}

	return sum
}

func TestDetect_MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	shapes := []struct {
		nx, ny, tx, ty int
	}{
		{12, 12, 12, 12},
		{17, 13, 5, 4},
		{30, 30, 8, 8},
		{25, 9, 3, 7},
		{9, 25, 4, 2},
		{20, 20, 1, 1},
	}
	for _, theiler := range []int{0, 1, 3} {
		for _, sh := range shapes {
			r := randomRecurrence(rng, sh.nx, sh.ny, 0.15, false)
			wantHist, wantPoints := reference(r, theiler)

			s, err := tiling.PlanFixed(sh.nx, sh.ny, sh.tx, sh.ty, false)
			require.NoError(t, err)
			hist, counts := run(t, r, s, theiler)

			require.Equal(t, trim(wantHist), hist, "shape %v theiler %d", sh, theiler)
			require.Equal(t, wantPoints, counts.InScope)
			require.Equal(t, counts.InScope, weighted(hist), "no point lost at seams")
		}
	}
}

func TestDetect_TileSizeInvariance(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	r := randomRecurrence(rng, 40, 40, 0.1, false)

	s, err := tiling.PlanFixed(40, 40, 16, 16, false)
	require.NoError(t, err)
	full, _ := run(t, r, s, 1)

	half, err := s.Halve()
	require.NoError(t, err)
	halved, _ := run(t, r, half, 1)

	require.Equal(t, full, halved)
}

func TestDetect_SymmetricMatchesAsymmetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	for _, tile := range []int{5, 8, 21} {
		r := randomRecurrence(rng, 21, 21, 0.12, true)

		asym, err := tiling.PlanFixed(21, 21, tile, tile, false)
		require.NoError(t, err)
		sym, err := tiling.PlanFixed(21, 21, tile, tile, true)
		require.NoError(t, err)

		want, asymCounts := run(t, r, asym, 1)
		got, symCounts := run(t, r, sym, 1)
		require.Equal(t, want, got, "tile %d", tile)
		require.Equal(t, asymCounts.InScope, 2*symCounts.InScope)
		require.Equal(t, asymCounts.Recurrent, 2*symCounts.Recurrent-symCounts.MainDiagonal)
	}
}

func TestDetect_LineOfTileLengthAcrossSeam(t *testing.T) {
	const size, tile = 24, 8
	r := newRecurrence(size, size)
	// diagonal d=2 from (9, 7), the last row of the first tile row, to (16, 14)
	for i := range tile {
		r[9+i][7+i] = true
	}

	s, err := tiling.PlanFixed(size, size, tile, tile, false)
	require.NoError(t, err)
	hist, counts := run(t, r, s, 1)

	want := make([]uint64, tile+1)
	want[tile] = 1
	require.Equal(t, want, hist)
	require.Equal(t, uint64(tile), counts.InScope)
}

func TestDetect_CarryoverBuffers(t *testing.T) {
	r := newRecurrence(8, 8)
	r[5][2], r[6][3], r[7][4] = true, true, true // d=3, crosses x=6

	s, err := tiling.PlanFixed(8, 8, 6, 8, false)
	require.NoError(t, err)
	first := s.Tiles()[0]
	store := NewCarryover(8, 8)
	det := NewDetector(8, 8, 0, false, store)

	_, err = det.Detect(first, tileValues(r, first))
	require.NoError(t, err)
	k := first.LocalDiagonal(3)
	require.Equal(t, uint32(1), first.DiagonalLengthCarryover[k])
	require.Equal(t, 2, first.DiagonalIndexCarryover[k])

	st, ok := store.Peek(3)
	require.True(t, ok)
	require.Equal(t, State{Start: 2, Length: 1, NextX: 6}, st)
	require.Empty(t, trim(first.DiagonalFrequencyDistribution))

	second := s.Tiles()[1]
	_, err = det.Detect(second, tileValues(r, second))
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 0, 0, 1}, trim(second.DiagonalFrequencyDistribution))
}

func TestDetect_OutOfOrder(t *testing.T) {
	r := newRecurrence(8, 8)
	s, err := tiling.PlanFixed(8, 8, 4, 4, false)
	require.NoError(t, err)

	det := NewDetector(8, 8, 0, false, NewCarryover(8, 8))
	last := s.Tiles()[s.Len()-1]
	_, err = det.Detect(last, tileValues(r, last))
	require.ErrorIs(t, err, errs.ErrCarryoverConsistency)
}

func TestDetect_Twice(t *testing.T) {
	r := newRecurrence(8, 8)
	s, err := tiling.PlanFixed(8, 8, 4, 4, false)
	require.NoError(t, err)

	det := NewDetector(8, 8, 0, false, NewCarryover(8, 8))
	first := s.Tiles()[0]
	_, err = det.Detect(first, tileValues(r, first))
	require.NoError(t, err)
	_, err = det.Detect(first, tileValues(r, first))
	require.ErrorIs(t, err, errs.ErrCarryoverConsistency, "second pass writes carryover twice")
}

func TestDetect_DimensionMismatch(t *testing.T) {
	det := NewDetector(4, 4, 0, false, NewCarryover(4, 4))
	_, err := det.Detect(matrix.NewSubMatrix(0, 0, 0, 4, 4), matrix.NewDense(3, 4))
	require.Error(t, err)
}

func TestInScope(t *testing.T) {
	det := NewDetector(5, 5, 1, false, nil)
	require.False(t, det.InScope(0))
	require.False(t, det.InScope(-1))
	require.True(t, det.InScope(-2))
	require.True(t, det.InScope(2))

	sym := NewDetector(5, 5, 0, true, nil)
	require.False(t, sym.InScope(0))
	require.False(t, sym.InScope(-3))
	require.True(t, sym.InScope(1))
}

func BenchmarkDetect(b *testing.B) {
	rng := rand.New(rand.NewPCG(1, 1))
	r := randomRecurrence(rng, 256, 256, 0.05, false)
	sub := matrix.NewSubMatrix(0, 0, 0, 256, 256)
	values := matrix.ToCSC(tileValues(r, sub))
	for b.Loop() {
		det := NewDetector(256, 256, 1, false, NewCarryover(256, 256))
		_, _ = det.Detect(sub, values)
	}
}
