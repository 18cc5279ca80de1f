package matrix

import (
	"fmt"
	"math/bits"

	"github.com/arloliu/rqa/format"
)

// Values holds the recurrence flags of one tile.
//
// Column returns the recurrent local rows of local column x in ascending
// order. The returned slice may alias internal storage or dst; it is only
// valid until the next call and must not be modified.
type Values interface {
	Type() format.MatrixType
	Dims() (dimX, dimY int)
	Column(x int, dst []uint32) []uint32
	// Count returns the number of recurrent cells.
	Count() int
	// Size returns the byte size of the representation on the device.
	Size() int
}

// Dense stores one byte per cell, column-major: Flags[x*dimY+y].
type Dense struct {
	dimX, dimY int
	Flags      []byte
}

var _ Values = (*Dense)(nil)

// NewDense allocates a cleared dense tile.
func NewDense(dimX, dimY int) *Dense {
	return &Dense{dimX: dimX, dimY: dimY, Flags: make([]byte, dimX*dimY)}
}

// WrapDense wraps flags as a dense tile without copying.
func WrapDense(dimX, dimY int, flags []byte) (*Dense, error) {
	if len(flags) != dimX*dimY {
		return nil, fmt.Errorf("dense tile %dx%d: got %d bytes", dimX, dimY, len(flags))
	}

	return &Dense{dimX: dimX, dimY: dimY, Flags: flags}, nil
}

func (m *Dense) Type() format.MatrixType { return format.MatrixDense }

func (m *Dense) Dims() (int, int) { return m.dimX, m.dimY }

func (m *Dense) Size() int { return len(m.Flags) }

func (m *Dense) Set(x, y int) { m.Flags[x*m.dimY+y] = 1 }

func (m *Dense) Get(x, y int) bool { return m.Flags[x*m.dimY+y] != 0 }

func (m *Dense) Column(x int, dst []uint32) []uint32 {
	dst = dst[:0]
	for y, f := range m.Flags[x*m.dimY : (x+1)*m.dimY] {
		if f != 0 {
			dst = append(dst, uint32(y)) //nolint:gosec
		}
	}

	return dst
}

func (m *Dense) Count() int {
	n := 0
	for _, f := range m.Flags {
		if f != 0 {
			n++
		}
	}

	return n
}

// Bitset stores one bit per cell. Column x occupies WordsPerColumn(dimY)
// consecutive words; row y is bit y%64 of word y/64.
type Bitset struct {
	dimX, dimY int
	stride     int
	Words      []uint64
}

var _ Values = (*Bitset)(nil)

// WordsPerColumn returns the number of 64-bit words per bitset column.
func WordsPerColumn(dimY int) int {
	return (dimY + 63) / 64
}

// NewBitset allocates a cleared bitset tile.
func NewBitset(dimX, dimY int) *Bitset {
	stride := WordsPerColumn(dimY)
	return &Bitset{dimX: dimX, dimY: dimY, stride: stride, Words: make([]uint64, dimX*stride)}
}

// WrapBitset wraps words as a bitset tile without copying.
func WrapBitset(dimX, dimY int, words []uint64) (*Bitset, error) {
	stride := WordsPerColumn(dimY)
	if len(words) != dimX*stride {
		return nil, fmt.Errorf("bitset tile %dx%d: got %d words, want %d", dimX, dimY, len(words), dimX*stride)
	}

	return &Bitset{dimX: dimX, dimY: dimY, stride: stride, Words: words}, nil
}

func (m *Bitset) Type() format.MatrixType { return format.MatrixBitset }

func (m *Bitset) Dims() (int, int) { return m.dimX, m.dimY }

func (m *Bitset) Size() int { return len(m.Words) * 8 }

func (m *Bitset) Set(x, y int) { m.Words[x*m.stride+y/64] |= 1 << (uint(y) % 64) }

func (m *Bitset) Get(x, y int) bool { return m.Words[x*m.stride+y/64]&(1<<(uint(y)%64)) != 0 }

func (m *Bitset) Column(x int, dst []uint32) []uint32 {
	dst = dst[:0]
	for w, word := range m.Words[x*m.stride : (x+1)*m.stride] {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			dst = append(dst, uint32(w*64+b)) //nolint:gosec
			word &= word - 1
		}
	}

	return dst
}

func (m *Bitset) Count() int {
	n := 0
	for _, w := range m.Words {
		n += bits.OnesCount64(w)
	}

	return n
}

// CSC stores recurrent rows in compressed sparse column form: the rows of
// column x are Indices[Indptr[x]:Indptr[x+1]], ascending.
type CSC struct {
	dimX, dimY int
	Indptr     []uint32
	Indices    []uint32
}

var _ Values = (*CSC)(nil)

// NewCSC wraps indptr and indices after checking their shape.
func NewCSC(dimX, dimY int, indptr, indices []uint32) (*CSC, error) {
	if len(indptr) != dimX+1 {
		return nil, fmt.Errorf("csc tile %dx%d: indptr has %d entries, want %d", dimX, dimY, len(indptr), dimX+1)
	}
	if indptr[0] != 0 || int(indptr[dimX]) != len(indices) {
		return nil, fmt.Errorf("csc tile %dx%d: indptr spans [%d, %d], indices has %d entries",
			dimX, dimY, indptr[0], indptr[dimX], len(indices))
	}

	return &CSC{dimX: dimX, dimY: dimY, Indptr: indptr, Indices: indices}, nil
}

func (m *CSC) Type() format.MatrixType { return format.MatrixSparse }

func (m *CSC) Dims() (int, int) { return m.dimX, m.dimY }

func (m *CSC) Size() int { return (len(m.Indptr) + len(m.Indices)) * 4 }

func (m *CSC) Count() int { return len(m.Indices) }

// Column returns a sub-slice of Indices; dst is unused.
func (m *CSC) Column(x int, _ []uint32) []uint32 {
	return m.Indices[m.Indptr[x]:m.Indptr[x+1]]
}

// Validate checks that indptr is monotone and every column is strictly
// ascending and within the tile.
func (m *CSC) Validate() error {
	for x := range m.dimX {
		lo, hi := m.Indptr[x], m.Indptr[x+1]
		if lo > hi {
			return fmt.Errorf("csc column %d: indptr decreases", x)
		}
		for i := lo; i < hi; i++ {
			if int(m.Indices[i]) >= m.dimY {
				return fmt.Errorf("csc column %d: row %d out of range", x, m.Indices[i])
			}
			if i > lo && m.Indices[i-1] >= m.Indices[i] {
				return fmt.Errorf("csc column %d: rows not ascending", x)
			}
		}
	}

	return nil
}

// ToCSC converts any representation to CSC.
func ToCSC(v Values) *CSC {
	if c, ok := v.(*CSC); ok {
		return c
	}

	dimX, dimY := v.Dims()
	out := &CSC{dimX: dimX, dimY: dimY, Indptr: make([]uint32, dimX+1)}
	var col []uint32
	for x := range dimX {
		col = v.Column(x, col)
		out.Indices = append(out.Indices, col...)
		out.Indptr[x+1] = uint32(len(out.Indices)) //nolint:gosec
	}

	return out
}

// ResultSize returns the device bytes needed for a tile's result buffer.
// For MatrixSparse it covers the column pointers only; row indices are sized
// once the recurrent count is known (see SparseIndicesSize).
func ResultSize(t format.MatrixType, dimX, dimY int) int64 {
	switch t {
	case format.MatrixBitset:
		return int64(dimX) * int64(WordsPerColumn(dimY)) * 8
	case format.MatrixSparse:
		return int64(dimX+1) * 4
	default:
		return int64(dimX) * int64(dimY)
	}
}

// SparseIndicesSize returns the device bytes needed for nnz row indices.
func SparseIndicesSize(nnz int) int64 {
	return int64(nnz) * 4
}
