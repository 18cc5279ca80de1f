package matrix

import (
	"github.com/arloliu/rqa/endian"
)

var engine = endian.GetLittleEndianEngine()

// DecodeBitset copies little-endian words fetched from the device into a tile.
func DecodeBitset(dimX, dimY int, raw []byte) (*Bitset, error) {
	return WrapBitset(dimX, dimY, endian.DecodeUint64s(engine, make([]uint64, 0, len(raw)/8), raw))
}

// DecodeCSC interprets little-endian indptr and indices buffers fetched from
// the device. On little-endian hosts the result aliases the raw buffers.
func DecodeCSC(dimX, dimY int, rawIndptr, rawIndices []byte) (*CSC, error) {
	return NewCSC(dimX, dimY, decodeUint32s(rawIndptr), decodeUint32s(rawIndices))
}

func decodeUint32s(raw []byte) []uint32 {
	if view, ok := endian.Uint32View(raw); ok {
		return view
	}

	return endian.DecodeUint32s(engine, make([]uint32, 0, len(raw)/4), raw)
}

// EncodeCSC appends the little-endian form of c's indptr and indices.
func EncodeCSC(c *CSC, indptr, indices []byte) ([]byte, []byte) {
	return endian.AppendUint32s(engine, indptr, c.Indptr), endian.AppendUint32s(engine, indices, c.Indices)
}

// EncodeBitset appends the little-endian form of b's words.
func EncodeBitset(b *Bitset, dst []byte) []byte {
	return endian.AppendUint64s(engine, dst, b.Words)
}
