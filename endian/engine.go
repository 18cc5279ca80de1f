// Package endian provides the byte order used for host-device transfers.
//
// Every buffer that crosses the host-device boundary is little-endian. The
// EndianEngine interface combines binary.ByteOrder and binary.AppendByteOrder
// so callers can both append into pooled staging buffers and read in place:
//
//	engine := endian.GetLittleEndianEngine()
//	buf = endian.AppendFloat64s(engine, buf, coords)
//	coords = endian.DecodeFloat64s(engine, coords[:0], buf)
//
// On little-endian hosts, Float64View and Uint32View reinterpret a staged
// buffer without copying.
//
// All functions in this package are safe for concurrent use.
package endian

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// EndianEngine combines ByteOrder and AppendByteOrder from encoding/binary.
// It is satisfied by binary.LittleEndian and binary.BigEndian.
type EndianEngine interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// CheckEndianness determines the host byte order.
func CheckEndianness() binary.ByteOrder {
	// 0x0100: little-endian hosts store the low byte (0x00) first.
	var i uint16 = 0x0100
	b := (*[2]byte)(unsafe.Pointer(&i))
	if b[0] == 0x01 {
		return binary.BigEndian
	}

	return binary.LittleEndian
}

func IsNativeLittleEndian() bool {
	return CheckEndianness() == binary.LittleEndian
}

func CompareNativeEndian(engine EndianEngine) bool {
	return engine == CheckEndianness()
}

// GetLittleEndianEngine returns the little-endian engine, the transfer format.
func GetLittleEndianEngine() EndianEngine {
	return binary.LittleEndian
}

// GetBigEndianEngine returns the big-endian engine.
func GetBigEndianEngine() EndianEngine {
	return binary.BigEndian
}

// AppendFloat64s appends the IEEE 754 bits of every value in src to dst.
func AppendFloat64s(engine EndianEngine, dst []byte, src []float64) []byte {
	if CompareNativeEndian(engine) && len(src) > 0 {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&src[0])), len(src)*8)
		return append(dst, raw...)
	}
	for _, v := range src {
		dst = engine.AppendUint64(dst, math.Float64bits(v))
	}

	return dst
}

// DecodeFloat64s appends the float64 values stored in src to dst.
// Trailing bytes that do not form a full value are ignored.
func DecodeFloat64s(engine EndianEngine, dst []float64, src []byte) []float64 {
	n := len(src) / 8
	for i := range n {
		dst = append(dst, math.Float64frombits(engine.Uint64(src[i*8:])))
	}

	return dst
}

// AppendUint32s appends every value in src to dst.
func AppendUint32s(engine EndianEngine, dst []byte, src []uint32) []byte {
	for _, v := range src {
		dst = engine.AppendUint32(dst, v)
	}

	return dst
}

// DecodeUint32s appends the uint32 values stored in src to dst.
func DecodeUint32s(engine EndianEngine, dst []uint32, src []byte) []uint32 {
	n := len(src) / 4
	for i := range n {
		dst = append(dst, engine.Uint32(src[i*4:]))
	}

	return dst
}

// AppendUint64s appends every value in src to dst.
func AppendUint64s(engine EndianEngine, dst []byte, src []uint64) []byte {
	for _, v := range src {
		dst = engine.AppendUint64(dst, v)
	}

	return dst
}

// DecodeUint64s appends the uint64 values stored in src to dst.
func DecodeUint64s(engine EndianEngine, dst []uint64, src []byte) []uint64 {
	n := len(src) / 8
	for i := range n {
		dst = append(dst, engine.Uint64(src[i*8:]))
	}

	return dst
}

// Float64View reinterprets a little-endian buffer as []float64 without copying.
// It reports false when the host is big-endian, the length is not a multiple
// of 8, or the buffer is misaligned; callers then fall back to DecodeFloat64s.
//
// The view aliases src and is only valid while src is.
func Float64View(src []byte) ([]float64, bool) {
	if len(src) == 0 {
		return nil, true
	}
	if !IsNativeLittleEndian() || len(src)%8 != 0 || uintptr(unsafe.Pointer(&src[0]))%8 != 0 {
		return nil, false
	}

	return unsafe.Slice((*float64)(unsafe.Pointer(&src[0])), len(src)/8), true
}

// Uint32View reinterprets a little-endian buffer as []uint32 without copying.
// Same rules as Float64View.
func Uint32View(src []byte) ([]uint32, bool) {
	if len(src) == 0 {
		return nil, true
	}
	if !IsNativeLittleEndian() || len(src)%4 != 0 || uintptr(unsafe.Pointer(&src[0]))%4 != 0 {
		return nil, false
	}

	return unsafe.Slice((*uint32)(unsafe.Pointer(&src[0])), len(src)/4), true
}

// Uint64View reinterprets a little-endian buffer as []uint64 without copying.
// Same rules as Float64View.
func Uint64View(src []byte) ([]uint64, bool) {
	if len(src) == 0 {
		return nil, true
	}
	if !IsNativeLittleEndian() || len(src)%8 != 0 || uintptr(unsafe.Pointer(&src[0]))%8 != 0 {
		return nil, false
	}

	return unsafe.Slice((*uint64)(unsafe.Pointer(&src[0])), len(src)/8), true
}
