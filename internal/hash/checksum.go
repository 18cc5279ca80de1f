package hash

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Checksum computes the xxHash64 of a transfer payload.
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Fingerprint accumulates a stable 64-bit digest over analysis parameters.
// The zero value is not usable; create one with NewFingerprint.
type Fingerprint struct {
	d   *xxhash.Digest
	buf [8]byte
}

// NewFingerprint returns an empty fingerprint.
func NewFingerprint() *Fingerprint {
	return &Fingerprint{d: xxhash.New()}
}

// Uint64 mixes v into the fingerprint.
func (f *Fingerprint) Uint64(v uint64) *Fingerprint {
	binary.LittleEndian.PutUint64(f.buf[:], v)
	_, _ = f.d.Write(f.buf[:])

	return f
}

// Int mixes v into the fingerprint.
func (f *Fingerprint) Int(v int) *Fingerprint {
	return f.Uint64(uint64(int64(v)))
}

// Float64 mixes the IEEE 754 bits of v into the fingerprint.
func (f *Fingerprint) Float64(v float64) *Fingerprint {
	return f.Uint64(math.Float64bits(v))
}

// Bool mixes v into the fingerprint.
func (f *Fingerprint) Bool(v bool) *Fingerprint {
	if v {
		return f.Uint64(1)
	}

	return f.Uint64(0)
}

// String mixes s into the fingerprint.
func (f *Fingerprint) String(s string) *Fingerprint {
	f.Int(len(s))
	_, _ = f.d.WriteString(s)

	return f
}

// Sum returns the digest of everything mixed so far.
func (f *Fingerprint) Sum() uint64 {
	return f.d.Sum64()
}
