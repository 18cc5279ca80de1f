package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		sum  uint64
	}{
		{"empty", []byte{}, 0xef46db3751d8e999},
		{"short", []byte("test"), 0x4fdcca5ddb678139},
		{"another", []byte("another test string"), 0x212a22f593810bec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.sum, Checksum(tt.data))
		})
	}
}

func TestChecksum_DetectsSingleBitFlip(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	before := Checksum(payload)
	payload[1234] ^= 0x10
	require.NotEqual(t, before, Checksum(payload))
}

func TestFingerprint(t *testing.T) {
	a := NewFingerprint().Float64(0.5).Int(3).Bool(true).String("euclidean").Sum()
	b := NewFingerprint().Float64(0.5).Int(3).Bool(true).String("euclidean").Sum()
	require.Equal(t, a, b)

	c := NewFingerprint().Float64(0.5).Int(3).Bool(false).String("euclidean").Sum()
	require.NotEqual(t, a, c)

	// length prefix keeps adjacent strings from aliasing
	d := NewFingerprint().String("ab").String("c").Sum()
	e := NewFingerprint().String("a").String("bc").Sum()
	require.NotEqual(t, d, e)
}

func BenchmarkChecksum(b *testing.B) {
	payload := make([]byte, 64*1024)
	b.SetBytes(int64(len(payload)))
	for b.Loop() {
		Checksum(payload)
	}
}
