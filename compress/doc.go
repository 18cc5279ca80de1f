// Package compress provides the codecs applied to tile results on their way
// back from the device.
//
// Recurrence tiles are usually sparse: a dense tile is mostly zero bytes and a
// bitset tile mostly zero words, so even fast codecs shrink them well. The
// compressed payload is what the transfer-out runtime and the transfer byte
// metrics measure.
//
// Supported algorithms (format.CompressionType):
//   - None: payload passed through untouched
//   - Zstd: best ratio; pure Go by default, cgo libzstd with the gozstd build tag
//   - S2: balanced speed and ratio
//   - LZ4: fastest decompression
//
// Usage:
//
//	codec, err := compress.GetCodec(format.CompressionS2)
//	if err != nil {
//		return err
//	}
//	packed, err := codec.Compress(tileBytes)
//	...
//	tileBytes, err = codec.Decompress(packed)
//
// All built-in codecs are safe for concurrent use.
package compress
