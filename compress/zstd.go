package compress

// ZstdCompressor provides Zstandard compression of tile results.
//
// It gives the best ratio of the built-in codecs and suits large sparse tiles
// where transfer volume dominates. The default build uses the pure Go
// klauspost/compress implementation; building with cgo and the gozstd tag
// switches to libzstd through valyala/gozstd. Both produce standard zstd
// frames, so either side can decode the other.
type ZstdCompressor struct{}

var _ Codec = (*ZstdCompressor)(nil)

// NewZstdCompressor creates a new Zstd compressor with default settings.
func NewZstdCompressor() ZstdCompressor {
	return ZstdCompressor{}
}
