package pool

import "sync"

// Typed slice pools for kernel scratch space. Each Get returns a slice of the
// requested length and a cleanup function that returns it to the pool.
var (
	float64SlicePool = sync.Pool{
		New: func() any {
			s := make([]float64, 0, 1024)
			return &s
		},
	}
	int32SlicePool = sync.Pool{
		New: func() any {
			s := make([]int32, 0, 1024)
			return &s
		},
	}
)

// GetFloat64Slice returns a []float64 of length size. Contents are not zeroed.
//
// Example:
//
//	coords, done := pool.GetFloat64Slice(count * dim)
//	defer done()
func GetFloat64Slice(size int) ([]float64, func()) {
	ptr, _ := float64SlicePool.Get().(*[]float64)
	if cap(*ptr) < size {
		*ptr = make([]float64, size)
	}
	*ptr = (*ptr)[:size]

	return *ptr, func() { float64SlicePool.Put(ptr) }
}

// GetInt32Slice returns a zeroed []int32 of length size.
func GetInt32Slice(size int) ([]int32, func()) {
	ptr, _ := int32SlicePool.Get().(*[]int32)
	if cap(*ptr) < size {
		*ptr = make([]int32, size)
	}
	*ptr = (*ptr)[:size]
	clear(*ptr)

	return *ptr, func() { int32SlicePool.Put(ptr) }
}
