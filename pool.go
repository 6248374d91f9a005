package ghist

import (
	"sync"
)

// Uint32Slice is a pooled uint32 slice for per-worker counting buffers.
// Call Release() when done to return it to the pool. Contents are not
// cleared between uses; callers must initialize what they read.
type Uint32Slice struct {
	Data []uint32
	pool *sync.Pool
}

// Release returns the slice to the pool for reuse
func (s *Uint32Slice) Release() {
	if s.pool != nil && s.Data != nil {
		s.pool.Put(s)
	}
}

// GradPairSlice is a pooled gradient-pair slice for histogram scratch rows.
// Contents are not cleared between uses; zero the range you accumulate into.
type GradPairSlice struct {
	Data []GradPair
	pool *sync.Pool
}

// Release returns the slice to the pool for reuse
func (s *GradPairSlice) Release() {
	if s.pool != nil && s.Data != nil {
		s.pool.Put(s)
	}
}

// Pool sizes - we use power-of-2 buckets for efficiency
var (
	uint32Pools   [32]*sync.Pool // pools for sizes 2^0 to 2^31
	gradPairPools [32]*sync.Pool
	poolInit      sync.Once
)

func initPools() {
	poolInit.Do(func() {
		for i := range uint32Pools {
			size := 1 << i
			uint32Pools[i] = &sync.Pool{
				New: func() interface{} {
					return &Uint32Slice{
						Data: make([]uint32, size),
					}
				},
			}
			gradPairPools[i] = &sync.Pool{
				New: func() interface{} {
					return &GradPairSlice{
						Data: make([]GradPair, size),
					}
				},
			}
		}
	})
}

// getBucket returns the pool bucket index for a given size
func getBucket(size int) int {
	if size <= 0 {
		return 0
	}
	// Find the smallest power of 2 >= size
	bucket := 0
	n := size - 1
	for n > 0 {
		n >>= 1
		bucket++
	}
	if bucket >= 32 {
		bucket = 31
	}
	return bucket
}

// getUint32Slice gets a uint32 slice from the pool with at least 'size' capacity
func getUint32Slice(size int) *Uint32Slice {
	initPools()
	bucket := getBucket(size)
	pool := uint32Pools[bucket]
	slice := pool.Get().(*Uint32Slice)
	slice.pool = pool

	// If we need more than the bucket size, allocate new
	poolSize := 1 << bucket
	if size > poolSize {
		slice.Data = make([]uint32, size)
	} else if len(slice.Data) != size {
		slice.Data = slice.Data[:size]
	}

	return slice
}

// GetGradPairSlice gets a gradient-pair slice of length 'size' from the pool.
func GetGradPairSlice(size int) *GradPairSlice {
	initPools()
	bucket := getBucket(size)
	pool := gradPairPools[bucket]
	slice := pool.Get().(*GradPairSlice)
	slice.pool = pool

	poolSize := 1 << bucket
	if size > poolSize {
		slice.Data = make([]GradPair, size)
	} else if len(slice.Data) != size {
		slice.Data = slice.Data[:size]
	}

	return slice
}
