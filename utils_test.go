package slaballoc

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignedSize(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(64), alignedSize(64, 8))
	assert.Equal(uint32(72), alignedSize(65, 8))
	assert.Equal(uint32(8), alignedSize(1, 8))
}

func TestGenerateAllocSizes(t *testing.T) {
	assert := assert.New(t)

	sizes, err := GenerateAllocSizes(2.0, 1024, 64, 4096, 32, false)
	assert.NoError(err)
	assert.Equal([]uint32{64, 128, 256, 512, 1024}, sizes)

	// a pool built from generated sizes passes its own validation.
	s, err := NewSlabAllocator(testOptions)
	assert.NoError(err)
	_, err = NewMemoryPool(0, 1<<20, s, sizes)
	assert.NoError(err)
}

func TestGenerateAllocSizesProperties(t *testing.T) {
	assert := assert.New(t)

	for _, factor := range []float64{1.08, 1.25, 1.5} {
		for _, frag := range []bool{false, true} {
			sizes, err := GenerateAllocSizes(factor, 4096, 64, 4096, 64, frag)
			assert.NoError(err)
			assert.NotEmpty(sizes)
			assert.True(sort.SliceIsSorted(sizes, func(i, j int) bool {
				return sizes[i] < sizes[j]
			}))
			assert.Equal(uint32(4096), sizes[len(sizes)-1])
			for i, size := range sizes {
				assert.Zero(size%sizeAlignment, "factor %v size %d", factor, size)
				assert.GreaterOrEqual(size, uint32(64))
				if i > 0 {
					assert.Greater(size, sizes[i-1])
				}
			}
		}
	}
}

func TestGenerateAllocSizesCap(t *testing.T) {
	assert := assert.New(t)
	sizes, err := GenerateAllocSizes(1.08, 4096, 64, 4096, 8, false)
	assert.NoError(err)
	assert.LessOrEqual(len(sizes), 8)
	assert.Equal(uint32(4096), sizes[len(sizes)-1])
}

func TestGenerateAllocSizesErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := GenerateAllocSizes(2.0, 8192, 64, 4096, 32, false)
	assert.ErrorIs(err, ErrInvalidArgument)
	_, err = GenerateAllocSizes(1.0, 1024, 64, 4096, 32, false)
	assert.ErrorIs(err, ErrInvalidArgument)

	// a zero or inverted minimum never reaches the series walk.
	_, err = GenerateAllocSizes(2.0, 1024, 0, 4096, 32, false)
	assert.ErrorIs(err, ErrInvalidArgument)
	_, err = GenerateAllocSizes(2.0, 64, 128, 4096, 32, false)
	assert.ErrorIs(err, ErrInvalidArgument)

	// a factor too small to ever grow an aligned size.
	_, err = GenerateAllocSizes(1.01, 1024, 64, 4096, 32, false)
	assert.ErrorIs(err, ErrInvalidArgument)
}
