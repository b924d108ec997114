package slaballoc

import "fmt"

// alignment every allocation class size is rounded to.
const sizeAlignment = 8

func alignedSize(size, alignment uint32) uint32 {
	rem := size % alignment
	if rem == 0 {
		return size
	}
	return size + alignment - rem
}

// GenerateAllocSizes produces a sorted geometric series of allocation class
// sizes between minSize and maxSize, each aligned. With reduceFragmentation
// every step also increases the number of chunks per slab and then grows the
// size back to the maximum that keeps that chunk count, trimming per-slab
// wastage.
func GenerateAllocSizes(factor float64, maxSize, minSize, slabSize uint32,
	maxClasses int, reduceFragmentation bool) ([]uint32, error) {
	if maxSize > slabSize {
		return nil, fmt.Errorf("%w: max alloc size %d is more than the slab size %d",
			ErrInvalidArgument, maxSize, slabSize)
	}
	if minSize == 0 || minSize > maxSize {
		return nil, fmt.Errorf("%w: min alloc size %d out of range for max %d",
			ErrInvalidArgument, minSize, maxSize)
	}
	if factor <= 1.0 {
		return nil, fmt.Errorf("%w: invalid factor %v", ErrInvalidArgument, factor)
	}

	// next size under fragmentation reduction: grow until the chunks per
	// slab change, then take the largest size keeping that chunk count.
	nextSize := func(prevSize uint32) (uint32, error) {
		newSize := prevSize
		for {
			tmp := newSize
			newSize = alignedSize(uint32(float64(newSize)*factor), sizeAlignment)
			if newSize == tmp {
				return 0, fmt.Errorf("%w: factor %v too small to grow size %d",
					ErrInvalidArgument, factor, tmp)
			}
			if newSize > slabSize {
				return newSize, nil
			}
			if slabSize/newSize != slabSize/prevSize {
				break
			}
		}
		perSlab := slabSize / newSize
		maxChunk := slabSize / perSlab
		return maxChunk - maxChunk%sizeAlignment, nil
	}

	var sizes []uint32
	size := minSize
	for size < maxSize {
		// a size that fits once per slab collapses into the max class.
		if slabSize/size <= 1 {
			break
		}
		sizes = append(sizes, size)

		var err error
		if reduceFragmentation {
			size, err = nextSize(size)
		} else {
			prev := size
			size = alignedSize(uint32(float64(size)*factor), sizeAlignment)
			if size == prev {
				err = fmt.Errorf("%w: factor %v too small to grow size %d",
					ErrInvalidArgument, factor, prev)
			}
		}
		if err != nil {
			return nil, err
		}
		if len(sizes)+1 >= maxClasses {
			break
		}
	}

	last := alignedSize(maxSize, sizeAlignment)
	if len(sizes) == 0 || sizes[len(sizes)-1] != last {
		sizes = append(sizes, last)
	}
	return sizes, nil
}
