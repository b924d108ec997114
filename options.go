package slaballoc

import "fmt"

// Options is the configuration of the slab arena.
type Options struct {
	// SlabSize is the fixed size of every slab in bytes.
	SlabSize uint32

	// SlabCount is the number of slabs backing the arena.
	SlabCount uint32

	// MinAllocSize is the smallest allocation class size allowed.
	MinAllocSize uint32

	// MaxPools bounds the number of pools the allocator can hold.
	MaxPools int
}

// DefaultOptions
var DefaultOptions = Options{
	SlabSize:     4 * 1024 * 1024, // 4 MB
	SlabCount:    64,
	MinAllocSize: 64,
	MaxPools:     64,
}

func validateOptions(options Options) error {
	if options.SlabSize == 0 {
		return fmt.Errorf("%w: zero slab size", ErrInvalidArgument)
	}
	if options.SlabCount == 0 {
		return fmt.Errorf("%w: zero slab count", ErrInvalidArgument)
	}
	if options.MinAllocSize == 0 || options.MinAllocSize > options.SlabSize {
		return fmt.Errorf("%w: min alloc size %d out of range for slab size %d",
			ErrInvalidArgument, options.MinAllocSize, options.SlabSize)
	}
	if options.MaxPools <= 0 {
		return fmt.Errorf("%w: invalid max pools %d", ErrInvalidArgument, options.MaxPools)
	}
	return nil
}
