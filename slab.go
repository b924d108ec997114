package slaballoc

import (
	"fmt"
	"sync"
)

// PoolID identifies a memory pool inside the allocator.
type PoolID int32

// ClassID identifies an allocation class inside a pool.
type ClassID int32

// SlabID is a stable index into the arena's slab table.
type SlabID int32

const (
	InvalidPoolID  PoolID  = -1
	InvalidClassID ClassID = -1
	invalidSlabID  SlabID  = -1
)

// Handle identifies one allocation: the owning slab slot and the byte offset
// of the chunk inside that slab.
type Handle struct {
	Slab   SlabID
	Offset uint32
}

// NilHandle is returned when no allocation could be made.
var NilHandle = Handle{Slab: invalidSlabID}

// IsValid reports whether the handle refers to a slab slot.
func (h Handle) IsValid() bool {
	return h.Slab != invalidSlabID
}

// slabHeader is the single source of truth for slab ownership.
// +-----------+------------+---------------+----------------------------+
// |  poolID   |  classID   |   allocSize   |  advised | markedForRelease |
// +-----------+------------+---------------+----------------------------+
type slabHeader struct {
	poolID           PoolID
	classID          ClassID
	allocSize        uint32
	advised          bool
	markedForRelease bool
	allocated        bool
}

func (h *slabHeader) reset() {
	h.poolID = InvalidPoolID
	h.classID = InvalidClassID
	h.allocSize = 0
	h.advised = false
	h.markedForRelease = false
}

// SlabAllocator owns the raw arena: one backing buffer carved into
// fixed-size slabs, a parallel header table, and a free-slab stack.
type SlabAllocator struct {
	mu           sync.Mutex
	slabSize     uint32
	minAllocSize uint32
	memory       []byte
	headers      []slabHeader
	freeSlabs    []SlabID
}

// NewSlabAllocator carves options.SlabCount slabs of options.SlabSize bytes
// out of a single backing buffer.
func NewSlabAllocator(options Options) (*SlabAllocator, error) {
	if err := validateOptions(options); err != nil {
		return nil, err
	}

	s := &SlabAllocator{
		slabSize:     options.SlabSize,
		minAllocSize: options.MinAllocSize,
		memory:       make([]byte, uint64(options.SlabSize)*uint64(options.SlabCount)),
		headers:      make([]slabHeader, options.SlabCount),
		freeSlabs:    make([]SlabID, 0, options.SlabCount),
	}
	for i := range s.headers {
		s.headers[i].reset()
	}
	// keep low slab ids at the top of the stack.
	for i := int(options.SlabCount) - 1; i >= 0; i-- {
		s.freeSlabs = append(s.freeSlabs, SlabID(i))
	}
	return s, nil
}

// SlabSize returns the fixed slab size of this arena.
func (s *SlabAllocator) SlabSize() uint32 { return s.slabSize }

// MinAllocSize returns the smallest legal allocation class size.
func (s *SlabAllocator) MinAllocSize() uint32 { return s.minAllocSize }

// NumSlabs returns the total slab count of this arena.
func (s *SlabAllocator) NumSlabs() int { return len(s.headers) }

// IsValidSlab reports whether the id names a slab slot in this arena.
func (s *SlabAllocator) IsValidSlab(id SlabID) bool {
	return id >= 0 && int(id) < len(s.headers)
}

// MakeNewSlab hands out a fresh slab owned by the pool, or invalidSlabID
// when the arena is exhausted. Exhaustion is not an error.
func (s *SlabAllocator) MakeNewSlab(pool PoolID) SlabID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.freeSlabs) == 0 {
		return invalidSlabID
	}
	id := s.freeSlabs[len(s.freeSlabs)-1]
	s.freeSlabs = s.freeSlabs[:len(s.freeSlabs)-1]

	hdr := &s.headers[id]
	hdr.reset()
	hdr.poolID = pool
	hdr.allocated = true
	return id
}

// FreeSlab returns a slab to the arena. The slab must not be owned by an
// allocation class anymore.
func (s *SlabAllocator) FreeSlab(id SlabID) error {
	if !s.IsValidSlab(id) {
		return fmt.Errorf("%w: free of invalid slab %d", ErrInvalidArgument, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hdr := &s.headers[id]
	if !hdr.allocated {
		return fmt.Errorf("%w: slab %d is not allocated", ErrInvalidArgument, id)
	}
	if hdr.classID != InvalidClassID {
		return fmt.Errorf("%w: slab %d still belongs to class %d",
			ErrInvalidArgument, id, hdr.classID)
	}
	hdr.reset()
	hdr.allocated = false
	s.freeSlabs = append(s.freeSlabs, id)
	return nil
}

// Header returns the header record for a slab, or nil for an invalid or
// unallocated slab.
func (s *SlabAllocator) Header(id SlabID) *slabHeader {
	if !s.IsValidSlab(id) {
		return nil
	}
	hdr := &s.headers[id]
	if !hdr.allocated {
		return nil
	}
	return hdr
}

// HeaderForHandle maps an allocation back to its owning slab's header.
func (s *SlabAllocator) HeaderForHandle(h Handle) *slabHeader {
	if !h.IsValid() || h.Offset >= s.slabSize {
		return nil
	}
	return s.Header(h.Slab)
}

// SlabForHandle returns the slab owning the given allocation.
func (s *SlabAllocator) SlabForHandle(h Handle) SlabID {
	if s.HeaderForHandle(h) == nil {
		return invalidSlabID
	}
	return h.Slab
}

// slabMemory returns the full byte range of a slab.
func (s *SlabAllocator) slabMemory(id SlabID) []byte {
	base := uint64(id) * uint64(s.slabSize)
	return s.memory[base : base+uint64(s.slabSize)]
}

// View returns the chunk bytes for an allocation, sized by the owning
// class's allocation size. Returns nil for foreign memory.
func (s *SlabAllocator) View(h Handle) []byte {
	hdr := s.HeaderForHandle(h)
	if hdr == nil || hdr.allocSize == 0 {
		return nil
	}
	mem := s.slabMemory(h.Slab)
	end := uint64(h.Offset) + uint64(hdr.allocSize)
	if end > uint64(len(mem)) {
		return nil
	}
	return mem[h.Offset:end]
}

// Advise marks a slab as advised away. Advised slabs are skipped by
// allocation traversal.
func (s *SlabAllocator) Advise(id SlabID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hdr := s.Header(id)
	if hdr == nil {
		return fmt.Errorf("%w: advise of invalid slab %d", ErrInvalidArgument, id)
	}
	hdr.advised = true
	return nil
}

// Reclaim clears the advised flag.
func (s *SlabAllocator) Reclaim(id SlabID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hdr := s.Header(id)
	if hdr == nil {
		return fmt.Errorf("%w: reclaim of invalid slab %d", ErrInvalidArgument, id)
	}
	hdr.advised = false
	return nil
}
