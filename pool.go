package slaballoc

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryPool owns an ordered set of allocation classes sharing one slab
// budget. It routes a requested size to the smallest class that fits,
// acquires slabs for classes that run dry, and drives rebalance and resize
// between them.
type MemoryPool struct {
	// mu guards the free-slab cache and the slow allocation path.
	mu sync.Mutex

	id        PoolID
	slabAlloc *SlabAllocator

	// the current budget. currAllocSize <= currSlabAllocSize <= maxSize at
	// every quiescent point.
	maxSize           atomic.Uint64
	currSlabAllocSize atomic.Uint64
	currAllocSize     atomic.Uint64

	// slabs owned by the pool but not assigned to any class.
	freeSlabs []SlabID

	// sorted allocation class sizes, indexed by class id.
	acSizes []uint32
	classes []*AllocationClass

	numSlabResize     atomic.Uint64
	numSlabRebalance  atomic.Uint64
	numReleaseAborted atomic.Uint64
}

// NewMemoryPool creates a pool with the given id, byte budget and sorted,
// unique allocation class sizes. Construction is where the class/size
// invariants are checked exhaustively; everything after relies on them.
func NewMemoryPool(id PoolID, poolSize uint64, slabAlloc *SlabAllocator,
	allocSizes []uint32) (*MemoryPool, error) {
	p := &MemoryPool{
		id:        id,
		slabAlloc: slabAlloc,
		acSizes:   append([]uint32(nil), allocSizes...),
	}
	p.maxSize.Store(poolSize)

	for i, size := range p.acSizes {
		ac, err := newAllocationClass(ClassID(i), id, size, slabAlloc)
		if err != nil {
			return nil, err
		}
		p.classes = append(p.classes, ac)
	}
	if err := p.checkState(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MemoryPool) checkState() error {
	if p.id < 0 {
		return fmt.Errorf("%w: invalid pool id %d", ErrInvalidArgument, p.id)
	}
	if len(p.acSizes) == 0 || len(p.classes) == 0 {
		return fmt.Errorf("%w: empty allocation sizes", ErrInvalidArgument)
	}
	if len(p.acSizes) != len(p.classes) {
		return fmt.Errorf("%w: %d sizes but %d classes",
			ErrInvalidArgument, len(p.acSizes), len(p.classes))
	}
	if !sort.SliceIsSorted(p.acSizes, func(i, j int) bool { return p.acSizes[i] < p.acSizes[j] }) {
		return fmt.Errorf("%w: allocation sizes are not sorted", ErrInvalidArgument)
	}
	for i := 1; i < len(p.acSizes); i++ {
		if p.acSizes[i] == p.acSizes[i-1] {
			return fmt.Errorf("%w: duplicate allocation size %d",
				ErrInvalidArgument, p.acSizes[i])
		}
	}
	for i, size := range p.acSizes {
		ac := p.classes[i]
		if ac.AllocSize() != size || size < p.slabAlloc.MinAllocSize() ||
			size > p.slabAlloc.SlabSize() {
			return fmt.Errorf("%w: class %d with size %d does not match expected size %d",
				ErrInvalidArgument, ac.ID(), ac.AllocSize(), size)
		}
	}
	return nil
}

// ID returns the pool id.
func (p *MemoryPool) ID() PoolID { return p.id }

// PoolSize returns the configured byte budget.
func (p *MemoryPool) PoolSize() uint64 { return p.maxSize.Load() }

// Resize adjusts the budget only. Shrinking does not release slabs by
// itself; the caller drives that through StartSlabRelease.
func (p *MemoryPool) Resize(size uint64) { p.maxSize.Store(size) }

// AllocSizes returns the configured allocation class sizes.
func (p *MemoryPool) AllocSizes() []uint32 { return p.acSizes }

// NumClassIDs returns the number of allocation classes. Valid class ids are
// [0, NumClassIDs).
func (p *MemoryPool) NumClassIDs() int { return len(p.classes) }

// CurrentAllocSize returns the bytes currently handed out.
func (p *MemoryPool) CurrentAllocSize() uint64 { return p.currAllocSize.Load() }

// OverLimit reports whether the pool holds more slab memory than its budget,
// which can happen after a shrinking Resize.
func (p *MemoryPool) OverLimit() bool {
	return p.GetCurrentUsedSize() > p.maxSize.Load()
}

// AllSlabsAllocated reports whether the budget has no room for one more
// slab. The pool can still serve allocations from class free memory.
func (p *MemoryPool) AllSlabsAllocated() bool {
	return p.currSlabAllocSize.Load()+uint64(p.slabAlloc.SlabSize()) > p.maxSize.Load()
}

// UnallocatedSlabMemory returns the bytes of budget not yet backed by slabs.
func (p *MemoryPool) UnallocatedSlabMemory() uint64 {
	cur, max := p.currSlabAllocSize.Load(), p.maxSize.Load()
	if cur > max {
		return 0
	}
	return max - cur
}

// GetCurrentUsedSize returns class-owned slab bytes plus the free-slab
// cache. Advisory only against racing mutators.
func (p *MemoryPool) GetCurrentUsedSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currSlabAllocSize.Load() + uint64(len(p.freeSlabs))*uint64(p.slabAlloc.SlabSize())
}

// GetAllocationClassID resolves a size to the smallest class that fits it.
func (p *MemoryPool) GetAllocationClassID(size uint32) (ClassID, error) {
	if size == 0 || size > p.acSizes[len(p.acSizes)-1] {
		return InvalidClassID, fmt.Errorf("%w: invalid size %d for alloc",
			ErrInvalidArgument, size)
	}
	// the sizes vector never changes after construction, no lock needed.
	idx := sort.Search(len(p.acSizes), func(i int) bool { return p.acSizes[i] >= size })
	return ClassID(idx), nil
}

// GetAllocationClassIDForHandle resolves an allocation back to its class via
// the slab header.
func (p *MemoryPool) GetAllocationClassIDForHandle(h Handle) (ClassID, error) {
	hdr := p.slabAlloc.HeaderForHandle(h)
	if hdr == nil || hdr.poolID != p.id {
		return InvalidClassID, fmt.Errorf("%w: handle does not belong to pool %d",
			ErrInvalidArgument, p.id)
	}
	if hdr.classID == InvalidClassID {
		return InvalidClassID, fmt.Errorf("%w: handle does not belong to any class",
			ErrInvalidArgument)
	}
	if int(hdr.classID) >= len(p.classes) || hdr.classID < 0 {
		// the header names a bogus class. The arena is corrupt and the
		// caller cannot recover this pool.
		return InvalidClassID, fmt.Errorf("%w: class id %d out of range for pool %d",
			ErrCorruption, hdr.classID, p.id)
	}
	return hdr.classID, nil
}

// GetAllocationClass returns the class for inspection.
func (p *MemoryPool) GetAllocationClass(cid ClassID) (*AllocationClass, error) {
	if cid < 0 || int(cid) >= len(p.classes) {
		return nil, fmt.Errorf("%w: invalid class id %d", ErrInvalidArgument, cid)
	}
	return p.classes[cid], nil
}

func (p *MemoryPool) classForSize(size uint32) (*AllocationClass, error) {
	cid, err := p.GetAllocationClassID(size)
	if err != nil {
		return nil, err
	}
	return p.classes[cid], nil
}

func (p *MemoryPool) classForHandle(h Handle) (*AllocationClass, error) {
	cid, err := p.GetAllocationClassIDForHandle(h)
	if err != nil {
		return nil, err
	}
	return p.classes[cid], nil
}

// reserveSlabLocked speculatively charges one slab against the budget and
// obtains a slab from the free-slab cache or the slab allocator. The charge
// happens before the slab is obtained so concurrent allocators can never
// collectively overshoot the budget; it is rolled back on failure.
func (p *MemoryPool) reserveSlabLocked() SlabID {
	if p.AllSlabsAllocated() {
		return invalidSlabID
	}
	p.currSlabAllocSize.Add(uint64(p.slabAlloc.SlabSize()))

	if n := len(p.freeSlabs); n > 0 {
		slab := p.freeSlabs[n-1]
		p.freeSlabs = p.freeSlabs[:n-1]
		return slab
	}

	slab := p.slabAlloc.MakeNewSlab(p.id)
	if slab == invalidSlabID {
		// arena exhausted, release the reservation.
		p.currSlabAllocSize.Add(^uint64(p.slabAlloc.SlabSize()) + 1)
	}
	return slab
}

// Allocate returns a chunk of at least size bytes, or NilHandle when the
// budget is exhausted and no slab is obtainable. Errors are reserved for
// invalid sizes.
func (p *MemoryPool) Allocate(size uint32) (Handle, error) {
	ac, err := p.classForSize(size)
	if err != nil {
		return NilHandle, err
	}
	allocSize := uint64(ac.AllocSize())

	// fast path, never takes the pool lock.
	if h := ac.allocate(); h.IsValid() {
		p.currAllocSize.Add(allocSize)
		return h, nil
	}

	// lock-free budget check; re-validated under the lock below.
	if p.AllSlabsAllocated() {
		return NilHandle, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// another thread may have freed or added a slab meanwhile.
	if h := ac.allocate(); h.IsValid() {
		p.currAllocSize.Add(allocSize)
		return h, nil
	}

	slab := p.reserveSlabLocked()
	if slab == invalidSlabID {
		return NilHandle, nil
	}

	h := ac.addSlabAndAllocate(slab)
	p.currAllocSize.Add(allocSize)
	return h, nil
}

// AllocateZeroedSlab hands out a whole slab as one zeroed chunk. Legal only
// when the largest class spans the slab.
func (p *MemoryPool) AllocateZeroedSlab() (Handle, error) {
	slabSize := p.slabAlloc.SlabSize()
	if p.acSizes[len(p.acSizes)-1] != slabSize {
		return NilHandle, fmt.Errorf("%w: pool %d has no slab-sized class",
			ErrInvalidArgument, p.id)
	}
	h, err := p.Allocate(slabSize)
	if err != nil || !h.IsValid() {
		return h, err
	}
	mem := p.slabAlloc.View(h)
	for i := range mem {
		mem[i] = 0
	}
	return h, nil
}

// Free returns a chunk to its class. When that free drains a slab under
// release with no completer registered, the physical hand-off happens right
// here, routed by the release's mode and receiver.
func (p *MemoryPool) Free(h Handle) error {
	ac, err := p.classForHandle(h)
	if err != nil {
		return err
	}
	drained, mode, receiver, err := ac.free(h)
	if err != nil {
		return err
	}
	p.currAllocSize.Add(^uint64(ac.AllocSize()) + 1)
	if drained {
		return p.releaseSlab(mode, h.Slab, receiver)
	}
	return nil
}

// releaseSlab performs the physical hand-off of a slab that no class owns
// anymore. Under resize the slab returns to the slab allocator; under
// rebalance it goes to the receiver class, or to the pool's free-slab cache
// when no receiver is named. The budget counter is decremented only after
// the physical move, so concurrent readers never see capacity freed before
// it is actually reusable.
func (p *MemoryPool) releaseSlab(mode SlabReleaseMode, slab SlabID, receiver ClassID) error {
	slabSize := uint64(p.slabAlloc.SlabSize())
	switch mode {
	case SlabReleaseModeResize:
		if err := p.slabAlloc.FreeSlab(slab); err != nil {
			return err
		}
		p.currSlabAllocSize.Add(^slabSize + 1)
		p.numSlabResize.Add(1)

	case SlabReleaseModeRebalance:
		if receiver != InvalidClassID {
			// the pool's size does not change, the slab stays inside it.
			receiverAC, err := p.GetAllocationClass(receiver)
			if err != nil {
				return err
			}
			if err := receiverAC.AddSlab(slab); err != nil {
				return err
			}
		} else {
			p.mu.Lock()
			p.freeSlabs = append(p.freeSlabs, slab)
			p.mu.Unlock()
			p.currSlabAllocSize.Add(^slabSize + 1)
		}
		p.numSlabRebalance.Add(1)
	}
	return nil
}

// releaseFromFreeSlabs short-circuits a resize release to the pool's own
// free-slab cache without touching any allocation class.
func (p *MemoryPool) releaseFromFreeSlabs() (*SlabReleaseContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.freeSlabs)
	if n == 0 {
		return nil, fmt.Errorf("%w: pool %d has no free slabs outside allocation classes",
			ErrInvalidArgument, p.id)
	}
	slab := p.freeSlabs[n-1]
	p.freeSlabs = p.freeSlabs[:n-1]
	return &SlabReleaseContext{
		slab: slab, poolID: p.id, classID: InvalidClassID,
		receiver: InvalidClassID, mode: SlabReleaseModeResize, released: true,
	}, nil
}

// StartSlabRelease begins releasing a slab from the victim class. A receiver
// is only legal under rebalance; an invalid victim is only legal under
// resize and takes a slab from the pool's free-slab cache instead. When the
// returned context is already released the physical release has been
// performed and CompleteSlabRelease need not be called.
func (p *MemoryPool) StartSlabRelease(victim, receiver ClassID, mode SlabReleaseMode,
	hint Handle, shouldAbort SlabReleaseAbortFn) (*SlabReleaseContext, error) {
	if receiver != InvalidClassID && mode != SlabReleaseModeRebalance {
		return nil, fmt.Errorf("%w: receiver %d specified outside rebalance mode",
			ErrInvalidArgument, receiver)
	}
	if victim == InvalidClassID && mode != SlabReleaseModeResize {
		return nil, fmt.Errorf("%w: can only take from the free-slab cache in resize mode",
			ErrInvalidArgument)
	}
	if victim != InvalidClassID && victim == receiver {
		return nil, fmt.Errorf("%w: rebalance from class %d to itself",
			ErrInvalidArgument, victim)
	}

	var ctx *SlabReleaseContext
	var err error
	if victim == InvalidClassID {
		ctx, err = p.releaseFromFreeSlabs()
		if err != nil {
			return nil, err
		}
		// the slab came straight from the free-slab cache, it is already
		// accounted outside the classes. Hand it off without decrementing
		// the budget twice.
		ctx.receiver = receiver
		if err := p.slabAlloc.FreeSlab(ctx.slab); err != nil {
			return nil, err
		}
		p.numSlabResize.Add(1)
		return ctx, nil
	}

	victimAC, err := p.GetAllocationClass(victim)
	if err != nil {
		return nil, err
	}
	ctx, err = victimAC.StartSlabRelease(mode, receiver, hint, shouldAbort)
	if err != nil {
		return nil, err
	}
	if ctx.released {
		// no active allocations, the caller should not have to call
		// CompleteSlabRelease.
		if err := p.releaseSlab(ctx.mode, ctx.slab, receiver); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// AbortSlabRelease rolls back a release that still has active allocations.
func (p *MemoryPool) AbortSlabRelease(ctx *SlabReleaseContext) error {
	if ctx == nil {
		return fmt.Errorf("%w: nil release context", ErrInvalidArgument)
	}
	ac, err := p.GetAllocationClass(ctx.classID)
	if err != nil {
		return err
	}
	if err := ac.AbortSlabRelease(ctx); err != nil {
		return err
	}
	p.numReleaseAborted.Add(1)
	return nil
}

// CompleteSlabRelease finishes a release once the caller freed the active
// allocations, then performs the physical hand-off. No-op for a context that
// was already released.
func (p *MemoryPool) CompleteSlabRelease(ctx *SlabReleaseContext) error {
	if ctx == nil {
		return fmt.Errorf("%w: nil release context", ErrInvalidArgument)
	}
	if ctx.released {
		return nil
	}
	if ctx.receiver != InvalidClassID && ctx.mode != SlabReleaseModeRebalance {
		return fmt.Errorf("%w: receiver %d specified outside rebalance mode",
			ErrInvalidArgument, ctx.receiver)
	}
	ac, err := p.GetAllocationClass(ctx.classID)
	if err != nil {
		return err
	}
	finalized, err := ac.CompleteSlabRelease(ctx)
	if err != nil {
		return err
	}
	if finalized {
		return p.releaseSlab(ctx.mode, ctx.slab, ctx.receiver)
	}
	return nil
}

// ForEachAllocation walks a slab of one class, best effort.
func (p *MemoryPool) ForEachAllocation(cid ClassID, slab SlabID,
	callback AllocTraversalFn) (IterationStatus, error) {
	ac, err := p.GetAllocationClass(cid)
	if err != nil {
		return IterationSkipped, err
	}
	return ac.ForEachAllocation(slab, callback), nil
}
