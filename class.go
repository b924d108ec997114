package slaballoc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/swiss"
	"golang.org/x/exp/rand"
)

const (
	// maximum free-list entries to walk per pruning batch before dropping
	// the class lock.
	freeAllocsPruneLimit = 4 * 1024

	// sleep between pruning batches so other lock waiters make progress.
	freeAllocsPruneSleep = time.Millisecond

	// poll interval while waiting for a slab to drain.
	completePollInterval = 100 * time.Microsecond

	// chunks ahead of the scan position touched during traversal.
	forEachAllocPrefetch = 16
)

// AllocInfo describes the ownership of a chunk visited during traversal.
type AllocInfo struct {
	PoolID    PoolID
	ClassID   ClassID
	AllocSize uint32
}

// AllocTraversalFn visits one chunk. Returning false aborts the walk.
type AllocTraversalFn func(h Handle, info AllocInfo) bool

// AllocationClass carves fixed-size chunks of one allocation size out of the
// slabs it owns. A freed chunk goes on a free-list stack; fresh chunks come
// from the bump cursor of the current slab.
type AllocationClass struct {
	// mu guards the free list, bump cursor, slab lists and release map.
	mu sync.Mutex

	// releaseMu serializes only the start of slab releases and traversal,
	// so ordinary allocate/free on other slabs is never blocked by them.
	releaseMu sync.Mutex

	classID        ClassID
	poolID         PoolID
	allocationSize uint32

	slabAlloc *SlabAllocator

	// bump cursor of the slab currently being carved.
	currSlab   SlabID
	currOffset uint32

	// slabs with at least one chunk handed out, current slab included.
	allocatedSlabs []SlabID

	// entirely free slabs retained by this class for reuse.
	freeSlabs []SlabID

	// stack of freed chunks.
	freeAllocs []Handle

	// false guarantees the next allocate fails without a slab being added.
	// A concurrent free may flip it back, so it is only a hint.
	canAllocate atomic.Bool

	activeReleases atomic.Int64

	// drain bookkeeping for slabs under release, keyed by slab slot.
	releaseMap *swiss.Map[SlabID, *releaseRecord]
}

func newAllocationClass(classID ClassID, poolID PoolID, allocSize uint32,
	slabAlloc *SlabAllocator) (*AllocationClass, error) {
	ac := &AllocationClass{
		classID:        classID,
		poolID:         poolID,
		allocationSize: allocSize,
		slabAlloc:      slabAlloc,
		currSlab:       invalidSlabID,
		releaseMap:     swiss.New[SlabID, *releaseRecord](8),
	}
	ac.canAllocate.Store(true)
	if err := ac.checkState(); err != nil {
		return nil, err
	}
	return ac, nil
}

func (ac *AllocationClass) checkState() error {
	if ac.classID < 0 {
		return fmt.Errorf("%w: invalid class id %d", ErrInvalidArgument, ac.classID)
	}
	if ac.poolID < 0 {
		return fmt.Errorf("%w: invalid pool id %d", ErrInvalidArgument, ac.poolID)
	}
	if ac.allocationSize < ac.slabAlloc.MinAllocSize() ||
		ac.allocationSize > ac.slabAlloc.SlabSize() {
		return fmt.Errorf("%w: invalid allocation size %d",
			ErrInvalidArgument, ac.allocationSize)
	}
	return nil
}

// ID returns the class id.
func (ac *AllocationClass) ID() ClassID { return ac.classID }

// PoolID returns the owning pool id.
func (ac *AllocationClass) PoolID() PoolID { return ac.poolID }

// AllocSize returns the chunk size handled by this class.
func (ac *AllocationClass) AllocSize() uint32 { return ac.allocationSize }

// AllocsPerSlab returns the number of chunks carved out of one slab.
func (ac *AllocationClass) AllocsPerSlab() int {
	return int(ac.slabAlloc.SlabSize() / ac.allocationSize)
}

// IsFull hints that the next allocate will fail unless a slab is added.
func (ac *AllocationClass) IsFull() bool { return !ac.canAllocate.Load() }

// allocate returns a chunk from the free list or the current slab, or
// NilHandle when the caller must supply a new slab. Never blocks on more
// than the class mutex.
func (ac *AllocationClass) allocate() Handle {
	if !ac.canAllocate.Load() {
		return NilHandle
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.allocateLocked()
}

func (ac *AllocationClass) allocateLocked() Handle {
	if n := len(ac.freeAllocs); n > 0 {
		h := ac.freeAllocs[n-1]
		ac.freeAllocs = ac.freeAllocs[:n-1]
		return h
	}
	if !ac.canAllocateFromCurrentSlabLocked() {
		if len(ac.freeSlabs) == 0 {
			ac.canAllocate.Store(false)
			return NilHandle
		}
		ac.setupCurrentSlabLocked()
	}
	return ac.allocateFromCurrentSlabLocked()
}

func (ac *AllocationClass) canAllocateFromCurrentSlabLocked() bool {
	return ac.currSlab != invalidSlabID &&
		ac.currOffset+ac.allocationSize <= ac.slabAlloc.SlabSize()
}

func (ac *AllocationClass) allocateFromCurrentSlabLocked() Handle {
	h := Handle{Slab: ac.currSlab, Offset: ac.currOffset}
	ac.currOffset += ac.allocationSize
	return h
}

// setupCurrentSlabLocked promotes a retained free slab to the bump target.
// The exhausted previous current stays in allocatedSlabs.
func (ac *AllocationClass) setupCurrentSlabLocked() {
	n := len(ac.freeSlabs)
	ac.currSlab = ac.freeSlabs[n-1]
	ac.freeSlabs = ac.freeSlabs[:n-1]
	ac.currOffset = 0
	ac.allocatedSlabs = append(ac.allocatedSlabs, ac.currSlab)
}

// AddSlab attaches a freshly acquired slab to this class. The slab must not
// already belong to it.
func (ac *AllocationClass) AddSlab(slab SlabID) error {
	hdr := ac.slabAlloc.Header(slab)
	if hdr == nil {
		return fmt.Errorf("%w: add of invalid slab %d", ErrInvalidArgument, slab)
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if hdr.classID == ac.classID && hdr.poolID == ac.poolID {
		return fmt.Errorf("%w: slab %d already belongs to class %d",
			ErrInvalidArgument, slab, ac.classID)
	}
	ac.addSlabLocked(slab)
	return nil
}

func (ac *AllocationClass) addSlabLocked(slab SlabID) {
	hdr := ac.slabAlloc.Header(slab)
	hdr.classID = ac.classID
	hdr.allocSize = ac.allocationSize
	hdr.markedForRelease = false

	if ac.currSlab == invalidSlabID {
		ac.currSlab = slab
		ac.currOffset = 0
		ac.allocatedSlabs = append(ac.allocatedSlabs, slab)
	} else {
		ac.freeSlabs = append(ac.freeSlabs, slab)
	}
	ac.canAllocate.Store(true)
}

// addSlabAndAllocate attaches the slab as the new bump target and carves the
// first chunk out of it. Cannot fail for a valid slab.
func (ac *AllocationClass) addSlabAndAllocate(slab SlabID) Handle {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	hdr := ac.slabAlloc.Header(slab)
	hdr.classID = ac.classID
	hdr.allocSize = ac.allocationSize
	hdr.markedForRelease = false

	// the previous current slab is exhausted at this point; it already
	// lives in allocatedSlabs.
	ac.currSlab = slab
	ac.currOffset = 0
	ac.allocatedSlabs = append(ac.allocatedSlabs, slab)
	ac.canAllocate.Store(true)
	return ac.allocateFromCurrentSlabLocked()
}

// free returns a chunk to the class. If the owning slab is under release the
// free is downgraded to a bookkeeping update of the drain record and the
// chunk never re-enters circulation. drained reports that this free emptied
// a slab with no registered completer; the slab has been finalized and the
// caller must perform the physical hand-off using the returned mode and
// receiver.
func (ac *AllocationClass) free(h Handle) (drained bool, mode SlabReleaseMode,
	receiver ClassID, err error) {
	hdr := ac.slabAlloc.HeaderForHandle(h)
	if hdr == nil || hdr.poolID != ac.poolID || hdr.classID != ac.classID {
		return false, 0, InvalidClassID, fmt.Errorf(
			"%w: free of handle not owned by class %d", ErrInvalidArgument, ac.classID)
	}
	if h.Offset%ac.allocationSize != 0 ||
		h.Offset+ac.allocationSize > ac.slabAlloc.SlabSize() {
		return false, 0, InvalidClassID, fmt.Errorf(
			"%w: offset %d is not a chunk of size %d",
			ErrInvalidArgument, h.Offset, ac.allocationSize)
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()

	if rec, ok := ac.releaseMap.Get(h.Slab); ok {
		idx := int(h.Offset / ac.allocationSize)
		if rec.freed[idx] {
			return false, 0, InvalidClassID, fmt.Errorf(
				"%w: double free at slab %d offset %d", ErrInvalidArgument, h.Slab, h.Offset)
		}
		rec.freed[idx] = true
		rec.outstanding--
		if rec.outstanding == 0 && !rec.waiting {
			// no completer registered, the drain finalizes the slab.
			ac.finalizeReleaseLocked(h.Slab)
			return true, rec.mode, rec.receiver, nil
		}
		return false, 0, InvalidClassID, nil
	}

	ac.freeAllocs = append(ac.freeAllocs, h)
	ac.canAllocate.Store(true)
	return false, 0, InvalidClassID, nil
}

// finalizeReleaseLocked clears the slab's class assignment and drops the
// drain record. The pool id stays so the pool can route the physical
// release.
func (ac *AllocationClass) finalizeReleaseLocked(slab SlabID) {
	hdr := ac.slabAlloc.Header(slab)
	hdr.classID = InvalidClassID
	hdr.allocSize = 0
	hdr.markedForRelease = false
	ac.releaseMap.Delete(slab)
	ac.activeReleases.Add(-1)
}

// StartSlabRelease begins the two-phase release of one slab. Starts are
// strictly serialized per class; allocate/free on other slabs proceed.
//
// With a valid hint the hinted slab is the victim, otherwise one is picked
// arbitrarily. The receiver is recorded on the drain bookkeeping up front,
// so a drain-finalized slab is routed to it no matter which side wins. The
// returned context reports IsReleased() == true when the slab had no active
// allocations, in which case CompleteSlabRelease need not be called.
func (ac *AllocationClass) StartSlabRelease(mode SlabReleaseMode, receiver ClassID,
	hint Handle, shouldAbort SlabReleaseAbortFn) (*SlabReleaseContext, error) {
	if shouldAbort == nil {
		shouldAbort = neverAbort
	}
	ac.releaseMu.Lock()
	defer ac.releaseMu.Unlock()

	ac.mu.Lock()

	var victim SlabID
	if hint.IsValid() {
		hdr := ac.slabAlloc.HeaderForHandle(hint)
		if hdr == nil || hdr.poolID != ac.poolID || hdr.classID != ac.classID ||
			hdr.markedForRelease {
			ac.mu.Unlock()
			return nil, fmt.Errorf("%w: release hint does not map to a slab of class %d",
				ErrInvalidArgument, ac.classID)
		}
		victim = hint.Slab
	} else {
		victim = ac.slabForReleaseLocked()
		if victim == invalidSlabID {
			ac.mu.Unlock()
			return nil, fmt.Errorf("%w: class %d owns no slabs to release",
				ErrInvalidArgument, ac.classID)
		}
	}

	// an entirely free slab is released on the spot.
	if ac.removeFromFreeSlabsLocked(victim) {
		hdr := ac.slabAlloc.Header(victim)
		hdr.classID = InvalidClassID
		hdr.allocSize = 0
		hdr.markedForRelease = false
		ac.mu.Unlock()
		return &SlabReleaseContext{
			slab: victim, poolID: ac.poolID, classID: ac.classID,
			receiver: receiver, mode: mode, released: true,
		}, nil
	}

	wasCurrent, savedOffset := ac.detachSlabLocked(victim)
	hdr := ac.slabAlloc.Header(victim)
	hdr.markedForRelease = true

	// the record exists before pruning starts, so frees racing with the
	// prune are redirected into it instead of the free list.
	n := ac.AllocsPerSlab()
	rec := &releaseRecord{
		freed: make([]bool, n), outstanding: n,
		mode: mode, receiver: receiver,
	}
	if wasCurrent {
		// chunks at or past the bump cursor were never handed out.
		for i := int(savedOffset / ac.allocationSize); i < n; i++ {
			rec.freed[i] = true
			rec.outstanding--
		}
	}
	ac.releaseMap.Put(victim, rec)
	ac.activeReleases.Add(1)
	ac.mu.Unlock()

	if err := ac.pruneFreeAllocs(victim, rec, shouldAbort, wasCurrent, savedOffset); err != nil {
		return nil, err
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if rec.outstanding == 0 {
		ac.finalizeReleaseLocked(victim)
		return &SlabReleaseContext{
			slab: victim, poolID: ac.poolID, classID: ac.classID,
			receiver: receiver, mode: mode, released: true,
		}, nil
	}
	active := make([]Handle, 0, rec.outstanding)
	for i, freed := range rec.freed {
		if !freed {
			active = append(active, Handle{Slab: victim, Offset: uint32(i) * ac.allocationSize})
		}
	}
	return &SlabReleaseContext{
		slab: victim, poolID: ac.poolID, classID: ac.classID,
		receiver: receiver, mode: mode, active: active,
	}, nil
}

// slabForReleaseLocked prefers a retained free slab, then an arbitrary
// allocated one.
func (ac *AllocationClass) slabForReleaseLocked() SlabID {
	if n := len(ac.freeSlabs); n > 0 {
		return ac.freeSlabs[n-1]
	}
	if n := len(ac.allocatedSlabs); n > 0 {
		return ac.allocatedSlabs[rand.Intn(n)]
	}
	return invalidSlabID
}

func (ac *AllocationClass) removeFromFreeSlabsLocked(slab SlabID) bool {
	for i, s := range ac.freeSlabs {
		if s == slab {
			ac.freeSlabs[i] = ac.freeSlabs[len(ac.freeSlabs)-1]
			ac.freeSlabs = ac.freeSlabs[:len(ac.freeSlabs)-1]
			return true
		}
	}
	return false
}

// detachSlabLocked removes the victim from allocation, so no new chunk can
// land on it.
func (ac *AllocationClass) detachSlabLocked(victim SlabID) (wasCurrent bool, savedOffset uint32) {
	for i, s := range ac.allocatedSlabs {
		if s == victim {
			ac.allocatedSlabs[i] = ac.allocatedSlabs[len(ac.allocatedSlabs)-1]
			ac.allocatedSlabs = ac.allocatedSlabs[:len(ac.allocatedSlabs)-1]
			break
		}
	}
	if ac.currSlab == victim {
		wasCurrent = true
		savedOffset = ac.currOffset
		ac.currSlab = invalidSlabID
		ac.currOffset = 0
	}
	return wasCurrent, savedOffset
}

// pruneFreeAllocs evicts victim-slab entries from the free list in bounded
// batches, marking them freed in the drain record. Non-victim entries are
// held aside and pushed back once the walk completes. The class lock is
// dropped and briefly slept between batches; shouldAbort is consulted per
// batch and an abort reverses all pruning progress.
func (ac *AllocationClass) pruneFreeAllocs(victim SlabID, rec *releaseRecord,
	shouldAbort SlabReleaseAbortFn, wasCurrent bool, savedOffset uint32) error {
	var kept, pruned []Handle

	for {
		if shouldAbort() {
			ac.mu.Lock()
			for _, h := range pruned {
				idx := int(h.Offset / ac.allocationSize)
				rec.freed[idx] = false
				rec.outstanding++
			}
			ac.freeAllocs = append(ac.freeAllocs, kept...)
			ac.freeAllocs = append(ac.freeAllocs, pruned...)
			ac.restoreSlabLocked(victim, wasCurrent, savedOffset)
			ac.mu.Unlock()
			return ErrReleaseAborted
		}

		ac.mu.Lock()
		for batch := 0; len(ac.freeAllocs) > 0 && batch < freeAllocsPruneLimit; batch++ {
			h := ac.freeAllocs[len(ac.freeAllocs)-1]
			ac.freeAllocs = ac.freeAllocs[:len(ac.freeAllocs)-1]
			if h.Slab == victim {
				idx := int(h.Offset / ac.allocationSize)
				rec.freed[idx] = true
				rec.outstanding--
				pruned = append(pruned, h)
			} else {
				kept = append(kept, h)
			}
		}
		if len(ac.freeAllocs) == 0 {
			ac.freeAllocs = append(ac.freeAllocs, kept...)
			ac.mu.Unlock()
			return nil
		}
		ac.mu.Unlock()
		time.Sleep(freeAllocsPruneSleep)
	}
}

// restoreSlabLocked undoes the detach of an aborted release. The slab
// becomes current again when no other slab took its place.
func (ac *AllocationClass) restoreSlabLocked(victim SlabID, wasCurrent bool, savedOffset uint32) {
	hdr := ac.slabAlloc.Header(victim)
	hdr.markedForRelease = false
	ac.releaseMap.Delete(victim)
	ac.activeReleases.Add(-1)

	ac.allocatedSlabs = append(ac.allocatedSlabs, victim)
	if wasCurrent && ac.currSlab == invalidSlabID {
		ac.currSlab = victim
		ac.currOffset = savedOffset
	}
	ac.canAllocate.Store(true)
}

// AbortSlabRelease makes the slab eligible for allocation again. Chunks
// already pruned from the free list are not restored; they stay out of
// circulation until the slab is eventually released. The end state is
// intentionally not identical to the pre-release state.
func (ac *AllocationClass) AbortSlabRelease(ctx *SlabReleaseContext) error {
	if ctx == nil || ctx.released {
		return fmt.Errorf("%w: abort of a released context", ErrInvalidArgument)
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()

	rec, ok := ac.releaseMap.Get(ctx.slab)
	if !ok {
		return fmt.Errorf("%w: slab %d has no release in progress",
			ErrInvalidArgument, ctx.slab)
	}
	if rec.outstanding == 0 {
		return fmt.Errorf("%w: slab %d is fully drained, complete the release instead",
			ErrInvalidArgument, ctx.slab)
	}
	ac.restoreSlabLocked(ctx.slab, false, 0)
	return nil
}

// CompleteSlabRelease blocks until every active allocation of the context
// has been freed back, then clears the slab's class assignment. Returns true
// when this call finalized the slab and the caller should physically release
// it; false when the release had already finished (context released up
// front, or the drain path finalized it).
func (ac *AllocationClass) CompleteSlabRelease(ctx *SlabReleaseContext) (bool, error) {
	if ctx == nil {
		return false, fmt.Errorf("%w: nil release context", ErrInvalidArgument)
	}
	if ctx.released {
		return false, nil
	}

	ac.mu.Lock()
	rec, ok := ac.releaseMap.Get(ctx.slab)
	if !ok {
		defer ac.mu.Unlock()
		hdr := ac.slabAlloc.Header(ctx.slab)
		if hdr != nil && hdr.poolID == ac.poolID && hdr.classID == ac.classID {
			// the slab is back in circulation, the release was aborted.
			return false, fmt.Errorf("%w: slab %d has no release in progress",
				ErrInvalidArgument, ctx.slab)
		}
		// the final free finalized and released the slab already; it may
		// have moved to a receiver class or back to the arena since.
		return false, nil
	}
	rec.waiting = true
	ac.mu.Unlock()

	for {
		ac.mu.Lock()
		if rec.outstanding == 0 {
			ac.finalizeReleaseLocked(ctx.slab)
			ac.mu.Unlock()
			return true, nil
		}
		ac.mu.Unlock()
		time.Sleep(completePollInterval)
	}
}

// AllFreed reports whether every chunk of a slab under release has been
// freed back. Only valid while a release for that slab is active.
func (ac *AllocationClass) AllFreed(slab SlabID) (bool, error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	rec, ok := ac.releaseMap.Get(slab)
	if !ok {
		return false, fmt.Errorf("%w: slab %d has no release in progress",
			ErrInvalidArgument, slab)
	}
	return rec.outstanding == 0, nil
}

// checkSlabInReleaseLocked validates that the handle names a chunk of the
// context's slab and that the slab has an active release.
func (ac *AllocationClass) checkSlabInReleaseLocked(ctx *SlabReleaseContext,
	h Handle) (*releaseRecord, error) {
	if ctx == nil || h.Slab != ctx.slab {
		return nil, fmt.Errorf("%w: handle does not belong to the context's slab",
			ErrInvalidArgument)
	}
	if h.Offset%ac.allocationSize != 0 ||
		uint64(h.Offset)+uint64(ac.allocationSize) > uint64(ac.slabAlloc.SlabSize()) {
		return nil, fmt.Errorf("%w: offset %d is not a chunk of size %d",
			ErrInvalidArgument, h.Offset, ac.allocationSize)
	}
	rec, ok := ac.releaseMap.Get(ctx.slab)
	if !ok {
		return nil, fmt.Errorf("%w: slab %d has no release in progress",
			ErrInvalidArgument, ctx.slab)
	}
	return rec, nil
}

// IsAllocFreed reports whether a chunk has been freed back, strictly within
// an active release context.
func (ac *AllocationClass) IsAllocFreed(ctx *SlabReleaseContext, h Handle) (bool, error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	rec, err := ac.checkSlabInReleaseLocked(ctx, h)
	if err != nil {
		return false, err
	}
	return rec.freed[int(h.Offset/ac.allocationSize)], nil
}

// ProcessAllocForRelease invokes the callback, under the class lock, for a
// chunk that has not yet been freed back within an active release.
func (ac *AllocationClass) ProcessAllocForRelease(ctx *SlabReleaseContext,
	h Handle, callback func(Handle)) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	rec, err := ac.checkSlabInReleaseLocked(ctx, h)
	if err != nil {
		return err
	}
	if !rec.freed[int(h.Offset/ac.allocationSize)] {
		callback(h)
	}
	return nil
}

// ForEachAllocation visits every chunk of a slab, best effort. The walk
// takes a try-lock on the release-start mutex and reports IterationSkipped
// on contention instead of blocking, so it never stalls the allocation hot
// path. Slabs not owned by this class, advised away or under release are
// skipped as well. The scan touches memory a fixed number of chunks ahead of
// the visit position to hide load latency.
func (ac *AllocationClass) ForEachAllocation(slab SlabID, callback AllocTraversalFn) IterationStatus {
	if !ac.releaseMu.TryLock() {
		return IterationSkipped
	}
	defer ac.releaseMu.Unlock()

	ac.mu.Lock()
	hdr := ac.slabAlloc.Header(slab)
	if hdr == nil || hdr.classID != ac.classID || hdr.poolID != ac.poolID ||
		hdr.advised || hdr.markedForRelease {
		ac.mu.Unlock()
		return IterationSkipped
	}
	info := AllocInfo{PoolID: hdr.poolID, ClassID: hdr.classID, AllocSize: hdr.allocSize}
	ac.mu.Unlock()

	mem := ac.slabAlloc.slabMemory(slab)
	size := int(ac.allocationSize)
	n := ac.AllocsPerSlab()
	for i := 0; i < n; i++ {
		if ahead := (i + forEachAllocPrefetch) * size; ahead < len(mem) {
			_ = mem[ahead]
		}
		if !callback(Handle{Slab: slab, Offset: uint32(i * size)}, info) {
			return IterationAborted
		}
	}
	return IterationCompleted
}

// ActiveReleases returns the number of in-flight slab releases.
func (ac *AllocationClass) ActiveReleases() int64 {
	return ac.activeReleases.Load()
}
