package slaballoc

import (
	"fmt"
	"sync"

	"github.com/tidwall/hashmap"
)

// MemoryAllocator is the top-level facade: it owns the slab arena and a set
// of named memory pools, and routes every operation to the right pool via
// the slab headers.
type MemoryAllocator struct {
	mu sync.RWMutex

	options   Options
	slabAlloc *SlabAllocator

	pools []*MemoryPool
	names hashmap.Map[string, PoolID]
}

// NewMemoryAllocator builds the arena and an empty pool set.
func NewMemoryAllocator(options Options) (*MemoryAllocator, error) {
	slabAlloc, err := NewSlabAllocator(options)
	if err != nil {
		return nil, err
	}
	return &MemoryAllocator{
		options:   options,
		slabAlloc: slabAlloc,
	}, nil
}

// SlabAllocator exposes the underlying arena.
func (m *MemoryAllocator) SlabAllocator() *SlabAllocator { return m.slabAlloc }

// AddPool creates a named pool with the given byte budget and allocation
// class sizes (sorted, unique). With ensureProvisionable the budget must
// cover at least one slab per class.
func (m *MemoryAllocator) AddPool(name string, size uint64, allocSizes []uint32,
	ensureProvisionable bool) (PoolID, error) {
	if name == "" {
		return InvalidPoolID, fmt.Errorf("%w: empty pool name", ErrInvalidArgument)
	}
	if len(allocSizes) == 0 {
		return InvalidPoolID, fmt.Errorf("%w: no allocation sizes for pool %q",
			ErrInvalidArgument, name)
	}
	if ensureProvisionable {
		need := uint64(m.slabAlloc.SlabSize()) * uint64(len(allocSizes))
		if need > size {
			return InvalidPoolID, fmt.Errorf(
				"%w: pool %q cannot hold one slab per class, %d bytes required, %d given",
				ErrInvalidArgument, name, need, size)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names.Get(name); ok {
		return InvalidPoolID, fmt.Errorf("%w: pool %q already exists",
			ErrInvalidArgument, name)
	}
	if len(m.pools) >= m.options.MaxPools {
		return InvalidPoolID, fmt.Errorf("%w: pool limit %d reached",
			ErrInvalidArgument, m.options.MaxPools)
	}

	id := PoolID(len(m.pools))
	pool, err := NewMemoryPool(id, size, m.slabAlloc, allocSizes)
	if err != nil {
		return InvalidPoolID, err
	}
	m.pools = append(m.pools, pool)
	m.names.Set(name, id)
	return id, nil
}

// GetPoolID resolves a pool name; InvalidPoolID when unknown.
func (m *MemoryAllocator) GetPoolID(name string) PoolID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names.Get(name)
	if !ok {
		return InvalidPoolID
	}
	return id
}

// GetPool returns the pool for an id.
func (m *MemoryAllocator) GetPool(id PoolID) (*MemoryPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 0 || int(id) >= len(m.pools) {
		return nil, fmt.Errorf("%w: invalid pool id %d", ErrInvalidArgument, id)
	}
	return m.pools[id], nil
}

// poolForHandle routes an allocation back to its pool via the slab header.
func (m *MemoryAllocator) poolForHandle(h Handle) (*MemoryPool, error) {
	hdr := m.slabAlloc.HeaderForHandle(h)
	if hdr == nil {
		return nil, fmt.Errorf("%w: memory not recognized by this allocator",
			ErrInvalidArgument)
	}
	return m.GetPool(hdr.poolID)
}

// Allocate returns at least size bytes from the named pool, NilHandle on
// exhaustion.
func (m *MemoryAllocator) Allocate(id PoolID, size uint32) (Handle, error) {
	pool, err := m.GetPool(id)
	if err != nil {
		return NilHandle, err
	}
	return pool.Allocate(size)
}

// Free returns an allocation to whichever pool owns it.
func (m *MemoryAllocator) Free(h Handle) error {
	pool, err := m.poolForHandle(h)
	if err != nil {
		return err
	}
	return pool.Free(h)
}

// View returns the chunk bytes behind a handle.
func (m *MemoryAllocator) View(h Handle) []byte {
	return m.slabAlloc.View(h)
}

// GetAllocationClassID resolves (pool, size) to a class id.
func (m *MemoryAllocator) GetAllocationClassID(id PoolID, size uint32) (ClassID, error) {
	pool, err := m.GetPool(id)
	if err != nil {
		return InvalidClassID, err
	}
	return pool.GetAllocationClassID(size)
}

// StartSlabRelease starts a release in one pool; see
// MemoryPool.StartSlabRelease.
func (m *MemoryAllocator) StartSlabRelease(id PoolID, victim, receiver ClassID,
	mode SlabReleaseMode, hint Handle, shouldAbort SlabReleaseAbortFn) (*SlabReleaseContext, error) {
	pool, err := m.GetPool(id)
	if err != nil {
		return nil, err
	}
	return pool.StartSlabRelease(victim, receiver, mode, hint, shouldAbort)
}

// CompleteSlabRelease resolves the owning pool from the context and
// completes the release.
func (m *MemoryAllocator) CompleteSlabRelease(ctx *SlabReleaseContext) error {
	if ctx == nil {
		return fmt.Errorf("%w: nil release context", ErrInvalidArgument)
	}
	pool, err := m.GetPool(ctx.poolID)
	if err != nil {
		return err
	}
	return pool.CompleteSlabRelease(ctx)
}

// AbortSlabRelease resolves the owning pool from the context and aborts the
// release.
func (m *MemoryAllocator) AbortSlabRelease(ctx *SlabReleaseContext) error {
	if ctx == nil {
		return fmt.Errorf("%w: nil release context", ErrInvalidArgument)
	}
	pool, err := m.GetPool(ctx.poolID)
	if err != nil {
		return err
	}
	return pool.AbortSlabRelease(ctx)
}

// IsAllocFreed reports whether a chunk under release has been freed back.
func (m *MemoryAllocator) IsAllocFreed(ctx *SlabReleaseContext, h Handle) (bool, error) {
	ac, err := m.classForContext(ctx)
	if err != nil {
		return false, err
	}
	return ac.IsAllocFreed(ctx, h)
}

// AllAllocsFreed reports whether the context's slab is fully drained.
func (m *MemoryAllocator) AllAllocsFreed(ctx *SlabReleaseContext) (bool, error) {
	ac, err := m.classForContext(ctx)
	if err != nil {
		return false, err
	}
	return ac.AllFreed(ctx.slab)
}

// ProcessAllocForRelease visits a not-yet-freed chunk under release.
func (m *MemoryAllocator) ProcessAllocForRelease(ctx *SlabReleaseContext,
	h Handle, callback func(Handle)) error {
	ac, err := m.classForContext(ctx)
	if err != nil {
		return err
	}
	return ac.ProcessAllocForRelease(ctx, h, callback)
}

func (m *MemoryAllocator) classForContext(ctx *SlabReleaseContext) (*AllocationClass, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: nil release context", ErrInvalidArgument)
	}
	pool, err := m.GetPool(ctx.poolID)
	if err != nil {
		return nil, err
	}
	return pool.GetAllocationClass(ctx.classID)
}
