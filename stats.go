package slaballoc

import (
	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/s2"
)

// ClassStat is a point-in-time snapshot of one allocation class.
type ClassStat struct {
	ClassID        ClassID
	AllocSize      uint32
	AllocsPerSlab  int
	UsedSlabs      int
	FreeSlabs      int
	FreeAllocs     int
	ActiveReleases int64
	Full           bool
}

// PoolStat is a point-in-time snapshot of one memory pool.
type PoolStat struct {
	PoolID        PoolID
	MaxSize       uint64
	SlabBytes     uint64
	AllocBytes    uint64
	FreeSlabs     int
	Resizes       uint64
	Rebalances    uint64
	ReleaseAborts uint64
	Classes       []ClassStat
}

// GetStats snapshots the class counters. Advisory against racing mutators.
func (ac *AllocationClass) GetStats() ClassStat {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ClassStat{
		ClassID:        ac.classID,
		AllocSize:      ac.allocationSize,
		AllocsPerSlab:  ac.AllocsPerSlab(),
		UsedSlabs:      len(ac.allocatedSlabs),
		FreeSlabs:      len(ac.freeSlabs),
		FreeAllocs:     len(ac.freeAllocs),
		ActiveReleases: ac.activeReleases.Load(),
		Full:           !ac.canAllocate.Load(),
	}
}

// GetStats snapshots the pool counters and every class.
func (p *MemoryPool) GetStats() PoolStat {
	stat := PoolStat{
		PoolID:        p.id,
		MaxSize:       p.maxSize.Load(),
		SlabBytes:     p.currSlabAllocSize.Load(),
		AllocBytes:    p.currAllocSize.Load(),
		Resizes:       p.numSlabResize.Load(),
		Rebalances:    p.numSlabRebalance.Load(),
		ReleaseAborts: p.numReleaseAborted.Load(),
	}
	p.mu.Lock()
	stat.FreeSlabs = len(p.freeSlabs)
	p.mu.Unlock()
	for _, ac := range p.classes {
		stat.Classes = append(stat.Classes, ac.GetStats())
	}
	return stat
}

// MarshalJSON dumps a snappy-compressed JSON snapshot of every pool.
func (m *MemoryAllocator) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	stats := make([]PoolStat, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.GetStats())
	}
	m.mu.RUnlock()

	src, err := sonic.Marshal(stats)
	if err != nil {
		return nil, err
	}
	return s2.EncodeSnappy(nil, src), nil
}
