package slaballoc

// SlabReleaseMode describes why a slab is leaving its allocation class.
type SlabReleaseMode int

const (
	// SlabReleaseModeResize returns the slab to the slab allocator, because
	// the pool is shrinking.
	SlabReleaseModeResize SlabReleaseMode = iota

	// SlabReleaseModeRebalance keeps the slab inside the pool: it is handed
	// to a receiver class, or parked in the pool's free-slab cache.
	SlabReleaseModeRebalance
)

// IterationStatus is the ternary result of ForEachAllocation. Callers rely
// on telling "skipped, no data yet" apart from "walk finished".
type IterationStatus int

const (
	// IterationCompleted means every chunk of the slab was visited.
	IterationCompleted IterationStatus = iota

	// IterationSkipped means the walk did not run: either the release-start
	// mutex was contended, or the slab was not in a walkable state.
	IterationSkipped

	// IterationAborted means the callback returned false mid-walk.
	IterationAborted
)

// SlabReleaseAbortFn is consulted between pruning batches during
// StartSlabRelease. Returning true aborts the release.
type SlabReleaseAbortFn func() bool

func neverAbort() bool { return false }

// SlabReleaseContext describes an in-flight slab release. If IsReleased
// reports true the slab had no active allocations and the release already
// finished; otherwise the caller must free every handle in
// ActiveAllocations and then call CompleteSlabRelease.
type SlabReleaseContext struct {
	slab     SlabID
	poolID   PoolID
	classID  ClassID
	receiver ClassID
	mode     SlabReleaseMode
	released bool
	active   []Handle
}

func (c *SlabReleaseContext) Slab() SlabID             { return c.slab }
func (c *SlabReleaseContext) PoolID() PoolID           { return c.poolID }
func (c *SlabReleaseContext) ClassID() ClassID         { return c.classID }
func (c *SlabReleaseContext) ReceiverClassID() ClassID { return c.receiver }
func (c *SlabReleaseContext) Mode() SlabReleaseMode    { return c.mode }
func (c *SlabReleaseContext) IsReleased() bool         { return c.released }

// ActiveAllocations returns the chunks that were still allocated when the
// release began. The caller must free each of them.
func (c *SlabReleaseContext) ActiveAllocations() []Handle { return c.active }

// releaseRecord tracks the drain of one slab under release. freed is indexed
// by chunk index; outstanding counts chunks not yet freed back. waiting is
// set once a completer registered, which decides whether the final free or
// the completer finalizes the slab. mode and receiver route the physical
// hand-off when the final free finalizes.
type releaseRecord struct {
	freed       []bool
	outstanding int
	waiting     bool
	mode        SlabReleaseMode
	receiver    ClassID
}
