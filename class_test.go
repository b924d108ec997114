package slaballoc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestClass(t *testing.T, allocSize uint32) (*AllocationClass, *SlabAllocator) {
	s, err := NewSlabAllocator(testOptions)
	assert.NoError(t, err)
	ac, err := newAllocationClass(0, 0, allocSize, s)
	assert.NoError(t, err)
	return ac, s
}

func addTestSlab(ac *AllocationClass, s *SlabAllocator) SlabID {
	slab := s.MakeNewSlab(ac.PoolID())
	if err := ac.AddSlab(slab); err != nil {
		panic(err)
	}
	return slab
}

func TestNewAllocationClass(t *testing.T) {
	assert := assert.New(t)

	s, _ := NewSlabAllocator(testOptions)
	_, err := newAllocationClass(-1, 0, 256, s)
	assert.ErrorIs(err, ErrInvalidArgument)
	_, err = newAllocationClass(0, -1, 256, s)
	assert.ErrorIs(err, ErrInvalidArgument)

	// below the minimum and above the slab size.
	_, err = newAllocationClass(0, 0, 32, s)
	assert.ErrorIs(err, ErrInvalidArgument)
	_, err = newAllocationClass(0, 0, 8192, s)
	assert.ErrorIs(err, ErrInvalidArgument)

	ac, err := newAllocationClass(3, 2, 256, s)
	assert.NoError(err)
	assert.Equal(ClassID(3), ac.ID())
	assert.Equal(PoolID(2), ac.PoolID())
	assert.Equal(uint32(256), ac.AllocSize())
	assert.Equal(16, ac.AllocsPerSlab())
}

func TestClassAllocateFree(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)

	// no slab attached yet.
	assert.Equal(NilHandle, ac.allocate())
	assert.True(ac.IsFull())

	slab := addTestSlab(ac, s)
	assert.False(ac.IsFull())

	// bump allocation carves the slab front to back.
	handles := make([]Handle, 0, 16)
	for i := 0; i < 16; i++ {
		h := ac.allocate()
		assert.Equal(Handle{Slab: slab, Offset: uint32(i) * 256}, h)
		handles = append(handles, h)
	}
	assert.Equal(NilHandle, ac.allocate())
	assert.True(ac.IsFull())

	// a freed chunk is handed out again before any new slab is needed.
	drained, _, _, err := ac.free(handles[3])
	assert.NoError(err)
	assert.False(drained)
	assert.False(ac.IsFull())
	assert.Equal(handles[3], ac.allocate())

	// foreign and misaligned handles are rejected.
	_, _, _, err = ac.free(Handle{Slab: 5, Offset: 0})
	assert.ErrorIs(err, ErrInvalidArgument)
	_, _, _, err = ac.free(Handle{Slab: slab, Offset: 100})
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestFreeTailOffset(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 1000)
	slab := addTestSlab(ac, s)
	assert.Equal(4, ac.AllocsPerSlab())

	h := ac.allocate()
	assert.Equal(Handle{Slab: slab, Offset: 0}, h)

	// offset 4000 is aligned and inside the slab, but past the carveable
	// range of a 1000-byte class.
	tail := Handle{Slab: slab, Offset: 4000}
	_, _, _, err := ac.free(tail)
	assert.ErrorIs(err, ErrInvalidArgument)

	ctx, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, NilHandle, nil)
	assert.NoError(err)

	// same handle during an active release, on every inspection path.
	_, _, _, err = ac.free(tail)
	assert.ErrorIs(err, ErrInvalidArgument)
	_, err = ac.IsAllocFreed(ctx, tail)
	assert.ErrorIs(err, ErrInvalidArgument)
	err = ac.ProcessAllocForRelease(ctx, tail, func(Handle) {})
	assert.ErrorIs(err, ErrInvalidArgument)

	assert.NoError(ac.AbortSlabRelease(ctx))
}

func TestClassAddSlab(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)

	assert.ErrorIs(ac.AddSlab(100), ErrInvalidArgument)

	slab := addTestSlab(ac, s)
	assert.ErrorIs(ac.AddSlab(slab), ErrInvalidArgument)

	// the second slab is retained until the first runs dry.
	slab2 := addTestSlab(ac, s)
	for i := 0; i < 16; i++ {
		assert.Equal(slab, ac.allocate().Slab)
	}
	assert.Equal(Handle{Slab: slab2, Offset: 0}, ac.allocate())
}

func TestStartSlabReleaseFreeSlab(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)

	slab := addTestSlab(ac, s)
	slab2 := addTestSlab(ac, s)
	h := ac.allocate()

	// the retained free slab is the preferred victim and releases on the
	// spot.
	ctx, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, NilHandle, nil)
	assert.NoError(err)
	assert.True(ctx.IsReleased())
	assert.Equal(slab2, ctx.Slab())
	assert.Empty(ctx.ActiveAllocations())
	assert.Equal(InvalidClassID, s.Header(slab2).classID)
	assert.Equal(int64(0), ac.ActiveReleases())

	// allocation on the surviving slab is unaffected.
	assert.Equal(Handle{Slab: slab, Offset: 256}, ac.allocate())
	_, _, _, err = ac.free(h)
	assert.NoError(err)
}

func TestStartSlabReleaseDrain(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	slab := addTestSlab(ac, s)

	handles := make([]Handle, 4)
	for i := range handles {
		handles[i] = ac.allocate()
	}
	_, _, _, err := ac.free(handles[1])
	assert.NoError(err)

	ctx, err := ac.StartSlabRelease(SlabReleaseModeRebalance, ClassID(2), NilHandle, nil)
	assert.NoError(err)
	assert.False(ctx.IsReleased())
	assert.Equal(slab, ctx.Slab())
	assert.Equal(SlabReleaseModeRebalance, ctx.Mode())
	assert.Equal(ClassID(2), ctx.ReceiverClassID())
	assert.Equal(int64(1), ac.ActiveReleases())
	assert.True(s.Header(slab).markedForRelease)

	// the pruned free-list entry and the untouched bump tail are not
	// active; the three live chunks are.
	assert.ElementsMatch([]Handle{handles[0], handles[2], handles[3]},
		ctx.ActiveAllocations())

	freed, err := ac.IsAllocFreed(ctx, handles[1])
	assert.NoError(err)
	assert.True(freed)
	freed, err = ac.IsAllocFreed(ctx, handles[0])
	assert.NoError(err)
	assert.False(freed)

	all, err := ac.AllFreed(slab)
	assert.NoError(err)
	assert.False(all)

	// the class has no slab left to carve.
	assert.Equal(NilHandle, ac.allocate())

	// the callback runs only for chunks still live.
	var visited []Handle
	cb := func(h Handle) { visited = append(visited, h) }
	assert.NoError(ac.ProcessAllocForRelease(ctx, handles[0], cb))
	assert.NoError(ac.ProcessAllocForRelease(ctx, handles[1], cb))
	assert.Equal([]Handle{handles[0]}, visited)

	// frees of active chunks drain the slab; the final one finalizes it
	// and reports the hand-off routing.
	for _, h := range []Handle{handles[0], handles[2]} {
		drained, _, _, err := ac.free(h)
		assert.NoError(err)
		assert.False(drained)
	}
	// the drain-side hand-off carries the receiver named at start.
	drained, mode, receiver, err := ac.free(handles[3])
	assert.NoError(err)
	assert.True(drained)
	assert.Equal(SlabReleaseModeRebalance, mode)
	assert.Equal(ClassID(2), receiver)

	assert.Equal(InvalidClassID, s.Header(slab).classID)
	assert.Equal(int64(0), ac.ActiveReleases())

	// the slab no longer belongs to the class.
	_, _, _, err = ac.free(handles[0])
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestStartSlabReleaseHint(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)

	slab := addTestSlab(ac, s)
	var hint Handle
	for i := 0; i < 16; i++ {
		hint = ac.allocate()
	}
	slab2 := addTestSlab(ac, s)
	h2 := ac.allocate()
	assert.Equal(slab2, h2.Slab)

	// a bad hint never picks an arbitrary victim.
	_, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID,
		Handle{Slab: 6, Offset: 0}, nil)
	assert.ErrorIs(err, ErrInvalidArgument)

	ctx, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, hint, nil)
	assert.NoError(err)
	assert.Equal(slab, ctx.Slab())
	assert.Len(ctx.ActiveAllocations(), 16)

	assert.NoError(ac.AbortSlabRelease(ctx))
}

func TestAbortSlabRelease(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	slab := addTestSlab(ac, s)

	handles := make([]Handle, 4)
	for i := range handles {
		handles[i] = ac.allocate()
	}
	_, _, _, err := ac.free(handles[1])
	assert.NoError(err)

	ctx, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, NilHandle, nil)
	assert.NoError(err)
	assert.Len(ctx.ActiveAllocations(), 3)

	assert.ErrorIs(ac.AbortSlabRelease(nil), ErrInvalidArgument)
	assert.NoError(ac.AbortSlabRelease(ctx))
	assert.False(s.Header(slab).markedForRelease)
	assert.Equal(int64(0), ac.ActiveReleases())

	// aborting twice finds no release to roll back.
	assert.ErrorIs(ac.AbortSlabRelease(ctx), ErrInvalidArgument)

	// live chunks free normally again and re-enter circulation. The chunk
	// pruned before the abort stays out.
	drained, _, _, err := ac.free(handles[0])
	assert.NoError(err)
	assert.False(drained)
	assert.Equal(handles[0], ac.allocate())
}

func TestStartSlabReleaseAborted(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	slab := addTestSlab(ac, s)

	handles := make([]Handle, 4)
	for i := range handles {
		handles[i] = ac.allocate()
	}
	_, _, _, err := ac.free(handles[1])
	assert.NoError(err)

	abort := func() bool { return true }
	_, err = ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, NilHandle, abort)
	assert.ErrorIs(err, ErrReleaseAborted)

	// the victim is fully restored: not marked, free list intact, bump
	// cursor where it was.
	assert.False(s.Header(slab).markedForRelease)
	assert.Equal(int64(0), ac.ActiveReleases())
	assert.Equal(handles[1], ac.allocate())
	assert.Equal(Handle{Slab: slab, Offset: 1024}, ac.allocate())
}

func TestCompleteSlabRelease(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	slab := addTestSlab(ac, s)

	handles := make([]Handle, 3)
	for i := range handles {
		handles[i] = ac.allocate()
	}

	ctx, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, NilHandle, nil)
	assert.NoError(err)
	assert.Len(ctx.ActiveAllocations(), 3)

	for _, h := range handles[:2] {
		drained, _, _, err := ac.free(h)
		assert.NoError(err)
		assert.False(drained)
	}

	done := make(chan bool, 1)
	go func() {
		finalized, err := ac.CompleteSlabRelease(ctx)
		assert.NoError(err)
		done <- finalized
	}()
	time.Sleep(5 * time.Millisecond)

	drained, _, _, err := ac.free(handles[2])
	assert.NoError(err)
	finalized := <-done

	// exactly one side finalizes, whichever registered first.
	assert.NotEqual(drained, finalized)
	assert.Equal(InvalidClassID, s.Header(slab).classID)
	assert.Equal(int64(0), ac.ActiveReleases())

	// completing again is a no-op.
	finalized, err = ac.CompleteSlabRelease(ctx)
	assert.NoError(err)
	assert.False(finalized)

	_, err = ac.CompleteSlabRelease(nil)
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestCompleteSlabReleaseAfterAbort(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	addTestSlab(ac, s)
	ac.allocate()

	ctx, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, NilHandle, nil)
	assert.NoError(err)
	assert.NoError(ac.AbortSlabRelease(ctx))

	// the slab is back in circulation, there is nothing to complete.
	_, err = ac.CompleteSlabRelease(ctx)
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestReleaseInspectionErrors(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	addTestSlab(ac, s)
	h := ac.allocate()

	ctx, err := ac.StartSlabRelease(SlabReleaseModeResize, InvalidClassID, NilHandle, nil)
	assert.NoError(err)

	// a handle outside the context's slab and a misaligned one.
	_, err = ac.IsAllocFreed(ctx, Handle{Slab: ctx.Slab() + 1, Offset: 0})
	assert.ErrorIs(err, ErrInvalidArgument)
	_, err = ac.IsAllocFreed(ctx, Handle{Slab: ctx.Slab(), Offset: 100})
	assert.ErrorIs(err, ErrInvalidArgument)
	err = ac.ProcessAllocForRelease(ctx, Handle{Slab: ctx.Slab(), Offset: 100}, func(Handle) {})
	assert.ErrorIs(err, ErrInvalidArgument)

	_, err = ac.AllFreed(ctx.Slab() + 1)
	assert.ErrorIs(err, ErrInvalidArgument)

	assert.NoError(ac.AbortSlabRelease(ctx))
	_, err = ac.IsAllocFreed(ctx, h)
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestForEachAllocation(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	slab := addTestSlab(ac, s)
	ac.allocate()

	var visited []Handle
	status := ac.ForEachAllocation(slab, func(h Handle, info AllocInfo) bool {
		assert.Equal(PoolID(0), info.PoolID)
		assert.Equal(ClassID(0), info.ClassID)
		assert.Equal(uint32(256), info.AllocSize)
		visited = append(visited, h)
		return true
	})
	assert.Equal(IterationCompleted, status)
	assert.Len(visited, 16)
	for i, h := range visited {
		assert.Equal(Handle{Slab: slab, Offset: uint32(i) * 256}, h)
	}

	// the callback can cut the walk short.
	count := 0
	status = ac.ForEachAllocation(slab, func(Handle, AllocInfo) bool {
		count++
		return count < 5
	})
	assert.Equal(IterationAborted, status)
	assert.Equal(5, count)
}

func TestForEachAllocationSkipped(t *testing.T) {
	assert := assert.New(t)
	ac, s := newTestClass(t, 256)
	slab := addTestSlab(ac, s)

	never := func(Handle, AllocInfo) bool {
		t.Error("callback ran on a skipped walk")
		return false
	}

	// a slab the class does not own.
	other := s.MakeNewSlab(0)
	assert.Equal(IterationSkipped, ac.ForEachAllocation(other, never))

	// contention with a release start.
	ac.releaseMu.Lock()
	assert.Equal(IterationSkipped, ac.ForEachAllocation(slab, never))
	ac.releaseMu.Unlock()

	// a slab mid-release.
	s.Header(slab).markedForRelease = true
	assert.Equal(IterationSkipped, ac.ForEachAllocation(slab, never))
	s.Header(slab).markedForRelease = false

	// an advised slab.
	assert.NoError(s.Advise(slab))
	assert.Equal(IterationSkipped, ac.ForEachAllocation(slab, never))
	assert.NoError(s.Reclaim(slab))

	assert.Equal(IterationCompleted, ac.ForEachAllocation(slab,
		func(Handle, AllocInfo) bool { return true }))
}
