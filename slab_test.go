package slaballoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testOptions = Options{
	SlabSize:     4096,
	SlabCount:    8,
	MinAllocSize: 64,
	MaxPools:     4,
}

func TestOptionsValidate(t *testing.T) {
	assert := assert.New(t)

	_, err := NewSlabAllocator(Options{})
	assert.ErrorIs(err, ErrInvalidArgument)

	bad := testOptions
	bad.MinAllocSize = bad.SlabSize + 1
	_, err = NewSlabAllocator(bad)
	assert.ErrorIs(err, ErrInvalidArgument)

	bad = testOptions
	bad.SlabCount = 0
	_, err = NewSlabAllocator(bad)
	assert.ErrorIs(err, ErrInvalidArgument)

	bad = testOptions
	bad.MaxPools = 0
	_, err = NewSlabAllocator(bad)
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestSlabAllocator(t *testing.T) {
	assert := assert.New(t)

	s, err := NewSlabAllocator(testOptions)
	assert.NoError(err)
	assert.Equal(8, s.NumSlabs())
	assert.Equal(uint32(4096), s.SlabSize())

	// unallocated slabs have no header.
	assert.Nil(s.Header(0))
	assert.False(s.IsValidSlab(-1))
	assert.False(s.IsValidSlab(8))
	assert.True(s.IsValidSlab(7))

	slab := s.MakeNewSlab(0)
	assert.Equal(SlabID(0), slab)

	hdr := s.Header(slab)
	assert.NotNil(hdr)
	assert.Equal(PoolID(0), hdr.poolID)
	assert.Equal(InvalidClassID, hdr.classID)

	// exhaust the arena.
	for i := 1; i < 8; i++ {
		assert.Equal(SlabID(i), s.MakeNewSlab(0))
	}
	assert.Equal(invalidSlabID, s.MakeNewSlab(0))

	// return one and get it back.
	assert.NoError(s.FreeSlab(slab))
	assert.Nil(s.Header(slab))
	assert.Equal(slab, s.MakeNewSlab(1))
	assert.Equal(PoolID(1), s.Header(slab).poolID)
}

func TestSlabAllocatorFreeErrors(t *testing.T) {
	assert := assert.New(t)

	s, _ := NewSlabAllocator(testOptions)
	assert.ErrorIs(s.FreeSlab(-1), ErrInvalidArgument)
	assert.ErrorIs(s.FreeSlab(100), ErrInvalidArgument)

	// not allocated yet.
	assert.ErrorIs(s.FreeSlab(0), ErrInvalidArgument)

	// still owned by a class.
	slab := s.MakeNewSlab(0)
	s.Header(slab).classID = 0
	assert.ErrorIs(s.FreeSlab(slab), ErrInvalidArgument)
}

func TestSlabView(t *testing.T) {
	assert := assert.New(t)

	s, _ := NewSlabAllocator(testOptions)
	slab := s.MakeNewSlab(0)
	hdr := s.Header(slab)
	hdr.classID = 0
	hdr.allocSize = 64

	h := Handle{Slab: slab, Offset: 128}
	buf := s.View(h)
	assert.Len(buf, 64)

	copy(buf, []byte("hello"))
	assert.Equal([]byte("hello"), s.View(h)[:5])

	// foreign memory has no view.
	assert.Nil(s.View(NilHandle))
	assert.Nil(s.View(Handle{Slab: 5, Offset: 0}))
	assert.Nil(s.View(Handle{Slab: slab, Offset: 8192}))
}

func TestSlabAdvise(t *testing.T) {
	assert := assert.New(t)

	s, _ := NewSlabAllocator(testOptions)
	slab := s.MakeNewSlab(0)

	assert.NoError(s.Advise(slab))
	assert.True(s.Header(slab).advised)
	assert.NoError(s.Reclaim(slab))
	assert.False(s.Header(slab).advised)

	assert.ErrorIs(s.Advise(100), ErrInvalidArgument)
	assert.ErrorIs(s.Reclaim(100), ErrInvalidArgument)
}

func TestHandle(t *testing.T) {
	assert := assert.New(t)

	assert.False(NilHandle.IsValid())
	assert.True(Handle{Slab: 0, Offset: 64}.IsValid())
}
