// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kianostad/dash/internal/pmem"
)

type countingPersister struct {
	persists int
	fences   int
}

func (p *countingPersister) Persist(unsafe.Pointer, uintptr) { p.persists++ }
func (p *countingPersister) Fence()                          { p.fences++ }

func TestBucketLayout(t *testing.T) {
	assert.Equal(t, uintptr(256), unsafe.Sizeof(bucket[uint64, uint64]{}))
	assert.Equal(t, uintptr(32), bucketHeaderSize)
	assert.Zero(t, unsafe.Offsetof(segment[uint64, uint64]{}.buckets)%pmem.CacheLineSize)
}

func TestBucketInsertFindRemove(t *testing.T) {
	var b bucket[uint64, int64]
	p := &countingPersister{}

	require.True(t, b.insert(1, -1, 0x11, false, p))
	require.True(t, b.insert(2, -2, 0x22, true, p))
	assert.Equal(t, 2, b.slots().count())
	assert.Positive(t, p.persists)
	assert.Equal(t, 2, p.fences)

	v, ok := b.lookup(1, 0x11, nativeSlots)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), v)

	_, ok = b.lookup(1, 0x11, probeSlots)
	assert.False(t, ok, "native entry must not match a probe lookup")
	_, ok = b.lookup(1, 0x12, nativeSlots)
	assert.False(t, ok, "wrong fingerprint")

	v, ok = b.lookup(2, 0x22, probeSlots)
	assert.True(t, ok)
	assert.Equal(t, int64(-2), v)
	_, ok = b.lookup(2, 0x22, anySlots)
	assert.True(t, ok)

	assert.False(t, b.remove(2, 0x22, nativeSlots, p))
	assert.True(t, b.remove(2, 0x22, probeSlots, p))
	_, ok = b.lookup(2, 0x22, anySlots)
	assert.False(t, ok)
	assert.Equal(t, 1, b.slots().count())
	assert.Equal(t, 1, b.slots().firstFree())
}

func TestBucketSharedFingerprint(t *testing.T) {
	var b bucket[uint64, uint64]
	for k := uint64(0); k < slotsPerBucket; k++ {
		require.True(t, b.insert(k, k*10, 0x42, false, pmem.Volatile{}))
	}
	require.False(t, b.insert(99, 0, 0x42, false, pmem.Volatile{}))

	for k := uint64(0); k < slotsPerBucket; k++ {
		v, ok := b.lookup(k, 0x42, nativeSlots)
		require.True(t, ok)
		require.Equal(t, k*10, v)
	}
	_, ok := b.lookup(99, 0x42, nativeSlots)
	assert.False(t, ok)
}

func TestIndicators(t *testing.T) {
	var target, neighbor bucket[uint64, uint64]

	// Four own indicators, four on the neighbor, then the overflow count.
	for i := 0; i < 10; i++ {
		setIndicator(&target, &neighbor, uint8(i), i&1)
	}
	to, no := target.overflowMeta(), neighbor.overflowMeta()
	assert.True(t, to.has(stashCheckFlag))
	assert.Equal(t, uint8(0xF), to.allocated())
	assert.Zero(t, to.members())
	assert.Equal(t, uint8(0xF), no.members())
	assert.Equal(t, 2, to.overflowCount())

	// With a non-zero overflow count every stash bucket is a candidate.
	assert.Equal(t, uint8(3), stashTargets(&target, &neighbor, 0xEE))

	unsetIndicator(&target, &neighbor, 8, 0)
	unsetIndicator(&target, &neighbor, 9, 1)
	assert.Zero(t, target.overflowMeta().overflowCount())

	assert.Equal(t, uint8(1<<0), stashTargets(&target, &neighbor, 2))
	assert.Equal(t, uint8(1<<1), stashTargets(&target, &neighbor, 5), "found through the neighbor's member indicator")
	assert.Zero(t, stashTargets(&target, &neighbor, 0xEE))

	for i := 0; i < 8; i++ {
		unsetIndicator(&target, &neighbor, uint8(i), i&1)
	}
	assert.Zero(t, target.overflowMeta().allocated())
	assert.Zero(t, neighbor.overflowMeta().allocated())
	assert.False(t, target.overflowMeta().has(stashCheckFlag))
	assert.Zero(t, stashTargets(&target, &neighbor, 2))
}

func TestNonFlushMarkers(t *testing.T) {
	var target, neighbor bucket[uint64, uint64]
	assert.False(t, nonFlush(&target, &neighbor))

	neighbor.mark(preNonFlushFlag, true)
	assert.True(t, nonFlush(&target, &neighbor))
	neighbor.mark(preNonFlushFlag, false)

	target.mark(nextNonFlushFlag, true)
	assert.True(t, nonFlush(&target, &neighbor))
	target.mark(nextNonFlushFlag, false)
	assert.False(t, nonFlush(&target, &neighbor))
}

func TestPlaceIntoFullBucketPanics(t *testing.T) {
	var b bucket[uint64, uint64]
	p := &countingPersister{}
	for i := 0; i < slotsPerBucket; i++ {
		require.True(t, b.insert(uint64(i), 0, uint8(i), false, p))
	}
	require.False(t, b.insert(99, 0, 0x99, false, p))

	want := &InvariantError{Op: "insert", Detail: "no empty slot for key 99 in a bucket with count 14"}
	assert.PanicsWithError(t, want.Error(), func() { place(&b, 99, 0, 0x99, false, p) })
	assert.Equal(t, slotsPerBucket, b.slots().count())
}

func TestVersionLock(t *testing.T) {
	var l versionLock
	v0, locked := l.sample()
	require.False(t, locked)

	require.True(t, l.tryLock())
	assert.False(t, l.tryLock())
	assert.True(t, l.locked())
	assert.True(t, l.changed(v0))

	l.unlock()
	v1, locked := l.sample()
	assert.False(t, locked)
	assert.Equal(t, v0+1, v1)
	assert.True(t, l.changed(v0))
	assert.False(t, l.changed(v1))
}
