// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/kianostad/dash/internal/pmem"
)

// slotKind selects which occupied slots a lookup considers.
type slotKind int

const (
	nativeSlots slotKind = iota // entries whose home is this bucket
	probeSlots                  // entries whose home is the previous bucket
	anySlots                    // stash buckets
)

// bucket is one 256-byte unit of a segment. Everything a reader touches is
// loaded atomically; every mutation happens under lock.
type bucket[K, V Word] struct {
	lock     versionLock
	meta     atomic.Uint32
	fingers  fingerprints
	overflow atomic.Uint64
	keys     [slotsPerBucket]K
	values   [slotsPerBucket]V
}

const bucketHeaderSize = unsafe.Offsetof(bucket[uint64, uint64]{}.keys)

func (b *bucket[K, V]) slots() slotMeta {
	return slotMeta(b.meta.Load())
}

func (b *bucket[K, V]) overflowMeta() overflowMeta {
	return overflowMeta(b.overflow.Load())
}

func (b *bucket[K, V]) setOverflow(o overflowMeta) {
	b.overflow.Store(uint64(o))
}

func (m slotMeta) of(kind slotKind) uint32 {
	switch kind {
	case nativeSlots:
		return m.natives()
	case probeSlots:
		return m.probes()
	default:
		return m.occupied()
	}
}

// find returns the slot holding key, or -1. It does not need the lock; an
// unlocked caller must validate the bucket version afterwards.
func (b *bucket[K, V]) find(key K, fp uint8, kind slotKind) int {
	mask := b.fingers.match(fp) & b.slots().of(kind)
	for mask != 0 {
		i := bits.TrailingZeros32(mask)
		mask &= mask - 1
		if loadWord(&b.keys[i]) == key {
			return i
		}
	}
	return -1
}

func (b *bucket[K, V]) lookup(key K, fp uint8, kind slotKind) (V, bool) {
	if i := b.find(key, fp, kind); i >= 0 {
		return loadWord(&b.values[i]), true
	}
	var zero V
	return zero, false
}

// put publishes an entry in slot i. The key and value become durable before
// the fingerprint and the metadata make the slot visible.
func (b *bucket[K, V]) put(i int, key K, value V, fp uint8, probe bool, p pmem.Persister) {
	storeWord(&b.values[i], value)
	storeWord(&b.keys[i], key)
	p.Persist(unsafe.Pointer(&b.keys[i]), unsafe.Sizeof(key))
	p.Persist(unsafe.Pointer(&b.values[i]), unsafe.Sizeof(value))
	p.Fence()
	b.fingers.set(i, fp)
	b.meta.Store(uint32(b.slots().withSlot(i, probe)))
	p.Persist(unsafe.Pointer(b), bucketHeaderSize)
}

// insert places an entry in the first free slot. It reports false when the
// bucket is full.
func (b *bucket[K, V]) insert(key K, value V, fp uint8, probe bool, p pmem.Persister) bool {
	i := b.slots().firstFree()
	if i < 0 {
		return false
	}
	b.put(i, key, value, fp, probe, p)
	return true
}

func (b *bucket[K, V]) clear(i int, p pmem.Persister) {
	b.meta.Store(uint32(b.slots().withoutSlot(i)))
	p.Persist(unsafe.Pointer(b), bucketHeaderSize)
}

// remove deletes key if it is present among the slots of the given kind.
func (b *bucket[K, V]) remove(key K, fp uint8, kind slotKind, p pmem.Persister) bool {
	i := b.find(key, fp, kind)
	if i < 0 {
		return false
	}
	b.clear(i, p)
	return true
}

func (b *bucket[K, V]) entry(i int) (K, V) {
	return loadWord(&b.keys[i]), loadWord(&b.values[i])
}

func firstSlot(mask uint32) int {
	if mask == 0 {
		return -1
	}
	return bits.TrailingZeros32(mask)
}

// setIndicator records a stashed entry whose home is target. The fingerprint
// goes into target's own indicators, then into the neighbor's with the
// membership bit, and otherwise only the overflow count is bumped. Both
// buckets must be locked.
func setIndicator[K, V Word](target, neighbor *bucket[K, V], fp uint8, pos int) {
	o := target.overflowMeta()
	if i := o.freeIndicator(); i >= 0 {
		target.setOverflow(o.withIndicator(i, fp, pos, false).with(stashCheckFlag, true))
		return
	}
	n := neighbor.overflowMeta()
	if i := n.freeIndicator(); i >= 0 {
		neighbor.setOverflow(n.withIndicator(i, fp, pos, true))
		target.setOverflow(o.with(stashCheckFlag, true))
		return
	}
	target.setOverflow(o.withOverflowCount(o.overflowCount() + 1).with(stashCheckFlag, true))
}

// unsetIndicator undoes setIndicator for an entry removed from stash bucket
// pos. Both buckets must be locked.
func unsetIndicator[K, V Word](target, neighbor *bucket[K, V], fp uint8, pos int) {
	o := target.overflowMeta()
	n := neighbor.overflowMeta()
	cleared := false
	for i := 0; i < indicatorSlots && !cleared; i++ {
		if o.inUse(i) && !o.isMember(i) && o.indicatorFingerprint(i) == fp && o.indicatorPos(i) == pos {
			o = o.withoutIndicator(i)
			cleared = true
		}
	}
	for i := 0; i < indicatorSlots && !cleared; i++ {
		if n.inUse(i) && n.isMember(i) && n.indicatorFingerprint(i) == fp && n.indicatorPos(i) == pos {
			n = n.withoutIndicator(i)
			neighbor.setOverflow(n)
			cleared = true
		}
	}
	if !cleared && o.overflowCount() > 0 {
		o = o.withOverflowCount(o.overflowCount() - 1)
	}
	if o.overflowCount() == 0 && !o.ownsIndicators() && n.members() == 0 {
		o = o.with(stashCheckFlag, false)
	}
	target.setOverflow(o)
}

// ownsIndicators reports whether any indicator belongs to this bucket
// itself rather than to the previous one.
func (o overflowMeta) ownsIndicators() bool {
	return o.allocated()&^o.members() != 0
}

// stashTargets returns a bitmap of the stash buckets that may hold an entry
// with home target and fingerprint fp.
func stashTargets[K, V Word](target, neighbor *bucket[K, V], fp uint8) uint8 {
	o := target.overflowMeta()
	if !o.has(stashCheckFlag) {
		return 0
	}
	if o.overflowCount() > 0 {
		return 1<<stashBuckets - 1
	}
	return o.matching(fp, false) | neighbor.overflowMeta().matching(fp, true)
}

// nonFlush reports whether either bucket is publishing an entry that is not
// yet durable.
func nonFlush[K, V Word](target, neighbor *bucket[K, V]) bool {
	return target.overflowMeta().has(nextNonFlushFlag) || neighbor.overflowMeta().has(preNonFlushFlag)
}

func (b *bucket[K, V]) mark(flag overflowMeta, on bool) {
	b.setOverflow(b.overflowMeta().with(flag, on))
}
