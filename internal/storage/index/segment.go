// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/kianostad/dash/internal/pmem"
)

// Segment states.
const (
	stateNormal    int32 = 0
	stateMerging   int32 = -1
	stateSplitting int32 = -2
)

type insertResult int

const (
	insertOK insertResult = iota
	insertDisplaced
	insertStashed
	insertDuplicate
	insertRetry
	insertFull
)

type segmentHeader struct {
	localDepth atomic.Uint64
	pattern    atomic.Uint64
	number     atomic.Int64
	state      atomic.Int32
	handle     uint32
}

// segment is a fixed group of 64 home buckets followed by 2 stash buckets.
// It holds no Go pointers so it can live in allocator memory.
type segment[K, V Word] struct {
	segmentHeader
	_       [pmem.CacheLineSize - unsafe.Sizeof(segmentHeader{})%pmem.CacheLineSize]byte
	buckets [bucketsPerSegment + stashBuckets]bucket[K, V]
}

func segmentSize[K, V Word]() uintptr {
	return unsafe.Sizeof(segment[K, V]{})
}

func newSegment[K, V Word](alloc pmem.Allocator, depth, pattern uint64) (*segment[K, V], error) {
	p, err := alloc.Alloc(segmentSize[K, V]())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSegmentAlloc, err)
	}
	s := (*segment[K, V])(p)
	s.localDepth.Store(depth)
	s.pattern.Store(pattern)
	return s, nil
}

// owns reports whether the segment is responsible for hash at its current
// local depth. Callers hold a bucket lock or validate a version afterwards.
func (s *segment[K, V]) owns(hash uint64) bool {
	return hash>>(64-s.localDepth.Load()) == s.pattern.Load()
}

func (s *segment[K, V]) home(hash uint64) (target, neighbor *bucket[K, V]) {
	y := bucketIndex(hash)
	return &s.buckets[y], &s.buckets[(y+1)&bucketMask]
}

func (s *segment[K, V]) stash(pos int) *bucket[K, V] {
	return &s.buckets[bucketsPerSegment+pos]
}

// contains checks target, neighbor and the stash for key. It works with or
// without the locks; unlocked callers validate target's version.
func (s *segment[K, V]) contains(key K, fp uint8, target, neighbor *bucket[K, V]) (V, bool) {
	if v, ok := target.lookup(key, fp, nativeSlots); ok {
		return v, true
	}
	if v, ok := neighbor.lookup(key, fp, probeSlots); ok {
		return v, true
	}
	mask := stashTargets(target, neighbor, fp)
	for pos := 0; pos < stashBuckets; pos++ {
		if mask&(1<<pos) == 0 {
			continue
		}
		if v, ok := s.stash(pos).lookup(key, fp, anySlots); ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// insert adds key to the segment. It returns insertRetry when the caller
// must re-resolve the segment and insertFull when only a split can help.
func (s *segment[K, V]) insert(key K, value V, hash uint64, p pmem.Persister) insertResult {
	fp := fingerprint(hash)
	y := bucketIndex(hash)
	target, neighbor := s.home(hash)

	target.lock.lock()
	if !neighbor.lock.tryLock() {
		target.lock.unlock()
		return insertRetry
	}
	if !s.owns(hash) {
		neighbor.lock.unlock()
		target.lock.unlock()
		return insertRetry
	}
	if _, ok := s.contains(key, fp, target, neighbor); ok {
		neighbor.lock.unlock()
		target.lock.unlock()
		return insertDuplicate
	}

	tm, nm := target.slots(), neighbor.slots()
	if tm.full() && nm.full() {
		res, written := s.overflow(key, value, fp, y, false, p)
		switch written {
		case neighbor:
			release(neighbor, target, nextNonFlushFlag, p)
		case target:
			release(target, neighbor, preNonFlushFlag, p)
		default:
			neighbor.lock.unlock()
			target.lock.unlock()
		}
		return res
	}

	if tm.count() <= nm.count() {
		place(target, key, value, fp, false, p)
		s.number.Add(1)
		release(target, neighbor, preNonFlushFlag, p)
		return insertOK
	}

	place(neighbor, key, value, fp, true, p)
	s.number.Add(1)
	release(neighbor, target, nextNonFlushFlag, p)
	return insertOK
}

// release unlocks written while other carries the non-flush marker flag,
// then clears the marker and unlocks other. Both buckets must be locked.
func release[K, V Word](written, other *bucket[K, V], flag overflowMeta, p pmem.Persister) {
	other.mark(flag, true)
	written.lock.unlock()
	p.Persist(unsafe.Pointer(written), bucketHeaderSize)
	other.mark(flag, false)
	other.lock.unlock()
}

// place inserts into a bucket that was checked to have a free slot.
func place[K, V Word](b *bucket[K, V], key K, value V, fp uint8, probe bool, p pmem.Persister) {
	if !b.insert(key, value, fp, probe, p) {
		invariant("insert", "no empty slot for key %d in a bucket with count %d", uint64(key), b.slots().count())
	}
}

// overflow places an entry whose target and neighbor are both full: by
// displacing into y+2, by displacing into y-1, or into the stash. It returns
// the home bucket that took the new entry, or nil for the stash. With
// exclusive set the caller owns the whole segment and no locks are taken.
func (s *segment[K, V]) overflow(key K, value V, fp uint8, y int, exclusive bool, p pmem.Persister) (insertResult, *bucket[K, V]) {
	target := &s.buckets[y]
	neighbor := &s.buckets[(y+1)&bucketMask]

	acquire := func(b *bucket[K, V]) bool { return exclusive || b.lock.tryLock() }
	unlock := func(b *bucket[K, V]) {
		if !exclusive {
			b.lock.unlock()
		}
	}

	// Move one of the neighbor's own entries into its neighbor as a probe
	// entry and take its slot.
	next := &s.buckets[(y+2)&bucketMask]
	if acquire(next) {
		if i := firstSlot(neighbor.slots().natives()); i >= 0 && !next.slots().full() {
			k, v := neighbor.entry(i)
			place(next, k, v, neighbor.fingers.get(i), true, p)
			neighbor.mark(nextNonFlushFlag, true)
			unlock(next)
			p.Persist(unsafe.Pointer(next), bucketHeaderSize)
			neighbor.mark(nextNonFlushFlag, false)

			neighbor.clear(i, p)
			neighbor.put(i, key, value, fp, true, p)
			s.number.Add(1)
			return insertDisplaced, neighbor
		}
		unlock(next)
	}

	// Move a probe entry of target back to its own home and take its slot.
	prev := &s.buckets[(y-1)&bucketMask]
	if acquire(prev) {
		if i := firstSlot(target.slots().probes()); i >= 0 && !prev.slots().full() {
			k, v := target.entry(i)
			place(prev, k, v, target.fingers.get(i), false, p)
			target.mark(preNonFlushFlag, true)
			unlock(prev)
			p.Persist(unsafe.Pointer(prev), bucketHeaderSize)
			target.mark(preNonFlushFlag, false)

			target.clear(i, p)
			target.put(i, key, value, fp, false, p)
			s.number.Add(1)
			return insertDisplaced, target
		}
		unlock(prev)
	}

	guard := s.stash(0)
	if !acquire(guard) {
		return insertRetry, nil
	}
	defer unlock(guard)
	for n := 0; n < stashBuckets; n++ {
		pos := (y + n) & stashMask
		if s.stash(pos).insert(key, value, fp, false, p) {
			setIndicator(target, neighbor, fp, pos)
			s.number.Add(1)
			return insertStashed, nil
		}
	}
	return insertFull, nil
}

// insertForSplit moves an entry into a segment that is not yet reachable.
func (s *segment[K, V]) insertForSplit(key K, value V, hash uint64) bool {
	fp := fingerprint(hash)
	y := bucketIndex(hash)
	target, neighbor := s.home(hash)
	var p pmem.Volatile

	tm, nm := target.slots(), neighbor.slots()
	if tm.full() && nm.full() {
		res, _ := s.overflow(key, value, fp, y, true, p)
		return res != insertFull
	}
	if tm.count() <= nm.count() {
		place(target, key, value, fp, false, p)
	} else {
		place(neighbor, key, value, fp, true, p)
	}
	s.number.Add(1)
	return true
}

// remove deletes key from the segment.
func (s *segment[K, V]) remove(key K, hash uint64, p pmem.Persister) (removed, retry bool) {
	fp := fingerprint(hash)
	target, neighbor := s.home(hash)

	target.lock.lock()
	defer target.lock.unlock()
	if !neighbor.lock.tryLock() {
		return false, true
	}
	defer neighbor.lock.unlock()
	if !s.owns(hash) {
		return false, true
	}

	if target.remove(key, fp, nativeSlots, p) || neighbor.remove(key, fp, probeSlots, p) {
		s.number.Add(-1)
		return true, false
	}

	mask := stashTargets(target, neighbor, fp)
	if mask == 0 {
		return false, false
	}
	guard := s.stash(0)
	guard.lock.lock()
	defer guard.lock.unlock()
	for pos := 0; pos < stashBuckets; pos++ {
		if mask&(1<<pos) != 0 && s.stash(pos).remove(key, fp, anySlots, p) {
			unsetIndicator(target, neighbor, fp, pos)
			s.number.Add(-1)
			return true, false
		}
	}
	return false, false
}

func (s *segment[K, V]) lockAll() {
	for i := 1; i < bucketsPerSegment; i++ {
		s.buckets[i].lock.lock()
	}
}

func (s *segment[K, V]) unlockAll() {
	for i := 0; i < bucketsPerSegment; i++ {
		s.buckets[i].lock.unlock()
	}
}

// split moves every entry whose next hash bit is set into a new segment.
// The caller holds bucket 0 of s; split locks the remaining home buckets and
// leaves all of them locked, together with bucket 0 of the new segment.
func (s *segment[K, V]) split(alloc pmem.Allocator, p pmem.Persister, hasher Hasher, handles *handleTable[K, V]) (*segment[K, V], error) {
	s.lockAll()
	depth := s.localDepth.Load()
	pattern := s.pattern.Load()

	fresh, err := newSegment[K, V](alloc, depth+1, pattern<<1|1)
	if err != nil {
		s.unlockFrom(1)
		return nil, err
	}
	if fresh.handle, err = handles.add(fresh); err != nil {
		alloc.Free(unsafe.Pointer(fresh), segmentSize[K, V]())
		s.unlockFrom(1)
		return nil, err
	}
	s.state.Store(stateSplitting)
	fresh.state.Store(stateSplitting)
	fresh.buckets[0].lock.lock()

	moves := func(hash uint64) bool {
		return hash>>(64-depth-1) == pattern<<1|1
	}
	var moved int64
	for y := 0; y < bucketsPerSegment; y++ {
		b := &s.buckets[y]
		occupied := b.slots().occupied()
		for occupied != 0 {
			i := firstSlot(occupied)
			occupied &= occupied - 1
			k, v := b.entry(i)
			h := hasher(uint64(k))
			if !moves(h) {
				continue
			}
			if !fresh.insertForSplit(k, v, h) {
				invariant("split", "no room for key %d in new segment", uint64(k))
			}
			b.clear(i, pmem.Volatile{})
			moved++
		}
	}
	for pos := 0; pos < stashBuckets; pos++ {
		b := s.stash(pos)
		occupied := b.slots().occupied()
		for occupied != 0 {
			i := firstSlot(occupied)
			occupied &= occupied - 1
			k, v := b.entry(i)
			h := hasher(uint64(k))
			if !moves(h) {
				continue
			}
			if !fresh.insertForSplit(k, v, h) {
				invariant("split", "no room for stashed key %d in new segment", uint64(k))
			}
			b.clear(i, pmem.Volatile{})
			origin, next := s.home(h)
			unsetIndicator(origin, next, fingerprint(h), pos)
			moved++
		}
	}

	s.number.Add(-moved)
	s.pattern.Store(pattern << 1)
	p.Persist(unsafe.Pointer(fresh), segmentSize[K, V]())
	p.Persist(unsafe.Pointer(s), segmentSize[K, V]())
	p.Fence()
	return fresh, nil
}

func (s *segment[K, V]) unlockFrom(i int) {
	for ; i < bucketsPerSegment; i++ {
		s.buckets[i].lock.unlock()
	}
}
