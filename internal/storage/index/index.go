// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index implements a concurrent extendible hash index with
// fingerprinted buckets, neighbor displacement and per-segment stash buckets.
//
// Keys are routed by a 64-bit hash. The top globalDepth bits select a
// directory entry, which names a segment. Inside the segment, bits 8..13 pick
// one of 64 home buckets and the low byte is a fingerprint that filters the
// 14 slots of a bucket before any key is compared.
//
// # Key Features
//
//   - Lock-free reads validated by per-bucket version locks
//   - 8-bit fingerprints matched 16 at a time (SSE2 on amd64, SWAR elsewhere)
//   - Entries may live in their home bucket or in the next one; full buckets
//     displace entries to y+2 or y-1 before falling back to the stash
//   - Stash entries are found through fingerprint indicators on the home
//     bucket or its neighbor
//   - Segments split locally; the directory is updated in place or doubled
//   - Replaced directory images are released through epoch-based reclamation
//   - Segments and directories come from a pluggable allocator and can live
//     in a file-backed arena
//
// # Usage Examples
//
//	ix, err := index.New[uint64, uint64](2)
//	if err != nil {
//	    return err
//	}
//	defer ix.Close()
//
//	inserted, err := ix.Insert(42, 4200)
//	value, ok := ix.Get(42)
//	deleted := ix.Delete(42)
//
// # Performance Characteristics
//
//   - Get: O(1), no stores to shared memory
//   - Insert: O(1) amortized, two bucket locks in the common case
//   - Split: locks one segment; other segments stay available
//   - Doubling: copies the directory, which holds 4 bytes per entry
//
// # Dangers and Warnings
//
//   - **Word-sized entries**: Keys and values must be 8-byte words so that
//     optimistic readers can load them atomically.
//   - **No overwrite**: Insert of an existing key is a no-op that returns false.
//   - **Hasher quality**: Routing depends on all 64 hash bits. A hasher that
//     leaves the high bits constant forces splits without progress and ends
//     in an InvariantError or ErrDirectoryFull.
//   - **Segments are never freed**: Deleting keys does not merge segments.
//
// # Thread Safety
//
// All Index methods are safe for concurrent use. Range and the diagnostic
// methods observe a moving structure and are not snapshots.
package index

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/op/go-logging"

	"github.com/kianostad/dash/internal/concurrency/epoch"
	"github.com/kianostad/dash/internal/pmem"
)

var log = logging.MustGetLogger("index")

func init() {
	logging.SetLevel(logging.INFO, "index")
}

// Index is a concurrent extendible hash index from K to V.
type Index[K, V Word] struct {
	dir      atomic.Pointer[directory]
	dirLock  dirLock
	segments handleTable[K, V]

	hasher    Hasher
	allocator pmem.Allocator
	persister pmem.Persister
	epochs    *epoch.Manager
	events    Events
}

// New creates an index with initialSegments segments, rounded up to a power
// of two.
func New[K, V Word](initialSegments int, opts ...Option) (*Index[K, V], error) {
	if initialSegments <= 0 {
		return nil, ErrInvalidSegments
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.epochs == nil {
		o.epochs = epoch.NewManager()
	}

	depth := uint64(0)
	for 1<<depth < initialSegments {
		depth++
	}

	ix := &Index[K, V]{
		hasher:    o.hasher,
		allocator: o.allocator,
		persister: o.persister,
		epochs:    o.epochs,
		events:    o.events,
	}

	d, err := newDirectory(ix.allocator, depth)
	if err != nil {
		return nil, err
	}
	for i := range d.entries {
		s, err := newSegment[K, V](ix.allocator, depth, uint64(i))
		if err != nil {
			return nil, err
		}
		if s.handle, err = ix.segments.add(s); err != nil {
			return nil, err
		}
		ix.persister.Persist(unsafe.Pointer(s), segmentSize[K, V]())
		d.entries[i].Store(s.handle)
	}
	d.hdr.depthCount.Store(int64(len(d.entries)))
	d.persist(ix.persister)
	ix.dir.Store(d)

	log.Debugf("created index with %d segments at global depth %d", len(d.entries), depth)
	return ix, nil
}

// resolve returns the segment the directory currently maps hash to.
func (ix *Index[K, V]) resolve(hash uint64) *segment[K, V] {
	d := ix.dir.Load()
	return ix.segments.get(d.entries[d.index(hash)].Load())
}

// Insert adds key with value. It returns false without changing anything if
// key is already present.
func (ix *Index[K, V]) Insert(key K, value V) (bool, error) {
	hash := ix.hasher(uint64(key))
	spins := 0
	for {
		e := ix.epochs.Enter()
		seg := ix.resolve(hash)
		res := seg.insert(key, value, hash, ix.persister)

		var err error
		if res == insertFull {
			err = ix.splitSegment(seg, hash)
		}
		ix.epochs.Exit(e)

		switch res {
		case insertOK:
			return true, nil
		case insertDisplaced:
			ix.events.RecordDisplacement()
			return true, nil
		case insertStashed:
			ix.events.RecordStashInsert()
			return true, nil
		case insertDuplicate:
			return false, nil
		case insertFull:
			if err != nil {
				return false, err
			}
		default:
			ix.events.RecordRetry()
			delay(&spins)
		}
	}
}

// Get returns the value stored for key.
func (ix *Index[K, V]) Get(key K) (V, bool) {
	hash := ix.hasher(uint64(key))
	fp := fingerprint(hash)

	e := ix.epochs.Enter()
	defer ix.epochs.Exit(e)

	spins := 0
	for {
		seg := ix.resolve(hash)
		target, neighbor := seg.home(hash)

		version, locked := target.lock.sample()
		if locked || neighbor.lock.locked() || nonFlush(target, neighbor) {
			delay(&spins)
			continue
		}
		if !seg.owns(hash) {
			// Stale directory entry: a split has not been published yet.
			delay(&spins)
			continue
		}

		v, ok := seg.contains(key, fp, target, neighbor)
		if !target.lock.changed(version) {
			return v, ok
		}
		delay(&spins)
	}
}

// Delete removes key and reports whether it was present.
func (ix *Index[K, V]) Delete(key K) bool {
	hash := ix.hasher(uint64(key))
	spins := 0
	for {
		e := ix.epochs.Enter()
		seg := ix.resolve(hash)
		removed, retry := seg.remove(key, hash, ix.persister)
		ix.epochs.Exit(e)
		if !retry {
			return removed
		}
		ix.events.RecordRetry()
		delay(&spins)
	}
}

// splitSegment splits seg, which reported full for hash, and publishes the
// new segment in the directory. It returns nil when another goroutine is
// already splitting seg.
func (ix *Index[K, V]) splitSegment(seg *segment[K, V], hash uint64) error {
	token := &seg.buckets[0].lock
	if !token.tryLock() {
		return nil
	}
	if ix.resolve(hash) != seg || seg.state.Load() != stateNormal {
		token.unlock()
		return nil
	}

	// Reserve the doubled directory up front so a failed allocation leaves
	// the index untouched.
	var spare *directory
	if d := ix.dir.Load(); seg.localDepth.Load() >= d.depth() {
		var err error
		if spare, err = newDirectory(ix.allocator, d.depth()+1); err != nil {
			token.unlock()
			return err
		}
	}

	fresh, err := seg.split(ix.allocator, ix.persister, ix.hasher, &ix.segments)
	if err != nil {
		ix.free(spare)
		token.unlock()
		return err
	}
	depth := seg.localDepth.Add(1)
	log.Debugf("split segment %d at local depth %d, new segment %d with pattern %#x",
		seg.handle, depth, fresh.handle, fresh.pattern.Load())

	ix.free(ix.publish(fresh, hash, depth, spare))

	seg.state.Store(stateNormal)
	fresh.state.Store(stateNormal)
	seg.unlockAll()
	fresh.buckets[0].lock.unlock()
	ix.events.RecordSplit(depth)
	return nil
}

// publish points the directory at fresh, the upper half of a segment that
// just split to depth. It returns spare if it was not consumed.
func (ix *Index[K, V]) publish(fresh *segment[K, V], hash, depth uint64, spare *directory) *directory {
	spins := 0
	for {
		d := ix.dir.Load()
		g := d.depth()

		if depth-1 < g {
			for ix.dirLock.held() {
				delay(&spins)
			}
			version := d.version()
			ix.updateDirectory(d, fresh.handle, hash, depth)
			if !ix.dirLock.held() && ix.dir.Load() == d && d.version() == version {
				if depth == g {
					d.hdr.depthCount.Add(2)
				}
				return spare
			}
			continue
		}

		if !ix.dirLock.tryLock() {
			delay(&spins)
			continue
		}
		if ix.dir.Load() != d {
			ix.dirLock.unlock()
			continue
		}
		if spare == nil || spare.depth() != g+1 {
			ix.free(spare)
			var err error
			if spare, err = newDirectory(ix.allocator, g+1); err != nil {
				ix.dirLock.unlock()
				log.Errorf("doubling after split failed: %v", err)
				panic(&InvariantError{Op: "doubling", Detail: err.Error()})
			}
		}
		ix.doubleDirectory(d, spare, fresh.handle, hash)
		ix.dirLock.unlock()
		return nil
	}
}

// updateDirectory repoints the upper half of the entries that the split
// segment covered at depth-1. The caller accounts for the depth count once
// the update is known to have landed.
func (ix *Index[K, V]) updateDirectory(d *directory, handle uint32, hash, depth uint64) {
	g := d.depth()
	chunk := uint64(1) << (g - (depth - 1))
	base := d.index(hash) &^ (chunk - 1)
	for i := base + chunk/2; i < base+chunk; i++ {
		d.entries[i].Store(handle)
	}
	d.persistRange(ix.persister, base+chunk/2, base+chunk)
}

// doubleDirectory publishes next, a copy of d with every entry duplicated
// and the new segment's entry repointed. The directory lock must be held.
func (ix *Index[K, V]) doubleDirectory(d, next *directory, handle uint32, hash uint64) {
	g := d.depth()
	x := d.index(hash)
	for i := range d.entries {
		h := d.entries[i].Load()
		next.entries[2*i].Store(h)
		next.entries[2*i+1].Store(h)
	}
	next.entries[2*x+1].Store(handle)
	next.hdr.depthCount.Store(2)
	next.hdr.version.Store(d.version() + 1)
	next.persist(ix.persister)

	ix.dir.Store(next)
	ix.retire(d)
	log.Infof("directory doubling towards depth %d", g+1)
	ix.events.RecordDoubling(g + 1)
}

func (ix *Index[K, V]) retire(d *directory) {
	ix.epochs.Retire(func() { ix.allocator.Free(d.raw, d.size) })
}

func (ix *Index[K, V]) free(d *directory) {
	if d != nil {
		ix.allocator.Free(d.raw, d.size)
	}
}

// Close releases retired directory images that are no longer observable.
func (ix *Index[K, V]) Close() {
	ix.epochs.Drain()
}

// String implements fmt.Stringer.
func (ix *Index[K, V]) String() string {
	d := ix.dir.Load()
	return fmt.Sprintf("index{depth=%d segments=%d version=%d}", d.depth(), ix.segments.len(), d.version())
}
