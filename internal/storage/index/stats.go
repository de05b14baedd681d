// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"fmt"
	"math/bits"
)

// Stats is a point-in-time summary of the index structure.
type Stats struct {
	Items       int64
	Segments    int
	GlobalDepth uint64
	DepthCount  int64
	Version     uint64
	// LoadFactor is items over home and stash slots of all segments.
	LoadFactor float64
	// RawSpace is the number of bytes held by segments and the directory.
	RawSpace uint64
}

// Len returns the number of entries. Concurrent writers make it approximate.
func (ix *Index[K, V]) Len() int64 {
	var n int64
	ix.segments.each(func(s *segment[K, V]) bool {
		n += s.number.Load()
		return true
	})
	return n
}

// Stats reports the current shape of the index.
func (ix *Index[K, V]) Stats() Stats {
	e := ix.epochs.Enter()
	defer ix.epochs.Exit(e)

	d := ix.dir.Load()
	st := Stats{
		Items:       ix.Len(),
		Segments:    ix.segments.len(),
		GlobalDepth: d.depth(),
		DepthCount:  d.hdr.depthCount.Load(),
		Version:     d.version(),
	}
	slots := float64(st.Segments * (bucketsPerSegment + stashBuckets) * slotsPerBucket)
	if slots > 0 {
		st.LoadFactor = float64(st.Items) / slots
	}
	st.RawSpace = uint64(st.Segments)*uint64(segmentSize[K, V]()) + uint64(d.size)
	return st
}

// DepthCountReport compares the depth count stored in the directory with one
// recomputed from the entries.
type DepthCountReport struct {
	Recorded int64
	Computed int64
}

// Consistent reports whether both counts agree.
func (r DepthCountReport) Consistent() bool {
	return r.Recorded == r.Computed
}

// CheckDepthCount recomputes the number of directory entries whose segment
// has local depth equal to the global depth.
func (ix *Index[K, V]) CheckDepthCount() DepthCountReport {
	e := ix.epochs.Enter()
	defer ix.epochs.Exit(e)

	d := ix.dir.Load()
	g := d.depth()
	r := DepthCountReport{Recorded: d.hdr.depthCount.Load()}
	for i := range d.entries {
		if s := ix.segments.get(d.entries[i].Load()); s != nil && s.localDepth.Load() == g {
			r.Computed++
		}
	}
	return r
}

// Location describes where FindAnyway found a key.
type Location struct {
	Found     bool
	Segment   uint32
	Bucket    int
	Slot      int
	Stash     bool
	Probe     bool
	Reachable bool
}

func (l Location) String() string {
	if !l.Found {
		return "not found"
	}
	kind := "home"
	if l.Stash {
		kind = "stash"
	} else if l.Probe {
		kind = "probe"
	}
	return fmt.Sprintf("segment %d bucket %d slot %d (%s, reachable=%t)", l.Segment, l.Bucket, l.Slot, kind, l.Reachable)
}

// FindAnyway scans every slot of every segment for key, ignoring routing.
// It is a debugging aid for keys that Get cannot find.
func (ix *Index[K, V]) FindAnyway(key K) Location {
	e := ix.epochs.Enter()
	defer ix.epochs.Exit(e)

	var loc Location
	ix.segments.each(func(s *segment[K, V]) bool {
		for y := range s.buckets {
			b := &s.buckets[y]
			m := b.slots()
			occupied := m.occupied()
			for occupied != 0 {
				i := firstSlot(occupied)
				occupied &= occupied - 1
				if loadWord(&b.keys[i]) != key {
					continue
				}
				loc = Location{
					Found:   true,
					Segment: s.handle,
					Bucket:  y,
					Slot:    i,
					Stash:   y >= bucketsPerSegment,
					Probe:   m.probes()&(1<<i) != 0,
				}
				loc.Reachable = ix.resolve(ix.hasher(uint64(key))) == s
				return false
			}
		}
		return true
	})
	return loc
}

// Verify checks that the directory covers every segment with the right
// number of contiguous entries and that every entry sits in a segment whose
// pattern matches its hash. Concurrent writers may cause spurious failures.
func (ix *Index[K, V]) Verify() error {
	e := ix.epochs.Enter()
	defer ix.epochs.Exit(e)

	d := ix.dir.Load()
	g := d.depth()
	seen := make(map[uint32]bool)
	for i := 0; i < len(d.entries); {
		h := d.entries[i].Load()
		s := ix.segments.get(h)
		if s == nil {
			return fmt.Errorf("entry %d names unknown segment %d", i, h)
		}
		if seen[h] {
			return fmt.Errorf("segment %d is referenced by non-contiguous entries", h)
		}
		seen[h] = true

		ld := s.localDepth.Load()
		if ld > g {
			return fmt.Errorf("segment %d has local depth %d above global depth %d", h, ld, g)
		}
		span := 1 << (g - ld)
		if i%span != 0 {
			return fmt.Errorf("segment %d starts at misaligned entry %d", h, i)
		}
		if want := uint64(i) >> (g - ld); s.pattern.Load() != want {
			return fmt.Errorf("segment %d has pattern %#x, entries expect %#x", h, s.pattern.Load(), want)
		}
		for j := i; j < i+span; j++ {
			if j >= len(d.entries) || d.entries[j].Load() != h {
				return fmt.Errorf("segment %d should cover entries %d..%d", h, i, i+span-1)
			}
		}
		if err := ix.verifySegment(s); err != nil {
			return err
		}
		i += span
	}
	if n := ix.segments.len(); len(seen) != n {
		return fmt.Errorf("directory references %d of %d segments", len(seen), n)
	}
	return nil
}

func (ix *Index[K, V]) verifySegment(s *segment[K, V]) error {
	var count int64
	for y := range s.buckets {
		b := &s.buckets[y]
		m := b.slots()
		occupied := m.occupied()
		if m.count() != bits.OnesCount32(occupied) {
			return fmt.Errorf("segment %d bucket %d counts %d slots, bitmap has %d", s.handle, y, m.count(), bits.OnesCount32(occupied))
		}
		for occupied != 0 {
			i := firstSlot(occupied)
			occupied &= occupied - 1
			k := loadWord(&b.keys[i])
			h := ix.hasher(uint64(k))
			if !s.owns(h) {
				return fmt.Errorf("key %d in segment %d does not match its pattern", uint64(k), s.handle)
			}
			if b.fingers.get(i) != fingerprint(h) {
				return fmt.Errorf("key %d in segment %d bucket %d has a stale fingerprint", uint64(k), s.handle, y)
			}
			if y < bucketsPerSegment {
				home := bucketIndex(h)
				probe := m.probes()&(1<<i) != 0
				if (!probe && home != y) || (probe && (home+1)&bucketMask != y) {
					return fmt.Errorf("key %d with home %d found in bucket %d", uint64(k), home, y)
				}
			}
			count++
		}
	}
	if n := s.number.Load(); n != count {
		return fmt.Errorf("segment %d records %d entries, holds %d", s.handle, n, count)
	}
	return nil
}

// Range calls fn for every entry until fn returns false. Entries inserted or
// deleted concurrently may or may not be visited; a key moved by a
// concurrent split may be visited twice.
func (ix *Index[K, V]) Range(fn func(K, V) bool) {
	e := ix.epochs.Enter()
	defer ix.epochs.Exit(e)

	ix.segments.each(func(s *segment[K, V]) bool {
		for y := range s.buckets {
			b := &s.buckets[y]
			occupied := b.slots().occupied()
			for occupied != 0 {
				i := firstSlot(occupied)
				occupied &= occupied - 1
				k, v := b.entry(i)
				if !fn(k, v) {
					return false
				}
			}
		}
		return true
	})
}

// HalveDirectory replaces the directory with one of half the size. It only
// succeeds when every pair of buddy entries already names the same segment.
func (ix *Index[K, V]) HalveDirectory() error {
	ix.dirLock.lock()
	defer ix.dirLock.unlock()

	d := ix.dir.Load()
	g := d.depth()
	if g == 0 {
		return fmt.Errorf("%w: global depth is 0", ErrNotHalvable)
	}
	for i := 0; i < len(d.entries); i += 2 {
		if d.entries[i].Load() != d.entries[i+1].Load() {
			return fmt.Errorf("%w: entries %d and %d differ", ErrNotHalvable, i, i+1)
		}
	}

	next, err := newDirectory(ix.allocator, g-1)
	if err != nil {
		return err
	}
	var depthCount int64
	for i := range next.entries {
		next.entries[i].Store(d.entries[2*i].Load())
	}
	for i := 0; i < len(next.entries); i++ {
		s := ix.segments.get(next.entries[i].Load())
		switch s.state.Load() {
		case stateSplitting:
			continue
		case stateMerging:
			// The buddy of a merging segment is being absorbed.
			i++
			continue
		}
		if s.localDepth.Load() == g-1 {
			depthCount++
		}
	}
	next.hdr.depthCount.Store(depthCount)
	next.hdr.version.Store(d.version() + 1)
	next.persist(ix.persister)

	ix.dir.Store(next)
	ix.retire(d)
	log.Infof("directory halving towards depth %d", g-1)
	ix.events.RecordHalving(g - 1)
	return nil
}
