// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/kianostad/dash/internal/pmem"
)

const maxGlobalDepth = 32

type directoryHeader struct {
	globalDepth atomic.Uint64
	version     atomic.Uint64
	// depthCount is the number of entries whose segment has local depth
	// equal to the global depth. Halving is possible only when it is zero.
	depthCount atomic.Int64
	_          [pmem.CacheLineSize - 24]byte
}

const directoryHeaderSize = unsafe.Sizeof(directoryHeader{})

// directory is one immutable-size image of the segment table. Entries are
// segment handles. A new image replaces the old one on doubling or halving.
type directory struct {
	hdr     *directoryHeader
	entries []atomic.Uint32
	raw     unsafe.Pointer
	size    uintptr
}

func newDirectory(alloc pmem.Allocator, depth uint64) (*directory, error) {
	if depth > maxGlobalDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrDirectoryFull, depth)
	}
	n := uintptr(1) << depth
	size := directoryHeaderSize + n*unsafe.Sizeof(uint32(0))
	raw, err := alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryAlloc, err)
	}
	d := &directory{
		hdr:     (*directoryHeader)(raw),
		entries: unsafe.Slice((*atomic.Uint32)(unsafe.Add(raw, directoryHeaderSize)), n),
		raw:     raw,
		size:    size,
	}
	d.hdr.globalDepth.Store(depth)
	return d, nil
}

func (d *directory) depth() uint64 {
	return d.hdr.globalDepth.Load()
}

func (d *directory) version() uint64 {
	return d.hdr.version.Load()
}

func (d *directory) capacity() int {
	return len(d.entries)
}

// index returns the entry for hash, taken from its top globalDepth bits.
func (d *directory) index(hash uint64) uint64 {
	return hash >> (64 - d.depth())
}

func (d *directory) persist(p pmem.Persister) {
	p.Persist(d.raw, d.size)
	p.Fence()
}

func (d *directory) persistRange(p pmem.Persister, from, to uint64) {
	if from >= to {
		return
	}
	p.Persist(unsafe.Pointer(&d.entries[from]), uintptr(to-from)*unsafe.Sizeof(uint32(0)))
	p.Persist(d.raw, directoryHeaderSize)
	p.Fence()
}
