// Licensed under the MIT License. See LICENSE file in the project root for details.

package pmem

import (
	"sync/atomic"
	"unsafe"
)

// Heap allocates from the Go heap. Memory is released by the garbage
// collector once nothing points into it, so Free only updates accounting.
type Heap struct {
	allocated atomic.Int64
	live      atomic.Int64
}

// NewHeap creates a heap allocator.
func NewHeap() *Heap {
	return &Heap{}
}

// Alloc returns size bytes of zeroed memory aligned to CacheLineSize.
func (h *Heap) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, ErrBadSize
	}
	// []byte is allocated noscan; callers only store plain data in it.
	buf := make([]byte, size+CacheLineSize-1)
	base := unsafe.Pointer(unsafe.SliceData(buf))
	off := AlignUp(uintptr(base)) - uintptr(base)

	h.allocated.Add(int64(size))
	h.live.Add(int64(size))
	return unsafe.Add(base, off), nil
}

// Free records that size bytes are no longer in use.
func (h *Heap) Free(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}
	h.live.Add(-int64(size))
}

// Allocated returns the total number of bytes ever handed out.
func (h *Heap) Allocated() int64 {
	return h.allocated.Load()
}

// Live returns the number of bytes handed out and not yet freed.
func (h *Heap) Live() int64 {
	return h.live.Load()
}
