// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package pmem provides the memory and durability primitives the index is
// built on.
//
// The index never allocates its segments and directory images with make or
// new. It asks an Allocator for zeroed, cache-line-aligned memory and tells a
// Persister which ranges must reach the durable medium before they are
// published. Two configurations are provided:
//
//   - Heap + Volatile: plain Go memory, persistence calls are no-ops
//   - Arena: a file-backed mmap region; Persist issues msync(MS_SYNC)
//
// # Usage Examples
//
// Volatile index memory:
//
//	alloc := pmem.NewHeap()
//	p, err := alloc.Alloc(4096)
//
// Durable index memory:
//
//	arena, err := pmem.CreateArena("/var/lib/dash/index.pm", 1<<30)
//	if err != nil {
//	    return err
//	}
//	defer arena.Close()
//	p, err := arena.Alloc(4096)
//	// ... write to p ...
//	arena.Persist(p, 4096)
//	arena.Fence()
//
// # Dangers and Warnings
//
//   - **Pointer-free memory**: Memory returned by both allocators is not
//     scanned by the garbage collector. Never store Go pointers in it.
//   - **No recovery**: CreateArena always formats the file. Reopening an
//     existing arena and rebuilding an index from it is not supported.
//   - **msync cost**: Every Persist on an Arena is a synchronous system call.
//
// # Thread Safety
//
// Heap and Arena are safe for concurrent use. Volatile is stateless.
package pmem

import (
	"errors"
	"unsafe"
)

// CacheLineSize is the alignment of every allocation.
const CacheLineSize = 64

var (
	// ErrArenaFull is returned when an arena has no room for an allocation.
	ErrArenaFull = errors.New("pmem: arena is full")

	// ErrBadSize is returned for zero-sized or oversized allocation requests.
	ErrBadSize = errors.New("pmem: invalid allocation size")

	// ErrArenaUnsupported is returned on platforms without mmap.
	ErrArenaUnsupported = errors.New("pmem: file-backed arenas are not supported on this platform")
)

// Persister makes stores durable. Persist flushes the cache lines covering
// [addr, addr+n); Fence orders all previously issued flushes before any
// later store.
type Persister interface {
	Persist(addr unsafe.Pointer, n uintptr)
	Fence()
}

// Allocator hands out zeroed memory aligned to CacheLineSize.
//
// Free may be called with any pointer previously returned by Alloc together
// with the size that was requested for it. Implementations are free to keep
// the memory around.
type Allocator interface {
	Alloc(size uintptr) (unsafe.Pointer, error)
	Free(p unsafe.Pointer, size uintptr)
}

// Volatile is the Persister for memory that does not need to survive a crash.
type Volatile struct{}

// Persist is a no-op.
func (Volatile) Persist(unsafe.Pointer, uintptr) {}

// Fence is a no-op.
func (Volatile) Fence() {}

// AlignUp rounds n up to the next multiple of CacheLineSize.
func AlignUp(n uintptr) uintptr {
	return (n + CacheLineSize - 1) &^ (CacheLineSize - 1)
}
