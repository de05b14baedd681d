// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !unix

package pmem

import "unsafe"

// Arena is unavailable on this platform; CreateArena always fails.
type Arena struct{}

// CreateArena reports ErrArenaUnsupported.
func CreateArena(path string, size int64) (*Arena, error) {
	return nil, ErrArenaUnsupported
}

func (a *Arena) Alloc(size uintptr) (unsafe.Pointer, error) { return nil, ErrArenaUnsupported }
func (a *Arena) Free(p unsafe.Pointer, size uintptr)        {}
func (a *Arena) Persist(addr unsafe.Pointer, n uintptr)     {}
func (a *Arena) Fence()                                     {}
func (a *Arena) Used() uint64                               { return 0 }
func (a *Arena) Size() uint64                               { return 0 }
func (a *Arena) Close() error                               { return nil }
