// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix

package pmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/op/go-logging"
	"golang.org/x/sys/unix"
)

var log = logging.MustGetLogger("pmem")

const (
	arenaMagic   uint64 = 0x41524e4148534144 // "DASHANRA"
	arenaVersion uint64 = 1

	// Header layout: magic, version, size, bump offset. The rest of the
	// first cache line is reserved.
	arenaHeaderSize = CacheLineSize
	offMagic        = 0
	offVersion      = 8
	offSize         = 16
	offNext         = 24
)

// Arena is a file-backed, memory-mapped region. Allocation is a bump pointer
// whose position is persisted before memory is handed out, so a crash never
// leaves an allocation that the header does not account for. Freed blocks
// are kept on a per-size free list and reused by later allocations of the
// same size.
type Arena struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	data     []byte
	base     uintptr
	free     map[uintptr][]uintptr
	pageSize uintptr
	closed   bool
}

// CreateArena creates (or truncates) the file at path, sizes it to size
// bytes and maps it read-write.
func CreateArena(path string, size int64) (*Arena, error) {
	if size < 2*arenaHeaderSize {
		return nil, fmt.Errorf("arena size %d: %w", size, ErrBadSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open arena file: %w", err)
	}

	if err := unix.Ftruncate(int(file.Fd()), size); err != nil {
		file.Close()
		return nil, fmt.Errorf("size arena file: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("map arena file: %w", err)
	}

	a := &Arena{
		file:     file,
		path:     path,
		data:     data,
		base:     uintptr(unsafe.Pointer(&data[0])),
		free:     make(map[uintptr][]uintptr),
		pageSize: uintptr(unix.Getpagesize()),
	}

	binary.LittleEndian.PutUint64(data[offMagic:], arenaMagic)
	binary.LittleEndian.PutUint64(data[offVersion:], arenaVersion)
	binary.LittleEndian.PutUint64(data[offSize:], uint64(size))
	binary.LittleEndian.PutUint64(data[offNext:], arenaHeaderSize)
	if err := unix.Msync(data[:arenaHeaderSize], unix.MS_SYNC); err != nil {
		a.Close()
		return nil, fmt.Errorf("persist arena header: %w", err)
	}

	log.Infof("formatted arena %s (%d bytes)", path, size)
	return a, nil
}

// Alloc returns size bytes of zeroed arena memory aligned to CacheLineSize.
func (a *Arena) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, ErrBadSize
	}
	size = AlignUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("alloc %d bytes: arena %s is closed", size, a.path)
	}

	if list := a.free[size]; len(list) > 0 {
		off := list[len(list)-1]
		a.free[size] = list[:len(list)-1]
		clear(a.data[off : off+size])
		a.persistRange(off, size)
		return unsafe.Pointer(&a.data[off]), nil
	}

	next := uintptr(binary.LittleEndian.Uint64(a.data[offNext:]))
	if next+size > uintptr(len(a.data)) {
		return nil, fmt.Errorf("alloc %d bytes (%d of %d used): %w", size, next, len(a.data), ErrArenaFull)
	}

	binary.LittleEndian.PutUint64(a.data[offNext:], uint64(next+size))
	a.persistRange(offNext, 8)
	return unsafe.Pointer(&a.data[next]), nil
}

// Free returns a block to the arena's free list.
func (a *Arena) Free(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}
	off := uintptr(p) - a.base

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || off >= uintptr(len(a.data)) {
		return
	}
	size = AlignUp(size)
	a.free[size] = append(a.free[size], off)
}

// Persist synchronously writes the pages covering [addr, addr+n) back to the
// file.
func (a *Arena) Persist(addr unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	off := uintptr(addr) - a.base
	if off >= uintptr(len(a.data)) {
		return
	}
	a.persistRange(off, n)
}

// Fence is a no-op: msync(MS_SYNC) returns only after the write-back.
func (a *Arena) Fence() {}

// Used returns the number of bytes consumed by the bump allocator.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0
	}
	return binary.LittleEndian.Uint64(a.data[offNext:])
}

// Size returns the mapped size of the arena.
func (a *Arena) Size() uint64 {
	return uint64(len(a.data))
}

// Close unmaps the arena and closes its file.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	if err := unix.Msync(a.data, unix.MS_SYNC); err != nil {
		firstErr = fmt.Errorf("sync arena: %w", err)
	}
	if err := unix.Munmap(a.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unmap arena: %w", err)
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close arena file: %w", err)
	}
	return firstErr
}

func (a *Arena) persistRange(off, n uintptr) {
	start := off &^ (a.pageSize - 1)
	end := off + n
	if end > uintptr(len(a.data)) {
		end = uintptr(len(a.data))
	}
	if err := unix.Msync(a.data[start:end], unix.MS_SYNC); err != nil {
		log.Errorf("msync [%d, %d): %v", start, end, err)
	}
}
