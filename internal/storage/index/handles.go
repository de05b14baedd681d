// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"sync"
	"sync/atomic"
)

const (
	handleChunkBits = 10
	handleChunkSize = 1 << handleChunkBits
	handleChunks    = 4096
	maxSegments     = handleChunks*handleChunkSize - 1
)

type handleChunk[K, V Word] [handleChunkSize]atomic.Pointer[segment[K, V]]

// handleTable maps the 32-bit handles stored in directory entries to
// segments. Directory memory is opaque to the garbage collector, so the
// table is what keeps segments reachable. Handles start at 1 and are never
// reused.
type handleTable[K, V Word] struct {
	mu     sync.Mutex
	next   atomic.Uint32
	chunks [handleChunks]atomic.Pointer[handleChunk[K, V]]
}

func (t *handleTable[K, V]) add(s *segment[K, V]) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.next.Load() + 1
	if h > maxSegments {
		return 0, ErrTooManySegments
	}
	chunk := t.chunks[h>>handleChunkBits].Load()
	if chunk == nil {
		chunk = new(handleChunk[K, V])
		t.chunks[h>>handleChunkBits].Store(chunk)
	}
	chunk[h&(handleChunkSize-1)].Store(s)
	t.next.Store(h)
	return h, nil
}

func (t *handleTable[K, V]) get(h uint32) *segment[K, V] {
	chunk := t.chunks[h>>handleChunkBits].Load()
	if chunk == nil {
		return nil
	}
	return chunk[h&(handleChunkSize-1)].Load()
}

// len returns the number of segments ever created.
func (t *handleTable[K, V]) len() int {
	return int(t.next.Load())
}

// each calls fn for every segment in handle order until fn returns false.
func (t *handleTable[K, V]) each(fn func(*segment[K, V]) bool) {
	n := t.next.Load()
	for h := uint32(1); h <= n; h++ {
		if s := t.get(h); s != nil && !fn(s) {
			return
		}
	}
}
