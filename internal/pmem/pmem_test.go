// Licensed under the MIT License. See LICENSE file in the project root for details.

package pmem

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	for _, tc := range []struct {
		in, want uintptr
	}{
		{0, 0},
		{1, 64},
		{63, 64},
		{64, 64},
		{65, 128},
		{4096, 4096},
	} {
		require.Equal(t, tc.want, AlignUp(tc.in), "AlignUp(%d)", tc.in)
	}
}

func TestHeapAlloc(t *testing.T) {
	h := NewHeap()

	_, err := h.Alloc(0)
	require.ErrorIs(t, err, ErrBadSize)

	for _, size := range []uintptr{1, 64, 100, 4096, 16960} {
		p, err := h.Alloc(size)
		require.NoError(t, err)
		require.Zero(t, uintptr(p)%CacheLineSize, "allocation of %d bytes is not aligned", size)

		buf := unsafe.Slice((*byte)(p), size)
		for i := range buf {
			require.Zero(t, buf[i])
			buf[i] = 0xAB
		}
	}

	require.EqualValues(t, 1+64+100+4096+16960, h.Allocated())
	require.Equal(t, h.Allocated(), h.Live())
}

func TestHeapFree(t *testing.T) {
	h := NewHeap()
	p, err := h.Alloc(256)
	require.NoError(t, err)
	require.EqualValues(t, 256, h.Live())

	h.Free(p, 256)
	require.EqualValues(t, 0, h.Live())
	require.EqualValues(t, 256, h.Allocated())

	h.Free(nil, 128)
	require.EqualValues(t, 0, h.Live())
}

func TestHeapConcurrentAlloc(t *testing.T) {
	h := NewHeap()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p, err := h.Alloc(128)
				if err != nil || uintptr(p)%CacheLineSize != 0 {
					t.Errorf("bad allocation: %v %p", err, p)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 8*100*128, h.Allocated())
}

func TestVolatileIsNoop(t *testing.T) {
	var p Persister = Volatile{}
	x := uint64(42)
	p.Persist(unsafe.Pointer(&x), 8)
	p.Fence()
	require.EqualValues(t, 42, x)
}
