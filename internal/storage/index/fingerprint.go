// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"encoding/binary"
	"sync/atomic"
)

// fingerprints holds one byte per slot. Bytes 14 and 15 are never used.
type fingerprints [2]atomic.Uint64

func (f *fingerprints) get(i int) uint8 {
	return uint8(f[i>>3].Load() >> (8 * (i & 7)))
}

// set must be called with the bucket lock held.
func (f *fingerprints) set(i int, fp uint8) {
	w := &f[i>>3]
	shift := 8 * uint(i&7)
	v := w.Load()
	v &^= 0xFF << shift
	v |= uint64(fp) << shift
	w.Store(v)
}

// match returns a bitmap of the slots whose fingerprint equals fp. Callers
// mask it with the occupancy they are interested in.
func (f *fingerprints) match(fp uint8) uint32 {
	return uint32(matchWords(f[0].Load(), f[1].Load(), fp)) & slotMask
}

const (
	lsbs = 0x0101010101010101
	msbs = 0x8080808080808080
	low7 = 0x7F7F7F7F7F7F7F7F
	// gather moves bit 8k of a word to bit 56+k.
	gather = 0x0102040810204080
)

// matchWordSWAR returns one bit per byte of w that equals fp.
func matchWordSWAR(w uint64, fp uint8) uint8 {
	v := w ^ (lsbs * uint64(fp))
	// High bit set for every zero byte of v, with no borrow between bytes.
	zero := ^(((v & low7) + low7) | v) & msbs
	return uint8(((zero >> 7) * gather) >> 56)
}

func matchSWAR(w0, w1 uint64, fp uint8) uint16 {
	return uint16(matchWordSWAR(w0, fp)) | uint16(matchWordSWAR(w1, fp))<<8
}

func fingerBytes(w0, w1 uint64) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], w0)
	binary.LittleEndian.PutUint64(b[8:], w1)
	return b
}
