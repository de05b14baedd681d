// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Word is the set of key and value types stored inline in buckets. Every
// slot is a single machine word so optimistic readers can load it atomically.
type Word interface {
	~uint64 | ~int64
}

// Hasher maps a key to the 64-bit hash that drives routing: the low byte is
// the fingerprint, the next bits pick the bucket and the high bits pick the
// directory slot. It must be deterministic.
type Hasher func(key uint64) uint64

// XXHash is the default Hasher. It hashes the little-endian bytes of the key.
func XXHash(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return xxhash.Sum64(buf[:])
}

const (
	fingerprintBits   = 8
	fingerprintMask   = 1<<fingerprintBits - 1
	bucketsPerSegment = 64
	bucketMask        = bucketsPerSegment - 1
	stashBuckets      = 2
	stashMask         = stashBuckets - 1
)

func fingerprint(hash uint64) uint8 {
	return uint8(hash & fingerprintMask)
}

func bucketIndex(hash uint64) int {
	return int((hash >> fingerprintBits) % bucketsPerSegment)
}

func loadWord[T Word](p *T) T {
	return T(atomic.LoadUint64((*uint64)(unsafe.Pointer(p))))
}

func storeWord[T Word](p *T, v T) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(p)), uint64(v))
}
