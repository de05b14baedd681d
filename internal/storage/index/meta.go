// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import "math/bits"

const (
	slotsPerBucket = 14
	slotMask       = 1<<slotsPerBucket - 1
	indicatorSlots = 4
)

// slotMeta packs a bucket's slot bookkeeping into one word so a slot is
// published with a single store:
//
//	bits  0..3   number of occupied slots
//	bits  4..17  occupancy, one bit per slot
//	bits 18..31  membership, set when the slot holds an entry whose home is
//	             the previous bucket
type slotMeta uint32

const (
	countMask       = 1<<4 - 1
	occupancyShift  = 4
	membershipShift = occupancyShift + slotsPerBucket
)

func (m slotMeta) count() int {
	return int(m & countMask)
}

func (m slotMeta) full() bool {
	return m.count() == slotsPerBucket
}

func (m slotMeta) occupied() uint32 {
	return uint32(m>>occupancyShift) & slotMask
}

// probes returns the occupied slots whose entries belong to the previous
// bucket.
func (m slotMeta) probes() uint32 {
	return uint32(m>>membershipShift) & slotMask & m.occupied()
}

// natives returns the occupied slots whose entries belong to this bucket.
func (m slotMeta) natives() uint32 {
	return m.occupied() &^ m.probes()
}

func (m slotMeta) firstFree() int {
	free := ^m.occupied() & slotMask
	if free == 0 {
		return -1
	}
	return bits.TrailingZeros32(free)
}

func (m slotMeta) withSlot(i int, probe bool) slotMeta {
	m |= 1 << (occupancyShift + i)
	if probe {
		m |= 1 << (membershipShift + i)
	} else {
		m &^= 1 << (membershipShift + i)
	}
	return m + 1
}

func (m slotMeta) withoutSlot(i int) slotMeta {
	m &^= 1<<(occupancyShift+i) | 1<<(membershipShift+i)
	return m - 1
}

// overflowMeta records entries that a bucket (or its predecessor) pushed
// into the stash:
//
//	bits  0..31  fingerprints of up to four stashed entries
//	bits 32..35  which of the four indicators are in use
//	bits 36..39  indicator membership: set when the entry's home is the
//	             previous bucket
//	bits 40..47  stash bucket of each indicator, two bits each
//	bits 48..55  stashed entries that did not get an indicator
//	bit  56      the stash must be consulted for this bucket
//	bit  57      previous bucket is mid-publish
//	bit  58      next bucket is mid-publish
type overflowMeta uint64

const (
	indicatorAllocShift  = 32
	indicatorMemberShift = 36
	indicatorPosShift    = 40
	overflowCountShift   = 48
	overflowCountMask    = 0xFF

	stashCheckFlag   overflowMeta = 1 << 56
	preNonFlushFlag  overflowMeta = 1 << 57
	nextNonFlushFlag overflowMeta = 1 << 58
)

func (o overflowMeta) allocated() uint8 {
	return uint8(o>>indicatorAllocShift) & (1<<indicatorSlots - 1)
}

func (o overflowMeta) members() uint8 {
	return uint8(o>>indicatorMemberShift) & (1<<indicatorSlots - 1)
}

func (o overflowMeta) inUse(i int) bool {
	return o.allocated()&(1<<i) != 0
}

// isMember reports whether indicator i belongs to the previous bucket.
func (o overflowMeta) isMember(i int) bool {
	return o.members()&(1<<i) != 0
}

func (o overflowMeta) indicatorFingerprint(i int) uint8 {
	return uint8(o >> (8 * i))
}

func (o overflowMeta) indicatorPos(i int) int {
	return int(o>>(indicatorPosShift+2*i)) & 3
}

func (o overflowMeta) freeIndicator() int {
	free := ^o.allocated() & (1<<indicatorSlots - 1)
	if free == 0 {
		return -1
	}
	return bits.TrailingZeros8(free)
}

func (o overflowMeta) withIndicator(i int, fp uint8, pos int, member bool) overflowMeta {
	o &^= 0xFF << (8 * i)
	o |= overflowMeta(fp) << (8 * i)
	o |= 1 << (indicatorAllocShift + i)
	if member {
		o |= 1 << (indicatorMemberShift + i)
	} else {
		o &^= 1 << (indicatorMemberShift + i)
	}
	o &^= 3 << (indicatorPosShift + 2*i)
	o |= overflowMeta(pos&3) << (indicatorPosShift + 2*i)
	return o
}

func (o overflowMeta) withoutIndicator(i int) overflowMeta {
	o &^= 1<<(indicatorAllocShift+i) | 1<<(indicatorMemberShift+i) | 3<<(indicatorPosShift+2*i)
	return o
}

func (o overflowMeta) overflowCount() int {
	return int(o>>overflowCountShift) & overflowCountMask
}

func (o overflowMeta) withOverflowCount(n int) overflowMeta {
	o &^= overflowCountMask << overflowCountShift
	return o | overflowMeta(n&overflowCountMask)<<overflowCountShift
}

func (o overflowMeta) has(flag overflowMeta) bool {
	return o&flag != 0
}

func (o overflowMeta) with(flag overflowMeta, on bool) overflowMeta {
	if on {
		return o | flag
	}
	return o &^ flag
}

// matching returns the stash buckets named by indicators that carry fp.
// member selects the indicators owned by the previous bucket.
func (o overflowMeta) matching(fp uint8, member bool) (positions uint8) {
	for i := 0; i < indicatorSlots; i++ {
		if o.inUse(i) && o.isMember(i) == member && o.indicatorFingerprint(i) == fp {
			positions |= 1 << o.indicatorPos(i)
		}
	}
	return positions
}
