// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	lockSet  uint32 = 1 << 31
	lockMask uint32 = lockSet - 1
)

// versionLock is a spin lock whose low 31 bits count releases. Optimistic
// readers sample the version before reading and check it afterwards.
type versionLock struct {
	word atomic.Uint32
}

func (l *versionLock) lock() {
	spins := 0
	for !l.tryLock() {
		delay(&spins)
	}
}

func (l *versionLock) tryLock() bool {
	old := l.word.Load() & lockMask
	return l.word.CompareAndSwap(old, old|lockSet)
}

// unlock clears the lock bit and bumps the version in one step.
func (l *versionLock) unlock() {
	for {
		old := l.word.Load()
		if l.word.CompareAndSwap(old, ((old&lockMask)+1)&lockMask) {
			return
		}
	}
}

// sample returns the current version and whether the lock is held.
func (l *versionLock) sample() (uint32, bool) {
	v := l.word.Load()
	return v & lockMask, v&lockSet != 0
}

// changed reports whether the lock is held or the version moved past old.
func (l *versionLock) changed(old uint32) bool {
	v := l.word.Load()
	return v&lockSet != 0 || v&lockMask != old
}

func (l *versionLock) locked() bool {
	return l.word.Load()&lockSet != 0
}

const activeSpins = 16

// delay backs off a retry loop: first by yielding, then by sleeping.
func delay(spins *int) {
	if *spins < activeSpins {
		runtime.Gosched()
		*spins++
		return
	}
	time.Sleep(50 * time.Microsecond)
	*spins = 0
}

// dirLock serializes directory doubling and halving. Updates that only
// repoint entries spin while it is held instead of taking it.
type dirLock struct {
	flag atomic.Int32
}

func (l *dirLock) tryLock() bool {
	return l.flag.CompareAndSwap(0, 1)
}

func (l *dirLock) lock() {
	spins := 0
	for !l.tryLock() {
		delay(&spins)
	}
}

func (l *dirLock) unlock() {
	l.flag.Store(0)
}

func (l *dirLock) held() bool {
	return l.flag.Load() != 0
}
