// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides epoch-based memory reclamation for the hash index.
//
// Readers of the index load the current directory image without taking any
// lock. When a writer replaces the directory (doubling or halving), the old
// image may still be in use by those readers. This package decides when it is
// safe to release it.
//
// Every index operation runs inside an epoch: it calls Enter before loading
// the directory and Exit when it is done. Retired objects are tagged with the
// global epoch at retirement time and released once the global epoch has
// advanced twice past that tag, which can only happen after every operation
// that might have observed the object has exited.
//
// # Key Features
//
//   - Three padded participant counters indexed by epoch modulo three
//   - Wait-free Enter and Exit on the read path
//   - Deferred release callbacks run by Collect or a background Reclaimer
//   - MinActive and ActiveCount for monitoring
//
// # Usage Examples
//
// Protecting a read:
//
//	e := manager.Enter()
//	defer manager.Exit(e)
//	dir := current.Load()
//	// ... use dir ...
//
// Retiring a replaced object:
//
//	old := current.Swap(next)
//	manager.Retire(func() { allocator.Free(old.raw, old.size) })
//
// Releasing retired objects:
//
//	released := manager.Collect()
//
// # Dangers and Warnings
//
//   - **Pairing**: Each Enter() call must have a corresponding Exit() with the
//     epoch that Enter returned. A missing Exit blocks reclamation forever.
//   - **Long operations**: An operation that stays inside an epoch for a long
//     time delays reclamation of everything retired after it entered.
//   - **Retire after unlink**: Retire must only be called after the object is
//     no longer reachable from shared state.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Release callbacks run on the
// goroutine that calls Collect, never concurrently with each other.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/op/go-logging"
	"golang.org/x/sys/cpu"
)

var log = logging.MustGetLogger("epoch")

func init() {
	logging.SetLevel(logging.INFO, "epoch")
}

const slots = 3

type participants struct {
	n atomic.Int64
	_ cpu.CacheLinePad
}

type retired struct {
	epoch   uint64
	release func()
}

// Manager tracks operations in flight and releases retired objects once no
// such operation can still reference them.
type Manager struct {
	global atomic.Uint64
	_      cpu.CacheLinePad
	active [slots]participants

	mu       sync.Mutex
	pending  []retired
	released atomic.Uint64
}

// NewManager creates a new epoch manager.
func NewManager() *Manager {
	m := &Manager{}
	// Start at 1 so that MinActive can use 0 for "nothing active".
	m.global.Store(1)
	return m
}

// Enter registers the caller as active in the current epoch and returns it.
func (m *Manager) Enter() uint64 {
	for {
		e := m.global.Load()
		slot := &m.active[e%slots].n
		slot.Add(1)
		if m.global.Load() == e {
			return e
		}
		// The epoch moved between the load and the increment.
		slot.Add(-1)
	}
}

// Exit ends an operation started with Enter.
func (m *Manager) Exit(e uint64) {
	m.active[e%slots].n.Add(-1)
}

// Epoch returns the current global epoch.
func (m *Manager) Epoch() uint64 {
	return m.global.Load()
}

// TryAdvance moves the global epoch forward if no operation is still inside
// the previous one.
func (m *Manager) TryAdvance() bool {
	e := m.global.Load()
	if m.active[(e-1)%slots].n.Load() != 0 {
		return false
	}
	return m.global.CompareAndSwap(e, e+1)
}

// Retire schedules release to run once every operation active now has
// exited.
func (m *Manager) Retire(release func()) {
	m.mu.Lock()
	m.pending = append(m.pending, retired{epoch: m.global.Load(), release: release})
	m.mu.Unlock()
}

// Collect tries to advance the epoch and runs every release callback that
// has become safe. It returns the number of callbacks run.
func (m *Manager) Collect() int {
	for i := 0; i < 2; i++ {
		if !m.TryAdvance() {
			break
		}
	}

	now := m.global.Load()

	m.mu.Lock()
	var ready []retired
	kept := m.pending[:0]
	for _, r := range m.pending {
		if r.epoch+2 <= now {
			ready = append(ready, r)
		} else {
			kept = append(kept, r)
		}
	}
	clear(m.pending[len(kept):])
	m.pending = kept
	m.mu.Unlock()

	for _, r := range ready {
		r.release()
	}
	if len(ready) > 0 {
		m.released.Add(uint64(len(ready)))
		log.Debugf("released %d retired objects at epoch %d", len(ready), now)
	}
	return len(ready)
}

// Drain runs Collect until nothing is pending or no further progress can be
// made because operations are still active. It returns the number of
// callbacks run.
func (m *Manager) Drain() int {
	total := 0
	for i := 0; i < slots; i++ {
		total += m.Collect()
		if m.Pending() == 0 {
			break
		}
	}
	return total
}

// Pending returns the number of retired objects not yet released.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Released returns the total number of release callbacks run.
func (m *Manager) Released() uint64 {
	return m.released.Load()
}

// MinActive returns the oldest epoch that still has an active operation.
// If no operations are active, returns 0.
func (m *Manager) MinActive() uint64 {
	e := m.global.Load()
	// Active operations can only be in e or e-1.
	if e > 1 && m.active[(e-1)%slots].n.Load() > 0 {
		return e - 1
	}
	if m.active[e%slots].n.Load() > 0 {
		return e
	}
	return 0
}

// ActiveCount returns the number of operations currently inside an epoch.
func (m *Manager) ActiveCount() int {
	var n int64
	for i := range m.active {
		n += m.active[i].n.Load()
	}
	return int(n)
}
