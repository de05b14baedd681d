// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReclaimInterval is how often a Reclaimer collects when no interval
// is given.
const DefaultReclaimInterval = 100 * time.Millisecond

// Reclaimer periodically collects retired objects in the background.
type Reclaimer struct {
	epochs    *Manager
	interval  time.Duration
	onCollect func(released int)

	started atomic.Bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewReclaimer creates a reclaimer for epochs. onCollect, if not nil, is
// called after every cycle that released at least one object.
func NewReclaimer(epochs *Manager, interval time.Duration, onCollect func(released int)) *Reclaimer {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	return &Reclaimer{
		epochs:    epochs,
		interval:  interval,
		onCollect: onCollect,
		stop:      make(chan struct{}),
	}
}

// Start begins background collection. Calling Start more than once has no
// effect.
func (r *Reclaimer) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Stop halts background collection, waits for the loop to exit and runs a
// final collection cycle.
func (r *Reclaimer) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
	r.collect()
}

// ForceCollect performs an immediate collection cycle.
func (r *Reclaimer) ForceCollect() int {
	return r.collect()
}

func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

func (r *Reclaimer) collect() int {
	n := r.epochs.Collect()
	if n > 0 && r.onCollect != nil {
		r.onCollect(n)
	}
	return n
}
