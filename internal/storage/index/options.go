// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"github.com/kianostad/dash/internal/concurrency/epoch"
	"github.com/kianostad/dash/internal/pmem"
)

// Option configures an Index.
type Option interface {
	apply(*options)
}

type options struct {
	hasher    Hasher
	allocator pmem.Allocator
	persister pmem.Persister
	epochs    *epoch.Manager
	events    Events
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithHasher replaces the default xxhash-based Hasher.
func WithHasher(h Hasher) Option {
	return optionFunc(func(o *options) {
		if h != nil {
			o.hasher = h
		}
	})
}

// WithAllocator places segments and directories in memory from a.
func WithAllocator(a pmem.Allocator) Option {
	return optionFunc(func(o *options) {
		if a != nil {
			o.allocator = a
		}
	})
}

// WithPersister makes every publish durable through p.
func WithPersister(p pmem.Persister) Option {
	return optionFunc(func(o *options) {
		if p != nil {
			o.persister = p
		}
	})
}

// WithEpochs shares an epoch manager with the caller, which then becomes
// responsible for collecting retired directories.
func WithEpochs(m *epoch.Manager) Option {
	return optionFunc(func(o *options) {
		if m != nil {
			o.epochs = m
		}
	})
}

// WithEvents reports structural changes to e.
func WithEvents(e Events) Option {
	return optionFunc(func(o *options) {
		if e != nil {
			o.events = e
		}
	})
}

func defaultOptions() options {
	return options{
		hasher:    XXHash,
		allocator: pmem.NewHeap(),
		persister: pmem.Volatile{},
		events:    noopEvents{},
	}
}
