// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package db provides the public database facade over the extendible hash
// index.
//
// The facade adds a context-taking API, configuration, logging, metrics,
// batch operations and binary export/import on top of
// internal/storage/index. Keys and values are 8-byte words.
//
// # Key Features
//
//   - Insert without overwrite, lock-free Get, Delete
//   - Batch insert, lookup and delete, plus a Batch builder
//   - Structural diagnostics: Stats, CheckDepthCount, FindAnyway, Verify
//   - Explicit HalveDirectory maintenance call
//   - Background reclamation of retired directory images
//   - Optional file-backed arena for segments and directories
//
// # Usage Examples
//
// Basic operations:
//
//	db, err := core.New[uint64, uint64]()
//	if err != nil {
//	    return err
//	}
//	defer db.Close(ctx)
//
//	inserted, err := db.Insert(ctx, 42, 4200)
//	value, exists := db.Get(ctx, 42)
//	deleted := db.Delete(ctx, 42)
//
// Durable layout:
//
//	db, err := core.New[uint64, uint64](
//	    core.WithArena("/var/lib/dash/index.arena", 1<<30),
//	    core.WithInitialSegments(64),
//	)
//
// # Dangers and Warnings
//
//   - **No Overwrite**: Insert of an existing key returns false and keeps the
//     stored value. Delete and insert again to replace it.
//   - **Close Ordering**: Close must not race with other operations. With an
//     arena, Close unmaps the memory the index lives in.
//   - **No Recovery**: Opening an arena formats it. Previous contents are lost.
//   - **Batches Are Not Transactions**: Every operation in a batch takes
//     effect on its own.
//
// # Thread Safety
//
// All DB methods are safe for concurrent use, except Close.
package db

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	"github.com/kianostad/dash/internal/concurrency/epoch"
	"github.com/kianostad/dash/internal/monitoring/metrics"
	"github.com/kianostad/dash/internal/pmem"
	"github.com/kianostad/dash/internal/storage/index"
)

var log = logging.MustGetLogger("core")

func init() {
	logging.SetLevel(logging.INFO, "core")
}

// DB is the main database interface.
type DB[K, V index.Word] interface {
	Insert(ctx context.Context, key K, value V) (bool, error) // false, nil for a duplicate
	Get(ctx context.Context, key K) (V, bool)
	Delete(ctx context.Context, key K) bool

	// Batch operations
	BatchInsert(ctx context.Context, keys []K, values []V) ([]bool, error)
	BatchGet(ctx context.Context, keys []K) []BatchGetResult[K, V]
	BatchDelete(ctx context.Context, keys []K) (int, error)
	ExecuteBatch(ctx context.Context, batch *Batch[K, V]) error

	// Diagnostics and maintenance
	Len(ctx context.Context) int64
	Stats(ctx context.Context) index.Stats
	CheckDepthCount(ctx context.Context) index.DepthCountReport
	FindAnyway(ctx context.Context, key K) index.Location
	Verify(ctx context.Context) error
	HalveDirectory(ctx context.Context) error
	Range(ctx context.Context, fn func(key K, value V) bool) error

	GetMetrics(ctx context.Context) metrics.MetricsSnapshot
	Close(ctx context.Context) error
}

// db is the main database implementation.
type db[K, V index.Word] struct {
	index     *index.Index[K, V]
	epochs    *epoch.Manager
	reclaimer *epoch.Reclaimer
	metrics   *metrics.Metrics // nil when disabled
	arena     *pmem.Arena      // nil in memory

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a database with DefaultConfig adjusted by opts.
func New[K, V index.Word](opts ...Option) (DB[K, V], error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return Open[K, V](config)
}

// Open creates a database from config.
func Open[K, V index.Word](config Config) (DB[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	d := &db[K, V]{epochs: epoch.NewManager()}
	indexOpts := []index.Option{index.WithEpochs(d.epochs)}
	if config.Hasher != nil {
		indexOpts = append(indexOpts, index.WithHasher(config.Hasher))
	}
	if config.ArenaPath != "" {
		arena, err := pmem.CreateArena(config.ArenaPath, config.ArenaSize)
		if err != nil {
			return nil, fmt.Errorf("open arena: %w", err)
		}
		d.arena = arena
		indexOpts = append(indexOpts, index.WithAllocator(arena), index.WithPersister(arena))
	}
	if config.EnableMetrics {
		d.metrics = metrics.NewMetricsWithConfig(config.Metrics)
		indexOpts = append(indexOpts, index.WithEvents(d.metrics))
	}

	ix, err := index.New[K, V](config.InitialSegments, indexOpts...)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("create index: %w", err)
	}
	d.index = ix

	d.reclaimer = epoch.NewReclaimer(d.epochs, config.ReclaimInterval, func(released int) {
		log.Debugf("reclaimed %d directory images", released)
		if d.metrics != nil {
			d.metrics.RecordReclaimed(released)
		}
	})
	d.reclaimer.Start()

	mode := "memory"
	if d.arena != nil {
		mode = "arena " + config.ArenaPath
	}
	log.Infof("opened database in %s with %d initial segments", mode, config.InitialSegments)
	return d, nil
}

// Insert stores value for key unless key is already present.
func (d *db[K, V]) Insert(ctx context.Context, key K, value V) (bool, error) {
	if d.closed.Load() {
		return false, ErrClosed
	}
	start := time.Now()
	inserted, err := d.index.Insert(key, value)
	if d.metrics != nil {
		d.metrics.RecordInsert(time.Since(start))
		switch {
		case err != nil:
			d.metrics.RecordError("insert")
		case !inserted:
			d.metrics.RecordDuplicate()
		}
	}
	if err != nil {
		log.Warningf("insert of key %d failed: %v", uint64(key), err)
		return false, fmt.Errorf("insert: %w", err)
	}
	return inserted, nil
}

// Get retrieves the value for key.
func (d *db[K, V]) Get(ctx context.Context, key K) (V, bool) {
	if d.closed.Load() {
		var zero V
		return zero, false
	}
	start := time.Now()
	value, ok := d.index.Get(key)
	if d.metrics != nil {
		d.metrics.RecordGet(time.Since(start))
		if !ok {
			d.metrics.RecordMiss()
		}
	}
	return value, ok
}

// Delete removes key from the database.
func (d *db[K, V]) Delete(ctx context.Context, key K) bool {
	if d.closed.Load() {
		return false
	}
	start := time.Now()
	deleted := d.index.Delete(key)
	if d.metrics != nil {
		d.metrics.RecordDelete(time.Since(start))
		if !deleted {
			d.metrics.RecordMiss()
		}
	}
	return deleted
}

// Len returns the number of entries.
func (d *db[K, V]) Len(ctx context.Context) int64 {
	if d.closed.Load() {
		return 0
	}
	return d.index.Len()
}

// Stats reports the current shape of the index.
func (d *db[K, V]) Stats(ctx context.Context) index.Stats {
	if d.closed.Load() {
		return index.Stats{}
	}
	return d.index.Stats()
}

// CheckDepthCount compares the recorded directory depth count with a fresh
// count.
func (d *db[K, V]) CheckDepthCount(ctx context.Context) index.DepthCountReport {
	if d.closed.Load() {
		return index.DepthCountReport{}
	}
	report := d.index.CheckDepthCount()
	if !report.Consistent() {
		log.Warningf("depth count mismatch: recorded %d, computed %d", report.Recorded, report.Computed)
	}
	return report
}

// FindAnyway scans every segment for key.
func (d *db[K, V]) FindAnyway(ctx context.Context, key K) index.Location {
	if d.closed.Load() {
		return index.Location{}
	}
	return d.index.FindAnyway(key)
}

// Verify checks the directory and segment invariants.
func (d *db[K, V]) Verify(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.index.Verify()
}

// HalveDirectory shrinks the directory when every buddy pair shares a segment.
func (d *db[K, V]) HalveDirectory(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.index.HalveDirectory()
}

// Range calls fn for every entry until fn returns false or ctx is done.
func (d *db[K, V]) Range(ctx context.Context, fn func(key K, value V) bool) error {
	if d.closed.Load() {
		return ErrClosed
	}
	var err error
	d.index.Range(func(k K, v V) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		return fn(k, v)
	})
	return err
}

// GetMetrics returns current database metrics. After Close it returns the
// final counts and the shape recorded at close.
func (d *db[K, V]) GetMetrics(ctx context.Context) metrics.MetricsSnapshot {
	if d.metrics == nil {
		return metrics.MetricsSnapshot{}
	}
	if !d.closed.Load() {
		d.recordShape()
	}
	return d.metrics.GetStats()
}

func (d *db[K, V]) recordShape() {
	st := d.index.Stats()
	d.metrics.SetShape(uint64(st.Segments), st.GlobalDepth, uint64(st.Items))
}

// Close stops background work and releases the arena. Later calls return
// the result of the first.
func (d *db[K, V]) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.reclaimer.Stop()
		if d.metrics != nil {
			d.recordShape()
		}
		d.index.Close()
		d.closeErr = d.release()
		log.Info("closed database")
	})
	return d.closeErr
}

func (d *db[K, V]) release() error {
	if d.metrics != nil {
		d.metrics.Close()
	}
	if d.arena != nil {
		if err := d.arena.Close(); err != nil {
			return fmt.Errorf("close arena: %w", err)
		}
	}
	return nil
}
