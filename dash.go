// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dash provides a concurrent extendible hash index for 8-byte keys
// and values.
//
// This is the main public API of the library. It re-exports the database
// facade from internal/core together with the structural types it reports.
//
// # Quick Start
//
//	import "github.com/kianostad/dash"
//
//	db, err := dash.New[uint64, uint64]()
//	if err != nil {
//	    return err
//	}
//	defer db.Close(ctx)
//
//	inserted, err := db.Insert(ctx, 42, 4200)
//	value, exists := db.Get(ctx, 42)
//
// # Key Features
//
//   - 14-slot buckets filtered by 8-bit fingerprints
//   - Neighbor displacement and per-segment stash buckets before any split
//   - Lock-free reads validated by per-bucket version locks
//   - Local segment splits with directory doubling on demand
//   - Epoch-based reclamation of replaced directories
//   - Optional file-backed arena with msync persistence
//
// # Usage Examples
//
// Configuration:
//
//	db, err := dash.New[uint64, uint64](
//	    dash.WithInitialSegments(64),
//	    dash.WithArena("/var/lib/dash/index.arena", 1<<30),
//	)
//
// Batches:
//
//	batch := dash.NewBatch[uint64, uint64]()
//	batch.Insert(1, 10)
//	batch.Delete(2)
//	err := db.ExecuteBatch(ctx, batch)
//
// Export:
//
//	n, err := dash.ExportBinary(ctx, db, w)
//
// # Dangers and Warnings
//
//   - **No Overwrite**: Insert never replaces an existing value.
//   - **Word Types Only**: Keys and values are integer types of 8 bytes.
//   - **Arena Contents**: Opening an arena formats it.
//
// # See Also
//
// For database interface details, see the core package.
package dash

import (
	"context"
	"io"

	core "github.com/kianostad/dash/internal/core"
	"github.com/kianostad/dash/internal/monitoring/metrics"
	"github.com/kianostad/dash/internal/storage/index"
)

// Re-export core types
type (
	// Word is the constraint on key and value types
	Word = index.Word

	// DB is the main database interface
	DB[K, V Word] = core.DB[K, V]

	// Config holds the settings of a database
	Config = core.Config

	// Option adjusts a Config
	Option = core.Option

	// Batch collects operations for DB.ExecuteBatch
	Batch[K, V Word] = *core.Batch[K, V]

	// BatchGetResult represents the result of a batch get operation
	BatchGetResult[K, V Word] = core.BatchGetResult[K, V]

	// Hasher maps a key to the 64-bit hash that routes it
	Hasher = index.Hasher

	// Stats is a point-in-time summary of the index structure
	Stats = index.Stats

	// DepthCountReport is returned by DB.CheckDepthCount
	DepthCountReport = index.DepthCountReport

	// Location is returned by DB.FindAnyway
	Location = index.Location

	// InvariantError is the panic value for a broken structural invariant
	InvariantError = index.InvariantError

	// MetricsConfig configures metrics collection
	MetricsConfig = metrics.MetricsConfig

	// MetricsSnapshot is returned by DB.GetMetrics
	MetricsSnapshot = metrics.MetricsSnapshot
)

// Errors
var (
	ErrClosed                = core.ErrClosed
	ErrInvalidConfig         = core.ErrInvalidConfig
	ErrBatchSizeMismatch     = core.ErrBatchSizeMismatch
	ErrBatchAlreadyCommitted = core.ErrBatchAlreadyCommitted
	ErrBadMagic              = core.ErrBadMagic
	ErrUnsupportedVersion    = core.ErrUnsupportedVersion
	ErrNotHalvable           = index.ErrNotHalvable
)

// XXHash is the default Hasher.
var XXHash Hasher = index.XXHash

// New creates a database with the default configuration adjusted by opts.
func New[K, V Word](opts ...Option) (DB[K, V], error) {
	return core.New[K, V](opts...)
}

// Open creates a database from config.
func Open[K, V Word](config Config) (DB[K, V], error) {
	return core.Open[K, V](config)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewBatch creates an empty batch.
func NewBatch[K, V Word]() Batch[K, V] {
	return core.NewBatch[K, V]()
}

// Options
var (
	WithInitialSegments = core.WithInitialSegments
	WithHasher          = core.WithHasher
	WithArena           = core.WithArena
	WithMetrics         = core.WithMetrics
	WithoutMetrics      = core.WithoutMetrics
	WithReclaimInterval = core.WithReclaimInterval
)

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return metrics.DefaultMetricsConfig()
}

// FormatPrometheus renders a metrics snapshot in Prometheus text format.
func FormatPrometheus(snapshot MetricsSnapshot) string {
	return metrics.FormatPrometheus(snapshot)
}

// ExportBinary writes every entry of db to w.
func ExportBinary[K, V Word](ctx context.Context, db DB[K, V], w io.Writer) (int, error) {
	return core.ExportBinary(ctx, db, w)
}

// ImportBinary inserts the entries read from r into db.
func ImportBinary[K, V Word](ctx context.Context, db DB[K, V], r io.Reader) (int, error) {
	return core.ImportBinary(ctx, db, r)
}
