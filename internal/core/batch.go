// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package db provides batch operation support for the database.
//
// A batch groups inserts and deletes so they can be built in one place and
// executed with a single call. Batches are a convenience, not a transaction:
// each operation takes effect on its own and concurrent readers may observe
// a partially executed batch.
//
// # Usage Examples
//
//	batch := core.NewBatch[uint64, uint64]()
//	batch.Insert(1, 100)
//	batch.Insert(2, 200)
//	batch.Delete(3)
//
//	if err := db.ExecuteBatch(ctx, batch); err != nil {
//	    // Handle error
//	}
//	for i, result := range batch.GetResults() {
//	    fmt.Printf("operation %d applied: %t\n", i, result.Success)
//	}
//
// # Dangers and Warnings
//
//   - **Batch Reuse**: Once executed, a batch cannot be executed again. Call
//     Clear to reuse the object.
//   - **Context Cancellation**: Cancellation stops a batch between operations;
//     operations already applied stay applied.
//
// # Thread Safety
//
// Batch objects are not thread-safe. ExecuteBatch and the Batch* methods of
// DB may be called concurrently.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kianostad/dash/internal/monitoring/metrics"
	"github.com/kianostad/dash/internal/storage/index"
)

// Batch operation errors
var (
	ErrBatchSizeMismatch     = errors.New("batch size mismatch")
	ErrBatchAlreadyCommitted = errors.New("batch already committed")
)

// BatchOpType names the kind of a batch operation.
type BatchOpType int

const (
	BatchOpInsert BatchOpType = iota
	BatchOpDelete
)

func (t BatchOpType) String() string {
	switch t {
	case BatchOpInsert:
		return "insert"
	case BatchOpDelete:
		return "delete"
	default:
		return fmt.Sprintf("BatchOpType(%d)", int(t))
	}
}

// BatchOperation represents a single operation in a batch
type BatchOperation[K, V index.Word] struct {
	Op    BatchOpType
	Key   K
	Value V
}

// BatchResult reports the outcome of one batch operation. Success is false
// for a duplicate insert or a delete of an absent key.
type BatchResult struct {
	Success bool
	Error   error
}

// Batch collects operations for ExecuteBatch.
type Batch[K, V index.Word] struct {
	operations []BatchOperation[K, V]
	results    []BatchResult
	committed  bool
}

// NewBatch creates an empty batch.
func NewBatch[K, V index.Word]() *Batch[K, V] {
	return &Batch[K, V]{}
}

// Insert queues an insert of key with value.
func (b *Batch[K, V]) Insert(key K, value V) {
	b.operations = append(b.operations, BatchOperation[K, V]{Op: BatchOpInsert, Key: key, Value: value})
}

// Delete queues a delete of key.
func (b *Batch[K, V]) Delete(key K) {
	b.operations = append(b.operations, BatchOperation[K, V]{Op: BatchOpDelete, Key: key})
}

// Size returns the number of queued operations.
func (b *Batch[K, V]) Size() int {
	return len(b.operations)
}

// Operations returns the queued operations.
func (b *Batch[K, V]) Operations() []BatchOperation[K, V] {
	return b.operations
}

// Clear empties the batch so it can be reused.
func (b *Batch[K, V]) Clear() {
	b.operations = nil
	b.results = nil
	b.committed = false
}

// GetResults returns one result per operation after ExecuteBatch.
func (b *Batch[K, V]) GetResults() []BatchResult {
	return b.results
}

// IsCommitted returns whether the batch has been executed
func (b *Batch[K, V]) IsCommitted() bool {
	return b.committed
}

// BatchGetResult represents the result of a batch get operation
type BatchGetResult[K, V index.Word] struct {
	Key   K
	Value V
	Found bool
}

// BatchGet looks up every key.
func (d *db[K, V]) BatchGet(ctx context.Context, keys []K) []BatchGetResult[K, V] {
	results := make([]BatchGetResult[K, V], len(keys))
	if d.closed.Load() {
		for i, key := range keys {
			results[i].Key = key
		}
		return results
	}

	start := time.Now()
	for i, key := range keys {
		value, found := d.index.Get(key)
		results[i] = BatchGetResult[K, V]{Key: key, Value: value, Found: found}
	}
	if d.metrics != nil {
		d.metrics.RecordBatchGet(time.Since(start), len(keys))
	}
	return results
}

// BatchInsert inserts keys[i] with values[i] and reports which were new.
// It stops at the first allocation failure or when ctx is done.
func (d *db[K, V]) BatchInsert(ctx context.Context, keys []K, values []V) ([]bool, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("%w: %d keys, %d values", ErrBatchSizeMismatch, len(keys), len(values))
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	inserted := make([]bool, len(keys))
	var err error
	for i, key := range keys {
		if err = ctx.Err(); err != nil {
			break
		}
		var ok bool
		if ok, err = d.index.Insert(key, values[i]); err != nil {
			err = fmt.Errorf("batch insert of key %d: %w", uint64(key), err)
			break
		}
		inserted[i] = ok
	}
	d.recordBatch(start, len(keys), err, (*metrics.Metrics).RecordBatchInsert)
	return inserted, err
}

// BatchDelete removes every key and returns how many were present.
func (d *db[K, V]) BatchDelete(ctx context.Context, keys []K) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}

	start := time.Now()
	deleted := 0
	var err error
	for _, key := range keys {
		if err = ctx.Err(); err != nil {
			break
		}
		if d.index.Delete(key) {
			deleted++
		}
	}
	d.recordBatch(start, len(keys), err, (*metrics.Metrics).RecordBatchDelete)
	return deleted, err
}

// ExecuteBatch applies the operations of batch in order.
func (d *db[K, V]) ExecuteBatch(ctx context.Context, batch *Batch[K, V]) error {
	if batch.committed {
		return ErrBatchAlreadyCommitted
	}
	if d.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	batch.results = make([]BatchResult, len(batch.operations))

	var err error
	var inserts, deletes int
	for i, op := range batch.operations {
		if err = ctx.Err(); err != nil {
			break
		}
		switch op.Op {
		case BatchOpInsert:
			inserts++
			ok, insertErr := d.index.Insert(op.Key, op.Value)
			batch.results[i] = BatchResult{Success: ok, Error: insertErr}
			if insertErr != nil {
				err = fmt.Errorf("batch operation %d: %w", i, insertErr)
			}
		case BatchOpDelete:
			deletes++
			batch.results[i] = BatchResult{Success: d.index.Delete(op.Key)}
		default:
			err = fmt.Errorf("batch operation %d: unknown type %v", i, op.Op)
		}
		if err != nil {
			break
		}
	}

	batch.committed = true
	if d.metrics != nil {
		elapsed := time.Since(start)
		if inserts > 0 {
			d.metrics.RecordBatchInsert(elapsed, inserts)
		}
		if deletes > 0 {
			d.metrics.RecordBatchDelete(elapsed, deletes)
		}
		if err != nil {
			d.metrics.RecordError("batch")
		}
	}
	return err
}

func (d *db[K, V]) recordBatch(start time.Time, size int, err error, record func(*metrics.Metrics, time.Duration, int)) {
	if d.metrics == nil {
		return
	}
	record(d.metrics, time.Since(start), size)
	if err != nil {
		d.metrics.RecordError("batch")
	}
}
