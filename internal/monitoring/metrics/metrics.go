// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics collects operation latencies and structural events of the
// hash index.
//
// Recording is a non-blocking channel send; a background goroutine folds
// events into counters and latency ring buffers. Structural events (splits,
// directory doublings and halvings, stash inserts, displacements, retries)
// arrive through the index.Events interface, which *Metrics implements.
//
// # Key Features
//
//   - Insert, Get and Delete latency with percentiles from bounded ring buffers
//   - Duplicate-insert and not-found counters
//   - Structural counters for splits, doublings, halvings, stash inserts,
//     displacements, retries and reclaimed directories
//   - Gauges for segment count, global depth and item count
//   - Prometheus text and JSON export
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	// ... perform operation ...
//	m.RecordInsert(time.Since(start))
//
//	fmt.Print(m.ExportPrometheus())
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires cleanup with Close()
//   - **Event Loss**: If the buffer is full, events are dropped rather than
//     blocking the index
//   - **Stats Latency**: GetStats may lag behind recent events
//
// # Thread Safety
//
// All methods are safe for concurrent use. Recording after Close is a no-op.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationCounts tracks counts for all operation types
type OperationCounts struct {
	Insert      uint64 `json:"insert"`
	Get         uint64 `json:"get"`
	Delete      uint64 `json:"delete"`
	BatchInsert uint64 `json:"batch_insert"`
	BatchGet    uint64 `json:"batch_get"`
	BatchDelete uint64 `json:"batch_delete"`
	Duplicates  uint64 `json:"duplicates"`
	Misses      uint64 `json:"misses"`
}

// ErrorCounts tracks failed operations. Only allocation failures surface
// from the index, so inserts dominate.
type ErrorCounts struct {
	Insert uint64 `json:"insert"`
	Batch  uint64 `json:"batch"`
}

// StructureMetrics tracks how the index reshaped itself
type StructureMetrics struct {
	Splits               uint64 `json:"splits"`
	Doublings            uint64 `json:"doublings"`
	Halvings             uint64 `json:"halvings"`
	StashInserts         uint64 `json:"stash_inserts"`
	Displacements        uint64 `json:"displacements"`
	Retries              uint64 `json:"retries"`
	ReclaimedDirectories uint64 `json:"reclaimed_directories"`
	MaxLocalDepth        uint64 `json:"max_local_depth"`
	GlobalDepth          uint64 `json:"global_depth"`
	Segments             uint64 `json:"segments"`
	Items                uint64 `json:"items"`
}

// LatencyMetrics tracks latency data for all operations
type LatencyMetrics struct {
	Insert LatencyStats `json:"insert"`
	Get    LatencyStats `json:"get"`
	Delete LatencyStats `json:"delete"`
	Batch  LatencyStats `json:"batch"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Operations    OperationCounts  `json:"operations"`
	Errors        ErrorCounts      `json:"errors"`
	Structure     StructureMetrics `json:"structure"`
	Latency       LatencyMetrics   `json:"latency"`
	Configuration MetricsConfig    `json:"config"`
}

type eventType uint8

const (
	eventInsert eventType = iota
	eventGet
	eventDelete
	eventBatchInsert
	eventBatchGet
	eventBatchDelete
	eventDuplicate
	eventMiss
	eventError
	eventSplit
	eventDoubling
	eventHalving
	eventStash
	eventDisplacement
	eventRetry
	eventReclaim
)

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type     eventType
	Duration time.Duration
	// Value carries the event payload: a depth, a batch size, a count or,
	// for errors, nothing.
	Value uint64
	Op    string
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage calculates the average of time.Duration values in the buffer
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats calculates comprehensive latency statistics
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}
	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		P999:  percentile(values, 0.999),
	}
}

// percentile picks the pth percentile from sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize     int            `json:"buffer_size"`     // Size of event buffer
	LatencyBuffers map[string]int `json:"latency_buffers"` // Per-operation ring buffer sizes
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[string]int{
			"insert": 1000,
			"get":    1000,
			"delete": 1000,
			"batch":  100,
		},
	}
}

// Metrics tracks index performance using a buffered channel and ring buffers
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu         sync.RWMutex
	operations OperationCounts
	errors     ErrorCounts
	structure  StructureMetrics

	insertLatency *DurationRingBuffer
	getLatency    *DurationRingBuffer
	deleteLatency *DurationRingBuffer
	batchLatency  *DurationRingBuffer
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultMetricsConfig().BufferSize
	}
	if config.LatencyBuffers == nil {
		config.LatencyBuffers = DefaultMetricsConfig().LatencyBuffers
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:        config,
		eventChan:     make(chan MetricEvent, config.BufferSize),
		ctx:           ctx,
		cancel:        cancel,
		insertLatency: NewDurationRingBuffer(config.LatencyBuffers["insert"]),
		getLatency:    NewDurationRingBuffer(config.LatencyBuffers["get"]),
		deleteLatency: NewDurationRingBuffer(config.LatencyBuffers["delete"]),
		batchLatency:  NewDurationRingBuffer(config.LatencyBuffers["batch"]),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			// Fold whatever is still buffered so Close leaves exact counts.
			for {
				select {
				case event := <-m.eventChan:
					m.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// processEvent handles a single metric event
func (m *Metrics) processEvent(event MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case eventInsert:
		m.operations.Insert++
		m.insertLatency.Push(event.Duration)
	case eventGet:
		m.operations.Get++
		m.getLatency.Push(event.Duration)
	case eventDelete:
		m.operations.Delete++
		m.deleteLatency.Push(event.Duration)
	case eventBatchInsert:
		m.operations.BatchInsert++
		m.batchLatency.Push(event.Duration)
	case eventBatchGet:
		m.operations.BatchGet++
		m.batchLatency.Push(event.Duration)
	case eventBatchDelete:
		m.operations.BatchDelete++
		m.batchLatency.Push(event.Duration)
	case eventDuplicate:
		m.operations.Duplicates++
	case eventMiss:
		m.operations.Misses++
	case eventError:
		switch event.Op {
		case "insert":
			m.errors.Insert++
		case "batch":
			m.errors.Batch++
		}
	case eventSplit:
		m.structure.Splits++
		m.structure.MaxLocalDepth = max(m.structure.MaxLocalDepth, event.Value)
	case eventDoubling:
		m.structure.Doublings++
		m.structure.GlobalDepth = event.Value
	case eventHalving:
		m.structure.Halvings++
		m.structure.GlobalDepth = event.Value
	case eventStash:
		m.structure.StashInserts++
	case eventDisplacement:
		m.structure.Displacements++
	case eventRetry:
		m.structure.Retries++
	case eventReclaim:
		m.structure.ReclaimedDirectories += event.Value
	}
}

func (m *Metrics) send(event MetricEvent) {
	if m.ctx.Err() != nil {
		return
	}
	select {
	case m.eventChan <- event:
	default:
		// Channel full, drop the event to avoid blocking
	}
}

// RecordInsert records an Insert operation
func (m *Metrics) RecordInsert(duration time.Duration) {
	m.send(MetricEvent{Type: eventInsert, Duration: duration})
}

// RecordGet records a Get operation
func (m *Metrics) RecordGet(duration time.Duration) {
	m.send(MetricEvent{Type: eventGet, Duration: duration})
}

// RecordDelete records a Delete operation
func (m *Metrics) RecordDelete(duration time.Duration) {
	m.send(MetricEvent{Type: eventDelete, Duration: duration})
}

// RecordBatchInsert records a batch insert of batchSize keys
func (m *Metrics) RecordBatchInsert(duration time.Duration, batchSize int) {
	m.send(MetricEvent{Type: eventBatchInsert, Duration: duration, Value: uint64(batchSize)})
}

// RecordBatchGet records a batch lookup of batchSize keys
func (m *Metrics) RecordBatchGet(duration time.Duration, batchSize int) {
	m.send(MetricEvent{Type: eventBatchGet, Duration: duration, Value: uint64(batchSize)})
}

// RecordBatchDelete records a batch delete of batchSize keys
func (m *Metrics) RecordBatchDelete(duration time.Duration, batchSize int) {
	m.send(MetricEvent{Type: eventBatchDelete, Duration: duration, Value: uint64(batchSize)})
}

// RecordDuplicate records an Insert that found the key already present
func (m *Metrics) RecordDuplicate() {
	m.send(MetricEvent{Type: eventDuplicate})
}

// RecordMiss records a Get or Delete that did not find its key
func (m *Metrics) RecordMiss() {
	m.send(MetricEvent{Type: eventMiss})
}

// RecordError records a failed operation. Unknown operations are ignored.
func (m *Metrics) RecordError(op string) {
	m.send(MetricEvent{Type: eventError, Op: op})
}

// RecordSplit records a segment split to localDepth
func (m *Metrics) RecordSplit(localDepth uint64) {
	m.send(MetricEvent{Type: eventSplit, Value: localDepth})
}

// RecordDoubling records a directory doubling to globalDepth
func (m *Metrics) RecordDoubling(globalDepth uint64) {
	m.send(MetricEvent{Type: eventDoubling, Value: globalDepth})
}

// RecordHalving records a directory halving to globalDepth
func (m *Metrics) RecordHalving(globalDepth uint64) {
	m.send(MetricEvent{Type: eventHalving, Value: globalDepth})
}

// RecordStashInsert records an entry placed in a stash bucket
func (m *Metrics) RecordStashInsert() {
	m.send(MetricEvent{Type: eventStash})
}

// RecordDisplacement records an entry moved to make room
func (m *Metrics) RecordDisplacement() {
	m.send(MetricEvent{Type: eventDisplacement})
}

// RecordRetry records an operation restarted after a conflict
func (m *Metrics) RecordRetry() {
	m.send(MetricEvent{Type: eventRetry})
}

// RecordReclaimed records n released directory images
func (m *Metrics) RecordReclaimed(n int) {
	if n > 0 {
		m.send(MetricEvent{Type: eventReclaim, Value: uint64(n)})
	}
}

// SetShape sets the structural gauges
func (m *Metrics) SetShape(segments, globalDepth, items uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structure.Segments = segments
	m.structure.GlobalDepth = globalDepth
	m.structure.Items = items
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Operations: m.operations,
		Errors:     m.errors,
		Structure:  m.structure,
		Latency: LatencyMetrics{
			Insert: m.insertLatency.GetStats(),
			Get:    m.getLatency.GetStats(),
			Delete: m.deleteLatency.GetStats(),
			Batch:  m.batchLatency.GetStats(),
		},
		Configuration: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (m *Metrics) ExportPrometheus() string {
	return FormatPrometheus(m.GetStats())
}

// FormatPrometheus renders a snapshot in Prometheus text format
func FormatPrometheus(stats MetricsSnapshot) string {
	var b strings.Builder

	family := func(name, kind, help string) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, kind)
	}
	labelled := func(name, label string, v uint64) {
		fmt.Fprintf(&b, "%s{operation=%q} %d\n", name, label, v)
	}
	plain := func(name string, v uint64) {
		fmt.Fprintf(&b, "%s %d\n", name, v)
	}

	family("dash_operations_total", "counter", "Total number of operations")
	labelled("dash_operations_total", "insert", stats.Operations.Insert)
	labelled("dash_operations_total", "get", stats.Operations.Get)
	labelled("dash_operations_total", "delete", stats.Operations.Delete)
	labelled("dash_operations_total", "batch_insert", stats.Operations.BatchInsert)
	labelled("dash_operations_total", "batch_get", stats.Operations.BatchGet)
	labelled("dash_operations_total", "batch_delete", stats.Operations.BatchDelete)

	family("dash_duplicates_total", "counter", "Inserts of keys already present")
	plain("dash_duplicates_total", stats.Operations.Duplicates)
	family("dash_misses_total", "counter", "Lookups and deletes of absent keys")
	plain("dash_misses_total", stats.Operations.Misses)

	family("dash_latency_nanoseconds", "gauge", "Average latency for operations")
	labelled("dash_latency_nanoseconds", "insert", uint64(stats.Latency.Insert.Mean.Nanoseconds()))
	labelled("dash_latency_nanoseconds", "get", uint64(stats.Latency.Get.Mean.Nanoseconds()))
	labelled("dash_latency_nanoseconds", "delete", uint64(stats.Latency.Delete.Mean.Nanoseconds()))
	labelled("dash_latency_nanoseconds", "batch", uint64(stats.Latency.Batch.Mean.Nanoseconds()))

	family("dash_errors_total", "counter", "Total number of errors")
	labelled("dash_errors_total", "insert", stats.Errors.Insert)
	labelled("dash_errors_total", "batch", stats.Errors.Batch)

	family("dash_splits_total", "counter", "Segment splits")
	plain("dash_splits_total", stats.Structure.Splits)
	family("dash_directory_doublings_total", "counter", "Directory doublings")
	plain("dash_directory_doublings_total", stats.Structure.Doublings)
	family("dash_directory_halvings_total", "counter", "Directory halvings")
	plain("dash_directory_halvings_total", stats.Structure.Halvings)
	family("dash_stash_inserts_total", "counter", "Entries placed in stash buckets")
	plain("dash_stash_inserts_total", stats.Structure.StashInserts)
	family("dash_displacements_total", "counter", "Entries displaced to a neighboring bucket")
	plain("dash_displacements_total", stats.Structure.Displacements)
	family("dash_retries_total", "counter", "Operations restarted after a conflict")
	plain("dash_retries_total", stats.Structure.Retries)
	family("dash_reclaimed_directories_total", "counter", "Directory images released")
	plain("dash_reclaimed_directories_total", stats.Structure.ReclaimedDirectories)

	family("dash_global_depth", "gauge", "Directory global depth")
	plain("dash_global_depth", stats.Structure.GlobalDepth)
	family("dash_segments", "gauge", "Number of segments")
	plain("dash_segments", stats.Structure.Segments)
	family("dash_items", "gauge", "Number of entries")
	plain("dash_items", stats.Structure.Items)

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	jsonData, _ := json.MarshalIndent(m.GetStats(), "", "  ")
	return jsonData
}

// Close stops the background processor after draining buffered events.
// It is safe to call more than once.
func (m *Metrics) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}
