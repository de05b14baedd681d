// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// settled closes m, which folds every buffered event, and returns the final
// snapshot.
func settled(m *Metrics) MetricsSnapshot {
	m.Close()
	return m.GetStats()
}

func TestNewMetricsWithConfig(t *testing.T) {
	config := DefaultMetricsConfig()
	config.BufferSize = 5000
	config.LatencyBuffers["get"] = 500

	metrics := NewMetricsWithConfig(config)
	if metrics == nil {
		t.Fatal("NewMetricsWithConfig() returned nil")
	}
	defer metrics.Close()

	if got := metrics.GetStats().Configuration.BufferSize; got != 5000 {
		t.Errorf("Expected BufferSize 5000, got %d", got)
	}
}

func TestNewMetricsWithZeroConfig(t *testing.T) {
	metrics := NewMetricsWithConfig(MetricsConfig{})
	defer metrics.Close()

	config := metrics.GetStats().Configuration
	if config.BufferSize != DefaultMetricsConfig().BufferSize {
		t.Errorf("Expected default BufferSize, got %d", config.BufferSize)
	}
	if len(config.LatencyBuffers) == 0 {
		t.Error("Expected default latency buffers")
	}
}

func TestRecordOperations(t *testing.T) {
	tests := []struct {
		name     string
		record   func(*Metrics, time.Duration)
		count    func(MetricsSnapshot) uint64
		latency  func(MetricsSnapshot) LatencyStats
		duration time.Duration
	}{
		{
			name:     "insert",
			record:   (*Metrics).RecordInsert,
			count:    func(s MetricsSnapshot) uint64 { return s.Operations.Insert },
			latency:  func(s MetricsSnapshot) LatencyStats { return s.Latency.Insert },
			duration: 200 * time.Microsecond,
		},
		{
			name:     "get",
			record:   (*Metrics).RecordGet,
			count:    func(s MetricsSnapshot) uint64 { return s.Operations.Get },
			latency:  func(s MetricsSnapshot) LatencyStats { return s.Latency.Get },
			duration: 100 * time.Microsecond,
		},
		{
			name:     "delete",
			record:   (*Metrics).RecordDelete,
			count:    func(s MetricsSnapshot) uint64 { return s.Operations.Delete },
			latency:  func(s MetricsSnapshot) LatencyStats { return s.Latency.Delete },
			duration: 150 * time.Microsecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetrics()
			tt.record(metrics, tt.duration)

			stats := settled(metrics)
			if got := tt.count(stats); got != 1 {
				t.Errorf("Expected count 1, got %d", got)
			}
			if got := tt.latency(stats).Mean; got != tt.duration {
				t.Errorf("Expected mean latency %v, got %v", tt.duration, got)
			}
		})
	}
}

func TestRecordBatchOperations(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordBatchInsert(1*time.Millisecond, 100)
	metrics.RecordBatchGet(500*time.Microsecond, 50)
	metrics.RecordBatchDelete(700*time.Microsecond, 10)

	stats := settled(metrics)
	if stats.Operations.BatchInsert != 1 {
		t.Errorf("Expected BatchInsert to be 1, got %d", stats.Operations.BatchInsert)
	}
	if stats.Operations.BatchGet != 1 {
		t.Errorf("Expected BatchGet to be 1, got %d", stats.Operations.BatchGet)
	}
	if stats.Operations.BatchDelete != 1 {
		t.Errorf("Expected BatchDelete to be 1, got %d", stats.Operations.BatchDelete)
	}
	if stats.Latency.Batch.Count != 3 {
		t.Errorf("Expected 3 batch latencies, got %d", stats.Latency.Batch.Count)
	}
}

func TestRecordDuplicatesAndMisses(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordDuplicate()
	metrics.RecordDuplicate()
	metrics.RecordMiss()

	stats := settled(metrics)
	if stats.Operations.Duplicates != 2 {
		t.Errorf("Expected 2 duplicates, got %d", stats.Operations.Duplicates)
	}
	if stats.Operations.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Operations.Misses)
	}
}

func TestRecordError(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordError("insert")
	metrics.RecordError("batch")
	metrics.RecordError("unknown")

	stats := settled(metrics)
	if stats.Errors.Insert != 1 {
		t.Errorf("Expected insert errors to be 1, got %d", stats.Errors.Insert)
	}
	if stats.Errors.Batch != 1 {
		t.Errorf("Expected batch errors to be 1, got %d", stats.Errors.Batch)
	}
}

func TestStructuralEvents(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordSplit(3)
	metrics.RecordSplit(5)
	metrics.RecordSplit(4)
	metrics.RecordDoubling(5)
	metrics.RecordHalving(4)
	metrics.RecordStashInsert()
	metrics.RecordDisplacement()
	metrics.RecordDisplacement()
	metrics.RecordRetry()
	metrics.RecordReclaimed(3)
	metrics.RecordReclaimed(0)

	s := settled(metrics).Structure
	if s.Splits != 3 {
		t.Errorf("Expected 3 splits, got %d", s.Splits)
	}
	if s.MaxLocalDepth != 5 {
		t.Errorf("Expected max local depth 5, got %d", s.MaxLocalDepth)
	}
	if s.Doublings != 1 || s.Halvings != 1 {
		t.Errorf("Expected one doubling and one halving, got %d and %d", s.Doublings, s.Halvings)
	}
	if s.GlobalDepth != 4 {
		t.Errorf("Expected global depth 4 after halving, got %d", s.GlobalDepth)
	}
	if s.StashInserts != 1 || s.Displacements != 2 || s.Retries != 1 {
		t.Errorf("Unexpected stash/displacement/retry counts: %+v", s)
	}
	if s.ReclaimedDirectories != 3 {
		t.Errorf("Expected 3 reclaimed directories, got %d", s.ReclaimedDirectories)
	}
}

func TestSetShape(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.SetShape(8, 3, 1200)

	s := metrics.GetStats().Structure
	if s.Segments != 8 || s.GlobalDepth != 3 || s.Items != 1200 {
		t.Errorf("Unexpected shape: %+v", s)
	}
}

func TestRecordAfterClose(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordInsert(time.Microsecond)
	metrics.Close()
	metrics.Close()

	metrics.RecordInsert(time.Microsecond)
	if got := metrics.GetStats().Operations.Insert; got != 1 {
		t.Errorf("Expected 1 insert, got %d", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()

	const goroutines = 10
	const operations = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				metrics.RecordGet(100 * time.Microsecond)
				metrics.RecordInsert(200 * time.Microsecond)
				metrics.RecordRetry()
			}
		}()
	}
	wg.Wait()

	stats := settled(metrics)
	want := uint64(goroutines * operations)
	if stats.Operations.Get != want {
		t.Errorf("Expected %d gets, got %d", want, stats.Operations.Get)
	}
	if stats.Operations.Insert != want {
		t.Errorf("Expected %d inserts, got %d", want, stats.Operations.Insert)
	}
	if stats.Structure.Retries != want {
		t.Errorf("Expected %d retries, got %d", want, stats.Structure.Retries)
	}
}

func TestRingBufferAverage(t *testing.T) {
	rb := NewDurationRingBuffer(5)

	rb.Push(100 * time.Microsecond)
	rb.Push(200 * time.Microsecond)
	rb.Push(300 * time.Microsecond)

	expected := 200 * time.Microsecond
	if avg := rb.GetAverage(); avg != expected {
		t.Errorf("Expected average %v, got %v", expected, avg)
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewDurationRingBuffer(3)

	rb.Push(100 * time.Microsecond)
	rb.Push(200 * time.Microsecond)
	rb.Push(300 * time.Microsecond)
	rb.Push(400 * time.Microsecond)

	// Oldest value was evicted: (200+300+400)/3
	expected := 300 * time.Microsecond
	if avg := rb.GetAverage(); avg != expected {
		t.Errorf("Expected average %v, got %v", expected, avg)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewDurationRingBuffer(5)

	if avg := rb.GetAverage(); avg != 0 {
		t.Errorf("Expected average 0 for empty buffer, got %v", avg)
	}
	if stats := rb.GetStats(); stats.Count != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestRingBufferStats(t *testing.T) {
	rb := NewDurationRingBuffer(100)
	for i := 1; i <= 100; i++ {
		rb.Push(time.Duration(i) * time.Microsecond)
	}

	stats := rb.GetStats()
	if stats.Count != 100 {
		t.Errorf("Expected count 100, got %d", stats.Count)
	}
	if stats.Min != time.Microsecond {
		t.Errorf("Expected min 1µs, got %v", stats.Min)
	}
	if stats.Max != 100*time.Microsecond {
		t.Errorf("Expected max 100µs, got %v", stats.Max)
	}
	if stats.P50 != 50*time.Microsecond {
		t.Errorf("Expected p50 50µs, got %v", stats.P50)
	}
	if stats.P99 != 99*time.Microsecond {
		t.Errorf("Expected p99 99µs, got %v", stats.P99)
	}
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordInsert(100 * time.Microsecond)
	metrics.RecordSplit(2)
	metrics.Close()

	var snapshot MetricsSnapshot
	if err := json.Unmarshal(metrics.ExportJSON(), &snapshot); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	if snapshot.Operations.Insert != 1 {
		t.Errorf("Expected 1 insert in JSON, got %d", snapshot.Operations.Insert)
	}
	if snapshot.Structure.Splits != 1 {
		t.Errorf("Expected 1 split in JSON, got %d", snapshot.Structure.Splits)
	}
}

func TestExportPrometheus(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordGet(100 * time.Microsecond)
	metrics.RecordDoubling(4)
	metrics.SetShape(16, 4, 10)
	metrics.Close()

	output := metrics.ExportPrometheus()
	for _, want := range []string{
		"# TYPE dash_operations_total counter",
		`dash_operations_total{operation="get"} 1`,
		"dash_directory_doublings_total 1",
		"dash_global_depth 4",
		"dash_segments 16",
		"dash_items 10",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected Prometheus output to contain %q", want)
		}
	}
}
