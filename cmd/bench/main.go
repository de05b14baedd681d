// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides benchmarking tools for the dash hash index.
//
// The tool runs a fixed set of workloads against a fresh database for each
// one and prints throughput, followed by the structural metrics the index
// recorded (splits, doublings, stash inserts, displacements, retries).
//
// # Benchmark Categories
//
//   - Single-threaded inserts and lookups (baseline)
//   - Concurrent inserts of disjoint key ranges (split and doubling pressure)
//   - Concurrent lookups (read scalability)
//   - Mixed workload of lookups, inserts and deletes
//   - Batch inserts
//
// # Usage
//
//	go run ./cmd/bench --keys 1000000 --workers 8
//	go run ./cmd/bench --arena ~/dash.arena --arena-size 2147483648
//	go run ./cmd/bench --prometheus --loglevel warning
//
// # Dangers and Warnings
//
//   - **Resource Consumption**: Large key counts need proportionally large
//     arenas or heaps.
//   - **Arena Files**: The arena file is truncated and formatted on every run.
//
// # See Also
//
// For interactive testing, see the REPL tool.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/op/go-logging"

	"github.com/kianostad/dash/internal/cli"
	core "github.com/kianostad/dash/internal/core"
	"github.com/kianostad/dash/internal/monitoring/metrics"
)

var log = logging.MustGetLogger("bench")

type options struct {
	Keys       int    `short:"n" long:"keys" default:"200000" description:"number of keys per workload"`
	Workers    []int  `short:"w" long:"workers" default:"1" default:"2" default:"4" default:"8" description:"goroutine counts for concurrent workloads"`
	Segments   int    `short:"s" long:"segments" default:"2" description:"initial segments, a power of two"`
	Arena      string `long:"arena" description:"place the index in a file-backed arena at this path"`
	ArenaSize  int64  `long:"arena-size" default:"1073741824" description:"arena size in bytes"`
	Prometheus bool   `long:"prometheus" description:"print metrics of the last workload in Prometheus format"`

	Logging cli.LogOptions `group:"Logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	closer, err := cli.SetupLogging(opts.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(opts); err != nil {
		log.Error(err)
		closer.Close()
		os.Exit(1)
	}
}

func run(opts options) error {
	fmt.Println("Dash Hash Index Benchmarks")
	fmt.Println("==========================")

	workloads := []struct {
		name string
		fn   func(context.Context, core.DB[uint64, uint64], options) error
	}{
		{"Single-threaded operations", benchmarkSingleThreaded},
		{"Concurrent inserts", benchmarkConcurrentInserts},
		{"Concurrent reads", benchmarkConcurrentReads},
		{"Mixed workload", benchmarkMixedWorkload},
		{"Batch inserts", benchmarkBatchInserts},
	}

	for i, w := range workloads {
		fmt.Printf("\n%d. %s\n", i+1, w.name)
		if err := runWorkload(opts, w.fn, i == len(workloads)-1); err != nil {
			return fmt.Errorf("%s: %w", w.name, err)
		}
	}
	return nil
}

func openDB(opts options) (core.DB[uint64, uint64], error) {
	dbOpts := []core.Option{core.WithInitialSegments(opts.Segments)}
	if opts.Arena != "" {
		path, err := cli.ExpandPath(opts.Arena)
		if err != nil {
			return nil, err
		}
		dbOpts = append(dbOpts, core.WithArena(path, opts.ArenaSize))
	}
	return core.New[uint64, uint64](dbOpts...)
}

func runWorkload(opts options, fn func(context.Context, core.DB[uint64, uint64], options) error, last bool) error {
	ctx := context.Background()
	database, err := openDB(opts)
	if err != nil {
		return err
	}
	defer database.Close(ctx)

	if err := fn(ctx, database, opts); err != nil {
		return err
	}
	report(ctx, database)
	if last && opts.Prometheus {
		if err := database.Close(ctx); err != nil {
			return err
		}
		fmt.Println()
		fmt.Print(metrics.FormatPrometheus(database.GetMetrics(ctx)))
	}
	return nil
}

func throughput(label string, ops int, d time.Duration) {
	fmt.Printf("   %s: %d ops in %v (%.0f ops/sec)\n", label, ops, d, float64(ops)/d.Seconds())
}

func prefill(ctx context.Context, database core.DB[uint64, uint64], n int) error {
	for i := 0; i < n; i++ {
		if _, err := database.Insert(ctx, uint64(i), uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

func benchmarkSingleThreaded(ctx context.Context, database core.DB[uint64, uint64], opts options) error {
	start := time.Now()
	if err := prefill(ctx, database, opts.Keys); err != nil {
		return err
	}
	throughput("Insert", opts.Keys, time.Since(start))

	start = time.Now()
	for i := 0; i < opts.Keys; i++ {
		if _, ok := database.Get(ctx, uint64(i)); !ok {
			return fmt.Errorf("key %d missing after insert", i)
		}
	}
	throughput("Get", opts.Keys, time.Since(start))

	start = time.Now()
	for i := 0; i < opts.Keys; i++ {
		database.Get(ctx, uint64(opts.Keys+i))
	}
	throughput("Get (absent)", opts.Keys, time.Since(start))
	return nil
}

func benchmarkConcurrentInserts(ctx context.Context, database core.DB[uint64, uint64], opts options) error {
	var base uint64
	for _, workers := range opts.Workers {
		perWorker := opts.Keys / workers
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		start := time.Now()

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(first uint64) {
				defer wg.Done()
				for i := uint64(0); i < uint64(perWorker); i++ {
					if _, err := database.Insert(ctx, first+i, i); err != nil {
						errs <- err
						return
					}
				}
			}(base + uint64(w*perWorker))
		}
		wg.Wait()
		close(errs)
		if err := <-errs; err != nil {
			return err
		}
		throughput(fmt.Sprintf("%d goroutines", workers), workers*perWorker, time.Since(start))
		base += uint64(workers * perWorker)
	}
	return nil
}

func benchmarkConcurrentReads(ctx context.Context, database core.DB[uint64, uint64], opts options) error {
	if err := prefill(ctx, database, opts.Keys); err != nil {
		return err
	}
	for _, workers := range opts.Workers {
		perWorker := opts.Keys / workers
		var wg sync.WaitGroup
		start := time.Now()

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(seed uint64) {
				defer wg.Done()
				r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
				for i := 0; i < perWorker; i++ {
					database.Get(ctx, r.Uint64N(uint64(opts.Keys)))
				}
			}(uint64(w))
		}
		wg.Wait()
		throughput(fmt.Sprintf("%d goroutines", workers), workers*perWorker, time.Since(start))
	}
	return nil
}

func benchmarkMixedWorkload(ctx context.Context, database core.DB[uint64, uint64], opts options) error {
	if err := prefill(ctx, database, opts.Keys/2); err != nil {
		return err
	}
	workers := opts.Workers[len(opts.Workers)-1]
	for _, readPercent := range []int{50, 90, 99} {
		perWorker := opts.Keys / workers
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		start := time.Now()

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(seed uint64) {
				defer wg.Done()
				r := rand.New(rand.NewPCG(seed, uint64(readPercent)))
				for i := 0; i < perWorker; i++ {
					key := r.Uint64N(uint64(opts.Keys))
					switch op := r.IntN(100); {
					case op < readPercent:
						database.Get(ctx, key)
					case op%2 == 0:
						if _, err := database.Insert(ctx, key, key); err != nil {
							errs <- err
							return
						}
					default:
						database.Delete(ctx, key)
					}
				}
			}(uint64(w))
		}
		wg.Wait()
		close(errs)
		if err := <-errs; err != nil {
			return err
		}
		throughput(fmt.Sprintf("%d%% reads, %d goroutines", readPercent, workers), workers*perWorker, time.Since(start))
	}
	return nil
}

func benchmarkBatchInserts(ctx context.Context, database core.DB[uint64, uint64], opts options) error {
	const batchSize = 1000
	keys := make([]uint64, batchSize)
	values := make([]uint64, batchSize)

	start := time.Now()
	total := 0
	for total+batchSize <= opts.Keys {
		for i := range keys {
			keys[i] = uint64(total + i)
			values[i] = uint64(i)
		}
		if _, err := database.BatchInsert(ctx, keys, values); err != nil {
			return err
		}
		total += batchSize
	}
	throughput(fmt.Sprintf("batches of %d", batchSize), total, time.Since(start))
	return nil
}

func report(ctx context.Context, database core.DB[uint64, uint64]) {
	stats := database.Stats(ctx)
	m := database.GetMetrics(ctx).Structure
	fmt.Printf("   items=%d segments=%d depth=%d load=%.2f raw=%d bytes\n",
		stats.Items, stats.Segments, stats.GlobalDepth, stats.LoadFactor, stats.RawSpace)
	fmt.Printf("   splits=%d doublings=%d stash=%d displaced=%d retries=%d\n",
		m.Splits, m.Doublings, m.StashInserts, m.Displacements, m.Retries)
	if err := database.Verify(ctx); err != nil {
		log.Warningf("verify failed: %v", err)
	}
}
