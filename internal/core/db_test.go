// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/dash/internal/monitoring/metrics"
	"github.com/kianostad/dash/internal/pmem"
	"github.com/kianostad/dash/internal/storage/index"
)

func newTestDB(t testing.TB, opts ...Option) DB[uint64, uint64] {
	t.Helper()
	database, err := New[uint64, uint64](opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return database
}

func TestDBBasicOperations(t *testing.T) {
	Convey("Given a new database", t, func() {
		ctx := context.Background()
		database := newTestDB(t)
		defer database.Close(ctx)

		Convey("When performing basic operations", func() {
			inserted, err := database.Insert(ctx, 1, 100)
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			val, exists := database.Get(ctx, 1)
			So(exists, ShouldBeTrue)
			So(val, ShouldEqual, 100)

			_, exists = database.Get(ctx, 2)
			So(exists, ShouldBeFalse)

			So(database.Delete(ctx, 1), ShouldBeTrue)
			So(database.Delete(ctx, 1), ShouldBeFalse)

			_, exists = database.Get(ctx, 1)
			So(exists, ShouldBeFalse)
		})

		Convey("When inserting an existing key", func() {
			_, err := database.Insert(ctx, 7, 70)
			So(err, ShouldBeNil)

			inserted, err := database.Insert(ctx, 7, 71)

			Convey("Then the insert is refused and the first value stays", func() {
				So(err, ShouldBeNil)
				So(inserted, ShouldBeFalse)
				val, _ := database.Get(ctx, 7)
				So(val, ShouldEqual, 70)
				So(database.Len(ctx), ShouldEqual, 1)
			})
		})

		Convey("When key and value are zero", func() {
			inserted, err := database.Insert(ctx, 0, 0)
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			val, exists := database.Get(ctx, 0)
			So(exists, ShouldBeTrue)
			So(val, ShouldEqual, 0)
		})
	})
}

func TestDBGrowth(t *testing.T) {
	Convey("Given a database with two initial segments", t, func() {
		ctx := context.Background()
		database := newTestDB(t, WithInitialSegments(2))
		defer database.Close(ctx)

		initial := database.Stats(ctx)
		So(initial.Segments, ShouldEqual, 2)
		So(initial.GlobalDepth, ShouldEqual, 1)

		Convey("When inserting far more keys than two segments hold", func() {
			const n = 20000
			for i := uint64(0); i < n; i++ {
				if inserted, err := database.Insert(ctx, i, i*3); err != nil || !inserted {
					So(err, ShouldBeNil)
					So(inserted, ShouldBeTrue)
				}
			}

			Convey("Then the index grows and every key stays reachable", func() {
				stats := database.Stats(ctx)
				So(stats.Items, ShouldEqual, n)
				So(stats.Segments, ShouldBeGreaterThan, 2)
				So(stats.GlobalDepth, ShouldBeGreaterThan, 1)
				So(stats.LoadFactor, ShouldBeBetween, 0, 1)

				for i := uint64(0); i < n; i++ {
					val, ok := database.Get(ctx, i)
					if !ok || val != i*3 {
						So(ok, ShouldBeTrue)
						So(val, ShouldEqual, i*3)
					}
				}
				So(database.Verify(ctx), ShouldBeNil)
				So(database.CheckDepthCount(ctx).Consistent(), ShouldBeTrue)
			})

			Convey("Then FindAnyway locates a stored key", func() {
				loc := database.FindAnyway(ctx, 1234)
				So(loc.Found, ShouldBeTrue)
				So(loc.Reachable, ShouldBeTrue)
				So(database.FindAnyway(ctx, n+1).Found, ShouldBeFalse)
			})
		})
	})
}

func TestDBConfig(t *testing.T) {
	Convey("Given invalid configurations", t, func() {
		Convey("A segment count that is not a power of two is rejected", func() {
			_, err := New[uint64, uint64](WithInitialSegments(3))
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
		})

		Convey("A zero segment count is rejected", func() {
			_, err := New[uint64, uint64](WithInitialSegments(0))
			So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
		})

		Convey("An arena without a size is rejected", func() {
			config := DefaultConfig()
			config.ArenaPath = "unused"
			config.ArenaSize = 0
			So(errors.Is(config.Validate(), ErrInvalidConfig), ShouldBeTrue)
		})
	})

	Convey("Given a custom hasher", t, func() {
		ctx := context.Background()
		calls := 0
		var mu sync.Mutex
		hasher := func(key uint64) uint64 {
			mu.Lock()
			calls++
			mu.Unlock()
			return index.XXHash(key)
		}
		database := newTestDB(t, WithHasher(hasher), WithoutMetrics())
		defer database.Close(ctx)

		_, err := database.Insert(ctx, 5, 50)
		So(err, ShouldBeNil)
		_, ok := database.Get(ctx, 5)
		So(ok, ShouldBeTrue)

		mu.Lock()
		defer mu.Unlock()
		So(calls, ShouldBeGreaterThanOrEqualTo, 2)
	})
}

func TestDBArena(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file-backed arenas need mmap")
	}

	Convey("Given a database in a file-backed arena", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "index.arena")
		database := newTestDB(t, WithArena(path, 32<<20))

		Convey("Then it behaves like the in-memory database", func() {
			for i := uint64(0); i < 5000; i++ {
				_, err := database.Insert(ctx, i, ^i)
				So(err, ShouldBeNil)
			}
			for i := uint64(0); i < 5000; i += 7 {
				val, ok := database.Get(ctx, i)
				So(ok, ShouldBeTrue)
				So(val, ShouldEqual, ^i)
			}
			So(database.Verify(ctx), ShouldBeNil)
			So(database.Close(ctx), ShouldBeNil)
		})
	})

	Convey("Given a database in an arena too small to grow", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "small.arena")
		database := newTestDB(t, WithArena(path, 256<<10))
		defer database.Close(ctx)

		Convey("When inserting until allocation fails", func() {
			var err error
			var stored uint64
			for i := uint64(0); i < 1_000_000; i++ {
				var ok bool
				if ok, err = database.Insert(ctx, i, i); err != nil {
					break
				}
				if ok {
					stored++
				}
			}

			Convey("Then the error names the full arena and the index is intact", func() {
				So(err, ShouldNotBeNil)
				So(errors.Is(err, pmem.ErrArenaFull), ShouldBeTrue)
				So(database.Len(ctx), ShouldEqual, stored)
				So(database.Verify(ctx), ShouldBeNil)
				for i := uint64(0); i < stored; i++ {
					if _, ok := database.Get(ctx, i); !ok {
						So(ok, ShouldBeTrue)
					}
				}
			})
		})
	})
}

func TestDBGetMetrics(t *testing.T) {
	Convey("Given a database with metrics", t, func() {
		ctx := context.Background()
		config := metrics.DefaultMetricsConfig()
		config.BufferSize = 1 << 16
		database := newTestDB(t, WithMetrics(config))

		for i := uint64(0); i < 3000; i++ {
			_, err := database.Insert(ctx, i, i)
			So(err, ShouldBeNil)
		}
		_, _ = database.Insert(ctx, 1, 1)
		database.Get(ctx, 1)
		database.Get(ctx, 999999)
		database.Delete(ctx, 999999)

		So(database.Close(ctx), ShouldBeNil)
		stats := database.GetMetrics(ctx)

		Convey("Then operations and structural events are counted", func() {
			So(stats.Operations.Insert, ShouldEqual, 3001)
			So(stats.Operations.Duplicates, ShouldEqual, 1)
			So(stats.Operations.Get, ShouldEqual, 2)
			So(stats.Operations.Misses, ShouldEqual, 2)
			So(stats.Operations.Delete, ShouldEqual, 1)
			So(stats.Structure.Splits, ShouldBeGreaterThan, 0)
			So(stats.Structure.Items, ShouldEqual, 3000)
			So(stats.Structure.Segments, ShouldEqual, stats.Structure.Splits+2)
		})
	})

	Convey("Given a database without metrics", t, func() {
		ctx := context.Background()
		database := newTestDB(t, WithoutMetrics())
		defer database.Close(ctx)

		_, _ = database.Insert(ctx, 1, 1)
		So(database.GetMetrics(ctx).Operations.Insert, ShouldEqual, 0)
	})
}

func TestDBClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a closed database", t, func() {
		ctx := context.Background()
		database := newTestDB(t)
		_, _ = database.Insert(ctx, 1, 1)
		So(database.Close(ctx), ShouldBeNil)

		Convey("Then writes fail and reads miss", func() {
			_, err := database.Insert(ctx, 2, 2)
			So(errors.Is(err, ErrClosed), ShouldBeTrue)

			_, ok := database.Get(ctx, 1)
			So(ok, ShouldBeFalse)
			So(database.Delete(ctx, 1), ShouldBeFalse)
			So(database.Range(ctx, func(uint64, uint64) bool { return true }), ShouldEqual, ErrClosed)
			So(database.HalveDirectory(ctx), ShouldEqual, ErrClosed)
			So(database.Verify(ctx), ShouldEqual, ErrClosed)
			So(database.Len(ctx), ShouldEqual, 0)
			So(database.FindAnyway(ctx, 1).Found, ShouldBeFalse)
			So(database.GetMetrics(ctx).Structure.Items, ShouldEqual, 1)
		})

		Convey("Then closing again is harmless", func() {
			So(database.Close(ctx), ShouldBeNil)
		})
	})
}

func TestDBRange(t *testing.T) {
	Convey("Given a database with entries", t, func() {
		ctx := context.Background()
		database := newTestDB(t)
		defer database.Close(ctx)

		for i := uint64(1); i <= 500; i++ {
			_, _ = database.Insert(ctx, i, i*i)
		}

		Convey("Range visits each entry once", func() {
			seen := make(map[uint64]uint64)
			err := database.Range(ctx, func(k, v uint64) bool {
				seen[k] = v
				return true
			})
			So(err, ShouldBeNil)
			So(len(seen), ShouldEqual, 500)
			So(seen[20], ShouldEqual, 400)
		})

		Convey("Range stops when fn returns false", func() {
			visited := 0
			_ = database.Range(ctx, func(uint64, uint64) bool {
				visited++
				return visited < 10
			})
			So(visited, ShouldEqual, 10)
		})

		Convey("Range stops when the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			err := database.Range(cctx, func(uint64, uint64) bool { return true })
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}

func TestDBHalveDirectory(t *testing.T) {
	Convey("Given a database with four initial segments", t, func() {
		ctx := context.Background()
		database := newTestDB(t, WithInitialSegments(4))
		defer database.Close(ctx)

		Convey("Halving fails while every entry names its own segment", func() {
			err := database.HalveDirectory(ctx)
			So(errors.Is(err, index.ErrNotHalvable), ShouldBeTrue)
			So(database.Stats(ctx).GlobalDepth, ShouldEqual, 2)
		})
	})
}

func TestDBConcurrentAccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a database shared by many goroutines", t, func() {
		ctx := context.Background()
		database := newTestDB(t, WithInitialSegments(1))

		const workers = 8
		const perWorker = 4000

		Convey("When each goroutine inserts a disjoint key range", func() {
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					base := uint64(w * perWorker)
					for i := uint64(0); i < perWorker; i++ {
						if ok, err := database.Insert(ctx, base+i, base+i+1); err != nil || !ok {
							errs <- errors.New("insert failed")
							return
						}
						if v, ok := database.Get(ctx, base+i); !ok || v != base+i+1 {
							errs <- errors.New("read-your-write failed")
							return
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)

			Convey("Then no insert is lost", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				So(database.Len(ctx), ShouldEqual, workers*perWorker)
				So(database.Verify(ctx), ShouldBeNil)
				So(database.Close(ctx), ShouldBeNil)
			})
		})
	})
}

func BenchmarkDBInsert(b *testing.B) {
	ctx := context.Background()
	database := newTestDB(b, WithoutMetrics())
	defer database.Close(ctx)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = database.Insert(ctx, uint64(i), uint64(i))
	}
}

func BenchmarkDBGet(b *testing.B) {
	ctx := context.Background()
	database := newTestDB(b, WithoutMetrics())
	defer database.Close(ctx)

	const n = 1 << 16
	for i := uint64(0); i < n; i++ {
		_, _ = database.Insert(ctx, i, i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := uint64(0)
		for pb.Next() {
			database.Get(ctx, i&(n-1))
			i++
		}
	})
}
