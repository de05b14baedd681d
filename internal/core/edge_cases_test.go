// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

func TestDBEdgeCases(t *testing.T) {
	Convey("Given a new database", t, func() {
		ctx := context.Background()
		database := newTestDB(t)
		defer database.Close(ctx)

		Convey("When using the zero key", func() {
			inserted, err := database.Insert(ctx, 0, 7)
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			val, exists := database.Get(ctx, 0)
			So(exists, ShouldBeTrue)
			So(val, ShouldEqual, 7)
			So(database.Delete(ctx, 0), ShouldBeTrue)
		})

		Convey("When using the largest key and value", func() {
			inserted, err := database.Insert(ctx, math.MaxUint64, math.MaxUint64)
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			val, exists := database.Get(ctx, math.MaxUint64)
			So(exists, ShouldBeTrue)
			So(val, ShouldEqual, uint64(math.MaxUint64))
		})

		Convey("When deleting from an empty database", func() {
			So(database.Delete(ctx, 12345), ShouldBeFalse)
			So(database.Len(ctx), ShouldEqual, 0)
		})

		Convey("When a key is deleted and inserted again", func() {
			_, _ = database.Insert(ctx, 5, 50)
			So(database.Delete(ctx, 5), ShouldBeTrue)
			inserted, err := database.Insert(ctx, 5, 51)
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			val, _ := database.Get(ctx, 5)
			So(val, ShouldEqual, 51)
		})
	})

	Convey("Given a database with signed keys", t, func() {
		ctx := context.Background()
		database, err := New[int64, int64]()
		So(err, ShouldBeNil)
		defer database.Close(ctx)

		for _, k := range []int64{-1, math.MinInt64, math.MaxInt64, 0} {
			inserted, err := database.Insert(ctx, k, -k)
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)
		}

		Convey("Then negative keys round trip", func() {
			val, exists := database.Get(ctx, -1)
			So(exists, ShouldBeTrue)
			So(val, ShouldEqual, 1)

			_, exists = database.Get(ctx, math.MinInt64)
			So(exists, ShouldBeTrue)
			So(database.Len(ctx), ShouldEqual, 4)
		})
	})
}

func TestDBSingleKeyContention(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given concurrent writers racing on one key", t, func() {
		ctx := context.Background()
		database := newTestDB(t)
		defer database.Close(ctx)

		const numWriters = 16
		var wg sync.WaitGroup
		var winners atomic.Int32
		var winner atomic.Uint64

		for i := 0; i < numWriters; i++ {
			wg.Add(1)
			go func(id uint64) {
				defer wg.Done()
				inserted, err := database.Insert(ctx, 42, id)
				if err == nil && inserted {
					winners.Add(1)
					winner.Store(id)
				}
			}(uint64(i))
		}
		wg.Wait()

		Convey("Then exactly one insert succeeds and its value is kept", func() {
			So(winners.Load(), ShouldEqual, 1)
			val, exists := database.Get(ctx, 42)
			So(exists, ShouldBeTrue)
			So(val, ShouldEqual, winner.Load())
			So(database.Len(ctx), ShouldEqual, 1)
		})
	})

	Convey("Given inserters and deleters alternating on one key", t, func() {
		ctx := context.Background()
		database := newTestDB(t, WithoutMetrics())
		defer database.Close(ctx)

		var wg sync.WaitGroup
		var inserts, deletes atomic.Int64
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 2000; j++ {
					if id%2 == 0 {
						if ok, _ := database.Insert(ctx, 7, 7); ok {
							inserts.Add(1)
						}
					} else if database.Delete(ctx, 7) {
						deletes.Add(1)
					}
				}
			}(i)
		}
		wg.Wait()

		Convey("Then successful inserts and deletes balance with what remains", func() {
			_, exists := database.Get(ctx, 7)
			remaining := int64(0)
			if exists {
				remaining = 1
			}
			So(inserts.Load()-deletes.Load(), ShouldEqual, remaining)
			So(database.Len(ctx), ShouldEqual, remaining)
		})
	})
}
