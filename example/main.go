package main

import (
	"fmt"
	"runtime"
	"time"

	"net/http"
	_ "net/http/pprof"

	"golang.org/x/exp/rand"

	slaballoc "github.com/xgzlucario/slaballoc"
)

func main() {
	go http.ListenAndServe("localhost:6060", nil)

	a := time.Now()

	var sum float64
	var stat, count int64
	var mem runtime.MemStats

	options := slaballoc.DefaultOptions
	m, err := slaballoc.NewMemoryAllocator(options)
	if err != nil {
		panic(err)
	}

	sizes, err := slaballoc.GenerateAllocSizes(1.25, options.SlabSize,
		options.MinAllocSize, options.SlabSize, 32, true)
	if err != nil {
		panic(err)
	}
	id, err := m.AddPool("main",
		uint64(options.SlabSize)*uint64(options.SlabCount), sizes, true)
	if err != nil {
		panic(err)
	}
	pool, _ := m.GetPool(id)

	// Stat
	go func() {
		for i := 0; ; i++ {
			time.Sleep(time.Second / 10)
			runtime.ReadMemStats(&mem)

			if i%100 == 0 {
				st := pool.GetStats()
				fmt.Printf("[Pool] %.0fs\t count: %dk\t slabs: %dmb / %dmb\t live: %dmb\t avg: %.2f us\n",
					time.Since(a).Seconds(), count/1e3,
					st.SlabBytes/1024/1024, st.MaxSize/1024/1024,
					st.AllocBytes/1024/1024, sum/float64(stat))
			}
		}
	}()

	// Churn
	ring := make([]slaballoc.Handle, 0, 100000)
	for i := 0; ; i++ {
		count++
		t0 := time.Now()

		size := uint32(rand.Intn(60000) + 1)
		h, err := m.Allocate(id, size)
		if err != nil {
			panic(err)
		}
		if h.IsValid() {
			buf := m.View(h)
			buf[0] = byte(i)
			ring = append(ring, h)
		}

		// recycle the oldest half when the ring or the arena fills up.
		if len(ring) == cap(ring) || !h.IsValid() {
			for _, old := range ring[:len(ring)/2] {
				if err := m.Free(old); err != nil {
					panic(err)
				}
			}
			ring = append(ring[:0], ring[len(ring)/2:]...)
		}

		sum += float64(time.Since(t0).Microseconds())
		stat++

		// every once in a while move a slab from a random class to the
		// pool's free-slab cache and hand it back to the arena.
		if i%1000000 == 999999 {
			victim := slaballoc.ClassID(rand.Intn(pool.NumClassIDs()))
			ctx, err := m.StartSlabRelease(id, victim, slaballoc.InvalidClassID,
				slaballoc.SlabReleaseModeRebalance, slaballoc.NilHandle, nil)
			if err != nil {
				continue
			}
			if !ctx.IsReleased() {
				for _, ah := range ctx.ActiveAllocations() {
					for j, rh := range ring {
						if rh == ah {
							ring[j] = ring[len(ring)-1]
							ring = ring[:len(ring)-1]
							break
						}
					}
					if err := m.Free(ah); err != nil {
						panic(err)
					}
				}
				if err := m.CompleteSlabRelease(ctx); err != nil {
					panic(err)
				}
			}
			fmt.Printf("[Release] moved slab %d out of class %d\n", ctx.Slab(), victim)
		}
	}
}
