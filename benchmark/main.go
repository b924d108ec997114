package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/allegro/bigcache/v3"
	slaballoc "github.com/xgzlucario/slaballoc"
)

var previousPause time.Duration

func gcPause() time.Duration {
	runtime.GC()
	var stats debug.GCStats
	debug.ReadGCStats(&stats)
	pause := stats.PauseTotal - previousPause
	previousPause = stats.PauseTotal
	return pause
}

var payload = []byte("0123456789abcdef0123456789abcdef")

func main() {
	c := ""
	entries := 0
	flag.StringVar(&c, "alloc", "slaballoc", "allocator to bench.")
	flag.IntVar(&entries, "entries", 100*10000, "number of chunks to hold live")
	flag.Parse()

	fmt.Println(c)
	fmt.Println("entries:", entries)

	var keep any
	start := time.Now()
	switch c {
	case "slaballoc":
		m, err := slaballoc.NewMemoryAllocator(slaballoc.DefaultOptions)
		if err != nil {
			panic(err)
		}
		options := slaballoc.DefaultOptions
		sizes, err := slaballoc.GenerateAllocSizes(1.25, options.SlabSize,
			options.MinAllocSize, options.SlabSize, 32, true)
		if err != nil {
			panic(err)
		}
		id, err := m.AddPool("bench",
			uint64(options.SlabSize)*uint64(options.SlabCount), sizes, true)
		if err != nil {
			panic(err)
		}

		handles := make([]slaballoc.Handle, 0, entries)
		for i := 0; i < entries; i++ {
			h, err := m.Allocate(id, 256)
			if err != nil {
				panic(err)
			}
			if !h.IsValid() {
				// arena full, recycle the oldest chunk.
				if err := m.Free(handles[0]); err != nil {
					panic(err)
				}
				handles = handles[1:]
				h, _ = m.Allocate(id, 256)
			}
			copy(m.View(h), payload)
			handles = append(handles, h)
		}
		keep = handles

	case "runtime":
		bufs := make([][]byte, 0, entries)
		for i := 0; i < entries; i++ {
			buf := make([]byte, 256)
			copy(buf, payload)
			bufs = append(bufs, buf)
		}
		keep = bufs

	case "bigcache":
		cache, err := bigcache.New(context.Background(),
			bigcache.DefaultConfig(10*time.Minute))
		if err != nil {
			panic(err)
		}
		for i := 0; i < entries; i++ {
			if err := cache.Set(fmt.Sprintf("%08x", i), payload); err != nil {
				panic(err)
			}
		}
		keep = cache
	}
	cost := time.Since(start)

	var mem runtime.MemStats
	var stat debug.GCStats

	runtime.ReadMemStats(&mem)
	debug.ReadGCStats(&stat)

	fmt.Println("alloc:", mem.Alloc/1024/1024, "mb")
	fmt.Println("gcsys:", mem.GCSys/1024/1024, "mb")
	fmt.Println("heap inuse:", mem.HeapInuse/1024/1024, "mb")
	fmt.Println("heap object:", mem.HeapObjects/1024, "k")
	fmt.Println("gc:", stat.NumGC)
	fmt.Println("pause:", gcPause())
	fmt.Println("cost:", cost)

	runtime.KeepAlive(keep)
}
