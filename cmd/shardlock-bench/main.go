package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-shardlock/v1/mutex"
	"github.com/mirkobrombin/go-shardlock/v1/presets"
)

var (
	processes = flag.Int("p", 2, "Number of simulated processes")
	workers   = flag.Int("c", 4, "Concurrent callers per process")
	requests  = flag.Int("n", 10000, "Total number of lock/unlock pairs")
	shards    = flag.Int("s", 1, "Number of resources")
	interval  = flag.Duration("interval", 10*time.Millisecond, "Mutex retry and settle interval")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d pairs, %d processes x %d callers, %d shards", *requests, *processes, *workers, *shards)

	network := presets.NewNetwork()
	registries := make([]*mutex.Registry, *processes)
	for i := range registries {
		registries[i] = network.NewRegistry(mutex.WithInterval(*interval))
		defer registries[i].Close()
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops int64
	var errorsCount int64

	start := time.Now()
	perWorker := max(*requests/(*processes**workers), 1)
	for p, reg := range registries {
		for w := 0; w < *workers; w++ {
			wg.Add(1)
			go func(reg *mutex.Registry, seed int) {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					name := fmt.Sprintf("shard-%d", (seed+j)%*shards)
					m, err := reg.Get(ctx, name)
					if err == nil {
						err = m.Scope(ctx, func(context.Context) error { return nil })
					}
					if err != nil {
						atomic.AddInt64(&errorsCount, 1)
					}
					atomic.AddInt64(&ops, 1)
				}
			}(reg, p*(*workers)+w)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	throughput := float64(ops) / elapsed.Seconds()
	avgLatency := elapsed.Seconds() / float64(ops) * 1e9 // ns

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f locks/s", throughput)
	log.Printf("Avg Latency: %.2f ns", avgLatency)
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}
