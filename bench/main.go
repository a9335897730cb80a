package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/ticketfabric/turnstile/v1/cache"
	"github.com/ticketfabric/turnstile/v1/lock"
	"github.com/ticketfabric/turnstile/v1/lockstore"
	"github.com/ticketfabric/turnstile/v1/scope"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	dataSize    = flag.Int("d", 256, "Payload size")
	target      = flag.String("target", "all", "Target: lock-memory, lock-sqlite, lock-redis, scoped-memory, scoped-ristretto, scoped-redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	dbPath      = flag.String("db", "turnstile-bench.db", "SQLite path (lock-sqlite)")
)

type benchEvent struct{}

func (benchEvent) Kind() string  { return "event" }
func (benchEvent) Ident() string { return "bench/evt" }

func main() {
	flag.Parse()

	payload := make([]byte, *dataSize)
	for i := range payload {
		payload[i] = 'x'
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"lock-memory", "lock-sqlite", "scoped-memory", "scoped-ristretto", "lock-redis", "scoped-redis"}
	}

	fmt.Printf("| %-16s | %-10s | %-12s |\n", "System", "Ops/sec", "Avg Latency")
	fmt.Println("|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t), payload)
	}
}

func runBenchmark(name string, payload []byte) {
	var (
		opFn    func(ctx context.Context, worker int) error
		cleanup func()
	)

	ctx := context.Background()

	switch name {
	case "lock-memory", "lock-sqlite", "lock-redis":
		var store lockstore.Store
		switch name {
		case "lock-memory":
			store = lockstore.NewMemoryStore()
		case "lock-sqlite":
			s, err := lockstore.NewSQLite(*dbPath)
			if err != nil {
				log.Printf("open %s: %v", *dbPath, err)
				return
			}
			store = s
			cleanup = func() { s.Close(); os.Remove(*dbPath) }
		case "lock-redis":
			r := redis.NewClient(&redis.Options{Addr: *redisAddr})
			store = lockstore.NewRedisStore(r)
			cleanup = func() { r.Close() }
		}
		m := lock.NewManager(store)
		// One entity per worker: this measures the store round trip,
		// not queueing on a contended record.
		opFn = func(ctx context.Context, worker int) error {
			return m.WithLock(ctx, fmt.Sprintf("event:bench/evt-%d", worker), time.Second, time.Second,
				func(context.Context) error { return nil })
		}

	case "scoped-memory", "scoped-ristretto", "scoped-redis":
		var base cache.Cache[[]byte]
		switch name {
		case "scoped-memory":
			c := cache.NewInMemory[[]byte]()
			base = c
			cleanup = c.Close
		case "scoped-ristretto":
			c := cache.NewRistretto[[]byte]()
			base = c
			cleanup = c.Close
		case "scoped-redis":
			r := redis.NewClient(&redis.Options{Addr: *redisAddr})
			base = cache.NewRedis[[]byte](r, nil)
			cleanup = func() { r.Close() }
		}
		gens := scope.NewGenerations(nil)
		prev := cleanup
		cleanup = func() {
			gens.Close()
			if prev != nil {
				prev()
			}
		}
		view := scope.For[[]byte](gens, base, benchEvent{})
		if err := view.Set(ctx, "payload", payload, time.Hour); err != nil {
			log.Printf("%s warmup: %v", name, err)
		}
		opFn = func(ctx context.Context, worker int) error {
			_, ok, err := view.Get(ctx, "payload")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("miss")
			}
			return nil
		}

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	var wg sync.WaitGroup
	var ops int64

	start := time.Now()
	chunk := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < chunk; j++ {
				if err := opFn(ctx, worker); err == nil {
					atomic.AddInt64(&ops, 1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-16s | %-10s | %-12s |\n", name, "ERROR", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / ops)

	fmt.Printf("| %-16s | %-10.0f | %-12s |\n", name, throughput, avgLat)
}
