package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ticketfabric/turnstile/v1/lock"
	"github.com/ticketfabric/turnstile/v1/presets"
)

var (
	backend   = flag.String("backend", "memory", "Lock backend: memory, redis or sqlite")
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address (backend=redis)")
	dbPath    = flag.String("db", "turnstile-stress.db", "SQLite path (backend=sqlite)")
	events    = flag.Int("events", 8, "Number of contended events")
	workers   = flag.Int("workers", 64, "Number of concurrent workers")
	duration  = flag.Duration("duration", 30*time.Second, "How long to run")
	lease     = flag.Duration("lease", 250*time.Millisecond, "Lock lease")
	timeout   = flag.Duration("timeout", 2*time.Second, "Acquire timeout per attempt")
	hold      = flag.Duration("hold", 20*time.Millisecond, "Max time spent inside the critical section")
	rps       = flag.Float64("rate", 0, "Global acquires per second, 0 = unlimited")
	pprofAddr = flag.String("pprof", "", "pprof listen address, empty = disabled")
)

func main() {
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof on %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	b, err := openBooking()
	if err != nil {
		log.Fatalf("open %s backend: %v", *backend, err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Println("Interrupted, draining workers...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var limiter *rate.Limiter
	if *rps > 0 {
		burst := *workers
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(*rps), burst)
	}

	var acquired, timeouts, stolen, failures, violations atomic.Int64
	busy := make([]atomic.Bool, *events)

	log.Printf("Hammering %d events with %d workers for %v (lease %v, backend %s)",
		*events, *workers, *duration, *lease, *backend)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		id := w
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			for ctx.Err() == nil {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return nil
					}
				}
				k := r.Intn(*events)
				entity := fmt.Sprintf("event:stress/evt-%d", k)
				err := b.Locks.WithLock(ctx, entity, *lease, *timeout, func(fctx context.Context) error {
					// Two workers in here for the same event at once
					// means the lock failed at its one job.
					if !busy[k].CompareAndSwap(false, true) {
						violations.Add(1)
						return nil
					}
					defer busy[k].Store(false)
					if *hold > 0 {
						select {
						case <-fctx.Done():
						case <-time.After(time.Duration(r.Int63n(int64(*hold)))):
						}
					}
					return nil
				})
				switch {
				case err == nil:
					acquired.Add(1)
				case errors.Is(err, lock.ErrTimeout):
					timeouts.Add(1)
				case errors.Is(err, lock.ErrStolen):
					stolen.Add(1)
				case ctx.Err() != nil:
					return nil
				default:
					failures.Add(1)
					log.Printf("worker %d: %v", id, err)
				}
			}
			return nil
		})
	}

	monitor := time.NewTicker(5 * time.Second)
	defer monitor.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-monitor.C:
				log.Printf("acquired=%d timeouts=%d stolen=%d failures=%d violations=%d",
					acquired.Load(), timeouts.Load(), stolen.Load(), failures.Load(), violations.Load())
			}
		}
	}()

	_ = g.Wait()
	elapsed := time.Since(start)

	log.Printf("Done in %v: %d acquisitions (%.0f/s), %d timeouts, %d stolen, %d failures",
		elapsed, acquired.Load(), float64(acquired.Load())/elapsed.Seconds(),
		timeouts.Load(), stolen.Load(), failures.Load())
	if n := violations.Load(); n > 0 {
		log.Fatalf("MUTUAL EXCLUSION VIOLATED %d times", n)
	}
	log.Println("Mutual exclusion held.")
}

func openBooking() (*presets.Booking, error) {
	switch *backend {
	case "memory":
		return presets.NewInMemoryStandalone(), nil
	case "redis":
		return presets.NewRedisBooking(presets.RedisOptions{Addr: *redisAddr}), nil
	case "sqlite":
		return presets.NewSQLiteBooking(*dbPath)
	default:
		return nil, fmt.Errorf("unknown backend %q", *backend)
	}
}
