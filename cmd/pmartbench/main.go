// Command pmartbench bulk loads a tree and runs a mixed workload across
// several workers.
//
// Bulk load size and fill factor come from the environment:
//
//	PMART_BULKLOAD  number of keys loaded before the workload (default 0)
//	PMART_FILL      fraction of the key space the bulk load occupies, in (0, 1]
//	                (default 1). Keys are spaced 1/fill apart so workload
//	                inserts land between loaded keys.
//	PMART_DELETEBULK  when set, remove the bulk loaded keys again before the
//	                workload starts
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/pmart"
	"github.com/alexhholmes/pmart/logger"
	"github.com/alexhholmes/pmart/metrics"
)

type config struct {
	path        string
	keep        bool
	keySize     int
	valueSize   int
	maxBlocks   int
	workers     int
	ops         int
	mix         mix
	scanLength  int
	seed        uint64
	durability  string
	metricsAddr string
	verbose     bool

	bulk       uint64
	stride     uint64
	deleteBulk bool
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (config, error) {
	var cfg config
	var mixSpec string
	fs.StringVar(&cfg.path, "path", "/tmp/pmartbench.pmart", "region file")
	fs.BoolVar(&cfg.keep, "keep", false, "reuse an existing region file instead of recreating it")
	fs.IntVar(&cfg.keySize, "key-size", 8, "key size in bytes (>= 8)")
	fs.IntVar(&cfg.valueSize, "value-size", 8, "value size in bytes")
	fs.IntVar(&cfg.maxBlocks, "max-blocks", 4096, "data pool capacity in 256K blocks")
	fs.IntVar(&cfg.workers, "workers", 4, "concurrent workers")
	fs.IntVar(&cfg.ops, "ops", 1_000_000, "operations per worker")
	fs.StringVar(&mixSpec, "mix", "find=50,insert=20,update=15,remove=10,scan=5", "workload mix in percent")
	fs.IntVar(&cfg.scanLength, "scan-length", 100, "entries per scan")
	fs.Uint64Var(&cfg.seed, "seed", 42069, "random seed")
	fs.StringVar(&cfg.durability, "durability", "msync", "msync or none")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :2112")
	fs.BoolVar(&cfg.verbose, "v", false, "log region events")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	m, err := parseMix(mixSpec)
	if err != nil {
		return cfg, err
	}
	cfg.mix = m

	switch {
	case cfg.keySize < 8:
		return cfg, fmt.Errorf("key size %d below 8", cfg.keySize)
	case cfg.valueSize < 0 || cfg.valueSize > pmart.MaxValueSize:
		return cfg, fmt.Errorf("value size %d outside [0, %d]", cfg.valueSize, pmart.MaxValueSize)
	case cfg.workers < 1:
		return cfg, fmt.Errorf("workers %d below 1", cfg.workers)
	case cfg.durability != "msync" && cfg.durability != "none":
		return cfg, fmt.Errorf("unknown durability %q", cfg.durability)
	}

	if v := getenv("PMART_BULKLOAD"); v != "" {
		if cfg.bulk, err = strconv.ParseUint(v, 10, 64); err != nil {
			return cfg, fmt.Errorf("PMART_BULKLOAD: %w", err)
		}
	}
	fill := 1.0
	if v := getenv("PMART_FILL"); v != "" {
		if fill, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("PMART_FILL: %w", err)
		}
		if fill <= 0 || fill > 1 {
			return cfg, fmt.Errorf("PMART_FILL %v outside (0, 1]", fill)
		}
	}
	cfg.stride = uint64(math.Max(1, math.Round(1/fill)))
	cfg.deleteBulk = getenv("PMART_DELETEBULK") != ""
	return cfg, nil
}

func (c config) options(log pmart.Logger, m pmart.MetricsCollector) []pmart.Option {
	durability := pmart.DurabilityMsync
	if c.durability == "none" {
		durability = pmart.DurabilityNone
	}
	return []pmart.Option{
		pmart.WithKeySize(c.keySize),
		pmart.WithMaxBlocks(c.maxBlocks),
		pmart.WithMaxWorkers(c.workers + 1),
		pmart.WithDurability(durability),
		pmart.WithLogger(log),
		pmart.WithMetrics(m),
	}
}

// keySpace is the range workload keys are drawn from.
func (c config) keySpace() uint64 {
	if c.bulk == 0 {
		return uint64(c.workers * c.ops)
	}
	return c.bulk * c.stride
}

func (c config) encodeKey(dst []byte, k uint64) {
	clear(dst[:len(dst)-8])
	binary.BigEndian.PutUint64(dst[len(dst)-8:], k)
}

func (c config) encodeValue(dst []byte, k uint64) {
	for i := range dst {
		dst[i] = byte(k >> (8 * (i % 8)))
	}
}

func run(ctx context.Context, cfg config) error {
	log := pmart.Logger(pmart.DiscardLogger{})
	if cfg.verbose {
		z, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer z.Sync()
		log = logger.NewZap(z)
	}

	var collector pmart.MetricsCollector = &pmart.BasicMetricsCollector{}
	if cfg.metricsAddr != "" {
		p, err := metrics.NewPrometheus(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		collector = p
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", cfg.metricsAddr, "error", err)
			}
		}()
	}

	if !cfg.keep {
		if err := os.Remove(cfg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	t, err := pmart.Open(cfg.path, cfg.options(log, collector)...)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := cfg.adopt(t); err != nil {
		return err
	}
	if report, ok := t.Recovery(); ok {
		fmt.Printf("recovered %d inner nodes, %d leaves in %v\n", report.Inner, report.Leaves, report.Duration)
	}

	if cfg.bulk > 0 {
		if err := bulkLoad(t, cfg); err != nil {
			return err
		}
	}
	if cfg.ops == 0 {
		return nil
	}

	res, err := workload(ctx, t, cfg)
	if err != nil {
		return err
	}
	res.print(os.Stdout)

	stats := t.Stats()
	fmt.Printf("blocks %d/%d, flushes %d (%d bytes), restarts %d, conflicts %d, reused %d\n",
		stats.BlocksUsed, stats.MaxBlocks, stats.Flushes, stats.FlushedBytes,
		stats.Restarts, stats.Conflicts, stats.Reused)
	if b, ok := collector.(*pmart.BasicMetricsCollector); ok {
		s := b.GetStats()
		fmt.Printf("avg find %v, avg insert %v, avg remove %v, errors %d\n",
			s.AvgFind, s.AvgInsert, s.AvgRemove, s.Errors)
	}
	return nil
}

// adopt switches to the key size of an existing region, which wins over
// -key-size.
func (c *config) adopt(t *pmart.Tree) error {
	if n := t.KeySize(); n != c.keySize {
		if n < 8 {
			return fmt.Errorf("region %s has key size %d, below 8", c.path, n)
		}
		fmt.Printf("region %s has key size %d, ignoring -key-size %d\n", c.path, n, c.keySize)
		c.keySize = n
	}
	return nil
}

// bulkLoad inserts the bulk keys in random order from the last worker slot.
func bulkLoad(t *pmart.Tree, cfg config) error {
	w, err := t.NewWorker(cfg.workers)
	if err != nil {
		return err
	}
	defer w.Close()

	rng := rand.New(rand.NewPCG(cfg.seed, 0))
	order := make([]uint64, cfg.bulk)
	for i := range order {
		order[i] = uint64(i) * cfg.stride
	}
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	key := make([]byte, cfg.keySize)
	val := make([]byte, cfg.valueSize)
	start := time.Now()
	for _, k := range order {
		cfg.encodeKey(key, k)
		cfg.encodeValue(val, k)
		if _, err := w.Insert(key, val); err != nil {
			return fmt.Errorf("bulk load key %d: %w", k, err)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("bulk loaded %d keys (stride %d) in %v, %.0f ops/s\n",
		cfg.bulk, cfg.stride, elapsed, float64(cfg.bulk)/elapsed.Seconds())

	if !cfg.deleteBulk {
		return nil
	}
	start = time.Now()
	for _, k := range order {
		cfg.encodeKey(key, k)
		if _, err := w.Remove(key); err != nil {
			return fmt.Errorf("bulk delete key %d: %w", k, err)
		}
	}
	fmt.Printf("deleted %d bulk keys in %v\n", cfg.bulk, time.Since(start))
	return nil
}

func workload(ctx context.Context, t *pmart.Tree, cfg config) (*result, error) {
	res := &result{}
	space := cfg.keySpace()

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for id := 0; id < cfg.workers; id++ {
		g.Go(func() error {
			w, err := t.NewWorker(id)
			if err != nil {
				return err
			}
			defer w.Close()

			rng := rand.New(rand.NewPCG(cfg.seed, uint64(id)+1))
			key := make([]byte, cfg.keySize)
			val := make([]byte, cfg.valueSize)
			var buf []byte
			for i := 0; i < cfg.ops; i++ {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				op := cfg.mix.pick(rng.IntN(100))
				k := rng.Uint64N(space)
				if op != opInsert && cfg.bulk > 0 {
					k -= k % cfg.stride
				}
				cfg.encodeKey(key, k)

				var hit bool
				switch op {
				case opFind:
					buf, hit, err = w.FindAppend(key, buf[:0])
				case opInsert:
					cfg.encodeValue(val, k)
					hit, err = w.Insert(key, val)
				case opUpdate:
					cfg.encodeValue(val, k+1)
					hit, err = w.Update(key, val)
				case opRemove:
					hit, err = w.Remove(key)
				case opScan:
					var n int
					n, buf, err = w.ScanValues(key, cfg.scanLength, buf[:0])
					hit = n > 0
				}
				if errors.Is(err, pmart.ErrConflict) {
					res.conflicts.Add(1)
					continue
				}
				if err != nil {
					return fmt.Errorf("worker %d %s: %w", id, op, err)
				}
				res.ops[op].Add(1)
				if hit {
					res.hits[op].Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	return res, err
}
