package pmart

import (
	"fmt"

	"github.com/alexhholmes/pmart/internal/art"
	"github.com/alexhholmes/pmart/internal/base"
	"github.com/alexhholmes/pmart/internal/region"
)

// Durability controls how durable writes reach the backing file.
type Durability int

const (
	// DurabilityMsync writes every flushed range back with msync before the
	// next dependent write.
	// - Survives process crash and power loss
	// - Every structural change costs several msync calls
	DurabilityMsync Durability = iota

	// DurabilityNone leaves write-back to the page cache.
	// - Survives a process crash, not a power loss
	// - Use for: Benchmarks, tests, data that can be rebuilt
	DurabilityNone
)

func (d Durability) String() string {
	switch d {
	case DurabilityMsync:
		return "msync"
	case DurabilityNone:
		return "none"
	default:
		return fmt.Sprintf("Durability(%d)", int(d))
	}
}

// Options configures a tree. Geometry options only apply when the region
// is created; a reopened region keeps the geometry it was created with.
type Options struct {
	keySize     int
	blockSize   int
	maxBlocks   int
	maxWorkers  int
	scratchSize int
	durability  Durability

	maxRestarts  int
	reclaimBatch int

	logger  Logger
	metrics MetricsCollector

	// flusher, when set, replaces the one selected by durability.
	flusher region.Flusher
}

func defaultOptions() Options {
	rc := region.DefaultConfig()
	ac := art.DefaultConfig()
	return Options{
		keySize:      rc.KeySize,
		blockSize:    rc.BlockSize,
		maxBlocks:    rc.MaxBlocks,
		maxWorkers:   rc.MaxWorkers,
		scratchSize:  rc.ScratchSize,
		durability:   DurabilityMsync,
		maxRestarts:  ac.MaxRestarts,
		reclaimBatch: ac.ReclaimBatch,
		logger:       DiscardLogger{},
		metrics:      NoopMetricsCollector{},
	}
}

// Option configures tree options using the functional options pattern.
type Option func(*Options)

// WithKeySize sets the fixed key size of a new region.
func WithKeySize(n int) Option {
	return func(opts *Options) {
		opts.keySize = n
	}
}

// WithBlockSize sets the size of a data block of a new region.
func WithBlockSize(n int) Option {
	return func(opts *Options) {
		opts.blockSize = n
	}
}

// WithMaxBlocks sets the data pool capacity of a new region, in blocks.
// The pool never grows: once it is used up inserts fail with
// ErrAllocationExhausted.
func WithMaxBlocks(n int) Option {
	return func(opts *Options) {
		opts.maxBlocks = n
	}
}

// WithMaxWorkers sets the number of worker slots of a new region.
func WithMaxWorkers(n int) Option {
	return func(opts *Options) {
		opts.maxWorkers = n
	}
}

// WithScratchSize sets the size of each worker's scratch slot.
func WithScratchSize(n int) Option {
	return func(opts *Options) {
		opts.scratchSize = n
	}
}

// WithDurability selects how durable writes are made.
func WithDurability(d Durability) Option {
	return func(opts *Options) {
		opts.durability = d
	}
}

// WithMaxRestarts bounds the optimistic retries of one operation before it
// fails with ErrConflict.
func WithMaxRestarts(n int) Option {
	return func(opts *Options) {
		opts.maxRestarts = n
	}
}

// WithReclaimBatch sets how many retired slots a worker queues before it
// tries to reuse them.
func WithReclaimBatch(n int) Option {
	return func(opts *Options) {
		opts.reclaimBatch = n
	}
}

// WithLogger sets the logger. slog.Logger satisfies Logger directly.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l == nil {
			l = DiscardLogger{}
		}
		opts.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(opts *Options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		opts.metrics = m
	}
}

func withFlusher(f region.Flusher) Option {
	return func(opts *Options) {
		opts.flusher = f
	}
}

func (o Options) regionConfig() region.Config {
	cfg := region.Config{
		KeySize:     o.keySize,
		BlockSize:   o.blockSize,
		MaxBlocks:   o.maxBlocks,
		MaxWorkers:  o.maxWorkers,
		ScratchSize: o.scratchSize,
		Flusher:     o.flusher,
	}
	if cfg.Flusher == nil && o.durability == DurabilityNone {
		cfg.Flusher = region.NopFlusher{}
	}
	return cfg
}

func (o Options) validate() error {
	switch {
	case o.durability != DurabilityMsync && o.durability != DurabilityNone:
		return fmt.Errorf("%w: durability %s", ErrInvalidOption, o.durability)
	case o.maxRestarts < 1:
		return fmt.Errorf("%w: max restarts %d", ErrInvalidOption, o.maxRestarts)
	case o.reclaimBatch < 1:
		return fmt.Errorf("%w: reclaim batch %d", ErrInvalidOption, o.reclaimBatch)
	case o.keySize > base.MaxKeySize:
		return fmt.Errorf("%w: key size %d above %d", ErrInvalidOption, o.keySize, base.MaxKeySize)
	}
	if err := o.regionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}
	return nil
}
