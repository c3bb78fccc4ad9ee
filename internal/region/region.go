// Package region manages the persistent region backing the tree: a single
// memory-mapped file partitioned into a head, per-worker scratch slots and a
// pool of fixed-size data blocks.
//
//	/ head + type bitmap / scratch[0..MaxWorkers) /     data blocks     /
//
// Every offset is derived from the geometry persisted in the head, so Refs
// written into the file stay valid across reopen. Data blocks are handed out
// monotonically and never returned to the pool.
package region

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

const (
	// pageSize is the alignment of the head, scratch area and data pool.
	pageSize = 4096

	// headFixed is the part of the head before the type bitmap.
	headFixed = pageSize
)

// Config describes the geometry of a region created by Open. On reopen the
// geometry persisted in the head wins.
type Config struct {
	KeySize     int
	BlockSize   int
	MaxBlocks   int
	MaxWorkers  int
	ScratchSize int

	// Flusher makes written ranges durable. Nil selects MsyncFlusher.
	Flusher Flusher
}

// DefaultConfig uses 256K blocks and 100 worker slots.
func DefaultConfig() Config {
	return Config{
		KeySize:     8,
		BlockSize:   256 * 1024,
		MaxBlocks:   4096,
		MaxWorkers:  100,
		ScratchSize: pageSize,
	}
}

// Validate checks that c describes a layout the region can address.
func (c Config) Validate() error {
	switch {
	case c.KeySize < 1 || c.KeySize > base.MaxKeySize:
		return fmt.Errorf("key size %d outside [1, %d]", c.KeySize, base.MaxKeySize)
	case c.BlockSize < base.N256Size || c.BlockSize%pageSize != 0:
		return fmt.Errorf("block size %d must be a multiple of %d holding at least one N256", c.BlockSize, pageSize)
	case c.MaxBlocks < 1 || uint64(c.MaxBlocks) > 1<<32-1:
		return fmt.Errorf("max blocks %d outside [1, 2^32)", c.MaxBlocks)
	case c.MaxWorkers < 1 || c.MaxWorkers > 1<<15:
		return fmt.Errorf("max workers %d outside [1, 32768]", c.MaxWorkers)
	case c.ScratchSize < int(unsafe.Sizeof(Scratch{})) || c.ScratchSize%base.CacheLine != 0:
		return fmt.Errorf("scratch size %d must be a cache-line multiple of at least %d", c.ScratchSize, unsafe.Sizeof(Scratch{}))
	}
	g := c.geometry()
	if g.fileSize() > base.RefMask {
		return fmt.Errorf("region size %d exceeds addressable range", g.fileSize())
	}
	return nil
}

func (c Config) geometry() geometry {
	return geometry{
		Version:     formatVersion,
		KeySize:     uint32(c.KeySize),
		BlockSize:   uint64(c.BlockSize),
		MaxBlocks:   uint64(c.MaxBlocks),
		MaxWorkers:  uint32(c.MaxWorkers),
		ScratchSize: uint32(c.ScratchSize),
	}
}

// Region is an open persistent region.
type Region struct {
	path string
	file *os.File
	data []byte
	base unsafe.Pointer

	head   *head
	bitmap []byte
	geo    geometry

	scratchStart uint64
	dataStart    uint64
	dataEnd      uint64

	flusher      Flusher
	err          atomic.Pointer[error]
	firstCreated bool
	wasClean     bool
	closed       atomic.Bool

	// Stats counters
	flushes      atomic.Uint64
	flushedBytes atomic.Uint64
	allocated    atomic.Uint64
}

// Open maps the region stored at path, creating and sizing the file when it
// does not exist or was never fully initialized. firstCreated reports which
// of the two happened.
func Open(path string, cfg Config) (*Region, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, false, err
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, false, err
	}

	r := &Region{path: path, file: file, flusher: cfg.Flusher}
	if r.flusher == nil {
		r.flusher = MsyncFlusher{}
	}

	if err := r.open(cfg); err != nil {
		if r.data != nil {
			_ = unmapFile(r.data)
		}
		_ = unlockFile(file)
		file.Close()
		return nil, false, err
	}
	return r, r.firstCreated, nil
}

func (r *Region) open(cfg Config) error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}

	geo, initialized, err := readGeometry(r.file, info.Size())
	if err != nil {
		return err
	}
	if !initialized {
		if err := cfg.Validate(); err != nil {
			return err
		}
		geo = cfg.geometry()
		geo.Checksum = geo.sum()
	}

	size := int64(geo.fileSize())
	if info.Size() < size {
		// Sparse: untouched blocks read back as zeros.
		if err := r.file.Truncate(size); err != nil {
			return err
		}
	}

	data, err := mapFile(r.file, int(size))
	if err != nil {
		return err
	}
	r.attach(data, geo)

	if !initialized {
		r.format(geo)
		r.firstCreated = true
		return nil
	}

	r.wasClean = r.head.clean.Load() == cleanShutdown
	r.head.clean.Store(0)
	r.head.threads.Store(0)
	r.head.generation.Add(1)
	r.Persist(unsafe.Pointer(r.head), unsafe.Sizeof(*r.head))
	return r.Err()
}

func (r *Region) attach(data []byte, geo geometry) {
	r.data = data
	r.base = unsafe.Pointer(&data[0])
	r.head = (*head)(r.base)
	r.geo = geo
	r.scratchStart = geo.headSize()
	r.dataStart = geo.dataStart()
	r.dataEnd = r.dataStart + geo.MaxBlocks*geo.BlockSize
	r.bitmap = data[headFixed : headFixed+geo.MaxBlocks]
	r.allocated.Store(r.head.freeBit.Load())
}

// format initializes a fresh head. The status magic is written last so a
// crash during formatting leaves a file that is formatted again on reopen.
func (r *Region) format(geo geometry) {
	clear(r.data[:r.dataStart])
	r.head.geometry = geo
	r.head.generation.Store(1)
	r.Persist(r.base, uintptr(r.dataStart))

	r.head.status.Store(statusMagic)
	r.Persist(unsafe.Pointer(&r.head.status), unsafe.Sizeof(r.head.status))
}

// FirstCreated reports whether Open formatted a fresh region.
func (r *Region) FirstCreated() bool {
	return r.firstCreated
}

// WasClean reports whether the previous generation closed the region cleanly.
// It is false for freshly created regions.
func (r *Region) WasClean() bool {
	return r.wasClean
}

// Generation returns the open count of the region, starting at 1.
func (r *Region) Generation() uint64 {
	return r.head.generation.Load()
}

// KeySize returns the fixed key size persisted in the head.
func (r *Region) KeySize() int {
	return int(r.geo.KeySize)
}

// BlockSize returns the size of one data block.
func (r *Region) BlockSize() uint64 {
	return r.geo.BlockSize
}

// MaxBlocks returns the capacity of the data pool in blocks.
func (r *Region) MaxBlocks() uint64 {
	return r.geo.MaxBlocks
}

// MaxWorkers returns the number of scratch slots.
func (r *Region) MaxWorkers() int {
	return int(r.geo.MaxWorkers)
}

// Config returns the persisted geometry as a Config.
func (r *Region) Config() Config {
	return Config{
		KeySize:     int(r.geo.KeySize),
		BlockSize:   int(r.geo.BlockSize),
		MaxBlocks:   int(r.geo.MaxBlocks),
		MaxWorkers:  int(r.geo.MaxWorkers),
		ScratchSize: int(r.geo.ScratchSize),
		Flusher:     r.flusher,
	}
}

// Root returns the persisted root slot.
func (r *Region) Root() base.Ref {
	return base.Ref(r.head.root.Load())
}

// SetRoot durably stores ref in the root slot.
func (r *Region) SetRoot(ref base.Ref) {
	r.head.root.Store(uint64(ref))
	r.Persist(unsafe.Pointer(&r.head.root), unsafe.Sizeof(r.head.root))
}

// Pointer returns the address of ref inside the mapping.
func (r *Region) Pointer(ref base.Ref) unsafe.Pointer {
	return unsafe.Add(r.base, ref)
}

// Contains reports whether an object of size bytes at ref lies inside the
// allocated part of the data pool and is cache-line aligned.
func (r *Region) Contains(ref base.Ref, size uint64) bool {
	off := uint64(ref)
	limit := r.dataStart + r.head.freeBit.Load()*r.geo.BlockSize
	return off >= r.dataStart && off%base.CacheLine == 0 && off+size <= limit
}

// Persist makes the n bytes at p durable. It is the single durable-write
// primitive: callers persist a child before the pointer publishing it, and a
// pointer before releasing the lock guarding it.
func (r *Region) Persist(p unsafe.Pointer, n uintptr) {
	off := int(uintptr(p) - uintptr(r.base))
	r.flush(off, int(n))
}

// PersistRef makes the n bytes at ref durable.
func (r *Region) PersistRef(ref base.Ref, n uint64) {
	r.flush(int(ref), int(n))
}

func (r *Region) flush(off, n int) {
	r.flushes.Add(1)
	r.flushedBytes.Add(uint64(n))
	if err := r.flusher.Flush(r.data, off, n); err != nil {
		r.err.CompareAndSwap(nil, &err)
	}
}

// Err returns the first flush failure, if any. Once set it never clears.
func (r *Region) Err() error {
	if p := r.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Sync flushes the whole mapping and the file.
func (r *Region) Sync() error {
	if r.closed.Load() {
		return base.ErrRegionClosed
	}
	if err := syncFile(r.data); err != nil {
		return err
	}
	if err := r.file.Sync(); err != nil {
		return err
	}
	return r.Err()
}

// Close marks the region cleanly shut down, then unmaps and unlocks it.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return base.ErrRegionClosed
	}

	r.head.clean.Store(cleanShutdown)
	r.Persist(unsafe.Pointer(&r.head.clean), unsafe.Sizeof(r.head.clean))

	var errs []error
	if err := r.Err(); err != nil {
		errs = append(errs, err)
	}
	if err := syncFile(r.data); err != nil {
		errs = append(errs, err)
	}
	if err := unmapFile(r.data); err != nil {
		errs = append(errs, err)
	}
	r.data = nil
	if err := unlockFile(r.file); err != nil {
		errs = append(errs, err)
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats holds allocator and durability counters.
type Stats struct {
	Generation   uint64
	BlocksUsed   uint64
	MaxBlocks    uint64
	Flushes      uint64
	FlushedBytes uint64
	Workers      int
}

// Stats returns a snapshot of the region counters.
func (r *Region) Stats() Stats {
	return Stats{
		Generation:   r.head.generation.Load(),
		BlocksUsed:   r.allocated.Load(),
		MaxBlocks:    r.geo.MaxBlocks,
		Flushes:      r.flushes.Load(),
		FlushedBytes: r.flushedBytes.Load(),
		Workers:      int(r.head.threads.Load()),
	}
}
