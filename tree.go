// Package pmart is a persistent adaptive radix tree over a memory-mapped
// region. Keys have a fixed size chosen when the region is created; values
// are at most 64 bytes. Readers never lock, writers lock only the nodes they
// change, and every structural change is made durable in an order that lets
// Open recover a consistent tree after a crash.
//
// Each goroutine operates through its own Worker:
//
//	t, err := pmart.Open("data.pmart", pmart.WithKeySize(8))
//	...
//	w, err := t.NewWorker(0)
//	...
//	defer w.Close()
//	_, err = w.Insert(key, value)
package pmart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexhholmes/pmart/internal/art"
	"github.com/alexhholmes/pmart/internal/base"
	"github.com/alexhholmes/pmart/internal/region"
)

// MaxValueSize is the largest value a tree can store.
const MaxValueSize = base.MaxValueSize

// RecoveryReport summarizes the recovery pass run by Open.
type RecoveryReport = art.Report

// Tree is an open persistent tree.
type Tree struct {
	mu     sync.RWMutex
	closed bool

	path    string
	region  *region.Region
	art     *art.Tree
	keySize int

	logger  Logger
	metrics MetricsCollector

	recovered bool
	report    RecoveryReport
}

// Open opens the tree stored at path, creating it when the file does not
// exist. An existing region is recovered before Open returns.
func Open(path string, options ...Option) (*Tree, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	requested := opts.regionConfig()
	r, first, err := region.Open(path, requested)
	if err != nil {
		return nil, err
	}

	at, err := art.New(r, art.Config{
		MaxRestarts:  opts.maxRestarts,
		ReclaimBatch: opts.reclaimBatch,
	})
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	t := &Tree{
		path:    path,
		region:  r,
		art:     at,
		keySize: r.KeySize(),
		logger:  opts.logger,
		metrics: opts.metrics,
	}

	if first {
		t.logger.Info("created region",
			"path", path,
			"key_size", t.keySize,
			"block_size", r.BlockSize(),
			"max_blocks", r.MaxBlocks(),
			"max_workers", r.MaxWorkers())
		return t, nil
	}

	if persisted := r.Config(); !sameGeometry(persisted, requested) {
		t.logger.Warn("persisted geometry overrides options",
			"path", path,
			"key_size", persisted.KeySize,
			"block_size", persisted.BlockSize,
			"max_blocks", persisted.MaxBlocks,
			"max_workers", persisted.MaxWorkers)
	}
	if !r.WasClean() {
		t.logger.Warn("region was not closed cleanly", "path", path, "generation", r.Generation())
	}

	report, err := at.Recover(context.Background())
	t.metrics.RecordRecovery(report, err)
	if err != nil {
		t.logger.Error("recovery failed", "path", path, "error", err)
		_ = r.Close()
		return nil, err
	}
	t.recovered = true
	t.report = report
	t.logger.Info("recovered region",
		"path", path,
		"generation", r.Generation(),
		"inner", report.Inner,
		"leaves", report.Leaves,
		"blocks", report.Blocks,
		"locks_reset", report.LocksReset,
		"recounted", report.Recounted,
		"committed", report.Committed,
		"rolled_back", report.RolledBack,
		"reclaimed", report.Reclaimed,
		"duration", report.Duration)
	return t, nil
}

func sameGeometry(a, b region.Config) bool {
	return a.KeySize == b.KeySize &&
		a.BlockSize == b.BlockSize &&
		a.MaxBlocks == b.MaxBlocks &&
		a.MaxWorkers == b.MaxWorkers &&
		a.ScratchSize == b.ScratchSize
}

// KeySize returns the fixed key size of the tree.
func (t *Tree) KeySize() int {
	return t.keySize
}

// FirstCreated reports whether Open created the region.
func (t *Tree) FirstCreated() bool {
	return t.region.FirstCreated()
}

// Recovery returns the report of the recovery pass run by Open. The second
// result is false when the region was created by Open.
func (t *Tree) Recovery() (RecoveryReport, bool) {
	return t.report, t.recovered
}

// NewWorker claims worker slot id, which must be below the region's worker
// count and not held by another open Worker.
func (t *Tree) NewWorker(id int) (*Worker, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTreeClosed
	}

	w, err := t.art.NewWorker(id)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	return &Worker{tree: t, w: w}, nil
}

// Stats holds region and controller counters.
type Stats struct {
	Generation   uint64
	BlocksUsed   uint64
	MaxBlocks    uint64
	Flushes      uint64
	FlushedBytes uint64
	Workers      int

	Restarts  uint64
	Conflicts uint64
	Retired   uint64
	Reused    uint64
	Splits    uint64
}

// Stats returns a snapshot of the tree counters.
func (t *Tree) Stats() Stats {
	rs := t.region.Stats()
	as := t.art.Stats()
	return Stats{
		Generation:   rs.Generation,
		BlocksUsed:   rs.BlocksUsed,
		MaxBlocks:    rs.MaxBlocks,
		Flushes:      rs.Flushes,
		FlushedBytes: rs.FlushedBytes,
		Workers:      rs.Workers,
		Restarts:     as.Restarts,
		Conflicts:    as.Conflicts,
		Retired:      as.Retired,
		Reused:       as.Reused,
		Splits:       as.Splits,
	}
}

// Sync writes the whole region back to the file.
func (t *Tree) Sync() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTreeClosed
	}
	return t.region.Sync()
}

// Close waits for in-flight operations, marks the region clean and unmaps
// it. Workers still open fail with ErrStaleWorker afterwards.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.region.Close(); err != nil {
		t.logger.Error("failed to close region", "path", t.path, "error", err)
		return err
	}
	t.logger.Info("closed region", "path", t.path)
	return nil
}

// Entry is a key/value pair returned by Scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Worker runs tree operations on behalf of one goroutine. Workers are not
// safe for concurrent use.
type Worker struct {
	tree *Tree
	w    *art.Worker
}

// ID returns the worker slot.
func (w *Worker) ID() int {
	if w.w == nil {
		return -1
	}
	return w.w.ID()
}

// acquire holds the tree open for the duration of one operation.
func (w *Worker) acquire() error {
	if w.w == nil {
		return ErrWorkerClosed
	}
	w.tree.mu.RLock()
	if w.tree.closed {
		w.tree.mu.RUnlock()
		return ErrStaleWorker
	}
	return nil
}

func (w *Worker) release() {
	w.tree.mu.RUnlock()
}

func (w *Worker) checkKey(key []byte) error {
	if len(key) != w.tree.keySize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), w.tree.keySize)
	}
	return nil
}

func (w *Worker) checkValue(value []byte) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrValueTooLarge, len(value), MaxValueSize)
	}
	return nil
}

// Find returns the value stored under key. The value is copied; the second
// result reports whether key was present.
func (w *Worker) Find(key []byte) ([]byte, bool, error) {
	return w.FindAppend(key, nil)
}

// FindAppend is Find appending the value to dst.
func (w *Worker) FindAppend(key, dst []byte) ([]byte, bool, error) {
	if err := w.checkKey(key); err != nil {
		return dst, false, err
	}
	if err := w.acquire(); err != nil {
		return dst, false, err
	}
	defer w.release()

	start := time.Now()
	out, found, err := w.w.Find(key, dst)
	w.tree.metrics.RecordFind(time.Since(start), found, err)
	return out, found, err
}

// Insert stores value under key, replacing the value of an existing key.
// It reports whether the value was stored.
func (w *Worker) Insert(key, value []byte) (bool, error) {
	if err := w.checkKey(key); err != nil {
		return false, err
	}
	if err := w.checkValue(value); err != nil {
		return false, err
	}
	if err := w.acquire(); err != nil {
		return false, err
	}
	defer w.release()

	start := time.Now()
	ok, err := w.w.Insert(key, value)
	w.tree.metrics.RecordInsert(time.Since(start), err)
	return ok, err
}

// Update replaces the value of an existing key. It reports false, without
// inserting, when key is absent.
func (w *Worker) Update(key, value []byte) (bool, error) {
	if err := w.checkKey(key); err != nil {
		return false, err
	}
	if err := w.checkValue(value); err != nil {
		return false, err
	}
	if err := w.acquire(); err != nil {
		return false, err
	}
	defer w.release()

	start := time.Now()
	found, err := w.w.Update(key, value)
	w.tree.metrics.RecordUpdate(time.Since(start), found, err)
	return found, err
}

// Remove deletes key. It reports whether key was present.
func (w *Worker) Remove(key []byte) (bool, error) {
	if err := w.checkKey(key); err != nil {
		return false, err
	}
	if err := w.acquire(); err != nil {
		return false, err
	}
	defer w.release()

	start := time.Now()
	found, err := w.w.Remove(key)
	w.tree.metrics.RecordRemove(time.Since(start), found, err)
	return found, err
}

// Scan returns up to limit entries with keys >= start in ascending order.
func (w *Worker) Scan(start []byte, limit int) ([]Entry, error) {
	var entries []Entry
	err := w.scan(start, limit, func(key, value []byte) {
		entries = append(entries, Entry{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
	})
	return entries, err
}

// ScanValues appends the values of up to limit entries with keys >= start
// to buf, each preceded by its length in one byte. It returns the number of
// values appended.
func (w *Worker) ScanValues(start []byte, limit int, buf []byte) (int, []byte, error) {
	n := 0
	err := w.scan(start, limit, func(_, value []byte) {
		buf = append(buf, byte(len(value)))
		buf = append(buf, value...)
		n++
	})
	return n, buf, err
}

func (w *Worker) scan(start []byte, limit int, fn func(key, value []byte)) error {
	if err := w.checkKey(start); err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}
	if err := w.acquire(); err != nil {
		return err
	}
	defer w.release()

	began := time.Now()
	n, err := w.w.Scan(start, limit, fn)
	w.tree.metrics.RecordScan(time.Since(began), n, err)
	return err
}

// Close releases the worker slot. Closing twice is a no-op.
func (w *Worker) Close() error {
	if w.w == nil {
		return nil
	}
	w.tree.mu.RLock()
	defer w.tree.mu.RUnlock()
	if !w.tree.closed {
		w.w.Close()
	}
	w.w = nil
	return nil
}
