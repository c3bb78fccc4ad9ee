package art

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
	"github.com/alexhholmes/pmart/internal/epoch"
	"github.com/alexhholmes/pmart/internal/freelist"
	"github.com/alexhholmes/pmart/internal/region"
)

// Config tunes the controller.
type Config struct {
	// MaxRestarts bounds optimistic retries before an operation fails with
	// ErrConflict.
	MaxRestarts int
	// ReclaimBatch is the number of retired slots a worker accumulates
	// before it tries to release them.
	ReclaimBatch int
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		MaxRestarts:  100000,
		ReclaimBatch: 64,
	}
}

// Tree is the radix tree stored in a region. Operations run through a
// Worker.
type Tree struct {
	region  *region.Region
	root    base.Ref
	keySize int
	epochs  *epoch.Manager
	cfg     Config

	// Free lists of closed workers, handed to the next worker created.
	mu      sync.Mutex
	orphans []*freelist.Freelist

	// Stats counters
	restarts  atomic.Uint64
	conflicts atomic.Uint64
	retired   atomic.Uint64
	reused    atomic.Uint64
	splits    atomic.Uint64
}

// New attaches a tree to r, creating an empty root if the region has none.
// A reopened region must be recovered with Recover before any worker runs.
func New(r *region.Region, cfg Config) (*Tree, error) {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultConfig().MaxRestarts
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = DefaultConfig().ReclaimBatch
	}

	t := &Tree{
		region:  r,
		keySize: r.KeySize(),
		epochs:  epoch.New(r.MaxWorkers()),
		cfg:     cfg,
	}

	root := r.Root()
	if root == 0 {
		ref, err := r.AllocBlock(0, base.TypeN256)
		if err != nil {
			return nil, fmt.Errorf("allocate root: %w", err)
		}
		n := t.initNode(ref, base.TypeN256, 0)
		persistNode(r, n)
		r.SetRoot(ref)
		root = ref
	} else if !r.Contains(root, base.N256Size) || nodeType(r.Pointer(root)) != base.TypeN256 {
		return nil, fmt.Errorf("%w: root %#x is not a fanout-256 node", base.ErrCorruptedRecovery, root)
	}
	t.root = root
	return t, r.Err()
}

// KeySize returns the fixed key size of the tree.
func (t *Tree) KeySize() int {
	return t.keySize
}

func (t *Tree) node(ref base.Ref) inner {
	return view(t.region.Pointer(ref))
}

func (t *Tree) rootNode() inner {
	return (*node256)(t.region.Pointer(t.root))
}

// initNode writes a fresh header into the zeroed slot at ref.
func (t *Tree) initNode(ref base.Ref, typ base.NodeType, level int) inner {
	p := t.region.Pointer(ref)
	(*header)(p).init(typ, level)
	return view(p)
}

func capacity(t base.NodeType) int {
	switch t {
	case base.TypeN4:
		return 4
	case base.TypeN16:
		return 16
	case base.TypeN48:
		return 48
	default:
		return 256
	}
}

// backoff is called before every attempt of an optimistic operation.
func (t *Tree) backoff(attempt int) error {
	if attempt == 0 {
		return nil
	}
	if attempt > t.cfg.MaxRestarts {
		t.conflicts.Add(1)
		return fmt.Errorf("%w after %d restarts", base.ErrConflict, t.cfg.MaxRestarts)
	}
	t.restarts.Add(1)
	runtime.Gosched()
	return nil
}

// Stats holds controller counters.
type Stats struct {
	Restarts  uint64
	Conflicts uint64
	Retired   uint64
	Reused    uint64
	Splits    uint64
	Active    int
}

// Stats returns a snapshot of the controller counters.
func (t *Tree) Stats() Stats {
	return Stats{
		Restarts:  t.restarts.Load(),
		Conflicts: t.conflicts.Load(),
		Retired:   t.retired.Load(),
		Reused:    t.reused.Load(),
		Splits:    t.splits.Load(),
		Active:    t.epochs.Active(),
	}
}

// Worker is the per-goroutine context for tree operations: its scratch
// slot, slab cursors and free lists. A Worker must not be shared.
type Worker struct {
	tree    *Tree
	tid     int
	scratch *region.Scratch
	free    *freelist.Freelist
}

// NewWorker claims the scratch slot of worker tid.
func (t *Tree) NewWorker(tid int) (*Worker, error) {
	s, err := t.region.AllocScratch(tid)
	if err != nil {
		return nil, err
	}

	w := &Worker{tree: t, tid: tid, scratch: s}
	t.mu.Lock()
	if n := len(t.orphans); n > 0 {
		w.free = t.orphans[n-1]
		t.orphans = t.orphans[:n-1]
	}
	t.mu.Unlock()
	if w.free == nil {
		w.free = freelist.New()
	}
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() int {
	return w.tid
}

// Close releases the scratch slot. Retired slots not yet released stay
// queued and move to the next worker.
func (w *Worker) Close() {
	t := w.tree
	t.epochs.Exit(w.tid)
	t.region.ReleaseScratch(w.tid)

	t.mu.Lock()
	t.orphans = append(t.orphans, w.free)
	t.mu.Unlock()
	w.free = nil
}

func (w *Worker) enter() {
	w.tree.epochs.Enter(w.tid)
}

func (w *Worker) exit() {
	t := w.tree
	t.epochs.Exit(w.tid)
	if _, pending := w.free.Stats(); pending >= t.cfg.ReclaimBatch {
		w.free.Release(t.epochs.MinActive())
	}
}

// Split log kinds.
const (
	splitGrow uint64 = iota + 1
	splitLeaf
	splitPrefix
	splitShrink
	splitCollapse
)

// logSplit records that the child of parent under key is about to be
// replaced. The log is durable before the parent is touched.
func (w *Worker) logSplit(kind uint64, parent base.Ref, key byte, from, to base.Ref) {
	l := &w.scratch.Log
	l.Kind.Store(kind)
	l.Parent.Store(uint64(parent))
	l.Key.Store(uint64(key))
	l.Old.Store(uint64(from))
	l.New.Store(uint64(to))
	l.State.Store(region.LogPending)
	w.tree.region.Persist(unsafe.Pointer(l), unsafe.Sizeof(*l))
	w.tree.splits.Add(1)
}

func (w *Worker) clearLog() {
	l := &w.scratch.Log
	l.State.Store(region.LogIdle)
	w.tree.region.Persist(unsafe.Pointer(&l.State), unsafe.Sizeof(l.State))
}
