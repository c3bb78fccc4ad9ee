package art

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/pmart/internal/base"
	"github.com/alexhholmes/pmart/internal/region"
)

// Report summarizes a recovery pass.
type Report struct {
	Inner  int
	Leaves int
	Blocks uint64

	// Repairs made to reachable nodes.
	LocksReset int
	Recounted  int
	Dropped    int

	// Structural changes in flight at the crash.
	Committed  int
	RolledBack int

	// Block bookkeeping, see region.Reconciliation.
	Reclaimed int
	Adopted   int
	Cleared   int
	Released  int

	Duration time.Duration
}

func (r *Report) add(o *Report) {
	r.Inner += o.Inner
	r.Leaves += o.Leaves
	r.LocksReset += o.LocksReset
	r.Recounted += o.Recounted
	r.Dropped += o.Dropped
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{base.ErrCorruptedRecovery}, args...)...)
}

// Recover walks the tree from the root, repairs what a crash can leave
// behind in reachable nodes, classifies the in-flight structural changes
// recorded in scratch logs and reconciles the block bitmap. It must run
// before any worker is created.
func (t *Tree) Recover(ctx context.Context) (Report, error) {
	started := time.Now()

	top := newWalker(t)
	typ, idx, err := t.checkRef(t.root)
	if err != nil {
		return Report{}, err
	}
	if typ != base.TypeN256 {
		return Report{}, corrupt("root %#x is %s", t.root, typ)
	}
	if err := top.claim(t.root, typ, idx); err != nil {
		return Report{}, err
	}
	root := t.rootNode()
	if root.hdr().level() != 0 {
		return Report{}, corrupt("root at level %d", root.hdr().level())
	}
	kids := top.repair(root)
	top.report.Inner++

	// Root subtrees are disjoint: walk them in parallel, each into its own
	// bitmap.
	walkers := make([]*walker, len(kids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, e := range kids {
		wk := newWalker(t)
		walkers[i] = wk
		g.Go(func() error {
			return wk.visit(gctx, e, 0)
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := top.report
	reachable := top.reachable
	adopt := top.adopt
	for _, wk := range walkers {
		report.add(&wk.report)
		reachable.Or(wk.reachable)
		for idx, typ := range wk.adopt {
			if prev, ok := adopt[idx]; ok && prev != typ {
				return Report{}, corrupt("untagged block %d holds both %s and %s", idx, prev, typ)
			}
			adopt[idx] = typ
		}
	}

	t.region.StaleScratch(func(_ int, s *region.Scratch) {
		if s.Log.State.Load() != region.LogPending {
			return
		}
		if t.committed(reachable, &s.Log) {
			report.Committed++
		} else {
			report.RolledBack++
		}
	})

	rec := t.region.Reconcile(reachable, adopt)
	report.Blocks = reachable.GetCardinality()
	report.Reclaimed = int(rec.Reclaimed.GetCardinality())
	report.Adopted = rec.Adopted
	report.Cleared = rec.Cleared
	report.Released = rec.Released
	report.Duration = time.Since(started)
	return report, t.region.Err()
}

// committed reports whether the parent named by a split log already points
// at the new node.
func (t *Tree) committed(reachable *roaring.Bitmap, l *region.SplitLog) bool {
	parent := base.Ref(l.Parent.Load())
	typ, idx, err := t.checkRef(parent)
	if err != nil || !typ.Inner() || !reachable.Contains(uint32(idx)) {
		return false
	}
	return t.node(parent).child(byte(l.Key.Load())) == base.Ref(l.New.Load())
}

// checkRef validates that ref addresses a slot inside an allocated block and
// returns the type stored there and the block index.
func (t *Tree) checkRef(ref base.Ref) (base.NodeType, uint32, error) {
	r := t.region
	if ref == 0 || !r.Contains(ref, 8) {
		return 0, 0, corrupt("ref %#x outside the allocated pool", ref)
	}
	typ := nodeType(r.Pointer(ref))
	if !typ.Valid() {
		return 0, 0, corrupt("ref %#x holds unknown type %d", ref, typ)
	}
	size := base.SlotSize(typ)
	if !r.Contains(ref, size) {
		return 0, 0, corrupt("%s at %#x runs past the allocated pool", typ, ref)
	}
	idx, _ := r.BlockIndex(ref)
	off := uint64(ref - r.BlockRef(idx))
	if off%size != 0 || off+size > r.BlockSize() {
		return 0, 0, corrupt("%s at %#x is not on a slot boundary", typ, ref)
	}
	return typ, uint32(idx), nil
}

// walker accumulates the result of walking one subtree.
type walker struct {
	t         *Tree
	reachable *roaring.Bitmap
	adopt     map[uint32]base.NodeType
	report    Report
}

func newWalker(t *Tree) *walker {
	return &walker{
		t:         t,
		reachable: roaring.New(),
		adopt:     make(map[uint32]base.NodeType),
	}
}

// claim checks the bitmap tag of the block holding a reachable object of
// type typ.
func (wk *walker) claim(ref base.Ref, typ base.NodeType, idx uint32) error {
	switch tag := wk.t.region.BlockType(uint64(idx)); tag {
	case typ:
	case base.TypeFree:
		if prev, ok := wk.adopt[idx]; ok && prev != typ {
			return corrupt("untagged block %d holds both %s and %s", idx, prev, typ)
		}
		wk.adopt[idx] = typ
	default:
		return corrupt("block %d tagged %s holds %s at %#x", idx, tag, typ, ref)
	}
	wk.reachable.Add(idx)
	return nil
}

// visit validates the child e of a node at parentLevel and walks below it.
func (wk *walker) visit(ctx context.Context, e childEntry, parentLevel int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := wk.t
	typ, idx, err := t.checkRef(e.ref)
	if err != nil {
		return err
	}
	if err := wk.claim(e.ref, typ, idx); err != nil {
		return err
	}

	switch {
	case typ == base.TypeLeaf:
		return wk.leaf(e, parentLevel)
	case typ.Inner():
		n := t.node(e.ref)
		level := n.hdr().level()
		if level <= parentLevel || level >= t.keySize {
			return corrupt("%s at %#x has level %d below parent level %d", typ, e.ref, level, parentLevel)
		}
		wk.report.Inner++
		for _, c := range wk.repair(n) {
			if err := wk.visit(ctx, c, level); err != nil {
				return err
			}
		}
		return nil
	default:
		return corrupt("%s at %#x referenced as a child", typ, e.ref)
	}
}

func (wk *walker) leaf(e childEntry, parentLevel int) error {
	t := wk.t
	l := t.leafAt(e.ref)
	if l.valueLen() > base.MaxValueSize {
		return corrupt("leaf at %#x has value length %d", e.ref, l.valueLen())
	}

	blob := base.Ref(l.keyRef.Load())
	switch {
	case t.keySize > base.LeafInlineKey:
		typ, idx, err := t.checkRef(blob)
		if err != nil {
			return err
		}
		if typ != base.TypeKey {
			return corrupt("leaf at %#x points at %s for its key", e.ref, typ)
		}
		if err := wk.claim(blob, typ, idx); err != nil {
			return err
		}
	case blob != 0:
		return corrupt("leaf at %#x has an out-of-line key", e.ref)
	}

	if k := t.leafKey(e.ref); k[parentLevel] != e.key {
		return corrupt("leaf at %#x filed under byte %#x at level %d", e.ref, e.key, parentLevel)
	}
	wk.report.Leaves++
	return nil
}

// repair clears lock bits a crash left set and recomputes the counts of n
// from its slots. It returns the children of n.
func (wk *walker) repair(n inner) []childEntry {
	t := wk.t
	h := n.hdr()
	changed := false
	if v := h.version.Load(); v&(lockedBit|obsoleteBit) != 0 {
		h.version.Store(v &^ (lockedBit | obsoleteBit))
		wk.report.LocksReset++
		changed = true
	}

	var count, compact, dropped int
	switch n := n.(type) {
	case *node4:
		count, compact = recountSlots(n.slots[:])
	case *node16:
		count, compact = recountSlots(n.slots[:])
	case *node48:
		count, compact, dropped = n.recount()
	case *node256:
		count, compact = recountSlots(n.slots[:])
		compact = count
	}
	if count != h.count() || compact != h.compact() || dropped > 0 {
		h.setCounts(count, compact)
		wk.report.Recounted++
		wk.report.Dropped += dropped
		changed = true
	}
	if changed {
		persistNode(t.region, n)
	}
	return n.children(0, 255, nil)
}

func recountSlots(slots []atomic.Uint64) (count, compact int) {
	for i := range slots {
		if slots[i].Load() != 0 {
			count++
			compact = i + 1
		}
	}
	return count, compact
}

// recount drops index entries without a child and child slots without an
// index entry.
func (n *node48) recount() (count, compact, dropped int) {
	var used [48]bool
	for b := 0; b < 256; b++ {
		i := n.slot(byte(b))
		if i < 0 {
			continue
		}
		if i >= len(n.slots) || n.slots[i].Load() == 0 || used[i] {
			n.setSlot(nil, byte(b), -1, false)
			dropped++
			continue
		}
		used[i] = true
		count++
		compact = max(compact, i+1)
	}
	for i := range n.slots {
		if !used[i] && n.slots[i].Load() != 0 {
			n.slots[i].Store(0)
			dropped++
		}
	}
	return count, compact, dropped
}
