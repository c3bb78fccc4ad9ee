package art

import (
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// alloc returns a zeroed slot of type typ. Retired slots released by the
// epoch manager are used first, then the worker's current block for the
// type, then a fresh block from the region.
func (w *Worker) alloc(typ base.NodeType) (base.Ref, error) {
	t := w.tree
	size := base.SlotSize(typ)

	if ref := w.free.Allocate(typ); ref != 0 {
		clear(unsafe.Slice((*byte)(t.region.Pointer(ref)), size))
		t.reused.Add(1)
		return ref, nil
	}

	slab := &w.scratch.Slabs[typ]
	block, next := slab.Block.Load(), slab.Next.Load()
	if block != 0 && next+size <= block+t.region.BlockSize() {
		slab.Next.Store(next + size)
		return base.Ref(next), nil
	}

	ref, err := t.region.AllocBlock(w.tid, typ)
	if err != nil {
		return 0, err
	}
	slab.Block.Store(uint64(ref))
	slab.Next.Store(uint64(ref) + size)
	t.region.Persist(unsafe.Pointer(slab), unsafe.Sizeof(*slab))
	return ref, nil
}

// discard returns a slot that was never published.
func (w *Worker) discard(typ base.NodeType, ref base.Ref) {
	w.free.Free(typ, ref)
}

// retire queues a slot that was just unlinked from the tree.
func (w *Worker) retire(typ base.NodeType, ref base.Ref) {
	w.free.Pending(w.tree.epochs.Retire(), typ, ref)
	w.tree.retired.Add(1)
}

// newLeaf allocates and fills a leaf, and its key blob when the key does not
// fit inline. The leaf is durable but not yet reachable.
func (w *Worker) newLeaf(key, value []byte) (base.Ref, error) {
	t := w.tree

	var blob base.Ref
	if len(key) > base.LeafInlineKey {
		var err error
		if blob, err = w.alloc(base.TypeKey); err != nil {
			return 0, err
		}
		initKeyBlob((*keyBlob)(t.region.Pointer(blob)), key)
		t.region.PersistRef(blob, base.KeySize)
	}

	ref, err := w.alloc(base.TypeLeaf)
	if err != nil {
		if blob != 0 {
			w.discard(base.TypeKey, blob)
		}
		return 0, err
	}
	initLeaf(t.leafAt(ref), key, value, blob)
	t.region.PersistRef(ref, base.LeafSize)
	return ref, nil
}

func (w *Worker) discardLeaf(ref base.Ref) {
	if blob := base.Ref(w.tree.leafAt(ref).keyRef.Load()); blob != 0 {
		w.discard(base.TypeKey, blob)
	}
	w.discard(base.TypeLeaf, ref)
}

func (w *Worker) retireLeaf(ref base.Ref) {
	if blob := base.Ref(w.tree.leafAt(ref).keyRef.Load()); blob != 0 {
		w.retire(base.TypeKey, blob)
	}
	w.retire(base.TypeLeaf, ref)
}
