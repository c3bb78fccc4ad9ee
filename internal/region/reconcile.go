package region

import (
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/alexhholmes/pmart/internal/base"
)

// Reconciliation is the outcome of rebuilding the free-space bookkeeping.
type Reconciliation struct {
	// Reachable is the set of blocks holding at least one reachable object.
	Reachable *roaring.Bitmap
	// Reclaimed is the set of tagged blocks below the frontier that hold
	// nothing reachable. They are retagged free but stay behind the frontier.
	Reclaimed *roaring.Bitmap
	// Adopted counts reachable blocks whose tag was missing.
	Adopted int
	// Cleared counts tags found at or beyond the frontier.
	Cleared int
	// Released counts scratch slots left owned by an earlier generation.
	Released int
}

// Reconcile aligns the type bitmap with the result of a reachability walk.
// adopt maps reachable blocks that were untagged to the type found in them.
// The frontier is never moved backward.
func (r *Region) Reconcile(reachable *roaring.Bitmap, adopt map[uint32]base.NodeType) Reconciliation {
	rec := Reconciliation{
		Reachable: reachable,
		Reclaimed: roaring.New(),
	}

	frontier := r.head.freeBit.Load()
	for idx, t := range adopt {
		if uint64(idx) < frontier {
			r.bitmap[idx] = byte(t)
			rec.Adopted++
		}
	}

	for idx := uint64(0); idx < frontier; idx++ {
		if r.bitmap[idx] != byte(base.TypeFree) && !reachable.Contains(uint32(idx)) {
			r.bitmap[idx] = byte(base.TypeFree)
			rec.Reclaimed.Add(uint32(idx))
		}
	}
	for idx := frontier; idx < r.geo.MaxBlocks; idx++ {
		if r.bitmap[idx] != byte(base.TypeFree) {
			r.bitmap[idx] = byte(base.TypeFree)
			rec.Cleared++
		}
	}
	r.Persist(unsafe.Pointer(&r.bitmap[0]), uintptr(len(r.bitmap)))

	r.StaleScratch(func(tid int, s *Scratch) {
		s.owner.Store(0)
		s.Log.State.Store(LogIdle)
		r.Persist(unsafe.Pointer(s), unsafe.Sizeof(*s))
		rec.Released++
	})
	return rec
}
