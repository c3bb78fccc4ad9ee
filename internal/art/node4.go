package art

import (
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// node4 holds up to four children in unsorted packed slots.
type node4 struct {
	header
	slots [4]atomic.Uint64
	_     [1]uint64
}

var _ = [1]struct{}{}[unsafe.Sizeof(node4{})-base.N4Size]

func (n *node4) hdr() *header { return &n.header }

func (n *node4) size() uintptr { return base.N4Size }

func (n *node4) child(b byte) base.Ref {
	return slotChild(n.slots[:n.compactLimit()], b, 0)
}

func (n *node4) compactLimit() int {
	return min(n.compact(), len(n.slots))
}

func (n *node4) insert(p persister, b byte, child base.Ref, flush bool) {
	i := n.compact()
	n.slots[i].Store(packSlot(b, child))
	if flush {
		persistWord(p, &n.slots[i])
	}
	n.setCounts(n.count()+1, i+1)
}

func (n *node4) change(p persister, b byte, child base.Ref) bool {
	return slotChange(p, n.slots[:n.compactLimit()], b, 0, child)
}

func (n *node4) remove(p persister, b byte, force, flush bool) bool {
	if !slotRemove(p, n.slots[:n.compactLimit()], b, 0, flush) {
		return false
	}
	n.addCount(-1)
	return true
}

func (n *node4) anyChild() base.Ref {
	return slotAny(n.slots[:n.compactLimit()])
}

func (n *node4) children(start, end int, out []childEntry) []childEntry {
	return slotChildren(n.slots[:n.compactLimit()], 0, start, end, out)
}

func (n *node4) copyTo(dst inner) {
	slotCopy(n.slots[:n.compactLimit()], 0, dst)
}

func (n *node4) full() bool {
	return n.compact() >= len(n.slots)
}

func (n *node4) underfull() bool {
	return false
}

// Slot helpers shared by node4 and node16. flip is xored into the stored
// key byte.

func slotChild(slots []atomic.Uint64, b, flip byte) base.Ref {
	want := b ^ flip
	for i := range slots {
		w := slots[i].Load()
		if w == 0 {
			continue
		}
		if k, ref := unpackSlot(w); k == want {
			return ref
		}
	}
	return 0
}

func slotChange(p persister, slots []atomic.Uint64, b, flip byte, child base.Ref) bool {
	want := b ^ flip
	for i := range slots {
		w := slots[i].Load()
		if w == 0 {
			continue
		}
		if k, _ := unpackSlot(w); k == want {
			slots[i].Store(packSlot(want, child))
			persistWord(p, &slots[i])
			return true
		}
	}
	return false
}

func slotRemove(p persister, slots []atomic.Uint64, b, flip byte, flush bool) bool {
	want := b ^ flip
	for i := range slots {
		w := slots[i].Load()
		if w == 0 {
			continue
		}
		if k, _ := unpackSlot(w); k == want {
			slots[i].Store(0)
			if flush {
				persistWord(p, &slots[i])
			}
			return true
		}
	}
	return false
}

func slotAny(slots []atomic.Uint64) base.Ref {
	for i := range slots {
		if w := slots[i].Load(); w != 0 {
			_, ref := unpackSlot(w)
			return ref
		}
	}
	return 0
}

func slotChildren(slots []atomic.Uint64, flip byte, start, end int, out []childEntry) []childEntry {
	from := len(out)
	for i := range slots {
		w := slots[i].Load()
		if w == 0 {
			continue
		}
		k, ref := unpackSlot(w)
		k ^= flip
		if int(k) >= start && int(k) <= end {
			out = append(out, childEntry{key: k, ref: ref})
		}
	}
	slices.SortFunc(out[from:], func(a, b childEntry) int {
		return int(a.key) - int(b.key)
	})
	return out
}

func slotCopy(slots []atomic.Uint64, flip byte, dst inner) {
	for i := range slots {
		w := slots[i].Load()
		if w == 0 {
			continue
		}
		k, ref := unpackSlot(w)
		dst.insert(nil, k^flip, ref, false)
	}
}
