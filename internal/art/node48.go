package art

import (
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// node48 maps each key byte through a 256-entry index to one of 48 child
// slots. Index entries hold slot+1, zero meaning absent, packed eight to a
// word.
type node48 struct {
	header
	index [32]atomic.Uint64
	slots [48]atomic.Uint64
	_     [5]uint64
}

var _ = [1]struct{}{}[unsafe.Sizeof(node48{})-base.N48Size]

const n48LowWater = 12

func (n *node48) hdr() *header { return &n.header }

func (n *node48) size() uintptr { return base.N48Size }

func (n *node48) slot(b byte) int {
	return int(n.index[b/8].Load()>>(8*(b%8))&mask8) - 1
}

func (n *node48) setSlot(p persister, b byte, slot int, flush bool) {
	w := &n.index[b/8]
	shift := 8 * (b % 8)
	v := w.Load()&^(mask8<<shift) | uint64(slot+1)<<shift
	w.Store(v)
	if flush {
		persistWord(p, w)
	}
}

func (n *node48) child(b byte) base.Ref {
	i := n.slot(b)
	if i < 0 || i >= len(n.slots) {
		return 0
	}
	return base.Ref(n.slots[i].Load())
}

func (n *node48) insert(p persister, b byte, child base.Ref, flush bool) {
	i := n.compact()
	n.slots[i].Store(uint64(child))
	if flush {
		persistWord(p, &n.slots[i])
	}
	n.setSlot(p, b, i, flush)
	n.setCounts(n.count()+1, i+1)
}

func (n *node48) change(p persister, b byte, child base.Ref) bool {
	i := n.slot(b)
	if i < 0 {
		return false
	}
	n.slots[i].Store(uint64(child))
	persistWord(p, &n.slots[i])
	return true
}

func (n *node48) remove(p persister, b byte, force, flush bool) bool {
	if !force && n.count() <= n48LowWater {
		return false
	}
	i := n.slot(b)
	if i < 0 {
		return false
	}
	n.setSlot(p, b, -1, flush)
	n.slots[i].Store(0)
	if flush {
		persistWord(p, &n.slots[i])
	}
	n.addCount(-1)
	return true
}

func (n *node48) anyChild() base.Ref {
	for i := range n.slots {
		if c := n.slots[i].Load(); c != 0 {
			return base.Ref(c)
		}
	}
	return 0
}

func (n *node48) each(start, end int, fn func(b byte, ref base.Ref)) {
	for k := start; k <= end; k++ {
		i := n.slot(byte(k))
		if i < 0 || i >= len(n.slots) {
			continue
		}
		if c := n.slots[i].Load(); c != 0 {
			fn(byte(k), base.Ref(c))
		}
	}
}

func (n *node48) children(start, end int, out []childEntry) []childEntry {
	n.each(start, end, func(b byte, ref base.Ref) {
		out = append(out, childEntry{key: b, ref: ref})
	})
	return out
}

func (n *node48) copyTo(dst inner) {
	n.each(0, 255, func(b byte, ref base.Ref) {
		dst.insert(nil, b, ref, false)
	})
}

func (n *node48) full() bool {
	return n.compact() >= len(n.slots)
}

func (n *node48) underfull() bool {
	return n.count() <= n48LowWater
}
