package art

import (
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// node256 indexes its children directly by key byte. The root is always a
// node256.
type node256 struct {
	header
	slots [256]atomic.Uint64
	_     [5]uint64
}

var _ = [1]struct{}{}[unsafe.Sizeof(node256{})-base.N256Size]

const n256LowWater = 37

func (n *node256) hdr() *header { return &n.header }

func (n *node256) size() uintptr { return base.N256Size }

func (n *node256) child(b byte) base.Ref {
	return base.Ref(n.slots[b].Load())
}

func (n *node256) insert(p persister, b byte, child base.Ref, flush bool) {
	n.slots[b].Store(uint64(child))
	if flush {
		persistWord(p, &n.slots[b])
	}
	c := n.count() + 1
	n.setCounts(c, c)
}

func (n *node256) change(p persister, b byte, child base.Ref) bool {
	if n.slots[b].Load() == 0 {
		return false
	}
	n.slots[b].Store(uint64(child))
	persistWord(p, &n.slots[b])
	return true
}

func (n *node256) remove(p persister, b byte, force, flush bool) bool {
	if !force && n.count() <= n256LowWater {
		return false
	}
	if n.slots[b].Load() == 0 {
		return false
	}
	n.slots[b].Store(0)
	if flush {
		persistWord(p, &n.slots[b])
	}
	c := n.count() - 1
	n.setCounts(c, c)
	return true
}

func (n *node256) anyChild() base.Ref {
	for i := range n.slots {
		if c := n.slots[i].Load(); c != 0 {
			return base.Ref(c)
		}
	}
	return 0
}

func (n *node256) children(start, end int, out []childEntry) []childEntry {
	for k := start; k <= end; k++ {
		if c := n.slots[k].Load(); c != 0 {
			out = append(out, childEntry{key: byte(k), ref: base.Ref(c)})
		}
	}
	return out
}

func (n *node256) copyTo(dst inner) {
	for k := range n.slots {
		if c := n.slots[k].Load(); c != 0 {
			dst.insert(nil, byte(k), base.Ref(c), false)
		}
	}
}

func (n *node256) full() bool {
	return false
}

func (n *node256) underfull() bool {
	return n.count() <= n256LowWater
}
