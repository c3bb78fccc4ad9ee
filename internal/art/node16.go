package art

import (
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// node16 holds up to sixteen children in unsorted packed slots. Key bytes are
// stored with the sign bit flipped.
type node16 struct {
	header
	slots [16]atomic.Uint64
	_     [5]uint64
}

var _ = [1]struct{}{}[unsafe.Sizeof(node16{})-base.N16Size]

const (
	n16Flip     = 0x80
	n16LowWater = 3
)

func (n *node16) hdr() *header { return &n.header }

func (n *node16) size() uintptr { return base.N16Size }

func (n *node16) compactLimit() int {
	return min(n.compact(), len(n.slots))
}

func (n *node16) child(b byte) base.Ref {
	return slotChild(n.slots[:n.compactLimit()], b, n16Flip)
}

func (n *node16) insert(p persister, b byte, child base.Ref, flush bool) {
	i := n.compact()
	n.slots[i].Store(packSlot(b^n16Flip, child))
	if flush {
		persistWord(p, &n.slots[i])
	}
	n.setCounts(n.count()+1, i+1)
}

func (n *node16) change(p persister, b byte, child base.Ref) bool {
	return slotChange(p, n.slots[:n.compactLimit()], b, n16Flip, child)
}

func (n *node16) remove(p persister, b byte, force, flush bool) bool {
	if !force && n.count() <= n16LowWater {
		return false
	}
	if !slotRemove(p, n.slots[:n.compactLimit()], b, n16Flip, flush) {
		return false
	}
	n.addCount(-1)
	return true
}

func (n *node16) anyChild() base.Ref {
	return slotAny(n.slots[:n.compactLimit()])
}

func (n *node16) children(start, end int, out []childEntry) []childEntry {
	return slotChildren(n.slots[:n.compactLimit()], n16Flip, start, end, out)
}

func (n *node16) copyTo(dst inner) {
	slotCopy(n.slots[:n.compactLimit()], n16Flip, dst)
}

func (n *node16) full() bool {
	return n.compact() >= len(n.slots)
}

func (n *node16) underfull() bool {
	return n.count() <= n16LowWater
}
