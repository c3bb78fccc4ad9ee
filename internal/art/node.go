// Package art implements the persistent adaptive radix tree: the four inner
// node tiers, leaves, the optimistic lock coupling controller and the
// recovery walk that runs before a reopened region is used.
//
// Nodes are views cast over the mapped region. Every field a reader may
// observe without holding the node lock is an atomic word; readers validate
// the node version after use and restart on change.
package art

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// Version word bits.
const (
	obsoleteBit uint64 = 1
	lockedBit   uint64 = 2
)

// Meta word layout shared by every inner node.
const (
	metaTypeShift    = 0
	metaLevelShift   = 8
	metaCountShift   = 24
	metaCompactShift = 40
	metaPrefixShift  = 56

	mask8  = 0xff
	mask16 = 0xffff
)

// maxStoredPrefix is the number of prefix bytes kept in the header.
const maxStoredPrefix = 8

// header is the 24-byte prefix of every inner node.
type header struct {
	meta    atomic.Uint64
	version atomic.Uint64
	prefix  atomic.Uint64
}

// persister makes a range of the region durable.
type persister interface {
	Persist(p unsafe.Pointer, n uintptr)
}

func packMeta(t base.NodeType, level, count, compact, prefixLen int) uint64 {
	return uint64(t)<<metaTypeShift |
		uint64(level)<<metaLevelShift |
		uint64(count)<<metaCountShift |
		uint64(compact)<<metaCompactShift |
		uint64(prefixLen)<<metaPrefixShift
}

func (h *header) init(t base.NodeType, level int) {
	h.meta.Store(packMeta(t, level, 0, 0, 0))
	h.version.Store(0)
	h.prefix.Store(0)
}

func (h *header) typ() base.NodeType {
	return base.NodeType(h.meta.Load() >> metaTypeShift & mask8)
}

func (h *header) level() int {
	return int(h.meta.Load() >> metaLevelShift & mask16)
}

func (h *header) count() int {
	return int(h.meta.Load() >> metaCountShift & mask16)
}

func (h *header) compact() int {
	return int(h.meta.Load() >> metaCompactShift & mask16)
}

func (h *header) prefixLen() int {
	return int(h.meta.Load() >> metaPrefixShift & mask8)
}

// setCounts replaces count and compactCount. Caller holds the lock.
func (h *header) setCounts(count, compact int) {
	m := h.meta.Load()
	m &^= mask16<<metaCountShift | mask16<<metaCompactShift
	m |= uint64(count)<<metaCountShift | uint64(compact)<<metaCompactShift
	h.meta.Store(m)
}

func (h *header) addCount(delta int) {
	h.setCounts(h.count()+delta, h.compact())
}

// setPrefix records prefix as the full prefix of the node, the key bytes
// immediately above its level. Caller holds the lock.
func (h *header) setPrefix(prefix []byte) {
	var w uint64
	for i := 0; i < len(prefix) && i < maxStoredPrefix; i++ {
		w |= uint64(prefix[i]) << (8 * i)
	}
	m := h.meta.Load()
	m &^= mask8 << metaPrefixShift
	m |= uint64(len(prefix)) << metaPrefixShift
	h.prefix.Store(w)
	h.meta.Store(m)
}

// copyPrefix gives h the prefix of src.
func (h *header) copyPrefix(src *header) {
	m := h.meta.Load()
	m &^= mask8 << metaPrefixShift
	m |= uint64(src.prefixLen()) << metaPrefixShift
	h.prefix.Store(src.prefix.Load())
	h.meta.Store(m)
}

// storedByte returns the prefix byte at absolute key position pos if the
// header holds it. The stored window starts at level - prefixLen.
func (h *header) storedByte(pos int) (byte, bool) {
	start := h.level() - h.prefixLen()
	i := pos - start
	if i < 0 || i >= h.prefixLen() || i >= maxStoredPrefix {
		return 0, false
	}
	return byte(h.prefix.Load() >> (8 * i)), true
}

// readLock returns the current version, or false if the node is locked or
// obsolete.
func (h *header) readLock() (uint64, bool) {
	v := h.version.Load()
	if v&(lockedBit|obsoleteBit) != 0 {
		return 0, false
	}
	return v, true
}

// check reports whether the node is still at version v.
func (h *header) check(v uint64) bool {
	return h.version.Load() == v
}

// upgrade takes the write lock if the node is still at version v.
func (h *header) upgrade(v uint64) bool {
	return h.version.CompareAndSwap(v, v+lockedBit)
}

// lock spins until the write lock is taken. It fails if the node became
// obsolete.
func (h *header) lock() bool {
	for {
		v := h.version.Load()
		if v&obsoleteBit != 0 {
			return false
		}
		if v&lockedBit != 0 {
			runtime.Gosched()
			continue
		}
		if h.upgrade(v) {
			return true
		}
	}
}

func (h *header) unlock() {
	h.version.Add(lockedBit)
}

// unlockObsolete releases the lock and marks the node unreachable.
func (h *header) unlockObsolete() {
	h.version.Add(lockedBit | obsoleteBit)
}

// childEntry is one child of an inner node.
type childEntry struct {
	key byte
	ref base.Ref
}

// inner is the contract shared by the four fanout tiers. Mutating methods
// require the node's write lock. flush makes the touched slot durable.
type inner interface {
	hdr() *header

	// child returns the child for key byte b, or 0.
	child(b byte) base.Ref
	// insert adds a child. The node must not be full.
	insert(p persister, b byte, child base.Ref, flush bool)
	// change durably replaces the child for b. It reports false if b is absent.
	change(p persister, b byte, child base.Ref) bool
	// remove drops the child for b. Below the low-water mark it refuses
	// unless forced.
	remove(p persister, b byte, force, flush bool) bool
	// anyChild returns some child, or 0 when empty.
	anyChild() base.Ref
	// children appends the children with start <= key <= end in ascending
	// key order.
	children(start, end int, out []childEntry) []childEntry
	// copyTo inserts every child into dst without flushing.
	copyTo(dst inner)
	// full reports that insert needs a new node.
	full() bool
	// underfull reports that a removal should shrink the node.
	underfull() bool

	size() uintptr
}

func nodeType(p unsafe.Pointer) base.NodeType {
	return base.NodeType((*atomic.Uint64)(p).Load() & mask8)
}

// view casts p to the node type stored in its first word.
func view(p unsafe.Pointer) inner {
	switch nodeType(p) {
	case base.TypeN4:
		return (*node4)(p)
	case base.TypeN16:
		return (*node16)(p)
	case base.TypeN48:
		return (*node48)(p)
	case base.TypeN256:
		return (*node256)(p)
	default:
		return nil
	}
}

// packSlot builds a Fanout4/Fanout16 slot word.
func packSlot(b byte, ref base.Ref) uint64 {
	return uint64(b)<<base.RefBits | uint64(ref)&base.RefMask
}

func unpackSlot(w uint64) (byte, base.Ref) {
	return byte(w >> base.RefBits), base.Ref(w & base.RefMask)
}

func persistWord(p persister, w *atomic.Uint64) {
	p.Persist(unsafe.Pointer(w), 8)
}

// persistNode makes a whole node durable.
func persistNode(p persister, n inner) {
	p.Persist(unsafe.Pointer(n.hdr()), n.size())
}

// newLarger returns the tier a full node grows into.
func newLarger(t base.NodeType) base.NodeType {
	switch t {
	case base.TypeN4:
		return base.TypeN16
	case base.TypeN16:
		return base.TypeN48
	default:
		return base.TypeN256
	}
}

// newSmaller returns the tier an underfull node shrinks into.
func newSmaller(t base.NodeType) base.NodeType {
	switch t {
	case base.TypeN256:
		return base.TypeN48
	case base.TypeN48:
		return base.TypeN16
	default:
		return base.TypeN4
	}
}
