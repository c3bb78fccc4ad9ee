package art

import (
	"bytes"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

type insertMode int

const (
	modeUpsert insertMode = iota
	modeUpdate
)

// Insert stores value under key, replacing any existing value.
func (w *Worker) Insert(key, value []byte) (bool, error) {
	return w.insert(key, value, modeUpsert)
}

// Update replaces the value of an existing key. It reports false when the
// key is absent.
func (w *Worker) Update(key, value []byte) (bool, error) {
	return w.insert(key, value, modeUpdate)
}

func (w *Worker) insert(key, value []byte, mode insertMode) (bool, error) {
	w.enter()
	defer w.exit()

	lf, err := w.newLeaf(key, value)
	if err != nil {
		return false, err
	}

	for attempt := 0; ; attempt++ {
		if err := w.tree.backoff(attempt); err != nil {
			w.discardLeaf(lf)
			return false, err
		}
		stored, ok, err := w.tryInsert(key, lf, mode)
		if err != nil {
			w.discardLeaf(lf)
			return false, err
		}
		if !ok {
			continue
		}
		if !stored {
			w.discardLeaf(lf)
		}
		return stored, nil
	}
}

// cursor is a position in a descent: a node, the version it was read at and
// the depth it was reached at.
type cursor struct {
	ref base.Ref
	n   inner
	v   uint64
	d   int
}

// checkPrefix compares the prefix of n, reached at depth d, with key and
// returns the first differing position or -1. Bytes the header does not hold
// are read from a leaf below n; that leaf key is returned for reuse. ok is
// false when the node changed under the read.
func (t *Tree) checkPrefix(n inner, key []byte, d int) (pos int, leafKey []byte, ok bool) {
	h := n.hdr()
	level := h.level()
	if level >= t.keySize || d > level {
		return -1, nil, false
	}
	for pos = d; pos < level; pos++ {
		b, stored := h.storedByte(pos)
		if !stored {
			if leafKey == nil {
				if leafKey = t.anyLeafKey(n); leafKey == nil {
					return -1, nil, false
				}
			}
			b = leafKey[pos]
		}
		if b != key[pos] {
			return pos, leafKey, true
		}
	}
	return -1, leafKey, true
}

// prefixBytes returns the prefix bytes of n at positions [from, to).
func (t *Tree) prefixBytes(n inner, from, to int, leafKey []byte) []byte {
	h := n.hdr()
	out := make([]byte, 0, to-from)
	for pos := from; pos < to; pos++ {
		b, stored := h.storedByte(pos)
		if !stored {
			if leafKey == nil {
				if leafKey = t.anyLeafKey(n); leafKey == nil {
					return nil
				}
			}
			b = leafKey[pos]
		}
		out = append(out, b)
	}
	return out
}

// tryInsert runs one descent. ok is false when the descent must restart.
func (w *Worker) tryInsert(key []byte, lf base.Ref, mode insertMode) (stored, ok bool, err error) {
	t := w.tree

	var parent cursor
	var parentKey byte
	cur := cursor{ref: t.root, n: t.rootNode()}
	if cur.v, ok = cur.n.hdr().readLock(); !ok {
		return false, false, nil
	}

	for {
		h := cur.n.hdr()
		mismatch, leafKey, ok := t.checkPrefix(cur.n, key, cur.d)
		if !ok || !h.check(cur.v) {
			return false, false, nil
		}
		if mismatch >= 0 {
			if mode == modeUpdate {
				return false, true, nil
			}
			ok, err := w.splitPrefix(parent, parentKey, cur, mismatch, leafKey, key, lf)
			return ok, ok, err
		}

		level := h.level()
		b := key[level]
		next := cur.n.child(b)
		if !h.check(cur.v) {
			return false, false, nil
		}

		if next == 0 {
			if mode == modeUpdate {
				return false, true, nil
			}
			ok, err := w.insertAndUnlock(parent, parentKey, cur, b, lf)
			return ok, ok, err
		}
		if t.isLeaf(next) {
			return w.insertAtLeaf(cur, b, next, key, lf, mode)
		}

		c := t.node(next)
		if c == nil {
			return false, false, nil
		}
		cv, ok := c.hdr().readLock()
		if !ok || !h.check(cur.v) {
			return false, false, nil
		}
		parent, parentKey = cur, b
		cur = cursor{ref: next, n: c, v: cv, d: level + 1}
	}
}

// insertAndUnlock adds child under b in cur, growing cur into a new node
// when it has no free slot.
func (w *Worker) insertAndUnlock(parent cursor, parentKey byte, cur cursor, b byte, child base.Ref) (bool, error) {
	t := w.tree
	h := cur.n.hdr()

	if !cur.n.full() {
		if !h.upgrade(cur.v) {
			return false, nil
		}
		if parent.n != nil && !parent.n.hdr().check(parent.v) {
			h.unlock()
			return false, nil
		}
		cur.n.insert(t.region, b, child, true)
		h.unlock()
		return true, nil
	}

	// Only the root has no parent, and the root never fills.
	ph := parent.n.hdr()
	if !ph.upgrade(parent.v) {
		return false, nil
	}
	if !h.upgrade(cur.v) {
		ph.unlock()
		return false, nil
	}

	typ := h.typ()
	if h.count() >= capacity(typ) {
		typ = newLarger(typ)
	}
	ref, err := w.alloc(typ)
	if err != nil {
		h.unlock()
		ph.unlock()
		return false, err
	}
	grown := t.initNode(ref, typ, h.level())
	grown.hdr().copyPrefix(h)
	cur.n.copyTo(grown)
	grown.insert(nil, b, child, false)
	persistNode(t.region, grown)

	w.logSplit(splitGrow, parent.ref, parentKey, cur.ref, ref)
	parent.n.change(t.region, parentKey, ref)
	h.unlockObsolete()
	ph.unlock()
	w.clearLog()

	w.retire(h.typ(), cur.ref)
	return true, nil
}

// insertAtLeaf handles a descent that ended at an existing leaf under b in
// cur: the key is either replaced or the two leaves are split under a new
// fanout-4 node.
func (w *Worker) insertAtLeaf(cur cursor, b byte, old base.Ref, key []byte, lf base.Ref, mode insertMode) (stored, ok bool, err error) {
	t := w.tree
	h := cur.n.hdr()

	oldKey := t.leafKey(old)
	same := bytes.Equal(oldKey, key)
	if !same && mode == modeUpdate {
		if !h.check(cur.v) {
			return false, false, nil
		}
		return false, true, nil
	}

	if !h.upgrade(cur.v) {
		return false, false, nil
	}

	if same {
		cur.n.change(t.region, b, lf)
		h.unlock()
		w.retireLeaf(old)
		return true, true, nil
	}

	level := h.level()
	p := level + 1
	for p < t.keySize && oldKey[p] == key[p] {
		p++
	}
	if p >= t.keySize {
		// Equal keys compared unequal: the leaf was read while it changed.
		h.unlock()
		return false, false, nil
	}

	ref, err := w.alloc(base.TypeN4)
	if err != nil {
		h.unlock()
		return false, false, err
	}
	n4 := t.initNode(ref, base.TypeN4, p)
	n4.hdr().setPrefix(key[level+1 : p])
	n4.insert(nil, oldKey[p], old, false)
	n4.insert(nil, key[p], lf, false)
	persistNode(t.region, n4)

	w.logSplit(splitLeaf, cur.ref, b, old, ref)
	cur.n.change(t.region, b, ref)
	h.unlock()
	w.clearLog()
	return true, true, nil
}

// splitPrefix handles a key that leaves the prefix of cur at position p: a
// new fanout-4 node at level p takes cur's place, and cur keeps the part of
// its prefix below p.
func (w *Worker) splitPrefix(parent cursor, parentKey byte, cur cursor, p int, leafKey, key []byte, lf base.Ref) (bool, error) {
	t := w.tree
	if parent.n == nil {
		// The root carries no prefix.
		return false, nil
	}
	ph, h := parent.n.hdr(), cur.n.hdr()
	if !ph.upgrade(parent.v) {
		return false, nil
	}
	if !h.upgrade(cur.v) {
		ph.unlock()
		return false, nil
	}

	level := h.level()
	rest := t.prefixBytes(cur.n, p, level, leafKey)
	if rest == nil {
		h.unlock()
		ph.unlock()
		return false, nil
	}

	ref, err := w.alloc(base.TypeN4)
	if err != nil {
		h.unlock()
		ph.unlock()
		return false, err
	}
	n4 := t.initNode(ref, base.TypeN4, p)
	n4.hdr().setPrefix(key[cur.d:p])
	n4.insert(nil, rest[0], cur.ref, false)
	n4.insert(nil, key[p], lf, false)
	persistNode(t.region, n4)

	w.logSplit(splitPrefix, parent.ref, parentKey, cur.ref, ref)
	parent.n.change(t.region, parentKey, ref)

	h.setPrefix(rest[1:])
	t.region.Persist(unsafe.Pointer(h), unsafe.Sizeof(*h))
	h.unlock()
	ph.unlock()
	w.clearLog()
	return true, nil
}
