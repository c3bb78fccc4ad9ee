package art

import (
	"bytes"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// Remove deletes key. It reports false when the key is absent.
func (w *Worker) Remove(key []byte) (bool, error) {
	w.enter()
	defer w.exit()

	for attempt := 0; ; attempt++ {
		if err := w.tree.backoff(attempt); err != nil {
			return false, err
		}
		removed, ok, err := w.tryRemove(key)
		if err != nil {
			return false, err
		}
		if ok {
			return removed, nil
		}
	}
}

func (w *Worker) tryRemove(key []byte) (removed, ok bool, err error) {
	t := w.tree

	var parent cursor
	var parentKey byte
	cur := cursor{ref: t.root, n: t.rootNode()}
	if cur.v, ok = cur.n.hdr().readLock(); !ok {
		return false, false, nil
	}

	for {
		h := cur.n.hdr()
		if !prefixMatches(h, key, cur.d) {
			return false, h.check(cur.v), nil
		}

		level := h.level()
		b := key[level]
		next := cur.n.child(b)
		count, underfull := h.count(), cur.n.underfull()
		if !h.check(cur.v) {
			return false, false, nil
		}
		if next == 0 {
			return false, true, nil
		}

		if t.isLeaf(next) {
			if !bytes.Equal(t.leafKey(next), key) {
				return false, true, nil
			}
			isRoot := cur.ref == t.root
			switch {
			case !isRoot && count == 2:
				ok, err := w.collapse(parent, parentKey, cur, b, next)
				return ok, ok, err
			case !isRoot && underfull:
				ok, err := w.shrink(parent, parentKey, cur, b, next)
				return ok, ok, err
			}

			if !h.upgrade(cur.v) {
				return false, false, nil
			}
			if parent.n != nil && !parent.n.hdr().check(parent.v) {
				h.unlock()
				return false, false, nil
			}
			cur.n.remove(t.region, b, isRoot, true)
			h.unlock()
			w.retireLeaf(next)
			return true, true, nil
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

// collapse removes the leaf under b from a two-child node and replaces the
// node in its parent with the surviving child. A surviving inner node takes
// over the prefix bytes of the removed node and the byte leading to it.
func (w *Worker) collapse(parent cursor, parentKey byte, cur cursor, b byte, lf base.Ref) (bool, error) {
	t := w.tree
	ph, h := parent.n.hdr(), cur.n.hdr()
	if !ph.upgrade(parent.v) {
		return false, nil
	}
	if !h.upgrade(cur.v) {
		ph.unlock()
		return false, nil
	}

	var buf [4]childEntry
	var survivor base.Ref
	for _, e := range cur.n.children(0, 255, buf[:0]) {
		if e.key != b {
			survivor = e.ref
		}
	}
	if survivor == 0 {
		h.unlock()
		ph.unlock()
		return false, nil
	}

	var sh *header
	if !t.isLeaf(survivor) {
		s := t.node(survivor)
		sh = s.hdr()
		if !sh.lock() {
			h.unlock()
			ph.unlock()
			return false, nil
		}
		leafKey := t.anyLeafKey(s)
		if leafKey == nil {
			sh.unlock()
			h.unlock()
			ph.unlock()
			return false, nil
		}
		sh.setPrefix(leafKey[cur.d:sh.level()])
		t.region.Persist(unsafe.Pointer(sh), unsafe.Sizeof(*sh))
	}

	w.logSplit(splitCollapse, parent.ref, parentKey, cur.ref, survivor)
	parent.n.change(t.region, parentKey, survivor)
	if sh != nil {
		sh.unlock()
	}
	h.unlockObsolete()
	ph.unlock()
	w.clearLog()

	w.retire(h.typ(), cur.ref)
	w.retireLeaf(lf)
	return true, nil
}

// shrink removes the leaf under b and moves the remaining children of cur
// into a node of the next smaller tier.
func (w *Worker) shrink(parent cursor, parentKey byte, cur cursor, b byte, lf base.Ref) (bool, error) {
	t := w.tree
	ph, h := parent.n.hdr(), cur.n.hdr()
	if !ph.upgrade(parent.v) {
		return false, nil
	}
	if !h.upgrade(cur.v) {
		ph.unlock()
		return false, nil
	}

	typ := newSmaller(h.typ())
	ref, err := w.alloc(typ)
	if err != nil {
		h.unlock()
		ph.unlock()
		return false, err
	}
	small := t.initNode(ref, typ, h.level())
	small.hdr().copyPrefix(h)
	cur.n.copyTo(small)
	small.remove(nil, b, true, false)
	persistNode(t.region, small)

	w.logSplit(splitShrink, parent.ref, parentKey, cur.ref, ref)
	parent.n.change(t.region, parentKey, ref)
	h.unlockObsolete()
	ph.unlock()
	w.clearLog()

	w.retire(h.typ(), cur.ref)
	w.retireLeaf(lf)
	return true, nil
}
