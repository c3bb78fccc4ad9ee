package art

import (
	"bytes"

	"github.com/alexhholmes/pmart/internal/base"
)

// Find appends the value stored for key to dst.
func (w *Worker) Find(key, dst []byte) ([]byte, bool, error) {
	w.enter()
	defer w.exit()

	ref, err := w.lookup(key)
	if err != nil || ref == 0 {
		return dst, false, err
	}
	return append(dst, w.tree.leafValue(ref)...), true, nil
}

// prefixMatches checks the stored prefix bytes of h against key. Bytes the
// header does not hold are skipped; the leaf comparison catches them.
func prefixMatches(h *header, key []byte, d int) bool {
	level := h.level()
	if level >= len(key) {
		return false
	}
	start := level - h.prefixLen()
	from := max(d, start)
	to := min(level, start+maxStoredPrefix)
	for pos := from; pos < to; pos++ {
		if b, ok := h.storedByte(pos); ok && b != key[pos] {
			return false
		}
	}
	return true
}

// lookup returns the leaf holding key, or 0 when the key is absent. On a
// validation failure it resumes from the parent when the parent is
// unchanged, and from the root otherwise.
func (w *Worker) lookup(key []byte) (base.Ref, error) {
	t := w.tree

	var (
		n, parent inner
		v, pv     uint64
		d, pd     int
	)
	for attempt := 0; ; attempt++ {
		if err := t.backoff(attempt); err != nil {
			return 0, err
		}

		if parent != nil && parent.hdr().check(pv) {
			n, v, d = parent, pv, pd
			parent = nil
		} else {
			var ok bool
			n, d, parent = t.rootNode(), 0, nil
			if v, ok = n.hdr().readLock(); !ok {
				continue
			}
		}

		for {
			h := n.hdr()
			if !prefixMatches(h, key, d) {
				if !h.check(v) {
					break
				}
				return 0, nil
			}

			level := h.level()
			next := n.child(key[level])
			if !h.check(v) {
				break
			}
			if next == 0 {
				return 0, nil
			}
			if t.isLeaf(next) {
				if bytes.Equal(t.leafKey(next), key) {
					return next, nil
				}
				return 0, nil
			}

			c := t.node(next)
			if c == nil {
				break
			}
			cv, ok := c.hdr().readLock()
			parent, pv, pd = n, v, d
			if !ok {
				break
			}
			n, v, d = c, cv, level+1
		}
	}
}
