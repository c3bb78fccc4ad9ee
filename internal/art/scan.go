package art

import (
	"bytes"

	"github.com/alexhholmes/pmart/internal/base"
)

// Scan calls fn for up to limit entries with keys >= start, in ascending key
// order, and returns the number of entries visited. The key and value passed
// to fn alias the region and are only valid during the call.
//
// No lock is held: each node is validated on its own, and a conflict resumes
// the scan after the last visited key.
func (w *Worker) Scan(start []byte, limit int, fn func(key, value []byte)) (int, error) {
	w.enter()
	defer w.exit()

	s := &scanner{
		t:         w.tree,
		lower:     bytes.Clone(start),
		inclusive: true,
		max:       limit,
		fn:        fn,
		last:      make([]byte, w.tree.keySize),
	}
	for attempt := 0; s.n < s.max; attempt++ {
		if err := w.tree.backoff(attempt); err != nil {
			return s.n, err
		}
		if s.walk(w.tree.root, 0, true, 0) {
			break
		}
		if s.n > 0 {
			copy(s.lower, s.last)
			s.inclusive = false
		}
	}
	return s.n, nil
}

type scanner struct {
	t         *Tree
	lower     []byte
	inclusive bool
	max, n    int
	fn        func(key, value []byte)
	last      []byte

	// One child buffer per recursion depth.
	stack [][]childEntry
}

func (s *scanner) buffer(depth int) []childEntry {
	for len(s.stack) <= depth {
		s.stack = append(s.stack, make([]childEntry, 0, 16))
	}
	return s.stack[depth][:0]
}

// comparePrefix orders the prefix of n, reached at depth d, against the
// lower bound.
func (s *scanner) comparePrefix(n inner, d int) (int, bool) {
	level := n.hdr().level()
	if level >= s.t.keySize || d > level {
		return 0, false
	}
	prefix := s.t.prefixBytes(n, d, level, nil)
	if prefix == nil && level > d {
		return 0, false
	}
	return bytes.Compare(prefix, s.lower[d:level]), true
}

// walk visits the subtree at ref, reached at depth d. tight means every key
// byte above d equals the lower bound. It returns false on a conflict.
func (s *scanner) walk(ref base.Ref, d int, tight bool, depth int) bool {
	n := s.t.node(ref)
	if n == nil {
		return false
	}
	h := n.hdr()
	v, ok := h.readLock()
	if !ok {
		return false
	}

	if tight {
		c, ok := s.comparePrefix(n, d)
		if !ok || !h.check(v) {
			return false
		}
		if c < 0 {
			return true
		}
		tight = c == 0
	}

	level := h.level()
	from := 0
	if tight {
		from = int(s.lower[level])
	}
	kids := n.children(from, 255, s.buffer(depth))
	s.stack[depth] = kids
	if !h.check(v) {
		return false
	}

	for _, e := range kids {
		if s.n >= s.max {
			return true
		}
		childTight := tight && e.key == s.lower[level]
		if !s.t.isLeaf(e.ref) {
			if !s.walk(e.ref, level+1, childTight, depth+1) {
				return false
			}
			continue
		}

		key := s.t.leafKey(e.ref)
		if childTight {
			c := bytes.Compare(key, s.lower)
			if c < 0 || c == 0 && !s.inclusive {
				continue
			}
		}
		s.fn(key, s.t.leafValue(e.ref))
		copy(s.last, key)
		s.n++
	}
	return true
}
