package art

import (
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// leaf is the terminal entry: the full key and the value. A leaf is never
// modified after it is published; replacing a value publishes a new leaf.
//
// Keys up to LeafInlineKey bytes are stored inline. Longer keys live in a
// keyBlob referenced by keyRef.
type leaf struct {
	meta   atomic.Uint64 // type | value length << 8
	keyRef atomic.Uint64
	key    [base.LeafInlineKey]byte
	value  [base.MaxValueSize]byte
}

var _ = [1]struct{}{}[unsafe.Sizeof(leaf{})-base.LeafSize]

// keyBlob holds a key too long for the leaf.
type keyBlob struct {
	meta atomic.Uint64
	key  [base.MaxKeySize]byte
}

var _ = [1]struct{}{}[unsafe.Sizeof(keyBlob{})-base.KeySize]

func (l *leaf) valueLen() int {
	return int(l.meta.Load() >> 8 & mask8)
}

// initLeaf fills an unpublished leaf. blob is the key blob when the key does
// not fit inline, already filled by initKeyBlob.
func initLeaf(l *leaf, key, value []byte, blob base.Ref) {
	if blob == 0 {
		copy(l.key[:], key)
	}
	l.keyRef.Store(uint64(blob))
	copy(l.value[:], value)
	l.meta.Store(uint64(base.TypeLeaf) | uint64(len(value))<<8)
}

func initKeyBlob(b *keyBlob, key []byte) {
	copy(b.key[:], key)
	b.meta.Store(uint64(base.TypeKey))
}

func (t *Tree) leafAt(ref base.Ref) *leaf {
	return (*leaf)(t.region.Pointer(ref))
}

// leafKey returns the key stored in the leaf at ref, aliasing the mapping.
func (t *Tree) leafKey(ref base.Ref) []byte {
	l := t.leafAt(ref)
	if blob := base.Ref(l.keyRef.Load()); blob != 0 {
		return (*keyBlob)(t.region.Pointer(blob)).key[:t.keySize]
	}
	return l.key[:t.keySize]
}

// leafValue returns the value stored in the leaf at ref, aliasing the
// mapping.
func (t *Tree) leafValue(ref base.Ref) []byte {
	l := t.leafAt(ref)
	return l.value[:min(l.valueLen(), base.MaxValueSize)]
}

func (t *Tree) isLeaf(ref base.Ref) bool {
	return nodeType(t.region.Pointer(ref)) == base.TypeLeaf
}

// anyLeafKey descends through arbitrary children of n until it reaches a
// leaf. Every leaf below n carries n's prefix. It returns nil if an empty
// node is met, which only happens while a concurrent writer rebuilds the
// subtree.
func (t *Tree) anyLeafKey(n inner) []byte {
	for {
		c := n.anyChild()
		if c == 0 {
			return nil
		}
		if t.isLeaf(c) {
			return t.leafKey(c)
		}
		if n = t.node(c); n == nil {
			return nil
		}
	}
}
