package region

import (
	"fmt"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// AllocBlock hands the next never-used block to worker tid, zeroed and tagged
// with t. The frontier only moves forward: blocks are never returned.
//
// The frontier is persisted before the tag. A crash in between leaves either
// an untagged block below the frontier or a tag above it; recovery treats the
// first as unreachable and clears the second.
func (r *Region) AllocBlock(tid int, t base.NodeType) (base.Ref, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("allocate block of type %s", t)
	}

	var idx uint64
	for {
		idx = r.head.freeBit.Load()
		if idx >= r.geo.MaxBlocks {
			return 0, fmt.Errorf("worker %d: %w (%d blocks of %d bytes)",
				tid, base.ErrAllocationExhausted, r.geo.MaxBlocks, r.geo.BlockSize)
		}
		if r.head.freeBit.CompareAndSwap(idx, idx+1) {
			break
		}
	}
	r.allocated.Add(1)
	r.Persist(unsafe.Pointer(&r.head.freeBit), unsafe.Sizeof(r.head.freeBit))

	ref := r.BlockRef(idx)
	block := r.data[ref : uint64(ref)+r.geo.BlockSize]
	clear(block)
	r.PersistRef(ref, r.geo.BlockSize)

	r.bitmap[idx] = byte(t)
	r.Persist(unsafe.Pointer(&r.bitmap[idx]), 1)
	return ref, nil
}

// BlockRef returns the Ref of the first byte of block idx.
func (r *Region) BlockRef(idx uint64) base.Ref {
	return base.Ref(r.dataStart + idx*r.geo.BlockSize)
}

// BlockIndex returns the block containing ref.
func (r *Region) BlockIndex(ref base.Ref) (uint64, bool) {
	off := uint64(ref)
	if off < r.dataStart || off >= r.dataEnd {
		return 0, false
	}
	return (off - r.dataStart) / r.geo.BlockSize, true
}

// BlockType returns the bitmap tag of block idx.
func (r *Region) BlockType(idx uint64) base.NodeType {
	return base.NodeType(r.bitmap[idx])
}

// Frontier returns the index of the next block AllocBlock would hand out.
func (r *Region) Frontier() uint64 {
	return r.head.freeBit.Load()
}
