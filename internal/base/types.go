// Package base holds the vocabulary shared by the region manager, the node
// hierarchy and the public tree: offsets, type tags and sizes.
package base

import "fmt"

// Ref is a byte offset from the start of the mapped region. Persisted child
// pointers are Refs, so they stay valid no matter where the file is mapped.
// The zero Ref is nil: offset zero is the region head and never a node.
type Ref uint64

// RefBits is the number of low bits a Ref may occupy. Fanout4 and Fanout16
// slots pack a key byte above them.
const RefBits = 56

// RefMask selects the Ref part of a packed slot word.
const RefMask = 1<<RefBits - 1

// NodeType is the tag stored in word zero of every persistent object and in
// the per-block type bitmap.
type NodeType uint8

const (
	TypeFree NodeType = iota
	TypeN4
	TypeN16
	TypeN48
	TypeN256
	TypeLeaf
	TypeKey

	NumTypes
)

func (t NodeType) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeN4:
		return "N4"
	case TypeN16:
		return "N16"
	case TypeN48:
		return "N48"
	case TypeN256:
		return "N256"
	case TypeLeaf:
		return "leaf"
	case TypeKey:
		return "key"
	default:
		return fmt.Sprintf("NodeType(%d)", uint8(t))
	}
}

// Valid reports whether t is a tag an allocated object may carry.
func (t NodeType) Valid() bool {
	return t > TypeFree && t < NumTypes
}

// Inner reports whether t is one of the four fanout tiers.
func (t NodeType) Inner() bool {
	return t >= TypeN4 && t <= TypeN256
}

const (
	// CacheLine is the flush granularity and the alignment of every slot.
	CacheLine = 64

	// Slot sizes per type, rounded up to whole cache lines.
	N4Size   = 64
	N16Size  = 192
	N48Size  = 704
	N256Size = 2112
	LeafSize = 128
	KeySize  = 256

	// LeafInlineKey is the longest key stored inside the leaf itself.
	LeafInlineKey = 48

	// MaxValueSize is the largest value a leaf can hold.
	MaxValueSize = 64

	// MaxKeySize is the largest fixed key size a region can be created with.
	MaxKeySize = KeySize - 8
)

// SlotSize returns the slot size used for objects of type t.
func SlotSize(t NodeType) uint64 {
	switch t {
	case TypeN4:
		return N4Size
	case TypeN16:
		return N16Size
	case TypeN48:
		return N48Size
	case TypeN256:
		return N256Size
	case TypeLeaf:
		return LeafSize
	case TypeKey:
		return KeySize
	default:
		return 0
	}
}
