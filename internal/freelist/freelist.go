// Package freelist keeps the per-worker lists of node slots that were retired
// from the tree and may be handed out again.
//
// Slots are freed in two stages:
//  1. Pending: a slot retired at epoch E cannot be reused until no worker is
//     still running in an epoch <= E.
//  2. Free: slots released from pending are available to the owning worker.
//
// A Freelist belongs to one worker and is not safe for concurrent use. It is
// volatile: slots still listed when the process dies are leaked.
package freelist

import (
	"github.com/alexhholmes/pmart/internal/base"
)

type retired struct {
	ref   base.Ref
	typ   base.NodeType
	epoch uint64
}

// Freelist holds free and pending slots per node type.
type Freelist struct {
	free    [base.NumTypes][]base.Ref
	pending []retired // ascending epoch
}

// New creates an empty Freelist.
func New() *Freelist {
	return &Freelist{}
}

// Allocate returns a free slot of type t, or 0 if none is available.
func (f *Freelist) Allocate(t base.NodeType) base.Ref {
	list := f.free[t]
	if len(list) == 0 {
		return 0
	}
	ref := list[len(list)-1]
	f.free[t] = list[:len(list)-1]
	return ref
}

// Free makes ref immediately available.
func (f *Freelist) Free(t base.NodeType, ref base.Ref) {
	f.free[t] = append(f.free[t], ref)
}

// Pending queues ref, retired at epoch. Epochs passed by one worker never
// decrease.
func (f *Freelist) Pending(epoch uint64, t base.NodeType, ref base.Ref) {
	f.pending = append(f.pending, retired{ref: ref, typ: t, epoch: epoch})
}

// Release moves every slot retired before minActive to the free lists and
// returns how many moved.
func (f *Freelist) Release(minActive uint64) int {
	n := 0
	for n < len(f.pending) && f.pending[n].epoch < minActive {
		r := f.pending[n]
		f.Free(r.typ, r.ref)
		n++
	}
	if n > 0 {
		f.pending = append(f.pending[:0], f.pending[n:]...)
	}
	return n
}

// Stats returns the number of free and pending slots.
func (f *Freelist) Stats() (freed, pending int) {
	for _, list := range f.free {
		freed += len(list)
	}
	return freed, len(f.pending)
}
