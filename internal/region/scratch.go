package region

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/alexhholmes/pmart/internal/base"
)

// Split log states.
const (
	LogIdle    uint64 = 0
	LogPending uint64 = 1
)

// Scratch is the persistent area owned by one worker. It records the blocks
// the worker is carving nodes from and, while a structural change is being
// spliced in, what is being replaced by what.
type Scratch struct {
	owner atomic.Uint64
	_     [7]uint64

	Slabs [base.NumTypes]Slab
	Log   SplitLog
}

// Slab is the worker's current block for one node type.
type Slab struct {
	Block atomic.Uint64
	Next  atomic.Uint64
}

// SplitLog describes an in-flight splice: Parent's slot for Key is about to
// change from Old to New.
type SplitLog struct {
	State  atomic.Uint64
	Kind   atomic.Uint64
	Parent atomic.Uint64
	Key    atomic.Uint64
	Old    atomic.Uint64
	New    atomic.Uint64
	_      [2]uint64
}

func ownerWord(generation uint64, tid int) uint64 {
	return generation<<16 | uint64(tid+1)
}

func ownerGeneration(w uint64) uint64 {
	return w >> 16
}

func (r *Region) scratchAt(tid int) *Scratch {
	off := r.scratchStart + uint64(tid)*uint64(r.geo.ScratchSize)
	return (*Scratch)(unsafe.Add(r.base, off))
}

// AllocScratch claims the scratch slot of worker tid for this generation.
func (r *Region) AllocScratch(tid int) (*Scratch, error) {
	if tid < 0 || tid >= int(r.geo.MaxWorkers) {
		return nil, fmt.Errorf("worker %d: %w (%d)", tid, base.ErrTooManyWorkers, r.geo.MaxWorkers)
	}

	s := r.scratchAt(tid)
	gen := r.head.generation.Load()
	cur := s.owner.Load()
	if cur != 0 && ownerGeneration(cur) == gen {
		return nil, fmt.Errorf("worker %d: %w", tid, base.ErrWorkerInUse)
	}
	if !s.owner.CompareAndSwap(cur, ownerWord(gen, tid)) {
		return nil, fmt.Errorf("worker %d: %w", tid, base.ErrWorkerInUse)
	}

	for i := range s.Slabs {
		s.Slabs[i].Block.Store(0)
		s.Slabs[i].Next.Store(0)
	}
	s.Log.State.Store(LogIdle)
	r.Persist(unsafe.Pointer(s), unsafe.Sizeof(*s))

	r.head.threads.Add(1)
	r.Persist(unsafe.Pointer(&r.head.threads), unsafe.Sizeof(r.head.threads))
	return s, nil
}

// ReleaseScratch returns the slot of worker tid to the pool.
func (r *Region) ReleaseScratch(tid int) {
	if tid < 0 || tid >= int(r.geo.MaxWorkers) {
		return
	}
	s := r.scratchAt(tid)
	if s.owner.Swap(0) == 0 {
		return
	}
	s.Log.State.Store(LogIdle)
	r.Persist(unsafe.Pointer(s), unsafe.Sizeof(*s))

	r.head.threads.Add(-1)
	r.Persist(unsafe.Pointer(&r.head.threads), unsafe.Sizeof(r.head.threads))
}

// StaleScratch calls fn for every slot still owned by an earlier generation,
// that is, by a worker of a process that did not release it.
func (r *Region) StaleScratch(fn func(tid int, s *Scratch)) {
	gen := r.head.generation.Load()
	for tid := 0; tid < int(r.geo.MaxWorkers); tid++ {
		s := r.scratchAt(tid)
		if w := s.owner.Load(); w != 0 && ownerGeneration(w) < gen {
			fn(tid, s)
		}
	}
}
