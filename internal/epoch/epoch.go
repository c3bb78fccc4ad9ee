// Package epoch tracks which workers may still hold references to nodes that
// were unlinked from the tree, so their slots are only reused once every
// operation that could have observed them has finished.
package epoch

import (
	"math"
	"sync/atomic"
)

// slot is padded to a cache line so workers entering and exiting do not
// contend on each other's words.
type slot struct {
	epoch atomic.Uint64 // 0 = idle
	_     [7]uint64
}

// Manager holds the global epoch and one slot per worker.
type Manager struct {
	global atomic.Uint64
	slots  []slot
	active atomic.Int32
}

// New creates a manager for maxWorkers worker slots.
func New(maxWorkers int) *Manager {
	m := &Manager{slots: make([]slot, maxWorkers)}
	m.global.Store(1)
	return m
}

// Enter marks worker tid as running an operation in the current epoch.
func (m *Manager) Enter(tid int) uint64 {
	e := m.global.Load()
	if m.slots[tid].epoch.Swap(e) == 0 {
		m.active.Add(1)
	}
	return e
}

// Exit marks worker tid idle.
func (m *Manager) Exit(tid int) {
	if m.slots[tid].epoch.Swap(0) != 0 {
		m.active.Add(-1)
	}
}

// Retire stamps an object unlinked just now and advances the global epoch.
// The object may be reused once MinActive is greater than the stamp.
func (m *Manager) Retire() uint64 {
	return m.global.Add(1) - 1
}

// Current returns the global epoch.
func (m *Manager) Current() uint64 {
	return m.global.Load()
}

// MinActive returns the oldest epoch any worker is running in, or MaxUint64
// when every worker is idle.
func (m *Manager) MinActive() uint64 {
	if m.active.Load() == 0 {
		return math.MaxUint64
	}
	minEpoch := uint64(math.MaxUint64)
	for i := range m.slots {
		if e := m.slots[i].epoch.Load(); e != 0 && e < minEpoch {
			minEpoch = e
		}
	}
	return minEpoch
}

// Active returns the number of workers inside an operation.
func (m *Manager) Active() int {
	return int(m.active.Load())
}
