package store

import "sync/atomic"

// Floor is a monotonic lower bound for transaction ids drawn through one
// Store. Every Store owns one, so all sequencers drawing ids from the same
// Store share it.
//
// SQLite's counter row is transactional: an id drawn by a transaction that
// later rolls back is returned to the pool. Floor remembers the highest id
// ever drawn so the next draw skips past it.
//
// Thread-safety: Floor is safe for concurrent use (atomic operations).
type Floor struct {
	last atomic.Int64
}

// NewFloor creates a floor starting at 0.
func NewFloor() *Floor {
	return &Floor{}
}

// NewFloorAt creates a floor that has already observed id start.
func NewFloorAt(start int64) *Floor {
	f := &Floor{}
	f.last.Store(start)
	return f
}

// Next returns the smallest id the next draw may return.
func (f *Floor) Next() int64 {
	return f.last.Load() + 1
}

// Observe records a drawn id. Lower ids are ignored.
func (f *Floor) Observe(id int64) {
	for {
		cur := f.last.Load()
		if id <= cur || f.last.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Current returns the highest id observed so far.
func (f *Floor) Current() int64 {
	return f.last.Load()
}
