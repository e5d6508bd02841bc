package lua

import "sync/atomic"

// RingChannel is a bounded channel that never blocks its producers: when
// the buffer is full the oldest element is discarded.
//
//	rc := NewRingChannel[OutputRecord](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(rec) // keeps the last 3
//	}
//	for v := range rc.C() { ... }
//
// Readers use C() like a normal channel, or TryReceive.
type RingChannel[T any] struct {
	ch      chan T
	written atomic.Int64
	dropped atomic.Int64
}

// NewRingChannel creates a ring channel holding up to capacity elements.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element while the buffer is full.
// Returns true if anything was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		// a concurrent reader may empty the buffer between the two selects
		select {
		case <-rc.ch:
			rc.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// TryReceive returns the oldest element without blocking.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return v, ok
	default:
		return v, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Written returns how many elements were accepted.
func (rc *RingChannel[T]) Written() int64 { return rc.written.Load() }

// Dropped returns how many elements were discarded to make room.
func (rc *RingChannel[T]) Dropped() int64 { return rc.dropped.Load() }

// Close closes the channel. Sending afterwards panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
