// Package respool implements the fixed-capacity pools that must be
// allocated up front by the host: the signal pool device code acquires
// opaque signals from, and the kernarg scratch arena a command-buffer
// execution borrows from for the lifetime of one EXECUTE entry.
//
// The signal pool is a free-list over a pre-sized arena that recycles
// fixed-width Signal slots handed out by index. The kernarg arena instead
// hands out variably sized byte buffers under a mutex (see KernargArena).
package respool

import (
	"errors"

	"github.com/behrlich/aqlsched/signal"
)

// ErrExhausted is returned when a pool has no free slots. Per §7, resource
// exhaustion is never recovered on device — the caller is expected to
// translate this into a POST_ERROR and latch the device-lost state.
var ErrExhausted = errors.New("respool: pool exhausted")

// SignalPool is a lock-free fixed-capacity free-list of Signal records,
// pre-allocated by the host at scheduler creation time.
type SignalPool struct {
	slots []signal.Signal
	free  chan uint32 // buffered channel doubles as a lock-free free-list
}

// NewSignalPool allocates capacity signals up front.
func NewSignalPool(capacity int) *SignalPool {
	p := &SignalPool{
		slots: make([]signal.Signal, capacity),
		free:  make(chan uint32, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free <- uint32(i)
	}
	return p
}

// Acquire hands out a signal handle initialized to initial, or ErrExhausted
// if the pool is empty.
func (p *SignalPool) Acquire(initial int64, kind signal.Kind) (signal.Handle, error) {
	select {
	case idx := <-p.free:
		h := signal.Handle(idx + 1) // handle 0 is reserved for the null signal
		p.slots[idx].Init(initial, kind)
		return h, nil
	default:
		return signal.Null, ErrExhausted
	}
}

// Release returns a signal handle to the pool. Releasing the null handle is
// a no-op, matching the null signal's "store is a no-op" semantics.
func (p *SignalPool) Release(h signal.Handle) {
	if h == signal.Null {
		return
	}
	p.free <- uint32(h) - 1
}

// Get resolves a handle to its backing Signal. Returns nil for the null
// handle; callers must special-case it (waits succeed immediately, stores
// no-op) rather than dereference.
func (p *SignalPool) Get(h signal.Handle) *signal.Signal {
	if h == signal.Null {
		return nil
	}
	return &p.slots[h-1]
}

// Capacity returns the pool's fixed capacity.
func (p *SignalPool) Capacity() int { return len(p.slots) }

// Len returns the number of currently free slots (not the capacity; see
// Capacity), for tests asserting exhaustion behavior.
func (p *SignalPool) Len() int { return len(p.free) }
