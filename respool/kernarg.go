package respool

import (
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"
)

// KernargArena hands out kernarg scratch regions, each sized to the request
// and capped at the arena's configured maximum, to in-flight command-buffer
// executions. Only one block of a given execution runs at a
// time (per §3's Execution State lifecycle), so a single region per
// concurrent execution is overlaid across that execution's blocks rather
// than per-block.
//
// Backing storage is drawn from bytedance/gopkg's size-bucketed native
// buffer cache (mcache) rather than a hand-rolled sync.Pool bucketing
// scheme, so allocation sizing and reuse come from an already-tuned
// implementation.
type KernargArena struct {
	mu        sync.Mutex
	capacity  int
	inFlight  map[int]*kernargLease
	nextLease int
}

type kernargLease struct {
	buf []byte
}

// NewKernargArena creates an arena whose individual leases are capped at
// maxCapacity bytes (the largest max_kernarg_capacity the scheduler will
// accept for a single command buffer).
func NewKernargArena(maxCapacity int) *KernargArena {
	return &KernargArena{
		capacity: maxCapacity,
		inFlight: make(map[int]*kernargLease),
	}
}

// LeaseID identifies an acquired kernarg region.
type LeaseID int

// Acquire reserves a kernarg scratch region of at least size bytes (size
// must be <= the arena's configured maxCapacity) for the duration of one
// command-buffer execution.
func (a *KernargArena) Acquire(size int) (LeaseID, []byte, error) {
	if size > a.capacity {
		return 0, nil, ErrExhausted
	}
	buf := mcache.Malloc(size)

	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextLease
	a.nextLease++
	a.inFlight[id] = &kernargLease{buf: buf}
	return LeaseID(id), buf, nil
}

// Release returns a kernarg region to the cache once the execution that
// owned it tears down (the terminating RETURN has reached the scheduler).
func (a *KernargArena) Release(id LeaseID) {
	a.mu.Lock()
	lease, ok := a.inFlight[int(id)]
	if ok {
		delete(a.inFlight, int(id))
	}
	a.mu.Unlock()
	if ok {
		mcache.Free(lease.buf)
	}
}

// InFlight returns the number of currently leased regions, for metrics and
// for tests asserting that RETURN tear-down actually frees scratch memory.
func (a *KernargArena) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}
