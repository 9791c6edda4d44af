// Package wake implements the per-scheduler wake pool (a fixed-capacity
// registered-wait table) and the per-tick wake set (a deduplicating
// wake-target accumulator), per §4.4.
//
// The pool keeps a fixed-capacity table of in-flight wait slots keyed by
// semaphore pointer identity and recycled through a free-list.
package wake

import (
	"errors"
	"sync"

	"github.com/behrlich/aqlsched/signal"
)

// ErrExhausted is returned when the wake pool has no free entries.
var ErrExhausted = errors.New("wake: pool exhausted")

// EntryID identifies a reserved wake-pool slot.
type EntryID uint32

type entry struct {
	sem          *signal.Signal
	minimumValue int64
	lastObserved int64
}

// Pool is the fixed-capacity open-addressed wait table owned by one
// scheduler instance.
type Pool struct {
	mu       sync.Mutex
	capacity int
	entries  []entry
	bySignal map[*signal.Signal]EntryID
	free     []EntryID
	mailbox  func()
}

// NewPool allocates a pool of the given capacity. mailbox is called
// (possibly from another goroutine) whenever a reserved wait resolves,
// letting the owning scheduler post itself a re-tick.
func NewPool(capacity int, mailbox func()) *Pool {
	free := make([]EntryID, capacity)
	for i := range free {
		free[i] = EntryID(i)
	}
	return &Pool{
		capacity: capacity,
		entries:  make([]entry, capacity),
		bySignal: make(map[*signal.Signal]EntryID, capacity),
		free:     free,
		mailbox:  mailbox,
	}
}

// Reserve returns an entry for recording a wait on sem. If one already
// exists for this semaphore, its minimum_value is lowered to the min of the
// old and new waited-on value rather than allocating a second entry.
func (p *Pool) Reserve(sem *signal.Signal, minimumValue int64) (EntryID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.bySignal[sem]; ok {
		if e := &p.entries[id]; minimumValue < e.minimumValue {
			e.minimumValue = minimumValue
		}
		return id, nil
	}
	if len(p.free) == 0 {
		return 0, ErrExhausted
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.entries[id] = entry{sem: sem, minimumValue: minimumValue}
	p.bySignal[sem] = id
	return id, nil
}

// Release frees a reserved entry back to the pool.
func (p *Pool) Release(id EntryID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := &p.entries[id]
	if e.sem != nil {
		delete(p.bySignal, e.sem)
	}
	*e = entry{}
	p.free = append(p.free, id)
}

// UpdateWait is semaphore.update_wait from §4.4: if the entry's semaphore
// already satisfies minimum_value, returns false without enrolling;
// otherwise enrolls a wake-list waiter and returns true. On satisfaction the
// waiter records last_observed_value and signals the owning scheduler's
// mailbox.
func (p *Pool) UpdateWait(id EntryID) bool {
	p.mu.Lock()
	e := &p.entries[id]
	sem, minimum := e.sem, e.minimumValue
	p.mu.Unlock()

	return sem.RegisterWaiter(minimum, func(observed int64) {
		p.mu.Lock()
		p.entries[id].lastObserved = observed
		p.mu.Unlock()
		if p.mailbox != nil {
			p.mailbox()
		}
	})
}

// LastObserved returns the value most recently recorded for an entry by
// UpdateWait's notify callback.
func (p *Pool) LastObserved(id EntryID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[id].lastObserved
}

// Len reports the number of currently reserved entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.free)
}

// Capacity returns the pool's fixed capacity.
func (p *Pool) Capacity() int { return p.capacity }
