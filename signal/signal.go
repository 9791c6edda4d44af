// Package signal implements the HSA-style 64-bit decrement-to-zero
// semaphore primitive used throughout the scheduler core: completion
// signals on AQL packets, timeline semaphores waited on by queue entries,
// and the query signals the trace engine uses to capture dispatch
// start/end timestamps.
package signal

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/aqlsched/internal/hwatomic"
)

// Kind distinguishes a USER signal (ordinary producer/consumer semaphore)
// from a DOORBELL signal (associated with an AQL queue; writing its value
// is itself the wake event for the hardware packet processor).
type Kind uint8

const (
	KindUser Kind = iota
	KindDoorbell
)

// Condition is the wait predicate a consumer applies to a signal's value.
type Condition uint8

const (
	CondEQ Condition = iota
	CondNE
	CondLT
	CondGTE
)

func (c Condition) satisfied(value, target int64) bool {
	switch c {
	case CondEQ:
		return value == target
	case CondNE:
		return value != target
	case CondLT:
		return value < target
	case CondGTE:
		return value >= target
	default:
		return false
	}
}

// Handle is an arena index identifying a Signal. Handle zero is the null
// signal: waits against it succeed immediately and stores on it are no-ops.
type Handle uint32

// Null is the reserved null-signal handle.
const Null Handle = 0

// waiter is one registered wake-list entry: wake the owning scheduler's
// mailbox once the signal's value satisfies cond against target.
type waiter struct {
	minimumValue   int64
	lastObserved   int64
	notify         func(lastObserved int64)
}

// Signal is a 64-byte-aligned semaphore record. Kind/EventMailbox/EventID
// are set at pool-acquire time and read-only thereafter; Value is the only
// field mutated by the hot path.
type Signal struct {
	Kind         Kind
	EventMailbox uint32
	EventID      uint32
	OwningQueue  uint32

	value   atomic.Int64
	startTS atomic.Int64
	endTS   atomic.Int64

	mu      sync.Mutex // protects the wake list
	wakers  []*waiter
}

// Init (re)initializes a signal to the given value, as the host does when
// handing a fresh signal out of the signal pool. Never called concurrently
// with a wait on the same handle — acquisition from the pool establishes
// exclusive ownership first.
func (s *Signal) Init(initial int64, kind Kind) {
	s.Kind = kind
	s.value.Store(initial)
	s.startTS.Store(0)
	s.endTS.Store(0)
	s.mu.Lock()
	s.wakers = s.wakers[:0]
	s.mu.Unlock()
}

// Load reads the current value with the given scope-qualified acquire.
func (s *Signal) Load(scope hwatomic.Scope) int64 {
	return s.value.Load()
}

// Add atomically adds delta to the value (release, at least device scope)
// and wakes any satisfied waiters. This is the completion-signal decrement
// path: every packet's completion signal is decremented by -1 on finish.
func (s *Signal) Add(delta int64, scope hwatomic.Scope) int64 {
	v := s.value.Add(delta)
	s.notifyWakers(v)
	return v
}

// CAS performs a compare-and-swap, used by the DOORBELL write-index update
// path and by any producer requiring exactly-once semantics.
func (s *Signal) CAS(old, new int64) bool {
	ok := s.value.CompareAndSwap(old, new)
	if ok {
		s.notifyWakers(new)
	}
	return ok
}

// Store unconditionally sets the value and wakes satisfied waiters.
func (s *Signal) Store(v int64, scope hwatomic.Scope) {
	s.value.Store(v)
	s.notifyWakers(v)
}

// Wait blocks (spin-yield, never a true deschedule) until cond(value, target) holds, then returns the
// observed value. Used directly only by test harnesses and the simulated
// packet processor; the scheduler itself never blocks inline — it enrolls
// in a semaphore's wake list instead (see package wake).
func (s *Signal) Wait(cond Condition, target int64) int64 {
	var b hwatomic.Backoff
	for {
		v := s.value.Load()
		if cond.satisfied(v, target) {
			return v
		}
		b.Wait()
	}
}

// StampStart records the start timestamp for a dispatch the signal is
// tracking, using the agent's steady-counter domain.
func (s *Signal) StampStart() {
	s.startTS.Store(hwatomic.SteadyTimestamp())
}

// StampEnd records the end timestamp.
func (s *Signal) StampEnd() {
	s.endTS.Store(hwatomic.SteadyTimestamp())
}

// Timestamps returns the captured start/end timestamps.
func (s *Signal) Timestamps() (start, end int64) {
	return s.startTS.Load(), s.endTS.Load()
}

// RegisterWaiter inserts a wake-list entry requiring value >= minimumValue
// (the only condition the wake pool uses — see UpdateWait) before
// satisfied is satisfied. It returns false without enrolling if the
// current value already satisfies it.
func (s *Signal) RegisterWaiter(minimumValue int64, notify func(lastObserved int64)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.value.Load()
	if current >= minimumValue {
		return false
	}
	s.wakers = append(s.wakers, &waiter{minimumValue: minimumValue, notify: notify})
	return true
}

// notifyWakers walks the wake list under lock and fires + removes every
// entry whose minimumValue is now satisfied by newValue, per §4.4's
// "producer walks the wake list" direction.
func (s *Signal) notifyWakers(newValue int64) {
	s.mu.Lock()
	var fired []*waiter
	remaining := s.wakers[:0]
	for _, w := range s.wakers {
		if newValue >= w.minimumValue {
			w.lastObserved = newValue
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.wakers = remaining
	s.mu.Unlock()

	for _, w := range fired {
		w.notify(w.lastObserved)
	}
}
