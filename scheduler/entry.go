// Package scheduler implements the Queue Scheduler tick loop of §4.5: drain
// the incoming mailbox, re-check waits against the wake pool, drain the run
// list through type-specific issuers, flush the wake set and trace buffer,
// and tail-enqueue itself when woken during its own tick.
//
// The tick runs cooperatively on a single goroutine per scheduler: one
// goroutine drains a channel of work, processes it to completion, and waits
// for the next signal rather than being invoked re-entrantly. A pending-bit
// channel coalesces bursts of wake requests into a single queued tick.
package scheduler

import (
	"errors"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/behrlich/aqlsched/alloca"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/issue"
	"github.com/behrlich/aqlsched/signal"
	"github.com/behrlich/aqlsched/wake"
)

// EntryID is an arena index identifying a live Entry, per §9's guidance to
// model list_next as "(index into arena, with a sentinel)" rather than a raw
// pointer. -1 is the sentinel for "no next entry" / "not in the arena."
type EntryID int32

const noEntry EntryID = -1

// EntryType discriminates a queue entry's variant args, per §3's Queue Entry
// common header. The internal entries below (entryIssueBlock,
// entryCommandBufferReturn) are never constructed by a producer; they are
// how EXECUTE's block-by-block continuation and terminating RETURN
// tail-enqueue themselves back through the scheduler queue, per §4.6's
// "enqueue ... on the scheduler queue (not inline)" for both BRANCH and
// RETURN.
type EntryType uint8

const (
	EntryInitialize EntryType = iota
	EntryDeinitialize
	EntryAlloca
	EntryDealloca
	EntryFill
	EntryCopy
	EntryExecute
	EntryBarrier
	entryIssueBlock
	entryCommandBufferReturn
)

// WaitTuple is one {semaphore, required_payload} dependency a queue entry
// must see resolved before it leaves the wait list, per §3/§4.4.
type WaitTuple struct {
	Semaphore       *signal.Signal
	RequiredPayload int64

	wakeID   wake.EntryID
	reserved bool
}

// LifecycleArgs is the (currently minimal) payload of INITIALIZE/DEINITIALIZE
// entries: lifecycle brackets around a scheduler's active period. §9's open
// questions don't further specify their semantics beyond "the scheduler
// observes them"; this implementation treats them as scheduler-local
// no-ops that resolve a completion signal.
type LifecycleArgs struct {
	CompletionSignal signal.Handle
}

// AllocaArgs is the payload of an ALLOCA entry.
type AllocaArgs struct {
	Size, Align      uint64
	ResultSink       *alloca.Handle
	CompletionSignal signal.Handle
}

// DeallocaArgs is the payload of a DEALLOCA entry.
type DeallocaArgs struct {
	Handle           alloca.Handle
	CompletionSignal signal.Handle
}

// FillArgs is the payload of a standalone (queue-level) FILL entry. Target is
// a device address already resolved by the host-delegated allocator bridge
// (§4.8); this harness does not model a device virtual address space beyond
// alloca.Handle, so Target carries whatever the caller resolved it to.
type FillArgs struct {
	Target           uint64
	Length           uint64
	CompletionSignal signal.Handle
}

// CopyArgs is the payload of a standalone (queue-level) COPY entry.
type CopyArgs struct {
	Source, Target   uint64
	Length           uint64
	CompletionSignal signal.Handle
}

// ExecuteArgs is the payload of an EXECUTE entry: run a recorded, immutable
// command buffer to completion.
type ExecuteArgs struct {
	CommandBuffer    *cmdbuf.CommandBuffer
	Bindings         []uint64
	TraceMode        issue.TraceMode
	CompletionSignal signal.Handle
}

// BarrierArgs is the payload of a standalone (queue-level) BARRIER entry.
type BarrierArgs struct {
	CompletionSignal signal.Handle
}

// Entry is the scheduler's internal record for one queue entry (§3). Callers
// construct and submit one by value via Scheduler.Submit; epoch, listNext,
// and location are scheduler-owned bookkeeping a caller never sets.
type Entry struct {
	Type  EntryType
	Waits []WaitTuple

	Initialize   LifecycleArgs
	Deinitialize LifecycleArgs
	Alloca       AllocaArgs
	Dealloca     DeallocaArgs
	Fill         FillArgs
	Copy         CopyArgs
	Execute      ExecuteArgs
	Barrier      BarrierArgs

	// continuation/blockIndex carry an in-flight execution across the
	// internal entryIssueBlock/entryCommandBufferReturn re-entries; unused
	// for producer-submitted entry types.
	continuation *issue.ExecutionState
	blockIndex   uint32

	epoch    uint64
	listNext EntryID
	location entryLocation
}

type entryLocation uint8

const (
	locMailbox entryLocation = iota
	locWaitList
	locRunList
	locDone
)

// ErrEntryArenaExhausted is returned by Submit when the scheduler's fixed
// entry table has no free slots. Unlike wake-pool/signal-pool/kernarg
// exhaustion (§7), this is a harness-introduced fixed table with no entry in
// the POST_ERROR taxonomy; admission control happens at submission time,
// synchronously to the caller, rather than as a device-lost condition.
var ErrEntryArenaExhausted = errors.New("scheduler: entry arena exhausted")

// entryArena is the fixed-capacity backing store queue entries live in.
// list_next (see Entry.listNext) is always an index into this arena, never a
// pointer, so that wait-list/run-list membership is representable as plain
// integers recycled across a bounded table, matching §9's "model as index
// into arena, with a sentinel" guidance literally.
type entryArena struct {
	slots []Entry
	free  []EntryID
}

// newEntryArena preallocates capacity entry slots and a matching free list.
// The free list's backing array is drawn from dirtmake's uninitialized
// buffer cache and reinterpreted as []EntryID: every slot is immediately
// overwritten with its own index below, so the zero-fill make() would
// normally perform is wasted work.
func newEntryArena(capacity int) *entryArena {
	free := newFreeList(capacity)
	for i := range free {
		free[i] = EntryID(capacity - 1 - i)
	}
	return &entryArena{
		slots: make([]Entry, capacity),
		free:  free,
	}
}

func newFreeList(capacity int) []EntryID {
	if capacity == 0 {
		return nil
	}
	raw := dirtmake.Bytes(capacity*4, capacity*4)
	return unsafe.Slice((*EntryID)(unsafe.Pointer(&raw[0])), capacity)
}

// alloc reserves a slot for a new entry. The arena has no lock of its own:
// callers hold Scheduler.mailboxMu around both alloc (Submit, from any
// goroutine) and release (drainRunList, on the tick goroutine).
func (a *entryArena) alloc() (EntryID, *Entry, error) {
	if len(a.free) == 0 {
		return noEntry, nil, ErrEntryArenaExhausted
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.slots[id] = Entry{listNext: noEntry}
	return id, &a.slots[id], nil
}

func (a *entryArena) release(id EntryID) {
	a.slots[id] = Entry{}
	a.free = append(a.free, id)
}

func (a *entryArena) get(id EntryID) *Entry {
	return &a.slots[id]
}

// entryList is a singly linked list of arena-resident entries, threaded
// through Entry.listNext. The wait list and run list are each one of these;
// §3 invariant 2 ("an entry appears in at most one list at a time") holds
// because listNext is reset to noEntry whenever an entry leaves a list and
// Entry.location records which list (if any) currently claims it.
type entryList struct {
	head, tail EntryID
}

func newEntryList() entryList {
	return entryList{head: noEntry, tail: noEntry}
}

func (l *entryList) empty() bool { return l.head == noEntry }

// pushBack appends id at the tail, used for the wait list (arrival order,
// not epoch order, since wait-list entries are re-checked in a single scan
// every tick regardless of position).
func (l *entryList) pushBack(a *entryArena, id EntryID) {
	e := a.get(id)
	e.listNext = noEntry
	if l.tail == noEntry {
		l.head, l.tail = id, id
		return
	}
	a.get(l.tail).listNext = id
	l.tail = id
}

// insertByEpoch inserts id into the list ordered ascending by epoch, used
// for the run list so that entries whose waits resolve in the same tick as
// newly-arrived ready entries still drain in submission order (§5 ordering
// guarantees).
func (l *entryList) insertByEpoch(a *entryArena, id EntryID) {
	e := a.get(id)
	if l.head == noEntry {
		e.listNext = noEntry
		l.head, l.tail = id, id
		return
	}
	if a.get(l.head).epoch > e.epoch {
		e.listNext = l.head
		l.head = id
		return
	}
	prev := l.head
	cur := a.get(prev).listNext
	for cur != noEntry && a.get(cur).epoch <= e.epoch {
		prev = cur
		cur = a.get(cur).listNext
	}
	e.listNext = cur
	a.get(prev).listNext = id
	if cur == noEntry {
		l.tail = id
	}
}

// popFront removes and returns the head entry, or noEntry if the list is
// empty.
func (l *entryList) popFront(a *entryArena) EntryID {
	if l.head == noEntry {
		return noEntry
	}
	id := l.head
	e := a.get(id)
	l.head = e.listNext
	if l.head == noEntry {
		l.tail = noEntry
	}
	e.listNext = noEntry
	return id
}
