package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/aqlsched/alloca"
	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/hostchannel"
	"github.com/behrlich/aqlsched/internal/logging"
	"github.com/behrlich/aqlsched/respool"
	"github.com/behrlich/aqlsched/signal"
	"github.com/behrlich/aqlsched/trace"
	"github.com/behrlich/aqlsched/wake"
)

var log = logging.Default().WithTag("scheduler")

// allocaPoolKind is the pool_kind argument the scheduler passes to
// PostPoolGrow when the allocator bridge is exhausted. Allocator exhaustion
// is host-delegated growth (§1 non-goal: pool growth policy), not a
// POST_ERROR/device-lost condition, so it is deliberately not one of
// hostchannel.ResourceKind's EXHAUSTED-taxonomy values.
const allocaPoolKind uint64 = 0xa110ca

// Config sizes the fixed tables a Scheduler owns. Every field is a hard
// capacity per §4.5's failure clause: "exhaustion of the wake pool, signal
// pool, or any fixed table is fatal."
type Config struct {
	EntryCapacity      int
	WakePoolCapacity   int
	SignalPoolCapacity int
	KernargCapacity    int
	ExecQueueSize      uint64
	TraceCapacity      uint64 // 0 disables tracing
	TraceQueryCapacity int    // size of the trace query ring's pre-allocated signal table

	// Features is the negotiated capability bitmask computed once up front
	// (see Features/BuildFeatures); it gates which trace levels and
	// cross-scheduler behaviors this instance actually exercises.
	Features Features
}

// Deps are the resources a Scheduler shares with its owning device rather
// than privately allocating: the allocator bridge and host post channel are
// device-wide, and the registry lets multiple scheduler instances route
// wakes to each other.
type Deps struct {
	AllocaPool  alloca.Pool
	HostChannel *hostchannel.Channel
	Registry    *Registry
	Observer    Observer
}

// Scheduler is the device-resident queue scheduler of §4.5: a single tick
// goroutine draining a mailbox of queue entries through a wait list and run
// list, backed by a fixed entry arena and a pending-tick coalescing channel.
type Scheduler struct {
	id uint32

	arena *entryArena

	mailboxMu sync.Mutex
	mailbox   []EntryID

	tickCh  chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	epoch uint64

	waitList entryList
	runList  entryList

	wakePool     *wake.Pool
	signalPool   *respool.SignalPool
	kernargArena *respool.KernargArena
	execQueue    *aqlqueue.Queue
	traceBuffer  *trace.Buffer

	allocaPool  alloca.Pool
	hostChannel *hostchannel.Channel
	registry    *Registry
	observer    Observer
	features    Features

	lost atomic.Bool
}

// New constructs a scheduler identified by id, starts its tick goroutine,
// and registers it with deps.Registry (if non-nil) so peer schedulers can
// route wakes to it.
func New(id uint32, cfg Config, deps Deps) (*Scheduler, error) {
	var doorbell signal.Signal
	doorbell.Init(0, signal.KindDoorbell)

	execQueue, err := aqlqueue.NewQueue(id, cfg.ExecQueueSize, &doorbell)
	if err != nil {
		return nil, err
	}
	execQueue.SetFeatures(uint64(cfg.Features))

	var traceBuf *trace.Buffer
	if cfg.TraceCapacity > 0 {
		traceBuf, err = trace.NewBuffer(cfg.TraceCapacity, cfg.TraceQueryCapacity)
		if err != nil {
			_ = execQueue.Close()
			return nil, err
		}
	}

	s := &Scheduler{
		id:           id,
		arena:        newEntryArena(cfg.EntryCapacity),
		tickCh:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		waitList:     newEntryList(),
		runList:      newEntryList(),
		signalPool:   respool.NewSignalPool(cfg.SignalPoolCapacity),
		kernargArena: respool.NewKernargArena(cfg.KernargCapacity),
		execQueue:    execQueue,
		traceBuffer:  traceBuf,
		allocaPool:   deps.AllocaPool,
		hostChannel:  deps.HostChannel,
		registry:     deps.Registry,
		observer:     deps.Observer,
		features:     cfg.Features,
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	s.wakePool = wake.NewPool(cfg.WakePoolCapacity, s.notify)

	if s.registry != nil {
		s.registry.register(id, s)
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// ID returns the scheduler's identity, used for wake-set routing.
func (s *Scheduler) ID() uint32 { return s.id }

// ExecutionQueue exposes the scheduler's AQL execution ring, for a simulated
// command processor (outside this package; see devsched) to poll.
func (s *Scheduler) ExecutionQueue() *aqlqueue.Queue { return s.execQueue }

// TraceBuffer exposes the scheduler's trace ring, or nil if tracing is
// disabled.
func (s *Scheduler) TraceBuffer() *trace.Buffer { return s.traceBuffer }

// Features reports this scheduler's negotiated capability bitmask.
func (s *Scheduler) Features() Features { return s.features }

// SignalPool exposes the scheduler's signal pool so a harness can acquire
// completion/wait signals referenced by submitted entries.
func (s *Scheduler) SignalPool() *respool.SignalPool { return s.signalPool }

// Lost reports whether the scheduler has latched a fatal resource-exhaustion
// or malformed-command error; once true every subsequent tick is a no-op.
func (s *Scheduler) Lost() bool { return s.lost.Load() }

// Close stops the tick goroutine and releases the scheduler's mmap'd
// resources. The scheduler must not be used afterward.
func (s *Scheduler) Close() error {
	close(s.closeCh)
	s.wg.Wait()
	if s.registry != nil {
		s.registry.unregister(s.id)
	}
	if s.traceBuffer != nil {
		_ = s.traceBuffer.Close()
	}
	return s.execQueue.Close()
}

// notify posts a pending-tick signal, coalescing with any already-pending
// one rather than blocking — a scheduler with a tick already queued does not
// need a second.
func (s *Scheduler) notify() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

// Submit admits a new queue entry, per §3/§4.5 step 2 ("drain incoming").
// The entry is allocated in the fixed arena immediately (synchronously
// failing with ErrEntryArenaExhausted if the table is full — this harness
// treats the arena as host-side admission control, not a device POST_ERROR
// condition) and appended to the mailbox for the next tick to
// drain.
func (s *Scheduler) Submit(e Entry) error {
	s.mailboxMu.Lock()
	id, slot, err := s.arena.alloc()
	if err != nil {
		s.mailboxMu.Unlock()
		return err
	}
	*slot = e
	slot.listNext = noEntry
	slot.location = locMailbox
	s.mailbox = append(s.mailbox, id)
	s.mailboxMu.Unlock()

	s.notify()
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.tickCh:
			s.tick()
		case <-s.closeCh:
			return
		}
	}
}

// tick runs the seven-step algorithm of §4.5 exactly once. Re-entrant ticks
// (another notify() arriving mid-tick) are coalesced by tickCh's buffer-of-1
// and re-observed on the next loop iteration, so tick itself never needs to
// re-check s.tickCh.
func (s *Scheduler) tick() {
	if s.lost.Load() {
		return
	}

	s.drainIncoming()
	s.recheckWaits()

	ws := wake.NewSet(s.id)
	s.drainRunList(ws)

	selfWoken := ws.Flush(s.postWake)

	if s.traceBuffer != nil && s.traceBuffer.CommitRange() {
		if s.hostChannel != nil {
			s.hostChannel.PostTraceFlush(uint64(s.id), nil)
		}
		s.observer.TraceFlushed()
	}

	s.observer.TickCompleted()

	if selfWoken {
		s.notify()
	}
}

// drainIncoming moves every mailbox entry into either the run list (no
// unresolved waits) or the wait list, assigning each a monotonically
// increasing epoch for FIFO tie-breaking on the run list.
func (s *Scheduler) drainIncoming() {
	s.mailboxMu.Lock()
	incoming := s.mailbox
	s.mailbox = nil
	s.mailboxMu.Unlock()

	for _, id := range incoming {
		e := s.arena.get(id)
		s.epoch++
		e.epoch = s.epoch
		if len(e.Waits) == 0 {
			e.location = locRunList
			s.runList.insertByEpoch(s.arena, id)
		} else {
			e.location = locWaitList
			s.waitList.pushBack(s.arena, id)
		}
	}
}

// recheckWaits scans the wait list once, moving every entry whose waits are
// now fully resolved onto the run list. Entries are unlinked in place rather
// than rebuilding the list, preserving arrival order for everything that
// stays.
func (s *Scheduler) recheckWaits() {
	prev := noEntry
	cur := s.waitList.head
	for cur != noEntry {
		e := s.arena.get(cur)
		next := e.listNext

		if s.resolveWaits(e) {
			if prev == noEntry {
				s.waitList.head = next
			} else {
				s.arena.get(prev).listNext = next
			}
			if s.waitList.tail == cur {
				s.waitList.tail = prev
			}
			e.listNext = noEntry
			e.location = locRunList
			s.runList.insertByEpoch(s.arena, cur)
			cur = next
			continue
		}
		if s.lost.Load() {
			return
		}
		prev = cur
		cur = next
	}
}

// resolveWaits consumes e.Waits front-to-back via the wake pool, per §4.4's
// semaphore.update_wait. It returns true once every wait has been consumed.
// On the first wait that is not yet satisfied it leaves the remainder
// (including that wait) in place and returns false; UpdateWait has already
// enrolled a wake-list waiter that will call s.notify() once it resolves.
func (s *Scheduler) resolveWaits(e *Entry) bool {
	for len(e.Waits) > 0 {
		w := &e.Waits[0]
		if !w.reserved {
			id, err := s.wakePool.Reserve(w.Semaphore, w.RequiredPayload)
			if err != nil {
				s.fatal(hostchannel.HostErrorExhausted, uint64(hostchannel.ResourceWakePool), uint64(s.wakePool.Capacity()))
				return false
			}
			w.wakeID = id
			w.reserved = true
			s.observer.WaitEnrolled()
		}
		if s.wakePool.UpdateWait(w.wakeID) {
			return false
		}
		s.observer.WaitResolved()
		s.wakePool.Release(w.wakeID)
		w.reserved = false
		e.Waits = e.Waits[1:]
	}
	return true
}

// drainRunList issues every run-list entry in epoch order, releasing each
// back to the arena once issued. ws accumulates any "wake scheduler X"
// targets surfaced by EXECUTE continuations.
func (s *Scheduler) drainRunList(ws *wake.Set) {
	for {
		id := s.runList.popFront(s.arena)
		if id == noEntry {
			return
		}
		e := s.arena.get(id)
		e.location = locDone
		s.issueEntry(e, ws)
		s.mailboxMu.Lock()
		s.arena.release(id)
		s.mailboxMu.Unlock()
		if s.lost.Load() {
			return
		}
	}
}

func (s *Scheduler) issueEntry(e *Entry, ws *wake.Set) {
	s.observer.EntryIssued(e.Type)
	switch e.Type {
	case EntryInitialize:
		s.issueInitialize(e)
	case EntryDeinitialize:
		s.issueDeinitialize(e)
	case EntryAlloca:
		s.issueAlloca(e)
	case EntryDealloca:
		s.issueDealloca(e)
	case EntryFill:
		s.issueFill(e)
	case EntryCopy:
		s.issueCopy(e)
	case EntryBarrier:
		s.issueBarrierEntry(e)
	case EntryExecute:
		s.issueExecute(e)
	case entryIssueBlock:
		s.issueBlockEntry(e, ws)
	case entryCommandBufferReturn:
		s.issueCommandBufferReturn(e)
	default:
		s.fatal(hostchannel.HostErrorMalformed, uint64(e.Type), 0)
	}
}

// fatal latches the device-lost state and posts a single POST_ERROR to the
// host, per §7. Only the first caller across the scheduler's lifetime
// actually posts; later calls are no-ops, matching "the device is considered
// lost immediately after posting."
func (s *Scheduler) fatal(code hostchannel.HostErrorCode, arg0, arg1 uint64) {
	if !s.lost.CompareAndSwap(false, true) {
		return
	}
	log.Errorf("scheduler %d: fatal error code=%v arg0=%d arg1=%d", s.id, code, arg0, arg1)
	if s.hostChannel != nil {
		s.hostChannel.PostError(code, arg0, arg1)
	}
	s.observer.ErrorPosted(code)
}

// postWake is wake.Set.Flush's post callback: route a wake target to its
// owning scheduler via the registry, if one is configured.
func (s *Scheduler) postWake(targetID uint32) {
	if s.registry == nil {
		return
	}
	if peer := s.registry.lookup(targetID); peer != nil {
		peer.notify()
	}
}
