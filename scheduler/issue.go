package scheduler

import (
	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/hostchannel"
	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/issue"
	"github.com/behrlich/aqlsched/signal"
	"github.com/behrlich/aqlsched/wake"
)

// issueInitialize and issueDeinitialize bracket a scheduler's active
// lifetime. Neither emits an AQL packet; they exist purely so the host has a
// queue entry it can wait a signal against before/after driving real work
// through the scheduler.
func (s *Scheduler) issueInitialize(e *Entry) {
	s.resolveAndDecrement(e.Initialize.CompletionSignal)
}

func (s *Scheduler) issueDeinitialize(e *Entry) {
	s.resolveAndDecrement(e.Deinitialize.CompletionSignal)
}

func (s *Scheduler) resolveAndDecrement(h signal.Handle) {
	if sig := s.signalPool.Get(h); sig != nil {
		sig.Add(-1, hwatomic.ScopeDevice)
	}
}

// issueAlloca and issueDealloca are pure scheduler-side resource operations:
// unlike FILL/COPY/EXECUTE they never touch the execution queue, so their
// completion signal is decremented directly rather than carried in a packet
// for a simulated command processor to resolve.
func (s *Scheduler) issueAlloca(e *Entry) {
	h, err := s.allocaPool.Alloca(e.Alloca.Size, e.Alloca.Align)
	if err != nil {
		// Allocator exhaustion is host-delegated growth, not a fatal
		// device-lost condition (§1 non-goal: pool growth policy is the
		// host's). Ask the host to grow the pool and drop the entry;
		// retry-on-grow is a host/producer concern.
		if s.hostChannel != nil {
			s.hostChannel.PostPoolGrow(allocaPoolKind, e.Alloca.Size)
		}
		return
	}
	if e.Alloca.ResultSink != nil {
		*e.Alloca.ResultSink = h
	}
	s.resolveAndDecrement(e.Alloca.CompletionSignal)
}

func (s *Scheduler) issueDealloca(e *Entry) {
	_ = s.allocaPool.Dealloca(e.Dealloca.Handle)
	s.resolveAndDecrement(e.Dealloca.CompletionSignal)
}

// issueFill and issueCopy are standalone queue-level FILL/COPY entries (as
// opposed to the FILL_BUFFER/COPY_BUFFER commands inside a recorded command
// buffer, which the issue package already translates). They reserve a
// single packet directly on the execution queue; the packet's completion
// signal field carries the raw handle for the simulated command processor
// to resolve and decrement once the work finishes, the same protocol
// issue.issueFillBuffer uses inside a block.
func (s *Scheduler) issueFill(e *Entry) {
	idx := s.execQueue.Reserve(1)
	pkt := aqlqueue.KernelDispatchPacket{
		Setup:            1,
		WorkgroupSize:    [3]uint16{64, 1, 1},
		GridSize:         [3]uint32{dispatchGridX(e.Fill.Length), 1, 1},
		KernargAddress:   e.Fill.Target,
		CompletionSignal: uint64(e.Fill.CompletionSignal),
	}
	publishKernelDispatch(s.execQueue, idx, &pkt)
}

func (s *Scheduler) issueCopy(e *Entry) {
	idx := s.execQueue.Reserve(1)
	pkt := aqlqueue.KernelDispatchPacket{
		Setup:            1,
		WorkgroupSize:    [3]uint16{64, 1, 1},
		GridSize:         [3]uint32{dispatchGridX(e.Copy.Length), 1, 1},
		KernargAddress:   e.Copy.Source,
		KernelObject:     e.Copy.Target,
		CompletionSignal: uint64(e.Copy.CompletionSignal),
	}
	publishKernelDispatch(s.execQueue, idx, &pkt)
}

func dispatchGridX(length uint64) uint32 {
	const workgroupElems = 64
	return uint32((length + workgroupElems - 1) / workgroupElems)
}

func publishKernelDispatch(q *aqlqueue.Queue, idx uint64, pkt *aqlqueue.KernelDispatchPacket) {
	slot := q.PacketAt(idx)
	pkt.Encode(slot)
	h := aqlqueue.MakeHeader(aqlqueue.PacketKernelDispatch, true, aqlqueue.FenceAgent, aqlqueue.FenceAgent)
	q.PublishWord32(idx, aqlqueue.HeaderWord(h, pkt.Setup))
	if db := q.Doorbell(); db != nil {
		db.Store(int64(idx+1), hwatomic.ScopeDevice)
	}
}

func (s *Scheduler) issueBarrierEntry(e *Entry) {
	idx := s.execQueue.Reserve(1)
	pkt := aqlqueue.BarrierPacket{CompletionSignal: uint64(e.Barrier.CompletionSignal)}
	slot := s.execQueue.PacketAt(idx)
	pkt.Encode(slot)
	h := aqlqueue.MakeHeader(aqlqueue.PacketBarrierAnd, true, aqlqueue.FenceNone, aqlqueue.FenceNone)
	s.execQueue.PublishWord32(idx, aqlqueue.HeaderWord(h, pkt.Reserved0))
	if db := s.execQueue.Doorbell(); db != nil {
		db.Store(int64(idx+1), hwatomic.ScopeDevice)
	}
}

// issueExecute initializes execution state for a recorded command buffer and
// tail-enqueues issuing its first block, per §4.6: "enqueue the issuer
// kernel for the entry block on the scheduler queue" applies even to block
// zero — issuing an EXECUTE entry never calls issue.IssueBlock inline.
func (s *Scheduler) issueExecute(e *Entry) {
	cb := e.Execute.CommandBuffer
	lease, buf, err := s.kernargArena.Acquire(int(cb.MaxKernargCapacity))
	if err != nil {
		s.fatal(hostchannel.HostErrorExhausted, uint64(hostchannel.ResourceKernargArena), uint64(s.kernargArena.InFlight()))
		return
	}

	state := &issue.ExecutionState{
		Flags:            issue.TraceMode(s.features.clampTraceMode(uint8(e.Execute.TraceMode))),
		CommandBuffer:    cb,
		KernargLease:     lease,
		KernargStorage:   buf,
		ExecutionQueue:   s.execQueue,
		TraceBuffer:      s.traceBuffer,
		Bindings:         e.Execute.Bindings,
		CompletionSignal: s.signalPool.Get(e.Execute.CompletionSignal),
		SchedulerID:      s.id,
	}

	if err := s.Submit(Entry{Type: entryIssueBlock, continuation: state, blockIndex: 0}); err != nil {
		s.kernargArena.Release(lease)
		s.fatal(hostchannel.HostErrorExhausted, uint64(hostchannel.ResourceKernargArena), uint64(s.kernargArena.InFlight()))
	}
}

// issueBlockEntry is the internal continuation issueExecute and BRANCH tail
// calls enqueue: reserve a contiguous execution-queue range sized to the
// target block, run issue.IssueBlock over it, and act on whatever
// ControlEvents come back by enqueuing the next continuation — never by
// recursing directly, matching §4.6's tail-call framing.
func (s *Scheduler) issueBlockEntry(e *Entry, ws *wake.Set) {
	state := e.continuation
	if int(e.blockIndex) >= len(state.CommandBuffer.Blocks) {
		// A block ordinal with no block behind it is a recorder violation.
		s.fatal(hostchannel.HostErrorMalformed, uint64(cmdbuf.CmdBranch), uint64(e.blockIndex))
		return
	}
	block := &state.CommandBuffer.Blocks[e.blockIndex]
	baseIndex := state.ExecutionQueue.Reserve(uint64(block.MaxPacketCount))

	if state.TraceBuffer != nil {
		state.TraceBlockQueryBaseID = state.TraceBuffer.AcquireQueryRange(queryCountForMode(state.Flags, block.QueryMap))
	}

	outcome, err := issue.IssueBlock(state, block, baseIndex)
	if err != nil {
		s.fatal(hostchannel.HostErrorMalformed, uint64(block.CommandCount()), uint64(e.blockIndex))
		return
	}

	for _, target := range outcome.WakeTargets {
		ws.Add(target)
	}

	for _, ce := range outcome.ControlEvents {
		switch {
		case ce.Branch:
			if err := s.Submit(Entry{Type: entryIssueBlock, continuation: state, blockIndex: ce.TargetBlock}); err != nil {
				s.fatal(hostchannel.HostErrorExhausted, uint64(hostchannel.ResourceWakePool), 0)
			}
		case ce.Return:
			if err := s.Submit(Entry{Type: entryCommandBufferReturn, continuation: state}); err != nil {
				s.fatal(hostchannel.HostErrorExhausted, uint64(hostchannel.ResourceWakePool), 0)
			}
		}
	}
}

// queryCountForMode sizes the query-ID range a block issue needs: dispatch
// tracing consumes both the control and dispatch query counts a block's
// QueryMap reserved, control tracing only the control count, and anything
// below that needs no query range at all since nothing will stamp into it.
func queryCountForMode(mode issue.TraceMode, qm cmdbuf.QueryMap) uint32 {
	switch {
	case mode.IncludesDispatch():
		return qm.MaxControlQueryCount + qm.MaxDispatchQueryCount
	case mode.IncludesControl():
		return qm.MaxControlQueryCount
	default:
		return 0
	}
}

// issueCommandBufferReturn tears down an execution whose terminating RETURN
// packet has already been published: release the kernarg lease, tell the
// host the resources behind it are free, and decrement the execution's
// top-level completion signal.
func (s *Scheduler) issueCommandBufferReturn(e *Entry) {
	state := e.continuation
	s.kernargArena.Release(state.KernargLease)
	if s.hostChannel != nil {
		s.hostChannel.PostRelease([4]uint64{uint64(state.KernargLease)}, state.CompletionSignal)
	}
	if state.CompletionSignal != nil {
		state.CompletionSignal.Add(-1, hwatomic.ScopeSystem)
	}
}
