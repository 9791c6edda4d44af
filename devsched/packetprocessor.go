package devsched

import (
	"time"

	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/hostchannel"
	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/issue"
	"github.com/behrlich/aqlsched/signal"
)

// pollIdle is how long the packet/host-post processors sleep between polls
// of an empty ring, bounded well below the scheduler's own hwatomic.Backoff
// ceiling since these consumer loops have no upper bound on how long they
// may legitimately sit idle between bursts of submitted work.
const pollIdle = 200 * time.Microsecond

// runPacketProcessor stands in for the hardware AQL packet processor (§5):
// it polls the scheduler's execution queue write index, waits for each
// slot's INVALID->typed transition exactly as real hardware would, and
// resolves whatever completion signal the packet carries. It is the
// harness's only consumer of Scheduler.ExecutionQueue: one goroutine polls,
// processes, and advances, the same shape as any ring-buffer consumer loop.
func (sim *Simulator) runPacketProcessor() {
	defer sim.wg.Done()
	q := sim.sched.ExecutionQueue()

	for {
		select {
		case <-sim.ctx.Done():
			return
		default:
		}

		ri := q.ReadIndex()
		wi := q.WriteIndex()
		if ri >= wi {
			sim.idleSleep()
			continue
		}

		header := q.HeaderAt(ri)
		if header.Type() == aqlqueue.PacketInvalid {
			// Reserved but not yet published by a concurrent block-issue
			// worker; real hardware would spin here too.
			sim.idleSleep()
			continue
		}

		sim.processExecPacket(q, ri, header)
		q.InvalidateAt(ri)
		q.AdvanceReadIndex(ri + 1)
	}
}

// processExecPacket dispatches on header type, resolving completion signals
// for the packet kinds that carry one. Ordinary in-block KERNEL_DISPATCH
// packets issued by issue.IssueBlock do not carry a completion signal (the
// owning command buffer's completion is decremented once, when its
// terminating RETURN reaches the scheduler); only the standalone
// FILL/COPY/BARRIER queue entries and the fixup-built dynamic-indirect
// dispatch carry one directly in the packet.
func (sim *Simulator) processExecPacket(q *aqlqueue.Queue, index uint64, header aqlqueue.Header) {
	switch header.Type() {
	case aqlqueue.PacketKernelDispatch:
		if issue.RunFixup(q, index) {
			// This slot was a dispatch-indirect-dynamic fixup builtin; the
			// fixup has already published the real dispatch at index+1, so
			// there's nothing else to resolve at this slot.
			return
		}
		issue.ResolveQuery(q, index)
		pkt := aqlqueue.DecodeKernelDispatchPacket(q.PacketAt(index))
		sim.resolveCompletion(pkt.CompletionSignal)
	case aqlqueue.PacketBarrierAnd, aqlqueue.PacketBarrierOr:
		pkt := aqlqueue.DecodeBarrierPacket(q.PacketAt(index))
		sim.resolveCompletion(pkt.CompletionSignal)
	default:
		sim.logger.Warnf("devsched: scheduler %d unexpected packet type %v on execution queue", sim.id, header.Type())
	}
}

func (sim *Simulator) resolveCompletion(handle uint64) {
	if handle == uint64(signal.Null) {
		return
	}
	if sig := sim.sched.SignalPool().Get(signal.Handle(handle)); sig != nil {
		sig.Add(-1, hwatomic.ScopeSystem)
	}
}

// runHostProcessor stands in for the host runtime's side of the Post
// Channel (§4.7): it drains the device->host agent-dispatch ring and acts on
// each of the six host-call types. Pool growth/trim, resource release,
// POST_ERROR and POST_SIGNAL are only logged (this harness's
// alloca.HostPool already grows without bound, and issueCommandBufferReturn
// decrements the real completion signal itself right after posting the
// release); POST_TRACE_FLUSH is the one call acted on, by advancing the
// trace ring's read-commit offset.
func (sim *Simulator) runHostProcessor() {
	defer sim.wg.Done()
	q := sim.hostQueue

	for {
		select {
		case <-sim.ctx.Done():
			return
		default:
		}

		ri := q.ReadIndex()
		wi := q.WriteIndex()
		if ri >= wi {
			sim.idleSleep()
			continue
		}

		header := q.HeaderAt(ri)
		if header.Type() == aqlqueue.PacketInvalid {
			sim.idleSleep()
			continue
		}

		pkt := aqlqueue.DecodeAgentDispatchPacket(q.PacketAt(ri))
		sim.handleHostCall(hostchannel.CallType(pkt.Type), pkt)
		q.InvalidateAt(ri)
		q.AdvanceReadIndex(ri + 1)
	}
}

func (sim *Simulator) handleHostCall(call hostchannel.CallType, pkt aqlqueue.AgentDispatchPacket) {
	switch call {
	case hostchannel.CallPoolGrow:
		sim.logger.Debugf("devsched: scheduler %d pool grow requested kind=%#x amount=%d", sim.id, pkt.Arg[0], pkt.Arg[1])
	case hostchannel.CallPoolTrim:
		sim.logger.Debugf("devsched: scheduler %d pool trim requested kind=%#x target=%d", sim.id, pkt.Arg[0], pkt.Arg[1])
	case hostchannel.CallPostRelease:
		sim.logger.Debugf("devsched: scheduler %d resources released %v", sim.id, pkt.Arg)
	case hostchannel.CallPostError:
		code := hostchannel.HostErrorCode(pkt.ReturnAddress)
		sim.logger.Errorf("devsched: scheduler %d fatal error code=%v arg0=%d arg1=%d", sim.id, code, pkt.Arg[0], pkt.Arg[1])
	case hostchannel.CallPostSignal:
		sim.logger.Debugf("devsched: scheduler %d signal advanced ref=%#x payload=%d", sim.id, pkt.ReturnAddress, int64(pkt.Arg[0]))
	case hostchannel.CallTraceFlush:
		sim.drainTrace()
	default:
		sim.logger.Warnf("devsched: scheduler %d unknown host call type %d", sim.id, call)
	}
}

// drainTrace advances the scheduler's trace ring read-commit-offset to its
// current write-commit-offset, simulating the host draining a flush request
// into its own trace sink (out of scope here; see §6 trace event stream).
func (sim *Simulator) drainTrace() {
	tb := sim.sched.TraceBuffer()
	if tb == nil {
		return
	}
	tb.AdvanceReadCommit(tb.WriteCommitOffset())
}

func (sim *Simulator) idleSleep() {
	select {
	case <-sim.ctx.Done():
	case <-time.After(pollIdle):
	}
}
