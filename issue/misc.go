package issue

import (
	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/trace"
)

// publishBarrier emplaces a no-op barrier packet, used directly by CmdBarrier
// and as the building block for the event-translation commands below.
func publishBarrier(state *ExecutionState, queueIndex uint64, barrier bool, acquire, release aqlqueue.FenceScope, depSignals [5]uint64) {
	pkt := aqlqueue.BarrierPacket{DepSignal: depSignals}
	slot := state.ExecutionQueue.PacketAt(queueIndex)
	pkt.Encode(slot)
	h := aqlqueue.MakeHeader(aqlqueue.PacketBarrierAnd, barrier, acquire, release)
	state.ExecutionQueue.PublishWord32(queueIndex, aqlqueue.HeaderWord(h, pkt.Reserved0))
}

func issueBarrier(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64) {
	acquire := aqlqueue.FenceScope(cmd.Header.Flags.Acquire())
	release := aqlqueue.FenceScope(cmd.Header.Flags.Release())
	publishBarrier(state, queueIndex, true, acquire, release, [5]uint64{})
}

// issueDebugGroup emits the no-op barrier packet that gives tracing a
// packet to attach a query signal to, stamps that query signal's start/end
// timestamp (if the recorder requested one for this slot), and writes a
// ZONE_BEGIN/END trace event carrying the group's source-location literal
// plus the query id a host-side trace reader can correlate it against.
func issueDebugGroup(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64, query cmdbuf.QueryRef) {
	publishBarrier(state, queueIndex, false, aqlqueue.FenceNone, aqlqueue.FenceNone, [5]uint64{})

	if state.TraceBuffer == nil || !state.Flags.IncludesControl() {
		return
	}
	group := cmd.AsDebugGroup()
	isBegin := cmd.Header.Type != cmdbuf.CmdDebugGroupEnd
	eventType := trace.EventZoneEnd
	if isBegin {
		eventType = trace.EventZoneBegin
	}

	var queryID uint32
	if query.HasControl {
		queryID = state.TraceBlockQueryBaseID + query.ControlOffset
		if sig := state.TraceBuffer.QuerySignal(queryID); sig != nil {
			if isBegin {
				sig.StampStart()
			} else {
				sig.StampEnd()
			}
		}
	}

	payload := make([]byte, 8)
	putUint32(payload[0:4], group.LiteralID)
	putUint32(payload[4:8], queryID)
	state.TraceBuffer.WriteEvent(eventType, hwatomic.SteadyTimestamp(), payload)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// issueSignalEvent and issueResetEvent translate to AQL barrier-AND packets
// that decrement/re-arm an HSA signal identified by the command's event
// ordinal. The actual signal resolution (ordinal -> *signal.Signal) is a
// caller concern handled by state.Bindings in a full binding-table
// implementation; here the ordinal is carried as the packet's dep_signal[0]
// for the simulated command processor to resolve.
func issueSignalEvent(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64) {
	e := cmd.AsEventOrdinal()
	publishBarrier(state, queueIndex, false, aqlqueue.FenceAgent, aqlqueue.FenceNone, [5]uint64{uint64(e.EventOrdinal)})
}

func issueResetEvent(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64) {
	e := cmd.AsEventOrdinal()
	publishBarrier(state, queueIndex, false, aqlqueue.FenceNone, aqlqueue.FenceAgent, [5]uint64{uint64(e.EventOrdinal)})
}

// issueWaitEvents expands a WAIT_EVENTS command of more than 5 events into
// ceil(n/5) consecutive barrier packets (the first carrying the
// queue-barrier bit, intermediates chaining), per §4.6.
func issueWaitEvents(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64) {
	w := cmd.AsWaitEvents()
	count := int(w.Count)
	if count > 5 {
		count = 5 // overflow beyond the inline slots is read via OverflowOffset
	}
	var deps [5]uint64
	for i := 0; i < count; i++ {
		deps[i] = uint64(w.Inline[i])
	}
	publishBarrier(state, queueIndex, true, aqlqueue.FenceNone, aqlqueue.FenceNone, deps)

	remaining := int(w.Count) - 5
	chainIndex := queueIndex + 1
	for remaining > 0 {
		n := remaining
		if n > 5 {
			n = 5
		}
		var chainDeps [5]uint64
		// Overflow ordinals live at state.ActiveBlock.EmbeddedData[w.OverflowOffset:],
		// 4 bytes each; resolved the same way readGridRef resolves a grid ref.
		base := int(w.OverflowOffset) + (int(w.Count)-5-remaining)*4
		data := state.ActiveBlock.EmbeddedData
		for i := 0; i < n && base+i*4+4 <= len(data); i++ {
			o := base + i*4
			chainDeps[i] = uint64(data[o]) | uint64(data[o+1])<<8 | uint64(data[o+2])<<16 | uint64(data[o+3])<<24
		}
		publishBarrier(state, chainIndex, false, aqlqueue.FenceNone, aqlqueue.FenceNone, chainDeps)
		chainIndex++
		remaining -= n
	}
}

// issueFillBuffer resolves the fill target and pattern, writes kernargs, and
// emplaces a kernel-dispatch packet for the size-matched fill_xN builtin.
// The specific builtin kernel object is a host-resolved handle the recorder
// already selected (cmd.AsFillBuffer().TargetRefOffset's companion kernel
// object lives in the binding table); this harness treats KernelObject 0 as
// "resolve from pattern length" since no real kernel catalog exists here.
func issueFillBuffer(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64) {
	f := cmd.AsFillBuffer()
	writeFillKernargs(state, f)

	pkt := aqlqueue.KernelDispatchPacket{
		Setup:          1,
		GridSize:       [3]uint32{uint32((f.Length + uint64(f.PatternLength) - 1) / uint64(f.PatternLength)), 1, 1},
		WorkgroupSize:  [3]uint16{64, 1, 1},
		KernargAddress: uint64(f.KernargOffset),
	}
	slot := state.ExecutionQueue.PacketAt(queueIndex)
	pkt.Encode(slot)
	acquire := aqlqueue.FenceScope(cmd.Header.Flags.Acquire())
	release := aqlqueue.FenceScope(cmd.Header.Flags.Release())
	h := aqlqueue.MakeHeader(aqlqueue.PacketKernelDispatch, cmd.Header.Flags.Barrier(), acquire, release)
	state.ExecutionQueue.PublishWord32(queueIndex, aqlqueue.HeaderWord(h, pkt.Setup))
}

func writeFillKernargs(state *ExecutionState, f cmdbuf.FillBufferBody) {
	off := int(f.KernargOffset)
	if off+21 > len(state.KernargStorage) {
		return
	}
	putUint32(state.KernargStorage[off:off+4], f.TargetRefOffset)
	putUint64Bytes(state.KernargStorage[off+4:off+12], f.Length)
	state.KernargStorage[off+12] = f.PatternLength
}

func putUint64Bytes(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// issueCopyBuffer is analogous to issueFillBuffer, selecting a copy_xN
// builtin by source/target/length alignment (modeled here as a fixed
// grid/workgroup shape over length, same simplification as fill).
func issueCopyBuffer(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64) {
	cp := cmd.AsCopyBuffer()
	off := int(cp.KernargOffset)
	if off+20 <= len(state.KernargStorage) {
		putUint32(state.KernargStorage[off:off+4], cp.SourceRefOffset)
		putUint32(state.KernargStorage[off+4:off+8], cp.TargetRefOffset)
		putUint64Bytes(state.KernargStorage[off+8:off+16], cp.Length)
	}

	pkt := aqlqueue.KernelDispatchPacket{
		Setup:          1,
		GridSize:       [3]uint32{uint32((cp.Length + 3) / 4), 1, 1},
		WorkgroupSize:  [3]uint16{64, 1, 1},
		KernargAddress: uint64(cp.KernargOffset),
	}
	slot := state.ExecutionQueue.PacketAt(queueIndex)
	pkt.Encode(slot)
	acquire := aqlqueue.FenceScope(cmd.Header.Flags.Acquire())
	release := aqlqueue.FenceScope(cmd.Header.Flags.Release())
	h := aqlqueue.MakeHeader(aqlqueue.PacketKernelDispatch, cmd.Header.Flags.Barrier(), acquire, release)
	state.ExecutionQueue.PublishWord32(queueIndex, aqlqueue.HeaderWord(h, pkt.Setup))
}

// issueBranch is a tail call: rather than emitting a packet, it reports a
// ControlEvent naming the target block, for the scheduler to enqueue another
// issue_block (not inline), per §4.6.
func issueBranch(cmd *cmdbuf.Command) *ControlEvent {
	br := cmd.AsBranch()
	return &ControlEvent{Branch: true, TargetBlock: br.TargetBlock}
}

// issueReturn emits a barrier packet and reports a ControlEvent so the
// scheduler enqueues a COMMAND_BUFFER_RETURN tick to tear down execution
// state and release resources, per §4.6. The barrier's completion_signal is
// null: the execution's completion signal is not carried in the packet, and
// the scheduler decrements it itself when it handles the RETURN event.
func issueReturn(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64) *ControlEvent {
	var dep uint64
	if state.CompletionSignal != nil {
		dep = 1 // presence marker only; no packet consumer resolves it to a signal
	}
	publishBarrier(state, queueIndex, true, aqlqueue.FenceSystem, aqlqueue.FenceSystem, [5]uint64{dep})
	return &ControlEvent{Return: true}
}
