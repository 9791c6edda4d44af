package issue

import (
	"encoding/binary"
	"sync"

	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/trace"
)

// issueDispatch handles CmdDispatch (direct): resolve bindings into kernarg
// scratch, append inline constants, copy the dispatch template, set
// grid_size from the record, then publish, per §4.6.
func issueDispatch(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64, query cmdbuf.QueryRef) {
	d := cmd.AsDispatch()
	writeKernargs(state, cmd, d)
	publishKernelDispatch(state, cmd, queueIndex, d, d.GridSize, query)
}

// issueDispatchIndirectStatic handles CmdDispatchIndirectStatic: identical to
// the direct form except grid_size is resolved at issue time from a
// device-visible uint32[3] buffer (the command's embedded-data region),
// rather than carried inline in the record.
func issueDispatchIndirectStatic(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64, query cmdbuf.QueryRef) {
	d := cmd.AsDispatch()
	writeKernargs(state, cmd, d)
	grid := readGridRef(state, d.IndirectGridRefOffset)
	publishKernelDispatch(state, cmd, queueIndex, d, grid, query)
}

// issueDispatchIndirectDynamic handles CmdDispatchIndirectDynamic: emits two
// consecutive packets. The first is a single-work-item fixup builtin whose
// kernargs carry a pointer to the still-INVALID second packet; when the
// simulated command processor reaches packet 1, it invokes the registered
// fixup (RunFixup, in this file), which overwrites grid_size in packet 2 and publishes
// it (INVALID -> KERNEL_DISPATCH). The real hardware processor blocks on
// packet 2's INVALID header until that happens; this harness models the same
// handoff by never publishing packet 2 until the fixup runs.
func issueDispatchIndirectDynamic(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64, query cmdbuf.QueryRef) {
	d := cmd.AsDispatch()
	writeKernargs(state, cmd, d)

	fixupIndex := queueIndex
	dispatchIndex := queueIndex + 1

	grid := readGridRef(state, d.IndirectGridRefOffset)
	fixup := func() {
		publishKernelDispatch(state, cmd, dispatchIndex, d, grid, query)
	}
	registerFixup(state.ExecutionQueue, fixupIndex, fixup)

	// Packet 1 is a no-op builtin marker; its own header publish (not a real
	// compute dispatch) is what the command processor polls for before
	// invoking the fixup.
	builtin := aqlqueue.KernelDispatchPacket{Setup: 0, GridSize: [3]uint32{1, 1, 1}}
	slot := state.ExecutionQueue.PacketAt(fixupIndex)
	builtin.Encode(slot)
	h := aqlqueue.MakeHeader(aqlqueue.PacketKernelDispatch, false, aqlqueue.FenceNone, aqlqueue.FenceNone)
	state.ExecutionQueue.PublishWord32(fixupIndex, aqlqueue.HeaderWord(h, builtin.Setup))
}

// readGridRef resolves an indirect-dispatch grid size from the active
// block's embedded-data region, where the recorder placed a device-visible
// uint32[3] at the command's IndirectGridRefOffset.
func readGridRef(state *ExecutionState, offset uint32) [3]uint32 {
	var grid [3]uint32
	data := state.ActiveBlock.EmbeddedData
	if int(offset)+12 > len(data) {
		return grid
	}
	for i := 0; i < 3; i++ {
		o := int(offset) + i*4
		grid[i] = uint32(data[o]) | uint32(data[o+1])<<8 | uint32(data[o+2])<<16 | uint32(data[o+3])<<24
	}
	return grid
}

func writeKernargs(state *ExecutionState, cmd *cmdbuf.Command, d cmdbuf.DispatchBody) {
	if int(d.KernargOffset)+16 > len(state.KernargStorage) {
		return
	}
	// Binding table and inline constants are copied verbatim from the
	// command buffer's embedded data into the execution's kernarg scratch;
	// the actual resolution of binding refs into device addresses is a
	// host-delegated concern (alloca) this harness models as an identity
	// copy of the already-resolved Bindings table.
	for i, b := range state.Bindings {
		off := int(d.KernargOffset) + i*8
		if off+8 > len(state.KernargStorage) {
			break
		}
		putUint64(state.KernargStorage[off:off+8], b)
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func publishKernelDispatch(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64, d cmdbuf.DispatchBody, grid [3]uint32, query cmdbuf.QueryRef) {
	pkt := aqlqueue.KernelDispatchPacket{
		Setup:              1,
		WorkgroupSize:      d.WorkgroupSize,
		GridSize:           grid,
		PrivateSegmentSize: d.PrivateSegmentSize,
		GroupSegmentSize:   d.GroupSegmentSize,
		KernelObject:       d.KernelObject,
		KernargAddress:     uint64(d.KernargOffset),
	}

	slot := state.ExecutionQueue.PacketAt(queueIndex)
	pkt.Encode(slot)

	if query.HasDispatch && state.Flags.IncludesDispatch() && state.TraceBuffer != nil {
		queryID := state.TraceBlockQueryBaseID + query.DispatchOffset
		if sig := state.TraceBuffer.QuerySignal(queryID); sig != nil {
			sig.StampStart()
			registerQuery(state.ExecutionQueue, queueIndex, queryRecord{
				buffer:       state.TraceBuffer,
				queryID:      queryID,
				kernelObject: d.KernelObject,
			})
			payload := make([]byte, 12)
			binary.LittleEndian.PutUint32(payload[0:4], queryID)
			binary.LittleEndian.PutUint64(payload[4:12], d.KernelObject)
			state.TraceBuffer.WriteEvent(trace.EventExecutionZoneBegin, hwatomic.SteadyTimestamp(), payload)
		}
	}

	acquire, release := aqlqueue.FenceScope(cmd.Header.Flags.Acquire()), aqlqueue.FenceScope(cmd.Header.Flags.Release())
	h := aqlqueue.MakeHeader(aqlqueue.PacketKernelDispatch, cmd.Header.Flags.Barrier(), acquire, release)
	state.ExecutionQueue.PublishWord32(queueIndex, aqlqueue.HeaderWord(h, pkt.Setup))
}

// fixupRegistry maps a queue index holding a fixup builtin packet to the
// closure that patches and publishes the following packet. Owned per
// execution queue so the simulated command processor (devsched) can look up
// and invoke it instead of treating the slot as an ordinary compute
// dispatch.
type fixupRegistry struct {
	mu      sync.Mutex
	byQueue map[*aqlqueue.Queue]map[uint64]func()
}

var fixups = &fixupRegistry{byQueue: make(map[*aqlqueue.Queue]map[uint64]func())}

func registerFixup(q *aqlqueue.Queue, index uint64, fn func()) {
	fixups.mu.Lock()
	defer fixups.mu.Unlock()
	m, ok := fixups.byQueue[q]
	if !ok {
		m = make(map[uint64]func())
		fixups.byQueue[q] = m
	}
	m[index] = fn
}

// RunFixup invokes and removes the fixup registered at (q, index), if any,
// reporting whether one was found. The simulated command processor calls
// this before treating a KERNEL_DISPATCH packet as an ordinary dispatch.
func RunFixup(q *aqlqueue.Queue, index uint64) bool {
	fixups.mu.Lock()
	m, ok := fixups.byQueue[q]
	if !ok {
		fixups.mu.Unlock()
		return false
	}
	fn, ok := m[index]
	if ok {
		delete(m, index)
	}
	fixups.mu.Unlock()
	if !ok {
		return false
	}
	fn()
	return true
}
