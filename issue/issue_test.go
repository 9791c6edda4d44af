package issue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/signal"
	"github.com/behrlich/aqlsched/trace"
)

func newTestQueue(t *testing.T, size uint64) *aqlqueue.Queue {
	t.Helper()
	q, err := aqlqueue.NewQueue(1, size, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestIssueBlockDispatchPublishesKernelDispatchPacket(t *testing.T) {
	q := newTestQueue(t, 4)

	bld := cmdbuf.NewBuilder(1)
	bld.Add(
		cmdbuf.Header{Type: cmdbuf.CmdDispatch, PacketOffset: 0},
		cmdbuf.DispatchRaw(cmdbuf.DispatchBody{KernelObject: 0xc0ffee, GridSize: [3]uint32{16, 1, 1}}),
	)
	block := bld.Build()

	state := &ExecutionState{
		ExecutionQueue: q,
		KernargStorage: make([]byte, 256),
	}

	outcome, err := IssueBlock(state, &block, 0)
	require.NoError(t, err)
	assert.Empty(t, outcome.ControlEvents)

	h := q.HeaderAt(0)
	assert.Equal(t, aqlqueue.PacketKernelDispatch, h.Type())
	decoded := aqlqueue.DecodeKernelDispatchPacket(q.PacketAt(0))
	assert.Equal(t, uint64(0xc0ffee), decoded.KernelObject)
	assert.Equal(t, [3]uint32{16, 1, 1}, decoded.GridSize)
}

func TestIssueBlockBranchReturnsControlEvent(t *testing.T) {
	q := newTestQueue(t, 4)

	bld := cmdbuf.NewBuilder(1)
	bld.Add(cmdbuf.Header{Type: cmdbuf.CmdBranch, PacketOffset: 0}, cmdbuf.BranchRaw(cmdbuf.BranchBody{TargetBlock: 3}))
	block := bld.Build()

	state := &ExecutionState{ExecutionQueue: q, KernargStorage: make([]byte, 64)}
	outcome, err := IssueBlock(state, &block, 0)
	require.NoError(t, err)
	require.Len(t, outcome.ControlEvents, 1)
	assert.True(t, outcome.ControlEvents[0].Branch)
	assert.Equal(t, uint32(3), outcome.ControlEvents[0].TargetBlock)
}

func TestIssueBlockReturnPublishesSystemScopeBarrier(t *testing.T) {
	q := newTestQueue(t, 4)

	bld := cmdbuf.NewBuilder(1)
	bld.Add(cmdbuf.Header{Type: cmdbuf.CmdReturn, PacketOffset: 0}, [60]byte{})
	block := bld.Build()

	var completion signal.Signal
	completion.Init(1, signal.KindUser)
	state := &ExecutionState{ExecutionQueue: q, KernargStorage: make([]byte, 64), CompletionSignal: &completion}

	outcome, err := IssueBlock(state, &block, 0)
	require.NoError(t, err)
	require.Len(t, outcome.ControlEvents, 1)
	assert.True(t, outcome.ControlEvents[0].Return)

	h := q.HeaderAt(0)
	assert.Equal(t, aqlqueue.FenceSystem, h.ReleaseScope())
}

func TestIssueDispatchIndirectDynamicRegistersFixup(t *testing.T) {
	q := newTestQueue(t, 4)

	bld := cmdbuf.NewBuilder(2)
	bld.Add(
		cmdbuf.Header{Type: cmdbuf.CmdDispatchIndirectDynamic, PacketOffset: 0},
		cmdbuf.DispatchRaw(cmdbuf.DispatchBody{KernelObject: 0xabc, IndirectGridRefOffset: 0}),
	)
	grid := []byte{8, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0}
	bld.AppendEmbedded(grid)
	block := bld.Build()

	state := &ExecutionState{ExecutionQueue: q, KernargStorage: make([]byte, 64)}
	_, err := IssueBlock(state, &block, 0)
	require.NoError(t, err)

	// Second packet must remain INVALID until the fixup runs.
	assert.Equal(t, aqlqueue.PacketInvalid, q.HeaderAt(1).Type())

	ran := RunFixup(q, 0)
	assert.True(t, ran)
	assert.Equal(t, aqlqueue.PacketKernelDispatch, q.HeaderAt(1).Type())
	decoded := aqlqueue.DecodeKernelDispatchPacket(q.PacketAt(1))
	assert.Equal(t, [3]uint32{8, 1, 1}, decoded.GridSize)

	assert.False(t, RunFixup(q, 0), "fixup must only run once")
}

func TestIssueWaitEventsExpandsOverflowIntoChainedBarriers(t *testing.T) {
	q := newTestQueue(t, 4)

	bld := cmdbuf.NewBuilder(2)
	overflow := []byte{6, 0, 0, 0}
	off := bld.AppendEmbedded(overflow)
	bld.Add(
		cmdbuf.Header{Type: cmdbuf.CmdWaitEvents, PacketOffset: 0},
		cmdbuf.WaitEventsRaw(cmdbuf.WaitEventsBody{Count: 6, Inline: [5]uint32{1, 2, 3, 4, 5}, OverflowOffset: off}),
	)
	block := bld.Build()

	state := &ExecutionState{ExecutionQueue: q, KernargStorage: make([]byte, 64)}
	_, err := IssueBlock(state, &block, 0)
	require.NoError(t, err)

	assert.Equal(t, aqlqueue.PacketBarrierAnd, q.HeaderAt(0).Type())
	assert.True(t, q.HeaderAt(0).Barrier())
	assert.Equal(t, aqlqueue.PacketBarrierAnd, q.HeaderAt(1).Type())
	assert.False(t, q.HeaderAt(1).Barrier())
}

// TestIssueDispatchStampsQueryStartAndRegistersResolve exercises the
// Review-flagged query-ID consumption: a dispatch issued with a requested
// query under dispatch-level tracing must stamp that query signal's start_ts
// at issue time, write an EXECUTION_ZONE_BEGIN event, and register the
// dispatch so ResolveQuery can later stamp end_ts and write the paired
// EXECUTION_ZONE_END once the simulated command processor resolves it.
func TestIssueDispatchStampsQueryStartAndRegistersResolve(t *testing.T) {
	q := newTestQueue(t, 4)
	tb, err := trace.NewBuffer(256, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tb.Close() })

	bld := cmdbuf.NewBuilder(1)
	bld.AddWithQuery(
		cmdbuf.Header{Type: cmdbuf.CmdDispatch, PacketOffset: 0},
		cmdbuf.DispatchRaw(cmdbuf.DispatchBody{KernelObject: 0xdead, GridSize: [3]uint32{2, 1, 1}}),
		cmdbuf.QueryRef{HasDispatch: true},
	)
	block := bld.Build()
	require.Equal(t, uint32(1), block.QueryMap.MaxDispatchQueryCount)

	state := &ExecutionState{
		ExecutionQueue:        q,
		KernargStorage:        make([]byte, 64),
		TraceBuffer:           tb,
		Flags:                 TraceDispatch,
		TraceBlockQueryBaseID: tb.AcquireQueryRange(block.QueryMap.MaxControlQueryCount + block.QueryMap.MaxDispatchQueryCount),
	}

	_, err = IssueBlock(state, &block, 0)
	require.NoError(t, err)

	sig := tb.QuerySignal(state.TraceBlockQueryBaseID)
	require.NotNil(t, sig)
	start, end := sig.Timestamps()
	assert.NotZero(t, start)
	assert.Zero(t, end)

	resolved := ResolveQuery(q, 0)
	assert.True(t, resolved)
	_, end = sig.Timestamps()
	assert.NotZero(t, end)

	assert.False(t, ResolveQuery(q, 0), "a resolved query must not resolve twice")
}

// TestIssueDebugGroupStampsControlQuery mirrors the dispatch case for
// DEBUG_GROUP_BEGIN/END: control-level tracing is enough (dispatch tracing
// is not required). Begin and End each hold their own requested query slot
// (Build assigns control offsets sequentially per command, not shared
// between a begin/end pair), so each stamps only its own half of the pair.
func TestIssueDebugGroupStampsControlQuery(t *testing.T) {
	q := newTestQueue(t, 4)
	tb, err := trace.NewBuffer(256, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tb.Close() })

	bld := cmdbuf.NewBuilder(2)
	bld.AddWithQuery(
		cmdbuf.Header{Type: cmdbuf.CmdDebugGroupBegin, PacketOffset: 0},
		cmdbuf.DebugGroupRaw(cmdbuf.DebugGroupBody{LiteralID: 7}),
		cmdbuf.QueryRef{HasControl: true},
	)
	bld.AddWithQuery(
		cmdbuf.Header{Type: cmdbuf.CmdDebugGroupEnd, PacketOffset: 1},
		cmdbuf.DebugGroupRaw(cmdbuf.DebugGroupBody{LiteralID: 7}),
		cmdbuf.QueryRef{HasControl: true},
	)
	block := bld.Build()
	require.Equal(t, uint32(2), block.QueryMap.MaxControlQueryCount)

	state := &ExecutionState{
		ExecutionQueue:        q,
		KernargStorage:        make([]byte, 64),
		TraceBuffer:           tb,
		Flags:                 TraceControl,
		TraceBlockQueryBaseID: tb.AcquireQueryRange(block.QueryMap.MaxControlQueryCount),
	}

	_, err = IssueBlock(state, &block, 0)
	require.NoError(t, err)

	beginSig := tb.QuerySignal(state.TraceBlockQueryBaseID + block.QueryMap.QueryIDs[0].ControlOffset)
	require.NotNil(t, beginSig)
	start, _ := beginSig.Timestamps()
	assert.NotZero(t, start)

	endSig := tb.QuerySignal(state.TraceBlockQueryBaseID + block.QueryMap.QueryIDs[1].ControlOffset)
	require.NotNil(t, endSig)
	_, end := endSig.Timestamps()
	assert.NotZero(t, end)
}
