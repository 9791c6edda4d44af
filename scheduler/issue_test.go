package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/issue"
	"github.com/behrlich/aqlsched/signal"
)

func TestQueryCountForModeSizesRangeByTraceMode(t *testing.T) {
	qm := cmdbuf.QueryMap{MaxControlQueryCount: 2, MaxDispatchQueryCount: 3}

	assert.Equal(t, uint32(0), queryCountForMode(issue.TraceNone, qm))
	assert.Equal(t, uint32(0), queryCountForMode(issue.TraceSerialization, qm))
	assert.Equal(t, uint32(2), queryCountForMode(issue.TraceControl, qm))
	assert.Equal(t, uint32(5), queryCountForMode(issue.TraceDispatch, qm))
}

// TestIssueBlockEntryStampsQueryStartTimestamp exercises the Review-flagged
// path end to end: a block carrying a dispatch with a requested query,
// issued under dispatch-level tracing, must have its query signal stamped
// with a start timestamp by the time its command buffer's RETURN tears down
// execution state (end is stamped later, when a simulated command processor
// resolves the packet via issue.ResolveQuery — this harness has none, see
// devsched for that half).
func TestIssueBlockEntryStampsQueryStartTimestamp(t *testing.T) {
	cfg := smallConfig()
	cfg.TraceCapacity = 256
	cfg.TraceQueryCapacity = 4
	cfg.Features = FeatureDispatchTrace | FeatureControlTrace

	s, _, _ := newTestScheduler(t, cfg)

	bld := cmdbuf.NewBuilder(2)
	bld.AddWithQuery(
		cmdbuf.Header{Type: cmdbuf.CmdDispatch, PacketOffset: 0},
		cmdbuf.DispatchRaw(cmdbuf.DispatchBody{KernelObject: 0x1, GridSize: [3]uint32{4, 1, 1}}),
		cmdbuf.QueryRef{HasDispatch: true},
	)
	bld.Add(cmdbuf.Header{Type: cmdbuf.CmdReturn, PacketOffset: 1}, [60]byte{})
	block := bld.Build()
	require.Equal(t, uint32(1), block.QueryMap.MaxDispatchQueryCount)

	cb := &cmdbuf.CommandBuffer{MaxKernargCapacity: 64, Blocks: []cmdbuf.Block{block}}

	doneH, err := s.SignalPool().Acquire(1, signal.KindUser)
	require.NoError(t, err)
	done := s.SignalPool().Get(doneH)

	require.NoError(t, s.Submit(Entry{
		Type: EntryExecute,
		Execute: ExecuteArgs{
			CommandBuffer:    cb,
			CompletionSignal: doneH,
			TraceMode:        issue.TraceDispatch,
		},
	}))

	done.Wait(signal.CondEQ, 0)

	sig := s.TraceBuffer().QuerySignal(0)
	require.NotNil(t, sig)
	start, _ := sig.Timestamps()
	assert.NotZero(t, start)
}
