// Package issue implements the command-buffer issue engine from §4.6: a
// parallel, per-command translator from a recorded cmdbuf.Block into AQL
// packets on an execution queue, plus the indirect-dispatch fixup builtin.
//
// Each worker does independent work against its own command, and the block
// issuer performs one join at the end: N commands batched into one
// block-issue join.
package issue

import (
	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/respool"
	"github.com/behrlich/aqlsched/signal"
	"github.com/behrlich/aqlsched/trace"
)

// TraceMode selects which categories of trace events an execution records.
// Per §4.6 step 2, the modes nest: dispatch tracing implies control tracing
// implies serialization.
type TraceMode uint8

const (
	TraceNone TraceMode = iota
	TraceSerialization
	TraceControl
	TraceDispatch
)

func (m TraceMode) IncludesControl() bool  { return m >= TraceControl }
func (m TraceMode) IncludesDispatch() bool { return m >= TraceDispatch }

// ExecutionState is the mutable per-in-flight-execution record described in
// §3: created when an EXECUTE entry is issued, reused across the blocks of
// one execution (only one block runs at a time, so kernarg storage is
// overlaid rather than duplicated), and torn down when the terminating
// RETURN reaches the scheduler.
type ExecutionState struct {
	Flags                 TraceMode
	CommandBuffer         *cmdbuf.CommandBuffer
	KernargLease          respool.LeaseID
	KernargStorage        []byte
	ExecutionQueue        *aqlqueue.Queue
	TraceBuffer           *trace.Buffer
	TraceBlockQueryBaseID uint32
	Bindings              []uint64
	CompletionSignal      *signal.Signal

	// ActiveBlock is the block currently being issued by IssueBlock; IssueBlock
	// sets it on entry, since embedded-data offsets in a command record are
	// only meaningful relative to the block that owns them.
	ActiveBlock *cmdbuf.Block

	// SchedulerID identifies which scheduler owns this execution, for
	// Outcome.WakeTargets/ControlEvent routing.
	SchedulerID uint32
}

// ControlEvent reports a non-packet control-flow outcome from issuing one
// command (BRANCH or RETURN), which the scheduler must act on after the
// block-issue join completes rather than being expressed as an AQL packet.
type ControlEvent struct {
	Branch      bool
	TargetBlock uint32
	Return      bool
}

// Outcome summarizes a completed IssueBlock call.
type Outcome struct {
	WakeTargets   []uint32
	ControlEvents []ControlEvent
}
