package issue

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/internal/logging"
)

var log = logging.Default().WithTag("issue")

// IssueBlock runs command_buffer_issue_block: one work-item per command,
// fanned out from a bounded worker pool sized to GOMAXPROCS and joined
// before the block is considered issued, per §4.6. baseQueueIndex is the
// base of the contiguous execution-queue range the scheduler already
// reserved for this block (sized block.MaxPacketCount, all initially
// INVALID).
func IssueBlock(state *ExecutionState, block *cmdbuf.Block, baseQueueIndex uint64) (Outcome, error) {
	state.ActiveBlock = block

	workers := runtime.GOMAXPROCS(0)
	if workers > len(block.Commands) && len(block.Commands) > 0 {
		workers = len(block.Commands)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int, len(block.Commands))
	for i := range block.Commands {
		jobs <- i
	}
	close(jobs)

	var mu sync.Mutex
	var outcome Outcome
	var firstErr error
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pinWorker(workerID)
			for i := range jobs {
				cmd := &block.Commands[i]
				queueIndex := baseQueueIndex + uint64(cmd.Header.PacketOffset)
				query := cmdbuf.QueryRef{}
				if i < len(block.QueryMap.QueryIDs) {
					query = block.QueryMap.QueryIDs[i]
				}

				ev, err := issueOne(state, cmd, queueIndex, query)
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if ev != nil {
					outcome.ControlEvents = append(outcome.ControlEvents, *ev)
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	return outcome, firstErr
}

// pinWorker pins an issue worker goroutine to a CPU via
// unix.SchedSetaffinity, emulating compute-unit affinity for block-issue
// workers. Best-effort: affinity pinning is an optimization, never a
// correctness requirement, so failures are logged and ignored.
func pinWorker(workerID int) {
	var set unix.CPUSet
	set.Zero()
	set.Set(workerID % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Debugf("issue worker %d: affinity pin skipped: %v", workerID, err)
	}
	hwatomic.Yield()
}

func issueOne(state *ExecutionState, cmd *cmdbuf.Command, queueIndex uint64, query cmdbuf.QueryRef) (*ControlEvent, error) {
	switch cmd.Header.Type {
	case cmdbuf.CmdDebugGroupBegin, cmdbuf.CmdDebugGroupEnd:
		issueDebugGroup(state, cmd, queueIndex, query)
	case cmdbuf.CmdBarrier:
		issueBarrier(state, cmd, queueIndex)
	case cmdbuf.CmdSignalEvent:
		issueSignalEvent(state, cmd, queueIndex)
	case cmdbuf.CmdResetEvent:
		issueResetEvent(state, cmd, queueIndex)
	case cmdbuf.CmdWaitEvents:
		issueWaitEvents(state, cmd, queueIndex)
	case cmdbuf.CmdFillBuffer:
		issueFillBuffer(state, cmd, queueIndex)
	case cmdbuf.CmdCopyBuffer:
		issueCopyBuffer(state, cmd, queueIndex)
	case cmdbuf.CmdDispatch:
		issueDispatch(state, cmd, queueIndex, query)
	case cmdbuf.CmdDispatchIndirectStatic:
		issueDispatchIndirectStatic(state, cmd, queueIndex, query)
	case cmdbuf.CmdDispatchIndirectDynamic:
		issueDispatchIndirectDynamic(state, cmd, queueIndex, query)
	case cmdbuf.CmdBranch:
		return issueBranch(cmd), nil
	case cmdbuf.CmdReturn:
		return issueReturn(state, cmd, queueIndex), nil
	default:
		return nil, &MalformedError{PacketOffset: cmd.Header.PacketOffset}
	}
	return nil, nil
}

// MalformedError is returned for command types this issuer cannot translate
// (nested command buffers via CALL/RETURN-pair opcodes are not implemented;
// see SPEC_FULL.md §9 decision 3).
type MalformedError struct {
	PacketOffset uint16
}

func (e *MalformedError) Error() string {
	return "issue: malformed or unsupported command at packet_offset"
}
