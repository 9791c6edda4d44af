package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/aqlsched/alloca"
	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/cmdbuf"
	"github.com/behrlich/aqlsched/hostchannel"
	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/signal"
)

type testObserver struct {
	mu     sync.Mutex
	ticks  int
	errors []hostchannel.HostErrorCode
}

func (o *testObserver) TickCompleted() {
	o.mu.Lock()
	o.ticks++
	o.mu.Unlock()
}
func (o *testObserver) EntryIssued(EntryType) {}
func (o *testObserver) WaitEnrolled()         {}
func (o *testObserver) WaitResolved()         {}
func (o *testObserver) TraceFlushed()         {}
func (o *testObserver) ErrorPosted(code hostchannel.HostErrorCode) {
	o.mu.Lock()
	o.errors = append(o.errors, code)
	o.mu.Unlock()
}
func (o *testObserver) Errors() []hostchannel.HostErrorCode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]hostchannel.HostErrorCode(nil), o.errors...)
}

func smallConfig() Config {
	return Config{
		EntryCapacity:      8,
		WakePoolCapacity:   4,
		SignalPoolCapacity: 8,
		KernargCapacity:    256,
		ExecQueueSize:      8,
		TraceCapacity:      0,
	}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *testObserver, *alloca.HostPool) {
	t.Helper()

	hostQueue, err := aqlqueue.NewQueue(999, 8, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hostQueue.Close() })

	pool := alloca.NewHostPool(64)
	obs := &testObserver{}
	deps := Deps{
		AllocaPool:  pool,
		HostChannel: hostchannel.NewChannel(hostQueue),
		Observer:    obs,
	}

	s, err := New(1, cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, obs, pool
}

func TestSchedulerAllocaResolvesCompletionSignal(t *testing.T) {
	s, _, pool := newTestScheduler(t, smallConfig())

	h, err := s.SignalPool().Acquire(1, signal.KindUser)
	require.NoError(t, err)
	sig := s.SignalPool().Get(h)

	var result alloca.Handle
	require.NoError(t, s.Submit(Entry{
		Type:   EntryAlloca,
		Alloca: AllocaArgs{Size: 128, Align: 8, ResultSink: &result, CompletionSignal: h},
	}))

	sig.Wait(signal.CondEQ, 0)
	assert.Equal(t, 1, pool.Len())
}

func TestSchedulerDeallocaReleasesAllocation(t *testing.T) {
	s, _, pool := newTestScheduler(t, smallConfig())

	h, err := pool.Alloca(64, 8)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Len())

	sigH, err := s.SignalPool().Acquire(1, signal.KindUser)
	require.NoError(t, err)
	sig := s.SignalPool().Get(sigH)

	require.NoError(t, s.Submit(Entry{
		Type:     EntryDealloca,
		Dealloca: DeallocaArgs{Handle: h, CompletionSignal: sigH},
	}))

	sig.Wait(signal.CondEQ, 0)
	assert.Equal(t, 0, pool.Len())
}

// TestSchedulerEntryWaitsUntilSemaphoreSatisfied exercises §4.5 steps 2-3: an
// entry with an unresolved wait must sit on the wait list untouched until its
// semaphore advances, at which point a later tick (woken via the wake pool's
// mailbox callback) moves it onto the run list and issues it.
func TestSchedulerEntryWaitsUntilSemaphoreSatisfied(t *testing.T) {
	s, _, pool := newTestScheduler(t, smallConfig())

	var gate signal.Signal
	gate.Init(0, signal.KindUser)

	doneH, err := s.SignalPool().Acquire(1, signal.KindUser)
	require.NoError(t, err)
	done := s.SignalPool().Get(doneH)

	sentinel := alloca.Handle(999)
	result := sentinel
	require.NoError(t, s.Submit(Entry{
		Type:   EntryAlloca,
		Waits:  []WaitTuple{{Semaphore: &gate, RequiredPayload: 1}},
		Alloca: AllocaArgs{Size: 16, Align: 8, ResultSink: &result, CompletionSignal: doneH},
	}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sentinel, result, "entry must not issue before its wait resolves")
	assert.Equal(t, 0, pool.Len())

	gate.Store(1, hwatomic.ScopeSystem)
	done.Wait(signal.CondEQ, 0)

	assert.NotEqual(t, sentinel, result)
	assert.Equal(t, 1, pool.Len())
}

func TestSchedulerSubmitReturnsErrorWhenEntryArenaExhausted(t *testing.T) {
	cfg := smallConfig()
	cfg.EntryCapacity = 1
	s, _, _ := newTestScheduler(t, cfg)

	var gate signal.Signal
	gate.Init(0, signal.KindUser)

	require.NoError(t, s.Submit(Entry{
		Type:  EntryBarrier,
		Waits: []WaitTuple{{Semaphore: &gate, RequiredPayload: 1}},
	}))
	time.Sleep(10 * time.Millisecond)

	err := s.Submit(Entry{Type: EntryBarrier})
	assert.ErrorIs(t, err, ErrEntryArenaExhausted)
}

// TestSchedulerExecuteKernargExhaustionLatchesDeviceLost is a kernarg-arena
// variant of scenario S6 (which exhausts the wake pool instead): a command
// buffer whose max_kernarg_capacity exceeds the configured arena
// must post POST_ERROR(EXHAUSTED) and leave the scheduler permanently lost.
func TestSchedulerExecuteKernargExhaustionLatchesDeviceLost(t *testing.T) {
	cfg := smallConfig()
	cfg.KernargCapacity = 8
	s, obs, _ := newTestScheduler(t, cfg)

	cb := &cmdbuf.CommandBuffer{
		MaxKernargCapacity: 64,
		Blocks:             []cmdbuf.Block{{MaxPacketCount: 1}},
	}

	require.NoError(t, s.Submit(Entry{Type: EntryExecute, Execute: ExecuteArgs{CommandBuffer: cb}}))

	require.Eventually(t, func() bool { return s.Lost() }, time.Second, time.Millisecond)
	assert.Contains(t, obs.Errors(), hostchannel.HostErrorExhausted)
}

// TestSchedulerExecuteRunsBlockAndReleasesOnReturn is a reduced scenario S1:
// straight-line execution of a single DISPATCH+RETURN block must release the
// kernarg lease, resolve the execution's completion signal, and leave the
// scheduler live.
func TestSchedulerExecuteRunsBlockAndReleasesOnReturn(t *testing.T) {
	s, _, _ := newTestScheduler(t, smallConfig())

	bld := cmdbuf.NewBuilder(2)
	bld.Add(
		cmdbuf.Header{Type: cmdbuf.CmdDispatch, PacketOffset: 0},
		cmdbuf.DispatchRaw(cmdbuf.DispatchBody{KernelObject: 0x1, GridSize: [3]uint32{4, 1, 1}}),
	)
	bld.Add(cmdbuf.Header{Type: cmdbuf.CmdReturn, PacketOffset: 1}, [60]byte{})
	block := bld.Build()

	cb := &cmdbuf.CommandBuffer{MaxKernargCapacity: 64, Blocks: []cmdbuf.Block{block}}

	doneH, err := s.SignalPool().Acquire(1, signal.KindUser)
	require.NoError(t, err)
	done := s.SignalPool().Get(doneH)

	require.NoError(t, s.Submit(Entry{
		Type:    EntryExecute,
		Execute: ExecuteArgs{CommandBuffer: cb, CompletionSignal: doneH},
	}))

	done.Wait(signal.CondEQ, 0)

	assert.Equal(t, 0, s.kernargArena.InFlight())
	assert.False(t, s.Lost())
}

// TestSchedulerExecuteBranchReachesTargetBlock covers BRANCH: it must
// tail-enqueue the target block rather than being issued inline, and that
// block's RETURN must still tear down the same execution state.
func TestSchedulerExecuteBranchReachesTargetBlock(t *testing.T) {
	s, _, _ := newTestScheduler(t, smallConfig())

	entryBld := cmdbuf.NewBuilder(1)
	entryBld.Add(cmdbuf.Header{Type: cmdbuf.CmdBranch, PacketOffset: 0}, cmdbuf.BranchRaw(cmdbuf.BranchBody{TargetBlock: 1}))
	entryBlock := entryBld.Build()

	targetBld := cmdbuf.NewBuilder(1)
	targetBld.Add(cmdbuf.Header{Type: cmdbuf.CmdReturn, PacketOffset: 0}, [60]byte{})
	targetBlock := targetBld.Build()

	cb := &cmdbuf.CommandBuffer{MaxKernargCapacity: 64, Blocks: []cmdbuf.Block{entryBlock, targetBlock}}

	doneH, err := s.SignalPool().Acquire(1, signal.KindUser)
	require.NoError(t, err)
	done := s.SignalPool().Get(doneH)

	require.NoError(t, s.Submit(Entry{
		Type:    EntryExecute,
		Execute: ExecuteArgs{CommandBuffer: cb, CompletionSignal: doneH},
	}))

	done.Wait(signal.CondEQ, 0)
	assert.Equal(t, 0, s.kernargArena.InFlight())
}
