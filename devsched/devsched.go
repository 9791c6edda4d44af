// Package devsched wires a scheduler instance into a runnable simulation:
// it supplies the host-side resources §1 puts out of scope (an allocator
// bridge, a host post channel consumer, and the AQL packet processor itself)
// so a scheduler built from the scheduler/issue/cmdbuf packages can be
// driven and observed end to end in a single process.
//
// CreateAndServe/Stop construct shared dependencies, start the background
// goroutines that stand in for hardware, and hand back a handle the caller
// submits queue entries to and eventually stops. The packet processor and
// host-post consumer are "external hardware" by §5's own framing — they
// exist here, in the harness, purely to make the simulation observable (see
// DESIGN.md).
package devsched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/behrlich/aqlsched"
	"github.com/behrlich/aqlsched/alloca"
	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/hostchannel"
	"github.com/behrlich/aqlsched/internal/logging"
	"github.com/behrlich/aqlsched/scheduler"
	"github.com/behrlich/aqlsched/signal"
)

// ErrNilSimulator is returned by Stop when passed a nil Simulator.
var ErrNilSimulator = errors.New("devsched: simulator is nil")

// DefaultHostQueueSize is the host post channel's ring capacity when Options
// doesn't specify one.
const DefaultHostQueueSize = 64

// Options contains additional dependencies for CreateAndServe: the usual
// Context/Logger/Observer triple, plus simulation-specific dependencies a
// real device would receive from the kernel/runtime instead (allocator
// bridge, cross-scheduler registry).
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger for debug/info messages (if nil, the package default is used)
	Logger *logging.Logger

	// Observer for metrics collection (if nil, uses a fresh MetricsObserver)
	Observer scheduler.Observer

	// AllocaPool is the host-side allocator bridge the scheduler's
	// ALLOCA/DEALLOCA issuers call (if nil, a fresh alloca.HostPool is used).
	AllocaPool alloca.Pool

	// Registry lets multiple Simulators route cross-scheduler wakes to each
	// other (if nil, this Simulator gets a private, single-entry registry).
	Registry *scheduler.Registry

	// HostQueueSize sizes the device->host post channel ring (default
	// DefaultHostQueueSize). Must be a power of two.
	HostQueueSize uint64
}

// Simulator is a running scheduler plus the host-side glue that makes it
// observable: the allocator bridge, the host post channel, and the two
// background consumer goroutines (packet processor, host-post processor)
// that stand in for hardware and the host runtime, respectively.
type Simulator struct {
	id uint32

	sched       *scheduler.Scheduler
	allocaPool  alloca.Pool
	hostQueue   *aqlqueue.Queue
	hostChannel *hostchannel.Channel
	registry    *scheduler.Registry

	metrics *aqlsched.Metrics
	logger  *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

var nextSimulatorID = struct {
	mu sync.Mutex
	n  uint32
}{}

func autoAssignID() uint32 {
	nextSimulatorID.mu.Lock()
	defer nextSimulatorID.mu.Unlock()
	nextSimulatorID.n++
	return nextSimulatorID.n
}

// CreateAndServe constructs a Simulator from params and starts its tick
// goroutine plus the packet-processor and host-post-processor goroutines
// that drive it. The simulation runs until the context is cancelled or Stop
// is called.
//
// Example:
//
//	params := aqlsched.DefaultParams()
//	sim, err := devsched.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params aqlsched.SchedulerParams, options *Options) (*Simulator, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	hostQueueSize := options.HostQueueSize
	if hostQueueSize == 0 {
		hostQueueSize = DefaultHostQueueSize
	}

	var hostDoorbell signal.Signal
	hostDoorbell.Init(0, signal.KindDoorbell)
	hostQueue, err := aqlqueue.NewQueue(0, hostQueueSize, &hostDoorbell)
	if err != nil {
		return nil, fmt.Errorf("devsched: failed to create host post queue: %w", err)
	}
	hostChannel := hostchannel.NewChannel(hostQueue)

	allocaPool := options.AllocaPool
	if allocaPool == nil {
		allocaPool = alloca.NewHostPool(params.KernargCapacity)
	}

	hasSharedRegistry := options.Registry != nil
	registry := options.Registry
	if registry == nil {
		registry = scheduler.NewRegistry()
	}

	metrics := aqlsched.NewMetrics()
	var observer scheduler.Observer = options.Observer
	if observer == nil {
		observer = aqlsched.NewMetricsObserver(metrics)
	}

	id := uint32(params.SchedulerID)
	if params.SchedulerID == aqlsched.AutoAssignSchedulerID {
		id = autoAssignID()
	}

	sched, err := scheduler.New(id, params.ToSchedulerConfig(hasSharedRegistry), scheduler.Deps{
		AllocaPool:  allocaPool,
		HostChannel: hostChannel,
		Registry:    registry,
		Observer:    observer,
	})
	if err != nil {
		_ = hostQueue.Close()
		return nil, fmt.Errorf("devsched: failed to create scheduler: %w", err)
	}

	sim := &Simulator{
		id:          id,
		sched:       sched,
		allocaPool:  allocaPool,
		hostQueue:   hostQueue,
		hostChannel: hostChannel,
		registry:    registry,
		metrics:     metrics,
		logger:      logger,
	}
	sim.ctx, sim.cancel = context.WithCancel(ctx)

	sim.wg.Add(2)
	go sim.runPacketProcessor()
	go sim.runHostProcessor()

	sim.started = true
	logger.Infof("devsched: scheduler %d created and serving", id)
	return sim, nil
}

// Stop cancels the simulation's background goroutines and closes the
// underlying scheduler: cancel first, mark metrics stopped, wait for
// goroutines to observe cancellation, then release resources.
func Stop(ctx context.Context, sim *Simulator) error {
	if sim == nil {
		return ErrNilSimulator
	}

	if sim.cancel != nil {
		sim.cancel()
	}
	if sim.metrics != nil {
		sim.metrics.Stop()
	}

	done := make(chan struct{})
	go func() {
		sim.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		sim.logger.Warnf("devsched: scheduler %d goroutines did not exit within timeout", sim.id)
	}

	sim.started = false
	if err := sim.sched.Close(); err != nil {
		return fmt.Errorf("devsched: failed to close scheduler %d: %w", sim.id, err)
	}
	return hostQueueClose(sim.hostQueue)
}

func hostQueueClose(q *aqlqueue.Queue) error {
	if q == nil {
		return nil
	}
	return q.Close()
}

// State is a coarse created/running/stopped classification derived from
// whether the Simulator has been started and whether its context has been
// cancelled.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// State returns the Simulator's current lifecycle state.
func (sim *Simulator) State() State {
	if sim == nil {
		return StateStopped
	}
	if !sim.started {
		return StateCreated
	}
	select {
	case <-sim.ctx.Done():
		return StateStopped
	default:
		return StateRunning
	}
}

// IsRunning reports whether the Simulator is actively ticking.
func (sim *Simulator) IsRunning() bool { return sim.State() == StateRunning }

// ID returns the scheduler's identity.
func (sim *Simulator) ID() uint32 { return sim.id }

// Scheduler exposes the underlying scheduler for callers that need to
// Submit entries or inspect its signal pool/trace buffer directly.
func (sim *Simulator) Scheduler() *scheduler.Scheduler { return sim.sched }

// AllocaPool exposes the host-side allocator bridge backing this Simulator.
func (sim *Simulator) AllocaPool() alloca.Pool { return sim.allocaPool }

// Registry exposes the cross-scheduler wake registry this Simulator was
// created with (or privately allocated), for constructing additional
// Simulators that should share it.
func (sim *Simulator) Registry() *scheduler.Registry { return sim.registry }

// Submit admits a new queue entry to the underlying scheduler.
func (sim *Simulator) Submit(e scheduler.Entry) error {
	return sim.sched.Submit(e)
}

// Metrics returns the Simulator's metrics instance.
func (sim *Simulator) Metrics() *aqlsched.Metrics {
	if sim == nil {
		return nil
	}
	return sim.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the Simulator's
// metrics.
func (sim *Simulator) MetricsSnapshot() aqlsched.MetricsSnapshot {
	if sim == nil || sim.metrics == nil {
		return aqlsched.MetricsSnapshot{}
	}
	return sim.metrics.Snapshot()
}

// Info summarizes a Simulator's identity and lifecycle state.
type Info struct {
	ID      uint32
	State   State
	Running bool
	Lost    bool
}

// Info returns a snapshot of the Simulator's identity and state.
func (sim *Simulator) Info() Info {
	if sim == nil {
		return Info{}
	}
	state := sim.State()
	return Info{
		ID:      sim.id,
		State:   state,
		Running: state == StateRunning,
		Lost:    sim.sched.Lost(),
	}
}
