// Package aqlsched wires the device-resident scheduler core into a
// runnable device: scheduler parameters, feature negotiation, the
// structured error/metrics surface, and test tooling used across the
// module's test suites.
package aqlsched

import (
	"github.com/behrlich/aqlsched/issue"
	"github.com/behrlich/aqlsched/scheduler"
)

// SchedulerParams contains parameters for creating a Scheduler: every field
// has a documented default applied by DefaultParams. The sizing fields map
// directly onto scheduler.Config fields; TraceMode reaches scheduler.Config
// only through the Features bitmask BuildFeatures derives from it, and
// SchedulerID is not part of scheduler.Config at all.
type SchedulerParams struct {
	// Queue configuration
	ExecQueueSize      uint64 // Execution queue depth in packets, power of two (default: 256)
	WakePoolCapacity   int    // Max concurrently-enrolled semaphore waits (default: 64)
	SignalPoolCapacity int    // Max live signals handed out to producers (default: 256)
	KernargCapacity    int    // Max bytes a single command buffer's kernarg scratch may occupy (default: 4096)
	EntryCapacity      int    // Max concurrently in-flight queue entries (default: 256)

	// Trace verbosity. Each level implies the ones before it, mirroring
	// issue.TraceMode's IncludesControl/IncludesDispatch ordering.
	TraceMode          issue.TraceMode // default: TraceNone
	TraceCapacity      uint64          // Trace ring capacity in bytes, power of two; 0 disables tracing
	TraceQueryCapacity int             // Trace query ring's pre-allocated signal table size (default: 256)

	// Advanced options
	SchedulerID int32 // Specific scheduler ID to request (-1 for auto-assign)
}

// AutoAssignSchedulerID indicates the harness should auto-assign a scheduler ID.
const AutoAssignSchedulerID int32 = -1

// Default scheduler sizing constants.
const (
	DefaultExecQueueSize      = 256
	DefaultWakePoolCapacity   = 64
	DefaultSignalPoolCapacity = 256
	DefaultKernargCapacity    = 4096
	DefaultEntryCapacity      = 256
	DefaultTraceQueryCapacity = 256
)

// DefaultParams returns default scheduler parameters with tracing disabled.
func DefaultParams() SchedulerParams {
	return SchedulerParams{
		ExecQueueSize:      DefaultExecQueueSize,
		WakePoolCapacity:   DefaultWakePoolCapacity,
		SignalPoolCapacity: DefaultSignalPoolCapacity,
		KernargCapacity:    DefaultKernargCapacity,
		EntryCapacity:      DefaultEntryCapacity,
		TraceMode:          issue.TraceNone,
		TraceCapacity:      0,
		TraceQueryCapacity: DefaultTraceQueryCapacity,
		SchedulerID:        AutoAssignSchedulerID,
	}
}

// Features is a negotiated capability bitmask: one bit per optional behavior
// a scheduler instance may or may not support, computed once from
// SchedulerParams up front rather than re-derived on every tick. It is an
// alias for scheduler.Features (defined there, not here, since scheduler.Config
// carries it and scheduler cannot import this package back).
type Features = scheduler.Features

const (
	// FeatureDispatchTrace is set when the scheduler captures per-dispatch
	// start/end timestamps (the highest trace verbosity level).
	FeatureDispatchTrace = scheduler.FeatureDispatchTrace
	// FeatureControlTrace is set when the scheduler captures control-level
	// trace events (the DEBUG_GROUP_BEGIN/END zone events).
	FeatureControlTrace = scheduler.FeatureControlTrace
	// FeatureCrossSchedulerWake is set when a Registry was supplied, so
	// wake.Set.Flush targets naming a different scheduler can actually be
	// routed rather than silently dropped.
	FeatureCrossSchedulerWake = scheduler.FeatureCrossSchedulerWake
)

// BuildFeatures negotiates the Features bitmask for a scheduler instance
// from its params and whether a cross-scheduler registry is present:
// start from a safe baseline and OR in each enabled capability.
func BuildFeatures(params SchedulerParams, hasRegistry bool) Features {
	var f Features

	if params.TraceMode.IncludesDispatch() {
		f |= FeatureDispatchTrace
	}
	if params.TraceMode.IncludesControl() {
		f |= FeatureControlTrace
	}
	if hasRegistry {
		f |= FeatureCrossSchedulerWake
	}

	return f
}

// ToSchedulerConfig converts the public SchedulerParams to the internal
// scheduler.Config the scheduler package actually consumes, negotiating
// Features from hasRegistry (whether the caller supplied a shared Registry,
// the signal that cross-scheduler wake routing is actually possible).
func (params SchedulerParams) ToSchedulerConfig(hasRegistry bool) scheduler.Config {
	return scheduler.Config{
		EntryCapacity:      params.EntryCapacity,
		WakePoolCapacity:   params.WakePoolCapacity,
		SignalPoolCapacity: params.SignalPoolCapacity,
		KernargCapacity:    params.KernargCapacity,
		ExecQueueSize:      params.ExecQueueSize,
		TraceCapacity:      params.TraceCapacity,
		TraceQueryCapacity: params.TraceQueryCapacity,
		Features:           BuildFeatures(params, hasRegistry),
	}
}
