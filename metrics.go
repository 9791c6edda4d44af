package aqlsched

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/aqlsched/hostchannel"
	"github.com/behrlich/aqlsched/scheduler"
)

// maxEntryTypeSlots sizes Metrics.EntryIssued generously above
// scheduler.EntryType's current value range (8 public entry types plus the
// package's 2 internal re-entry types), so a future entry type never indexes
// out of range here.
const maxEntryTypeSlots = 16

// Metrics tracks tick-level performance and operational statistics for one
// or more schedulers: ticks, entry issues, wait enrollments/resolutions,
// trace flushes, and errors, each as a plain atomic counter.
type Metrics struct {
	Ticks         atomic.Uint64
	EntriesIssued [maxEntryTypeSlots]atomic.Uint64
	WaitsEnrolled atomic.Uint64
	WaitsResolved atomic.Uint64
	TraceFlushes  atomic.Uint64

	Exhausted  atomic.Uint64
	Malformed  atomic.Uint64
	LastErrorAt atomic.Int64 // UnixNano of the most recent POST_ERROR, 0 if none

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano, 0 while running
}

// NewMetrics creates a new metrics instance with its start time stamped now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTick records one completed scheduler tick.
func (m *Metrics) RecordTick() {
	m.Ticks.Add(1)
}

// RecordEntryIssued records one entry of type t being issued.
func (m *Metrics) RecordEntryIssued(t scheduler.EntryType) {
	idx := int(t)
	if idx >= 0 && idx < maxEntryTypeSlots {
		m.EntriesIssued[idx].Add(1)
	}
}

// RecordWaitEnrolled records one entry's wait being enrolled in a semaphore's
// wake list.
func (m *Metrics) RecordWaitEnrolled() {
	m.WaitsEnrolled.Add(1)
}

// RecordWaitResolved records one enrolled wait being satisfied and released.
func (m *Metrics) RecordWaitResolved() {
	m.WaitsResolved.Add(1)
}

// RecordTraceFlush records one trace-ring commit-range flush being posted to
// the host.
func (m *Metrics) RecordTraceFlush() {
	m.TraceFlushes.Add(1)
}

// RecordError records a POST_ERROR by code, per §7's two-case taxonomy
// (resource exhaustion vs. recorder violation).
func (m *Metrics) RecordError(code hostchannel.HostErrorCode) {
	switch code {
	case hostchannel.HostErrorExhausted:
		m.Exhausted.Add(1)
	case hostchannel.HostErrorMalformed:
		m.Malformed.Add(1)
	}
	m.LastErrorAt.Store(time.Now().UnixNano())
}

// Stop marks the tracked scheduler(s) as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to retain and
// compare across calls.
type MetricsSnapshot struct {
	Ticks         uint64
	EntriesIssued [maxEntryTypeSlots]uint64
	WaitsEnrolled uint64
	WaitsResolved uint64
	TraceFlushes  uint64

	Exhausted uint64
	Malformed uint64
	Lost      bool

	UptimeNs uint64
	TickRate float64 // ticks per second over the tracked interval
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var snap MetricsSnapshot
	snap.Ticks = m.Ticks.Load()
	for i := range m.EntriesIssued {
		snap.EntriesIssued[i] = m.EntriesIssued[i].Load()
	}
	snap.WaitsEnrolled = m.WaitsEnrolled.Load()
	snap.WaitsResolved = m.WaitsResolved.Load()
	snap.TraceFlushes = m.TraceFlushes.Load()
	snap.Exhausted = m.Exhausted.Load()
	snap.Malformed = m.Malformed.Load()
	snap.Lost = snap.Exhausted > 0 || snap.Malformed > 0

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.TickRate = float64(snap.Ticks) / (float64(snap.UptimeNs) / 1e9)
	}
	return snap
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.Ticks.Store(0)
	for i := range m.EntriesIssued {
		m.EntriesIssued[i].Store(0)
	}
	m.WaitsEnrolled.Store(0)
	m.WaitsResolved.Store(0)
	m.TraceFlushes.Store(0)
	m.Exhausted.Store(0)
	m.Malformed.Store(0)
	m.LastErrorAt.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver adapts Metrics to scheduler.Observer, the narrow interface
// a Scheduler reports tick-level events to (see scheduler/observer.go for
// why that interface is declared in the scheduler package rather than here).
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) TickCompleted()              { o.metrics.RecordTick() }
func (o *MetricsObserver) EntryIssued(t scheduler.EntryType) { o.metrics.RecordEntryIssued(t) }
func (o *MetricsObserver) WaitEnrolled()                { o.metrics.RecordWaitEnrolled() }
func (o *MetricsObserver) WaitResolved()                { o.metrics.RecordWaitResolved() }
func (o *MetricsObserver) TraceFlushed()                { o.metrics.RecordTraceFlush() }
func (o *MetricsObserver) ErrorPosted(code hostchannel.HostErrorCode) {
	o.metrics.RecordError(code)
}

var _ scheduler.Observer = (*MetricsObserver)(nil)
