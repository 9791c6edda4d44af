// Package hwatomic centralizes the memory-order and memory-scope pair that
// must accompany every cross-agent atomic access in the scheduler core.
//
// Go's sync/atomic has no notion of memory scope (work-item, work-group,
// device, all-SVM-devices); left implicit, a narrowing mistake at a
// cross-agent site is invisible until it corrupts a doorbell or wake-list
// race on real hardware. Every call site in this module names its Scope
// explicitly instead of relying on sync/atomic's ambient sequential
// consistency, so a reviewer can tell device-local traffic from traffic that
// must be observable by the host or by another device.
package hwatomic

import (
	"runtime"
	"time"
)

// Scope describes the visibility radius of an atomic access, mirroring the
// acquire/release scope field carried in every AQL packet header.
type Scope uint8

const (
	ScopeWorkItem Scope = iota
	ScopeWorkGroup
	ScopeDevice
	ScopeSystem // all-SVM-devices; required for any device<->host traffic
)

func (s Scope) String() string {
	switch s {
	case ScopeWorkItem:
		return "work-item"
	case ScopeWorkGroup:
		return "work-group"
	case ScopeDevice:
		return "device"
	case ScopeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Order mirrors the handful of memory orders the core actually uses.
// There is no "SeqCst" here on purpose: every site in this module is
// expected to justify acquire/release/relaxed explicitly rather than
// reaching for the strongest order as a default.
type Order uint8

const (
	OrderRelaxed Order = iota
	OrderAcquire
	OrderRelease
	OrderAcqRel
)

// AssertScope panics if scope is narrower than min. No call site in this
// module invokes it; the scope arguments passed elsewhere are not checked.
func AssertScope(scope, min Scope) {
	if scope < min {
		panic("hwatomic: scope " + scope.String() + " narrower than required " + min.String())
	}
}

// Yield is the device-side cooperative yield: a short pause meant to stop
// cache-line hammering on a spin-wait, not a true descheduling point.
// runtime.Gosched alone does not guarantee any wall-clock delay, so callers
// that spin on a slow-to-resolve condition (trace overrun, ring full) should
// prefer Backoff for the bounded-exponential variant.
func Yield() {
	runtime.Gosched()
}

// Backoff implements a bounded exponential spin-yield, standing in for the
// repeated yield() calls a real device-side spin loop performs while it
// waits on a memory location (signal value, queue read-index, trace
// read-commit-offset).
type Backoff struct {
	attempt int
}

// Wait performs one step of the backoff and returns the delay it used, for
// tests that want to assert on spin behavior.
func (b *Backoff) Wait() time.Duration {
	runtime.Gosched()
	if b.attempt < 10 {
		b.attempt++
	}
	d := time.Duration(1<<uint(b.attempt)) * time.Microsecond
	if d > time.Millisecond {
		d = time.Millisecond
	}
	time.Sleep(d)
	return d
}

// Reset clears accumulated backoff state, for reuse across spin loops.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// SteadyTimestamp returns the agent's steady-counter timestamp used for
// signal start_ts/end_ts and trace event timestamps. All timestamps in this
// module share this single domain so that host-side conversion only needs
// one tick-to-system scale.
func SteadyTimestamp() int64 {
	return time.Now().UnixNano()
}
