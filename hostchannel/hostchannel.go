// Package hostchannel implements the device->host Post Channel of §4.7: a
// unidirectional agent-dispatch queue the device uses to ask the host to
// grow/trim pools, release resources, report errors, notify signals, and
// flush the trace ring.
//
// Each post marshals a command struct and submits it via the ring, but
// unlike a blocking control call the device never waits for the host to
// acknowledge it: posts are fire-and-forget.
package hostchannel

import (
	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/signal"
)

// CallType is the agent-dispatch type field's host-call enum.
type CallType uint16

const (
	CallPoolGrow     CallType = 0
	CallPoolTrim     CallType = 1
	CallPostRelease  CallType = 2
	CallPostError    CallType = 3
	CallPostSignal   CallType = 4
	CallTraceFlush   CallType = 5
)

// Channel wraps an aqlqueue.Queue used as the host post ring; structurally
// it is the same power-of-two AQL ring as aqlqueue.Queue (reserve, emplace,
// atomic header publish, doorbell), specialized to always carry
// AgentDispatchPacket bodies.
type Channel struct {
	queue *aqlqueue.Queue
}

// NewChannel wraps an already-constructed queue as a host post channel.
func NewChannel(queue *aqlqueue.Queue) *Channel {
	return &Channel{queue: queue}
}

// post implements the protocol from §4.7: reserve, populate,
// build header (barrier=1, acquire=SYSTEM, release=SYSTEM — conservative so
// the host observes any prior device writes), publish, ring doorbell.
func (c *Channel) post(callType CallType, returnAddress uint64, arg [4]uint64, completionSignal uint64) uint64 {
	index := c.queue.Reserve(1)

	pkt := aqlqueue.AgentDispatchPacket{
		ReturnAddress:    returnAddress,
		Arg:              arg,
		CompletionSignal: completionSignal,
	}
	slot := c.queue.PacketAt(index)
	pkt.Encode(slot)

	h := aqlqueue.MakeHeader(aqlqueue.PacketAgentDispatch, true, aqlqueue.FenceSystem, aqlqueue.FenceSystem)
	c.queue.PublishWord32(index, aqlqueue.HeaderWord(h, uint16(callType)))

	newWriteIndex := index + 1
	if c.queue.Doorbell() != nil {
		c.queue.Doorbell().Store(int64(newWriteIndex), 0)
	}
	return index
}

// PostPoolGrow asks the host to grow a resource pool by the given amount.
func (c *Channel) PostPoolGrow(poolKind uint64, amount uint64) uint64 {
	return c.post(CallPoolGrow, 0, [4]uint64{poolKind, amount}, 0)
}

// PostPoolTrim asks the host to shrink a resource pool back to target.
func (c *Channel) PostPoolTrim(poolKind uint64, target uint64) uint64 {
	return c.post(CallPoolTrim, 0, [4]uint64{poolKind, target}, 0)
}

// PostRelease asks the host to release up to four resource handles. The
// packet does not carry sig itself: its completion_signal field is 1 when sig
// is non-nil and 0 otherwise.
func (c *Channel) PostRelease(resources [4]uint64, sig *signal.Signal) uint64 {
	var completion uint64
	if sig != nil {
		completion = 1
	}
	return c.post(CallPostRelease, 0, resources, completion)
}

// PostError reports a fatal device-originated error. Per §7 this always
// carries a null completion signal, and the device is considered lost
// immediately after posting — callers must not issue further posts.
func (c *Channel) PostError(code HostErrorCode, arg0, arg1 uint64) uint64 {
	return c.post(CallPostError, uint64(code), [4]uint64{arg0, arg1}, 0)
}

// PostSignal notifies the host that a semaphore has advanced to payload.
// Ordering is not guaranteed; the host must tolerate stale notifications.
func (c *Channel) PostSignal(semaphoreRef uint64, payload int64) uint64 {
	return c.post(CallPostSignal, semaphoreRef, [4]uint64{uint64(payload)}, 0)
}

// PostTraceFlush asks the host to drain the trace ring up to its current
// write_commit_offset. The packet does not carry sig itself: its
// completion_signal field is 1 when sig is non-nil and 0 otherwise, so the
// host has no signal to notify once drained.
func (c *Channel) PostTraceFlush(traceBufferRef uint64, sig *signal.Signal) uint64 {
	var completion uint64
	if sig != nil {
		completion = 1
	}
	return c.post(CallTraceFlush, traceBufferRef, [4]uint64{}, completion)
}

// HostErrorCode is §7's POST_ERROR code taxonomy.
type HostErrorCode uint64

const (
	HostErrorExhausted HostErrorCode = iota
	HostErrorMalformed
)

// ResourceKind identifies which fixed table was exhausted, for
// POST_ERROR(EXHAUSTED, resource_kind, capacity) arg0.
type ResourceKind uint64

const (
	ResourceSignalPool ResourceKind = iota
	ResourceWakePool
	ResourceKernargArena
)
