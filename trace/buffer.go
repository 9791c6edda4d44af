package trace

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/sys/unix"

	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/signal"
)

// ErrNotPowerOfTwo is returned by NewBuffer for a non-power-of-two capacity.
var ErrNotPowerOfTwo = errors.New("trace: capacity must be a power of two")

// EventType discriminates the 8-bit tag at the front of every trace record,
// per §6's trace event stream enumeration.
type EventType uint8

const (
	EventZoneBegin EventType = iota
	EventZoneEnd
	EventZoneValueI64
	EventZoneValueTextLiteral
	EventZoneValueTextDynamic
	EventPlotConfig
	EventPlotValueI64
	EventExecutionZoneBegin
	EventExecutionZoneEnd
	EventExecutionZoneNotify
	EventExecutionZoneDispatch
	EventMemoryAlloc
	EventMemoryFree
	EventMessageLiteral
	EventMessageDynamic
)

const recordHeaderSize = 1 + 8 + 4 // event_type + timestamp + payload length

// Buffer is the device-resident trace ring: a power-of-two byte region with
// independent reserve/commit cursors, per §4.3.
type Buffer struct {
	mem                []byte
	capacity           uint64
	mask               uint64
	writeReserveOffset atomic.Uint64
	writeCommitOffset  atomic.Uint64
	readCommitOffset   atomic.Uint64

	// OnOverrun, if set, is invoked every time a reservation must spin
	// because the buffer is full, so callers can surface back-pressure in
	// metrics instead of it being silently absorbed by the spin loop.
	OnOverrun func(requestedLen, capacity uint64)

	// querySignals is the query_ringbuffer of §3/§4.3: a fixed-capacity
	// table of pre-allocated USER signals the issue engine stamps
	// start_ts/end_ts into for DEBUG_GROUP and DISPATCH commands under
	// tracing. queryNext hands out the next contiguous range.
	querySignals []signal.Signal
	queryNext    atomic.Uint64
}

// NewBuffer allocates a trace ring of the given power-of-two byte capacity,
// backed by anonymous mmap memory (same backing strategy as aqlqueue.Queue),
// plus a query ring of queryCapacity pre-allocated USER signals (0 disables
// per-command query tracking; WriteEvent/ReadEvent are unaffected).
func NewBuffer(capacity uint64, queryCapacity int) (*Buffer, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	mem, err := unix.Mmap(-1, 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	b := &Buffer{mem: mem, capacity: capacity, mask: capacity - 1}
	if queryCapacity > 0 {
		b.querySignals = make([]signal.Signal, queryCapacity)
		for i := range b.querySignals {
			b.querySignals[i].Init(0, signal.KindUser)
		}
	}
	return b, nil
}

// AcquireQueryRange reserves a contiguous range of count query ids from the
// query ring and returns the base id, per §4.6 step: "acquires a contiguous
// query-ID range from the trace query ring ... stores the base in
// state.trace_block_query_base_id." The returned ids are resolved to actual
// signals through QuerySignal, which wraps modulo the ring's fixed capacity.
func (b *Buffer) AcquireQueryRange(count uint32) uint32 {
	if count == 0 {
		return 0
	}
	return uint32(b.queryNext.Add(uint64(count)) - uint64(count))
}

// QuerySignal resolves a query id (a TraceBlockQueryBaseID plus a
// QueryRef.{Control,Dispatch}Offset) to its backing signal, wrapping modulo
// the ring's capacity. Returns nil if the buffer has no query ring.
func (b *Buffer) QuerySignal(id uint32) *signal.Signal {
	if len(b.querySignals) == 0 {
		return nil
	}
	return &b.querySignals[uint64(id)%uint64(len(b.querySignals))]
}

// QueryCapacity returns the number of pre-allocated query signals.
func (b *Buffer) QueryCapacity() int { return len(b.querySignals) }

// Close releases the buffer's backing mmap region.
func (b *Buffer) Close() error { return unix.Munmap(b.mem) }

// ReserveRange reserves len contiguous bytes, spin-yielding while the
// reservation's end would lie capacity or more bytes past the consumer's
// read-commit offset, and returns the base offset to write into. A
// reservation that would fill the ring to exactly capacity therefore also
// spins.
func (b *Buffer) ReserveRange(length uint64) uint64 {
	base := b.writeReserveOffset.Add(length) - length
	var backoff hwatomic.Backoff
	for base+length-b.readCommitOffset.Load() >= b.capacity {
		if b.OnOverrun != nil {
			b.OnOverrun(length, b.capacity)
		}
		backoff.Wait()
	}
	return base
}

// writeAt copies data into the ring starting at base, splitting the write
// across the wrap point if necessary (the power-of-two mask means a single
// payload can straddle the end of mem).
func (b *Buffer) writeAt(base uint64, data []byte) {
	off := base & b.mask
	n := copy(b.mem[off:], data)
	if n < len(data) {
		copy(b.mem[0:], data[n:])
	}
}

// CommitRange advances write_commit_offset to the current reserve offset and
// reports whether it changed (i.e. whether new data became visible), per
// §4.3's commit_range. The scheduler posts a trace-flush to the host exactly
// when this returns true.
func (b *Buffer) CommitRange() (mustNotifyHost bool) {
	reserved := b.writeReserveOffset.Load()
	prev := b.writeCommitOffset.Swap(reserved)
	return prev != reserved
}

// AdvanceReadCommit is called by the host-side consumer once it has copied
// out and accounted for data up to newOffset, freeing that space for reuse.
func (b *Buffer) AdvanceReadCommit(newOffset uint64) {
	b.readCommitOffset.Store(newOffset)
}

// WriteEvent assembles and writes one trace record: an 8-bit event type, a
// timestamp, and a variable-length payload. Record assembly uses a
// size-bucketed scratch buffer from mcache rather than a fresh allocation per
// event, since trace events are emitted at high frequency from the issuer's
// hot path.
func (b *Buffer) WriteEvent(eventType EventType, timestamp int64, payload []byte) uint64 {
	total := recordHeaderSize + len(payload)
	rec := mcache.Malloc(total)
	defer mcache.Free(rec)

	rec[0] = byte(eventType)
	binary.LittleEndian.PutUint64(rec[1:9], uint64(timestamp))
	binary.LittleEndian.PutUint32(rec[9:13], uint32(len(payload)))
	copy(rec[recordHeaderSize:], payload)

	base := b.ReserveRange(uint64(total))
	b.writeAt(base, rec)
	return base
}

// ReadEvent decodes the record at offset base (caller must have already
// ensured it is within [readCommitOffset, writeCommitOffset)).
func (b *Buffer) ReadEvent(base uint64) (eventType EventType, timestamp int64, payload []byte) {
	off := base & b.mask
	hdr := make([]byte, recordHeaderSize)
	n := copy(hdr, b.mem[off:])
	if n < recordHeaderSize {
		copy(hdr[n:], b.mem[0:recordHeaderSize-n])
	}
	eventType = EventType(hdr[0])
	timestamp = int64(binary.LittleEndian.Uint64(hdr[1:9]))
	length := binary.LittleEndian.Uint32(hdr[9:13])

	payload = make([]byte, length)
	payloadBase := base + recordHeaderSize
	payloadOff := payloadBase & b.mask
	n = copy(payload, b.mem[payloadOff:])
	if uint32(n) < length {
		copy(payload[n:], b.mem[0:])
	}
	return eventType, timestamp, payload
}

// Capacity returns the ring's fixed byte capacity.
func (b *Buffer) Capacity() uint64 { return b.capacity }

// WriteCommitOffset and ReadCommitOffset expose the cursors for the host
// consumer loop and for tests.
func (b *Buffer) WriteCommitOffset() uint64 { return b.writeCommitOffset.Load() }
func (b *Buffer) ReadCommitOffset() uint64  { return b.readCommitOffset.Load() }
