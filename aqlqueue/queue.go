package aqlqueue

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/aqlsched/internal/hwatomic"
	"github.com/behrlich/aqlsched/signal"
)

// ErrNotPowerOfTwo is returned by NewQueue for a non-power-of-two size.
var ErrNotPowerOfTwo = errors.New("aqlqueue: size must be a power of two")

// Queue is a single producer-to-consumer AQL packet ring: a fixed-capacity,
// power-of-two array of PacketSize-byte slots plus read/write indices and a
// doorbell signal. Reservation, the INVALID->typed header transition, and
// doorbell ringing follow §4.1/§4.2 exactly.
//
// The backing array is a raw mmap'd byte region (see NewQueue) addressed by
// packet index rather than a slice of typed structs.
type Queue struct {
	id         uint32
	mem        []byte // size*PacketSize bytes
	size       uint64 // power of two
	mask       uint64
	writeIndex atomic.Uint64
	readIndex  atomic.Uint64
	doorbell   *signal.Signal
	features   atomic.Uint64
}

// NewQueue allocates a ring of `size` packets (size must be a power of two)
// bound to the given doorbell signal. The ring's backing memory is an
// anonymous mmap region rather than a plain make([]byte, ...) slice, matching
// how a real hardware queue's packet array is shared memory rather than a
// private heap allocation.
func NewQueue(id uint32, size uint64, doorbell *signal.Signal) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	mem, err := unix.Mmap(-1, 0, int(size*PacketSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		id:       id,
		mem:      mem,
		size:     size,
		mask:     size - 1,
		doorbell: doorbell,
	}
	// Fresh mmap memory reads as zero (VENDOR); every slot starts INVALID so
	// the consumer stalls on a reserved-but-unpublished packet.
	for i := uint64(0); i < size; i++ {
		q.InvalidateAt(i)
	}
	return q, nil
}

// Close releases the ring's backing mmap region. The queue must not be used
// afterward.
func (q *Queue) Close() error {
	return unix.Munmap(q.mem)
}

func (q *Queue) ID() uint32                { return q.id }
func (q *Queue) Size() uint64              { return q.size }
func (q *Queue) Doorbell() *signal.Signal  { return q.doorbell }

// Features returns the negotiated capability bitmask stamped onto this
// queue's record (spec's AQL Queue `features` field), or 0 if none was set.
func (q *Queue) Features() uint64 { return q.features.Load() }

// SetFeatures stamps the queue record's `features` field. The owning
// scheduler calls this once, right after constructing its execution queue,
// with its own negotiated Features bitmask.
func (q *Queue) SetFeatures(f uint64) { q.features.Store(f) }

// ReadIndex/WriteIndex expose the ring cursors for scheduler-side progress
// tracking and for POST_ERROR diagnostics.
func (q *Queue) ReadIndex() uint64  { return q.readIndex.Load() }
func (q *Queue) WriteIndex() uint64 { return q.writeIndex.Load() }

// AdvanceReadIndex is called by the consumer (the command processor) once it
// has fully processed the packet(s) up to newReadIndex.
func (q *Queue) AdvanceReadIndex(newReadIndex uint64) {
	q.readIndex.Store(newReadIndex)
}

// AddWriteIndex atomically reserves n consecutive packet slots and returns
// the prior write index (the base of the reserved range), matching the
// queue_add_write_index semantics of §4.1.
func (q *Queue) AddWriteIndex(n uint64) uint64 {
	return q.writeIndex.Add(n) - n
}

// WaitForCapacity spins (bounded backoff) while the ring lacks room for a
// reservation ending at reservedEnd, i.e. while reservedEnd - read_index >
// size. A full ring is a producer-stall condition, not an error.
func (q *Queue) WaitForCapacity(reservedEnd uint64) {
	var b hwatomic.Backoff
	for reservedEnd-q.readIndex.Load() > q.size {
		b.Wait()
	}
}

// Reserve reserves n consecutive slots, blocking until capacity is available,
// and returns the base index of the reservation.
func (q *Queue) Reserve(n uint64) uint64 {
	base := q.AddWriteIndex(n)
	q.WaitForCapacity(base + n)
	return base
}

// slotOffset maps a ring index to its byte offset in mem.
func (q *Queue) slotOffset(index uint64) uint64 {
	return (index & q.mask) * PacketSize
}

// PacketAt returns the raw PacketSize-byte slot for a ring index, for the
// caller to fill with Encode before publishing.
func (q *Queue) PacketAt(index uint64) []byte {
	off := q.slotOffset(index)
	return q.mem[off : off+PacketSize]
}

// PublishWord32 atomically stores the packet's first 32-bit word (header
// packed with the following 16-bit field via HeaderWord) with release
// ordering, performing the INVALID->typed transition described in §4.2.
// This is the single point where a packet becomes visible to the consumer.
func (q *Queue) PublishWord32(index uint64, word uint32) {
	off := q.slotOffset(index)
	ptr := (*uint32)(unsafe.Pointer(&q.mem[off]))
	atomic.StoreUint32(ptr, word)
}

// LoadWord32 atomically loads a slot's first 32-bit word with acquire
// ordering; the consumer polls this to detect INVALID->typed transitions.
func (q *Queue) LoadWord32(index uint64) uint32 {
	off := q.slotOffset(index)
	ptr := (*uint32)(unsafe.Pointer(&q.mem[off]))
	return atomic.LoadUint32(ptr)
}

// HeaderAt reads just the header portion of a slot's published word.
func (q *Queue) HeaderAt(index uint64) Header {
	h, _ := SplitHeaderWord(q.LoadWord32(index))
	return h
}

// InvalidateAt writes PacketInvalid into a slot's header, used by the
// consumer after a packet has been fully processed and the slot is free for
// the producer to reuse (the ring wraps in place; there is no separate
// "clear" packet type beyond returning header to invalid).
func (q *Queue) InvalidateAt(index uint64) {
	q.PublishWord32(index, uint32(PacketInvalid))
}
