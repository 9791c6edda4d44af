// Package cmdbuf implements the immutable command-buffer data model from §3:
// a CommandBuffer of Blocks of fixed 64-byte Command records plus an
// embedded out-of-band payload area (binding refs, constants, update
// buffers).
//
// The Command tagged union is a discriminant-plus-raw-body struct with a
// compile-time size assertion; typed accessors decode fields on demand via
// a manual little-endian codec instead of reflection-based encoding.
package cmdbuf

import (
	"encoding/binary"
	"unsafe"
)

// CommandRecordSize is the fixed on-wire size of one command record.
const CommandRecordSize = 64

// Type discriminates a command record's body. DISPATCH_INDIRECT_STATIC gets
// its own dedicated opcode rather than sharing CmdDispatch's body layout and
// being distinguished by a flag bit, since its grid-size field is resolved
// from a device buffer at issue time instead of carried inline — a
// meaningfully different issuer code path deserves its own tag.
type Type uint8

const (
	CmdDebugGroupBegin Type = iota
	CmdDebugGroupEnd
	CmdBarrier
	CmdSignalEvent
	CmdResetEvent
	CmdWaitEvents
	CmdFillBuffer
	CmdCopyBuffer
	CmdDispatch
	CmdDispatchIndirectStatic
	CmdDispatchIndirectDynamic
	CmdBranch
	CmdReturn
)

// Flags bit layout within a command record header:
//
//	bit 0:   barrier bit (AQL packet barrier bit for this command's packet(s))
//	bits 1-2: acquire fence scope (aqlqueue.FenceScope)
//	bits 3-4: release fence scope (aqlqueue.FenceScope)
type Flags uint8

func (f Flags) Barrier() bool   { return f&0x1 != 0 }
func (f Flags) Acquire() uint8  { return uint8(f>>1) & 0x3 }
func (f Flags) Release() uint8  { return uint8(f>>3) & 0x3 }

// MakeFlags builds a Flags byte from its constituent fields.
func MakeFlags(barrier bool, acquire, release uint8) Flags {
	var f Flags
	if barrier {
		f |= 1
	}
	f |= Flags(acquire&0x3) << 1
	f |= Flags(release&0x3) << 3
	return f
}

// Header is the common 4-byte prefix of every command record.
type Header struct {
	Type         Type
	Flags        Flags
	PacketOffset uint16
}

// Command is one fixed 64-byte record: a 4-byte header plus a 60-byte raw
// body decoded on demand via the As*/Set* accessors below.
type Command struct {
	Header Header
	Raw    [60]byte
}

var _ [64]byte = [unsafe.Sizeof(Command{})]byte{}

// Encode marshals the command into a CommandRecordSize-byte slot.
func (c *Command) Encode(buf []byte) {
	buf[0] = byte(c.Header.Type)
	buf[1] = byte(c.Header.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], c.Header.PacketOffset)
	copy(buf[4:64], c.Raw[:])
}

// Decode unmarshals a command out of a CommandRecordSize-byte slot.
func Decode(buf []byte) Command {
	var c Command
	c.Header.Type = Type(buf[0])
	c.Header.Flags = Flags(buf[1])
	c.Header.PacketOffset = binary.LittleEndian.Uint16(buf[2:4])
	copy(c.Raw[:], buf[4:64])
	return c
}

// DispatchBody is the body of CmdDispatch, CmdDispatchIndirectStatic, and
// CmdDispatchIndirectDynamic records. For the indirect variants, GridSize is
// ignored at record time; the issuer resolves it from IndirectGridRefOffset.
type DispatchBody struct {
	KernelObject          uint64
	WorkgroupSize         [3]uint16
	GridSize              [3]uint32
	PrivateSegmentSize    uint32
	GroupSegmentSize      uint32
	KernargOffset         uint32
	BindingTableOffset    uint32
	BindingCount          uint16
	ConstantsOffset       uint32
	ConstantsLength       uint16
	IndirectGridRefOffset uint32
}

func (c *Command) AsDispatch() DispatchBody {
	b := c.Raw[:]
	var d DispatchBody
	d.KernelObject = binary.LittleEndian.Uint64(b[0:8])
	d.WorkgroupSize[0] = binary.LittleEndian.Uint16(b[8:10])
	d.WorkgroupSize[1] = binary.LittleEndian.Uint16(b[10:12])
	d.WorkgroupSize[2] = binary.LittleEndian.Uint16(b[12:14])
	d.GridSize[0] = binary.LittleEndian.Uint32(b[14:18])
	d.GridSize[1] = binary.LittleEndian.Uint32(b[18:22])
	d.GridSize[2] = binary.LittleEndian.Uint32(b[22:26])
	d.PrivateSegmentSize = binary.LittleEndian.Uint32(b[26:30])
	d.GroupSegmentSize = binary.LittleEndian.Uint32(b[30:34])
	d.KernargOffset = binary.LittleEndian.Uint32(b[34:38])
	d.BindingTableOffset = binary.LittleEndian.Uint32(b[38:42])
	d.BindingCount = binary.LittleEndian.Uint16(b[42:44])
	d.ConstantsOffset = binary.LittleEndian.Uint32(b[44:48])
	d.ConstantsLength = binary.LittleEndian.Uint16(b[48:50])
	d.IndirectGridRefOffset = binary.LittleEndian.Uint32(b[50:54])
	return d
}

func (c *Command) SetDispatch(d DispatchBody) {
	b := c.Raw[:]
	binary.LittleEndian.PutUint64(b[0:8], d.KernelObject)
	binary.LittleEndian.PutUint16(b[8:10], d.WorkgroupSize[0])
	binary.LittleEndian.PutUint16(b[10:12], d.WorkgroupSize[1])
	binary.LittleEndian.PutUint16(b[12:14], d.WorkgroupSize[2])
	binary.LittleEndian.PutUint32(b[14:18], d.GridSize[0])
	binary.LittleEndian.PutUint32(b[18:22], d.GridSize[1])
	binary.LittleEndian.PutUint32(b[22:26], d.GridSize[2])
	binary.LittleEndian.PutUint32(b[26:30], d.PrivateSegmentSize)
	binary.LittleEndian.PutUint32(b[30:34], d.GroupSegmentSize)
	binary.LittleEndian.PutUint32(b[34:38], d.KernargOffset)
	binary.LittleEndian.PutUint32(b[38:42], d.BindingTableOffset)
	binary.LittleEndian.PutUint16(b[42:44], d.BindingCount)
	binary.LittleEndian.PutUint32(b[44:48], d.ConstantsOffset)
	binary.LittleEndian.PutUint16(b[48:50], d.ConstantsLength)
	binary.LittleEndian.PutUint32(b[50:54], d.IndirectGridRefOffset)
}

// FillBufferBody is the body of CmdFillBuffer.
type FillBufferBody struct {
	TargetRefOffset uint32
	Length          uint64
	PatternOffset   uint32
	PatternLength   uint8
	KernargOffset   uint32
}

func (c *Command) AsFillBuffer() FillBufferBody {
	b := c.Raw[:]
	var f FillBufferBody
	f.TargetRefOffset = binary.LittleEndian.Uint32(b[0:4])
	f.Length = binary.LittleEndian.Uint64(b[4:12])
	f.PatternOffset = binary.LittleEndian.Uint32(b[12:16])
	f.PatternLength = b[16]
	f.KernargOffset = binary.LittleEndian.Uint32(b[17:21])
	return f
}

func (c *Command) SetFillBuffer(f FillBufferBody) {
	b := c.Raw[:]
	binary.LittleEndian.PutUint32(b[0:4], f.TargetRefOffset)
	binary.LittleEndian.PutUint64(b[4:12], f.Length)
	binary.LittleEndian.PutUint32(b[12:16], f.PatternOffset)
	b[16] = f.PatternLength
	binary.LittleEndian.PutUint32(b[17:21], f.KernargOffset)
}

// CopyBufferBody is the body of CmdCopyBuffer.
type CopyBufferBody struct {
	SourceRefOffset uint32
	TargetRefOffset uint32
	Length          uint64
	KernargOffset   uint32
}

func (c *Command) AsCopyBuffer() CopyBufferBody {
	b := c.Raw[:]
	var cp CopyBufferBody
	cp.SourceRefOffset = binary.LittleEndian.Uint32(b[0:4])
	cp.TargetRefOffset = binary.LittleEndian.Uint32(b[4:8])
	cp.Length = binary.LittleEndian.Uint64(b[8:16])
	cp.KernargOffset = binary.LittleEndian.Uint32(b[16:20])
	return cp
}

func (c *Command) SetCopyBuffer(cp CopyBufferBody) {
	b := c.Raw[:]
	binary.LittleEndian.PutUint32(b[0:4], cp.SourceRefOffset)
	binary.LittleEndian.PutUint32(b[4:8], cp.TargetRefOffset)
	binary.LittleEndian.PutUint64(b[8:16], cp.Length)
	binary.LittleEndian.PutUint32(b[16:20], cp.KernargOffset)
}

// WaitEventsBody is the body of CmdWaitEvents: up to 5 inline event
// ordinals; more than 5 overflows to an embedded-data offset holding the
// rest, per §4.6 (the issuer expands overflow into chained barrier packets).
type WaitEventsBody struct {
	Count          uint8
	Inline         [5]uint32
	OverflowOffset uint32
}

func (c *Command) AsWaitEvents() WaitEventsBody {
	b := c.Raw[:]
	var w WaitEventsBody
	w.Count = b[0]
	for i := 0; i < 5; i++ {
		w.Inline[i] = binary.LittleEndian.Uint32(b[1+i*4 : 5+i*4])
	}
	w.OverflowOffset = binary.LittleEndian.Uint32(b[21:25])
	return w
}

func (c *Command) SetWaitEvents(w WaitEventsBody) {
	b := c.Raw[:]
	b[0] = w.Count
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint32(b[1+i*4:5+i*4], w.Inline[i])
	}
	binary.LittleEndian.PutUint32(b[21:25], w.OverflowOffset)
}

// EventOrdinalBody is the body of CmdSignalEvent and CmdResetEvent.
type EventOrdinalBody struct {
	EventOrdinal uint32
}

func (c *Command) AsEventOrdinal() EventOrdinalBody {
	return EventOrdinalBody{EventOrdinal: binary.LittleEndian.Uint32(c.Raw[0:4])}
}

func (c *Command) SetEventOrdinal(e EventOrdinalBody) {
	binary.LittleEndian.PutUint32(c.Raw[0:4], e.EventOrdinal)
}

// BranchBody is the body of CmdBranch.
type BranchBody struct {
	TargetBlock uint32
}

func (c *Command) AsBranch() BranchBody {
	return BranchBody{TargetBlock: binary.LittleEndian.Uint32(c.Raw[0:4])}
}

func (c *Command) SetBranch(br BranchBody) {
	binary.LittleEndian.PutUint32(c.Raw[0:4], br.TargetBlock)
}

// DebugGroupBody is the body of CmdDebugGroupBegin/End: a literal-table id
// for the source-location string the trace event should carry.
type DebugGroupBody struct {
	LiteralID uint32
}

func (c *Command) AsDebugGroup() DebugGroupBody {
	return DebugGroupBody{LiteralID: binary.LittleEndian.Uint32(c.Raw[0:4])}
}

func (c *Command) SetDebugGroup(d DebugGroupBody) {
	binary.LittleEndian.PutUint32(c.Raw[0:4], d.LiteralID)
}
