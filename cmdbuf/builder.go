package cmdbuf

// Builder assembles a Block from individual commands and an embedded data
// area. This is a minimal harness/test fixture constructor, not the HAL
// recording API (explicitly out of scope per §1); it exists so tests and the
// simulation harness can produce well-formed command buffers without hand
// marshaling every record.
type Builder struct {
	maxPacketCount uint32
	commands       []Command
	queryIDs       []QueryRef
	embedded       []byte
}

// NewBuilder starts a block with room for maxPacketCount AQL packets.
func NewBuilder(maxPacketCount uint32) *Builder {
	return &Builder{maxPacketCount: maxPacketCount}
}

// AppendEmbedded copies data into the block's embedded area and returns the
// offset it was written at, for use as a *RefOffset/*Offset field.
func (bld *Builder) AppendEmbedded(data []byte) uint32 {
	off := uint32(len(bld.embedded))
	bld.embedded = append(bld.embedded, data...)
	return off
}

// Add appends a command record at the given packet_offset with no trace
// query assignment.
func (bld *Builder) Add(header Header, raw [60]byte) {
	bld.commands = append(bld.commands, Command{Header: header, Raw: raw})
	bld.queryIDs = append(bld.queryIDs, QueryRef{})
}

// AddWithQuery is Add plus an explicit trace query assignment for this slot.
func (bld *Builder) AddWithQuery(header Header, raw [60]byte, query QueryRef) {
	bld.commands = append(bld.commands, Command{Header: header, Raw: raw})
	bld.queryIDs = append(bld.queryIDs, query)
}

// Build finalizes the block, resolving each queued QueryRef's request flags
// into concrete offsets: control offsets are assigned first, starting at 0,
// then dispatch offsets continue from max_control_query_count — so a single
// base (state.TraceBlockQueryBaseID) plus either offset addresses the right
// query signal regardless of which kind a slot requested.
func (bld *Builder) Build() Block {
	resolved := make([]QueryRef, len(bld.queryIDs))
	var maxControl, maxDispatch uint32
	for i, q := range bld.queryIDs {
		if q.HasControl {
			q.ControlOffset = maxControl
			maxControl++
		}
		resolved[i] = q
	}
	for i, q := range bld.queryIDs {
		if q.HasDispatch {
			resolved[i].DispatchOffset = maxControl + maxDispatch
			maxDispatch++
		}
	}
	return Block{
		MaxPacketCount: bld.maxPacketCount,
		Commands:       bld.commands,
		EmbeddedData:   bld.embedded,
		QueryMap: QueryMap{
			MaxControlQueryCount:  maxControl,
			MaxDispatchQueryCount: maxDispatch,
			QueryIDs:              resolved,
		},
	}
}

// rawFrom packs var-length field setters into a [60]byte via a scratch
// Command, for callers that want to use the As*/Set* accessors to build raw
// bytes without constructing a whole Command by hand.
func rawFrom(set func(c *Command)) [60]byte {
	var c Command
	set(&c)
	return c.Raw
}

// DispatchRaw builds the raw body bytes for a CmdDispatch-family command.
func DispatchRaw(d DispatchBody) [60]byte {
	return rawFrom(func(c *Command) { c.SetDispatch(d) })
}

// FillBufferRaw builds the raw body bytes for a CmdFillBuffer command.
func FillBufferRaw(f FillBufferBody) [60]byte {
	return rawFrom(func(c *Command) { c.SetFillBuffer(f) })
}

// CopyBufferRaw builds the raw body bytes for a CmdCopyBuffer command.
func CopyBufferRaw(cp CopyBufferBody) [60]byte {
	return rawFrom(func(c *Command) { c.SetCopyBuffer(cp) })
}

// WaitEventsRaw builds the raw body bytes for a CmdWaitEvents command.
func WaitEventsRaw(w WaitEventsBody) [60]byte {
	return rawFrom(func(c *Command) { c.SetWaitEvents(w) })
}

// EventOrdinalRaw builds the raw body bytes for CmdSignalEvent/CmdResetEvent.
func EventOrdinalRaw(e EventOrdinalBody) [60]byte {
	return rawFrom(func(c *Command) { c.SetEventOrdinal(e) })
}

// BranchRaw builds the raw body bytes for a CmdBranch command.
func BranchRaw(br BranchBody) [60]byte {
	return rawFrom(func(c *Command) { c.SetBranch(br) })
}

// DebugGroupRaw builds the raw body bytes for CmdDebugGroupBegin/End.
func DebugGroupRaw(d DebugGroupBody) [60]byte {
	return rawFrom(func(c *Command) { c.SetDebugGroup(d) })
}
