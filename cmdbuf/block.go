package cmdbuf

// QueryRef is the per-command trace query assignment for one command slot.
// Has{Dispatch,Control} record which query kinds the recorder requested for
// this slot; Build resolves them into offsets within the block's combined
// query range (control offsets first, then dispatch offsets), which the
// issuer adds to state.TraceBlockQueryBaseID to get an absolute query id.
type QueryRef struct {
	HasDispatch    bool
	DispatchOffset uint32
	HasControl     bool
	ControlOffset  uint32
}

// QueryMap sizes and assigns the trace query range a block needs.
type QueryMap struct {
	MaxControlQueryCount  uint32
	MaxDispatchQueryCount uint32
	QueryIDs              []QueryRef // one entry per command in the block
}

// Block is one 64B-aligned command block: a fixed array of command records
// plus an out-of-band embedded payload area holding binding refs, inline
// constants, and indirect-dispatch update buffers. Blocks are immutable
// after recording (§3 invariant 1) and may execute concurrently with other
// blocks because all per-execution mutable state lives outside the block.
type Block struct {
	MaxPacketCount uint32
	Commands       []Command
	QueryMap       QueryMap
	EmbeddedData   []byte
}

// CommandCount returns the number of command records in the block.
func (b *Block) CommandCount() int { return len(b.Commands) }

// CommandBuffer is the immutable, already-recorded unit the scheduler
// consumes for an EXECUTE queue entry (§1 non-goal: the HAL recording API
// that produces one is out of scope here).
type CommandBuffer struct {
	MaxKernargCapacity uint32
	Blocks             []Block
}
