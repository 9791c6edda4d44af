package issue

import (
	"encoding/binary"
	"sync"

	"github.com/behrlich/aqlsched/aqlqueue"
	"github.com/behrlich/aqlsched/trace"
)

// queryRecord is what publishKernelDispatch hands ResolveQuery once it has
// stamped a dispatch's query signal's start_ts and written its
// EXECUTION_ZONE_BEGIN event: enough to finish the pair off when the
// simulated command processor resolves the packet.
type queryRecord struct {
	buffer       *trace.Buffer
	queryID      uint32
	kernelObject uint64
}

// queryRegistry maps a queue index holding a dispatch with an active query
// to the record ResolveQuery needs, scoped per execution queue exactly like
// fixupRegistry.
type queryRegistry struct {
	mu      sync.Mutex
	byQueue map[*aqlqueue.Queue]map[uint64]queryRecord
}

var dispatchQueries = &queryRegistry{byQueue: make(map[*aqlqueue.Queue]map[uint64]queryRecord)}

func registerQuery(q *aqlqueue.Queue, index uint64, rec queryRecord) {
	dispatchQueries.mu.Lock()
	defer dispatchQueries.mu.Unlock()
	m, ok := dispatchQueries.byQueue[q]
	if !ok {
		m = make(map[uint64]queryRecord)
		dispatchQueries.byQueue[q] = m
	}
	m[index] = rec
}

// ResolveQuery stamps the end timestamp on the query signal registered for
// the dispatch at (q, index), if any, and writes its EXECUTION_ZONE_END
// trace event, reporting whether a query was found there. The simulated
// command processor calls this once per KERNEL_DISPATCH packet it resolves,
// the same (queue, index) lookup shape as RunFixup.
func ResolveQuery(q *aqlqueue.Queue, index uint64) bool {
	dispatchQueries.mu.Lock()
	m, ok := dispatchQueries.byQueue[q]
	if !ok {
		dispatchQueries.mu.Unlock()
		return false
	}
	rec, ok := m[index]
	if ok {
		delete(m, index)
	}
	dispatchQueries.mu.Unlock()
	if !ok {
		return false
	}

	sig := rec.buffer.QuerySignal(rec.queryID)
	if sig == nil {
		return false
	}
	sig.StampEnd()
	_, end := sig.Timestamps()

	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], rec.queryID)
	binary.LittleEndian.PutUint64(payload[4:12], rec.kernelObject)
	rec.buffer.WriteEvent(trace.EventExecutionZoneEnd, end, payload)
	return true
}
