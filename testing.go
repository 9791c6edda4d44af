package aqlsched

import (
	"sync"

	"github.com/behrlich/aqlsched/alloca"
)

// MockAllocaPool is a configurable alloca.Pool implementation for testing
// the scheduler's ALLOCA/DEALLOCA issuers without exercising the real
// HostPool's shard-locking machinery: it tracks call counts and can be told
// to fail the next N Alloca calls, exercising the PostPoolGrow fallback path
// issueAlloca takes on exhaustion.
type MockAllocaPool struct {
	mu         sync.Mutex
	next       alloca.Handle
	live       map[alloca.Handle]bool
	failNext   int
	allocCalls int
	deallocCalls int
}

// NewMockAllocaPool creates an empty mock pool.
func NewMockAllocaPool() *MockAllocaPool {
	return &MockAllocaPool{live: make(map[alloca.Handle]bool)}
}

// Alloca implements alloca.Pool.
func (m *MockAllocaPool) Alloca(size, align uint64) (alloca.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.allocCalls++
	if m.failNext > 0 {
		m.failNext--
		return 0, alloca.ErrUnknownHandle
	}

	h := m.next
	m.next++
	m.live[h] = true
	return h, nil
}

// Dealloca implements alloca.Pool.
func (m *MockAllocaPool) Dealloca(h alloca.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deallocCalls++
	if !m.live[h] {
		return alloca.ErrUnknownHandle
	}
	delete(m.live, h)
	return nil
}

// FailNextAlloca makes the next n Alloca calls return an error, for
// exercising the scheduler's host-delegated pool-growth fallback.
func (m *MockAllocaPool) FailNextAlloca(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Live returns the number of currently live allocations.
func (m *MockAllocaPool) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// CallCounts returns the number of Alloca/Dealloca calls observed so far.
func (m *MockAllocaPool) CallCounts() (allocs, deallocs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocCalls, m.deallocCalls
}

var _ alloca.Pool = (*MockAllocaPool)(nil)
