package alloca

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostPoolAllocaDeallocaRoundTrip(t *testing.T) {
	var p Pool = NewHostPool(16)

	h, err := p.Alloca(256, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, p.(*HostPool).Len())

	require.NoError(t, p.Dealloca(h))
	assert.Equal(t, 0, p.(*HostPool).Len())
}

func TestHostPoolDeallocaUnknownHandle(t *testing.T) {
	p := NewHostPool(4)
	err := p.Dealloca(Handle(42))
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestHostPoolDeallocaTwiceFails(t *testing.T) {
	p := NewHostPool(4)
	h, err := p.Alloca(64, 8)
	require.NoError(t, err)
	require.NoError(t, p.Dealloca(h))
	assert.ErrorIs(t, p.Dealloca(h), ErrUnknownHandle)
}

func TestHostPoolReusesReleasedSlots(t *testing.T) {
	p := NewHostPool(4)
	h1, err := p.Alloca(64, 8)
	require.NoError(t, err)
	require.NoError(t, p.Dealloca(h1))

	h2, err := p.Alloca(128, 8)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "released slot should be reused rather than growing the arena")
}

func TestHostPoolConcurrentAllocaGrowsSafely(t *testing.T) {
	p := NewHostPool(8)
	var wg sync.WaitGroup
	handles := make(chan Handle, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Alloca(32, 8)
			require.NoError(t, err)
			handles <- h
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[Handle]bool)
	for h := range handles {
		assert.False(t, seen[h], "duplicate handle issued under concurrency")
		seen[h] = true
	}
	assert.Equal(t, 100, len(seen))
	assert.Equal(t, 100, p.Len())
}
