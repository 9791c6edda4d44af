package respool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/aqlsched/signal"
)

func TestSignalPoolAcquireReleaseRoundTrip(t *testing.T) {
	p := NewSignalPool(4)
	require.Equal(t, 4, p.Len())

	h, err := p.Acquire(1, signal.KindUser)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())
	assert.NotEqual(t, signal.Null, h)

	sig := p.Get(h)
	require.NotNil(t, sig)
	assert.Equal(t, int64(1), sig.Load(0))

	p.Release(h)
	assert.Equal(t, 4, p.Len())
}

func TestSignalPoolExhaustion(t *testing.T) {
	p := NewSignalPool(2)
	_, err := p.Acquire(0, signal.KindUser)
	require.NoError(t, err)
	_, err = p.Acquire(0, signal.KindUser)
	require.NoError(t, err)

	_, err = p.Acquire(0, signal.KindUser)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSignalPoolNullHandleIsNoop(t *testing.T) {
	p := NewSignalPool(1)
	assert.Nil(t, p.Get(signal.Null))
	p.Release(signal.Null) // must not panic or touch the free-list
	assert.Equal(t, 1, p.Len())
}

func TestKernargArenaLeaseLifecycle(t *testing.T) {
	a := NewKernargArena(4096)
	id, buf, err := a.Acquire(256)
	require.NoError(t, err)
	assert.Len(t, buf, 256)
	assert.Equal(t, 1, a.InFlight())

	a.Release(id)
	assert.Equal(t, 0, a.InFlight())
}

func TestKernargArenaOverCapacity(t *testing.T) {
	a := NewKernargArena(128)
	_, _, err := a.Acquire(256)
	assert.ErrorIs(t, err, ErrExhausted)
}
