package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteralTableInternIsStable(t *testing.T) {
	lt := NewLiteralTable()
	id1 := lt.Intern("kernel_a")
	id2 := lt.Intern("kernel_b")
	id3 := lt.Intern("kernel_a")

	assert.Equal(t, id1, id3)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, "kernel_a", lt.Lookup(id1))
	assert.Equal(t, "", lt.Lookup(9999))
}

func TestNewBufferRejectsNonPowerOfTwo(t *testing.T) {
	_, err := NewBuffer(100, 0)
	assert.ErrorIs(t, err, ErrNotPowerOfTwo)
}

func TestWriteEventThenReadEventRoundTrip(t *testing.T) {
	b, err := NewBuffer(256, 0)
	require.NoError(t, err)
	defer b.Close()

	payload := []byte{1, 2, 3, 4}
	base := b.WriteEvent(EventExecutionZoneBegin, 12345, payload)

	eventType, ts, got := b.ReadEvent(base)
	assert.Equal(t, EventExecutionZoneBegin, eventType)
	assert.Equal(t, int64(12345), ts)
	assert.Equal(t, payload, got)
}

func TestCommitRangeReportsChange(t *testing.T) {
	b, err := NewBuffer(256, 0)
	require.NoError(t, err)
	defer b.Close()

	assert.False(t, b.CommitRange(), "nothing reserved yet")

	b.WriteEvent(EventZoneBegin, 1, nil)
	assert.True(t, b.CommitRange())
	assert.False(t, b.CommitRange(), "no new reservations since last commit")
}

func TestReserveRangeWrapsAroundPowerOfTwoBoundary(t *testing.T) {
	b, err := NewBuffer(64, 0)
	require.NoError(t, err)
	defer b.Close()

	// Force the reserve cursor near the end so the next record straddles
	// the wrap point.
	b.writeReserveOffset.Store(60)
	b.writeCommitOffset.Store(60)
	b.readCommitOffset.Store(60)

	payload := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	base := b.WriteEvent(EventZoneEnd, 7, payload)
	assert.Equal(t, uint64(60), base)

	eventType, ts, got := b.ReadEvent(base)
	assert.Equal(t, EventZoneEnd, eventType)
	assert.Equal(t, int64(7), ts)
	assert.Equal(t, payload, got)
}

func TestOnOverrunFiresWhenBufferIsFull(t *testing.T) {
	b, err := NewBuffer(32, 0)
	require.NoError(t, err)
	defer b.Close()

	fired := make(chan struct{}, 8)
	b.OnOverrun = func(requestedLen, capacity uint64) { fired <- struct{}{} }

	b.ReserveRange(31) // one byte short of capacity; the next byte fills it

	done := make(chan struct{})
	go func() {
		b.ReserveRange(1)
		close(done)
	}()

	<-fired
	b.AdvanceReadCommit(32)
	<-done
}

func TestAcquireQueryRangeAssignsDisjointContiguousIDs(t *testing.T) {
	b, err := NewBuffer(256, 4)
	require.NoError(t, err)
	defer b.Close()

	first := b.AcquireQueryRange(2)
	second := b.AcquireQueryRange(1)
	assert.Equal(t, uint32(0), first)
	assert.Equal(t, uint32(2), second)
}

func TestQuerySignalWrapsModuloRingCapacity(t *testing.T) {
	b, err := NewBuffer(256, 4)
	require.NoError(t, err)
	defer b.Close()

	assert.Same(t, b.QuerySignal(1), b.QuerySignal(5), "ids wrap modulo capacity")
	assert.NotSame(t, b.QuerySignal(0), b.QuerySignal(1))
}

func TestQuerySignalReturnsNilWithoutQueryRing(t *testing.T) {
	b, err := NewBuffer(256, 0)
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.QuerySignal(0))
}
