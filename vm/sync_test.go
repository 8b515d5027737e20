package vm

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexFIFOGrantOrder(t *testing.T) {
	m := NewMutex()
	owner := TaskId(uuid.New())
	require.True(t, m.TryLock(owner))

	waiters := []TaskId{TaskId(uuid.New()), TaskId(uuid.New()), TaskId(uuid.New())}
	for _, w := range waiters {
		assert.False(t, m.TryLock(w))
		m.Enqueue(w)
	}

	var grantOrder []TaskId
	current := owner
	for {
		next, granted, err := m.Unlock(current)
		require.NoError(t, err)
		if !granted {
			break
		}
		grantOrder = append(grantOrder, next)
		current = next
	}

	assert.Equal(t, waiters, grantOrder, "waiters must be granted the lock in FIFO arrival order")
}

func TestMutexRejectsForeignUnlock(t *testing.T) {
	m := NewMutex()
	owner := TaskId(uuid.New())
	other := TaskId(uuid.New())
	require.True(t, m.TryLock(owner))

	_, _, err := m.Unlock(other)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestMutexRetryAfterGrantSucceeds(t *testing.T) {
	m := NewMutex()
	owner := TaskId(uuid.New())
	waiter := TaskId(uuid.New())
	require.True(t, m.TryLock(owner))

	assert.False(t, m.TryLock(waiter))
	m.Enqueue(waiter)

	next, granted, err := m.Unlock(owner)
	require.NoError(t, err)
	require.True(t, granted)
	assert.Equal(t, waiter, next)

	// waiter's retried OpMutexLock must observe the grant, not "held by
	// someone else" (the bug this test guards: TryLock used to ignore
	// who currently owns the lock).
	assert.True(t, m.TryLock(waiter))
}

func TestChannelRendezvousRequiresBothSides(t *testing.T) {
	ch := NewChannel(0)

	sender := TaskId(uuid.New())
	ok, _, hasWoken, err := ch.TrySend(Int32(1))
	require.NoError(t, err)
	assert.False(t, ok, "unbuffered channel must not accept a send with no waiting receiver")
	assert.False(t, hasWoken)
	ch.EnqueueSender(sender, Int32(1))

	v, ok, woken, hasWoken, closedEmpty := ch.TryRecv()
	assert.True(t, ok)
	assert.False(t, closedEmpty)
	assert.Equal(t, Int32(1), v)
	require.True(t, hasWoken)
	assert.Equal(t, sender, woken)
}

func TestChannelBufferedCapacity(t *testing.T) {
	ch := NewChannel(2)

	ok, _, _, err := ch.TrySend(Int32(1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, _, err = ch.TrySend(Int32(2))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, _, err = ch.TrySend(Int32(3))
	require.NoError(t, err)
	assert.False(t, ok, "third send on a capacity-2 channel must block")
}

func TestChannelCloseDrainsThenReportsClosed(t *testing.T) {
	ch := NewChannel(1)
	_, _, _, err := ch.TrySend(Int32(9))
	require.NoError(t, err)

	ch.Close()

	v, ok, _, _, closedEmpty := ch.TryRecv()
	require.True(t, ok)
	assert.False(t, closedEmpty)
	assert.Equal(t, Int32(9), v)

	_, ok, _, _, closedEmpty = ch.TryRecv()
	assert.False(t, ok)
	assert.True(t, closedEmpty)
}

func TestChannelSendAfterCloseFails(t *testing.T) {
	ch := NewChannel(1)
	ch.Close()
	_, _, _, err := ch.TrySend(Int32(1))
	assert.ErrorIs(t, err, ErrChannelClosed)
}
