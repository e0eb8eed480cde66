package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/icemux/datagram"
)

func sized(n int) *datagram.Datagram {
	return datagram.Wrap(make([]byte, n), nil)
}

func TestBoundedQueue_EvictsOldest(t *testing.T) {
	q := newBoundedQueue(func() int { return 100 })

	first := sized(40)
	assert.Equal(t, 0, q.add(first))
	assert.Equal(t, 0, q.add(sized(40)))
	assert.Equal(t, 1, q.add(sized(40)), "third datagram must push out the first")

	assert.Equal(t, 2, q.len())
	assert.Equal(t, 80, q.size())

	d, ok := q.poll()
	require.True(t, ok)
	assert.NotSame(t, first, d)
}

func TestBoundedQueue_KeepsLastEntry(t *testing.T) {
	q := newBoundedQueue(func() int { return 100 })

	assert.Equal(t, 0, q.add(sized(500)), "an empty queue accepts an oversized datagram")
	assert.Equal(t, 1, q.len())

	q.add(sized(10))
	assert.Equal(t, 1, q.add(sized(600)))
	assert.Equal(t, 2, q.len(), "eviction stops at the last remaining entry")
	assert.Equal(t, 610, q.size())
}

func TestBoundedQueue_FIFO(t *testing.T) {
	q := newBoundedQueue(nil)
	for i := 1; i <= 5; i++ {
		q.add(sized(i))
	}
	for i := 1; i <= 5; i++ {
		d, ok := q.poll()
		require.True(t, ok)
		assert.Equal(t, i, d.Len())
	}
	_, ok := q.poll()
	assert.False(t, ok)
	assert.Equal(t, 0, q.size())
}

func TestBoundedQueue_RefreshesCapacity(t *testing.T) {
	calls := 0
	capacity := 1 << 20
	q := newBoundedQueue(func() int {
		calls++
		return capacity
	})
	require.Equal(t, 1, calls)

	for i := 0; i < capacityRefreshEvery; i++ {
		q.add(sized(1))
	}
	assert.Equal(t, 2, calls, "read at creation and at the first insert")

	capacity = 10
	q.add(sized(1))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 10, q.capacity)
	assert.LessOrEqual(t, q.size(), 10)
}

func TestBoundedQueue_DefaultCapacity(t *testing.T) {
	q := newBoundedQueue(func() int { return 0 })
	assert.Equal(t, DefaultReceiveBufferSize, q.capacity)
}

func TestRecvQueue_WakesOnPush(t *testing.T) {
	r := newRecvQueue(nil)

	d, wake := r.pollOrWake()
	require.Nil(t, d)

	r.push(sized(3))
	select {
	case <-wake:
	default:
		t.Fatal("push did not wake the waiter")
	}

	d, _ = r.pollOrWake()
	require.NotNil(t, d)
	assert.Equal(t, 3, d.Len())
}
