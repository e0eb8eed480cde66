package mux

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/netbirdio/icemux/datagram"
)

// capacityRefreshEvery is how many inserts a queue does before asking its
// capacity source again.
const capacityRefreshEvery = 100

// boundedQueue is a FIFO of datagrams whose total payload size is kept under
// the capacity of the receive buffer it mirrors. It is not safe for
// concurrent use.
type boundedQueue struct {
	items    deque.Deque[*datagram.Datagram]
	bytes    int
	capacity int
	adds     int
	source   func() int
}

func newBoundedQueue(source func() int) *boundedQueue {
	q := &boundedQueue{source: source}
	q.refreshCapacity()
	return q
}

func (q *boundedQueue) refreshCapacity() {
	if q.source == nil {
		q.capacity = DefaultReceiveBufferSize
		return
	}
	if c := q.source(); c > 0 {
		q.capacity = c
		return
	}
	q.capacity = DefaultReceiveBufferSize
}

// add appends d, first evicting the oldest entries for as long as the new
// total would exceed the capacity. The last remaining entry is never evicted,
// so an oversized datagram still gets queued. It returns the evicted count.
func (q *boundedQueue) add(d *datagram.Datagram) int {
	if q.adds%capacityRefreshEvery == 0 {
		q.refreshCapacity()
	}
	q.adds++

	evicted := 0
	for q.items.Len() > 1 && q.bytes+d.Len() > q.capacity {
		old := q.items.PopFront()
		q.bytes -= old.Len()
		evicted++
	}

	q.items.PushBack(d)
	q.bytes += d.Len()
	return evicted
}

func (q *boundedQueue) poll() (*datagram.Datagram, bool) {
	if q.items.Len() == 0 {
		return nil, false
	}
	d := q.items.PopFront()
	q.bytes -= d.Len()
	return d, true
}

func (q *boundedQueue) len() int {
	return q.items.Len()
}

func (q *boundedQueue) size() int {
	return q.bytes
}

// recvQueue guards a boundedQueue and lets readers wait for it without
// being woken by arrivals meant for other queues.
type recvQueue struct {
	mu    sync.Mutex
	queue *boundedQueue
	// wake is closed and replaced on every push
	wake chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newRecvQueue(capacity func() int) *recvQueue {
	return &recvQueue{
		queue: newBoundedQueue(capacity),
		wake:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (r *recvQueue) push(d *datagram.Datagram) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := r.queue.add(d)
	close(r.wake)
	r.wake = make(chan struct{})
	return evicted
}

// pollOrWake dequeues the oldest datagram. When the queue is empty it returns
// the channel that the next push closes.
func (r *recvQueue) pollOrWake() (*datagram.Datagram, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.queue.poll(); ok {
		return d, nil
	}
	return nil, r.wake
}

func (r *recvQueue) close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

func (r *recvQueue) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
