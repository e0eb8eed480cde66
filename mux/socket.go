// Package mux shares one physical packet socket between several consumers.
//
// Every consumer registers a filter and gets a LogicalSocket that only sees
// the datagrams its filter accepts. Datagrams nobody accepts stay readable on
// the Socket itself. There is never more than one read outstanding on the
// physical socket: whichever caller finds its own queue empty becomes the
// reader and distributes what it reads to all queues.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/icemux/datagram"
	"github.com/netbirdio/icemux/filter"
)

const (
	// DefaultReceiveBufferSize is used as queue capacity when the kernel
	// receive buffer size cannot be queried. It is the usual Linux rmem_default.
	DefaultReceiveBufferSize = 212992

	// DefaultPollInterval bounds how long a waiting reader sleeps before it
	// checks again whether it can become the physical reader.
	DefaultPollInterval = 500 * time.Millisecond

	unmatchedQueue = "unmatched"
)

// aLongTimeAgo makes a blocked physical read return at once.
var aLongTimeAgo = time.Unix(1, 0)

// Config configures a Socket. The zero value is usable.
type Config struct {
	Logger  *log.Entry
	Metrics *Metrics
	// Sink, when set, receives a sample of the traffic crossing the socket.
	Sink         PacketSink
	PollInterval time.Duration
	// ReadBufferSize is applied to the physical socket when positive.
	ReadBufferSize int
	// TrackRTPLoss enables loss accounting of received RTP.
	TrackRTPLoss bool
	// Net is used by Listen. Defaults to the host network stack.
	Net transport.Net
}

// Socket demultiplexes one physical net.PacketConn.
type Socket struct {
	conn      net.PacketConn
	localAddr net.Addr
	log       *log.Entry
	metrics   *Metrics
	sampler   *packetSampler
	losses    *LossEstimator
	poll      time.Duration

	regMu         sync.Mutex
	registrations atomic.Pointer[[]*LogicalSocket]

	readMu        sync.Mutex
	reading       bool
	readerDone    chan struct{}
	pendingBuffer int
	readBuffer    atomic.Int64

	// owned by the current physical reader
	scratch         []byte
	physDeadline    time.Time
	physDeadlineSet bool

	unmatched *recvQueue
	deadline  readDeadline

	closedChan chan struct{}
	closeOnce  sync.Once
}

// Listen opens a packet socket through cfg.Net and wraps it. The socket is
// put behind a SafeCloseConn, so once Close returns the address can be bound
// again.
func Listen(network, address string, cfg Config) (*Socket, error) {
	n := cfg.Net
	if n == nil {
		var err error
		n, err = stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("create network: %w", err)
		}
	}

	pc, err := n.ListenPacket(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	conn := NewSafeCloseConn(pc)

	s, err := New(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps conn. The Socket owns conn from now on.
func New(conn net.PacketConn, cfg Config) (*Socket, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "mux")
	}
	logger = logger.WithField("local", conn.LocalAddr())

	metrics := cfg.Metrics
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(nil); err != nil {
			return nil, err
		}
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	s := &Socket{
		conn:       conn,
		localAddr:  conn.LocalAddr(),
		log:        logger,
		metrics:    metrics,
		poll:       poll,
		scratch:    make([]byte, datagram.MaxSize),
		closedChan: make(chan struct{}),
	}
	if cfg.Sink != nil {
		s.sampler = &packetSampler{sink: cfg.Sink}
	}
	if cfg.TrackRTPLoss {
		s.losses = NewLossEstimator(logger.WithField("component", "rtp-loss"), metrics)
	}

	empty := make([]*LogicalSocket, 0)
	s.registrations.Store(&empty)

	if cfg.ReadBufferSize > 0 {
		if err := s.applyReadBuffer(cfg.ReadBufferSize); err != nil {
			logger.Warnf("failed to set receive buffer to %d bytes: %v", cfg.ReadBufferSize, err)
		}
	}
	s.readBuffer.Store(int64(s.queryReadBuffer(cfg.ReadBufferSize)))

	s.unmatched = newRecvQueue(s.ReadBufferSize)
	return s, nil
}

func (s *Socket) queryReadBuffer(requested int) int {
	size, err := receiveBufferSize(s.conn)
	if err == nil && size > 0 {
		return size
	}
	if err != nil && !errors.Is(err, errNoSyscallConn) {
		s.log.Debugf("failed to query receive buffer size: %v", err)
	}
	if requested > 0 {
		return requested
	}
	return DefaultReceiveBufferSize
}

// GetFilteredSocket returns the logical socket for f, creating it on first
// use. Filters with the same filter.Key share one logical socket.
func (s *Socket) GetFilteredSocket(f filter.Filter) (*LogicalSocket, error) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if s.IsClosed() {
		return nil, net.ErrClosed
	}

	key := filter.Key(f)
	current := *s.registrations.Load()
	for _, ls := range current {
		if ls.key == key {
			return ls, nil
		}
	}

	ls := &LogicalSocket{
		mux:    s,
		filter: f,
		key:    key,
		queue:  newRecvQueue(s.ReadBufferSize),
	}

	next := make([]*LogicalSocket, len(current), len(current)+1)
	copy(next, current)
	next = append(next, ls)
	s.registrations.Store(&next)

	s.metrics.logicalSocketAdded()
	s.log.Debugf("registered logical socket %s", key)
	return ls, nil
}

// CloseLogicalSocket unregisters ls. Datagrams still queued for it are
// dropped and its blocked readers fail with net.ErrClosed.
func (s *Socket) CloseLogicalSocket(ls *LogicalSocket) {
	s.regMu.Lock()
	current := *s.registrations.Load()
	idx := -1
	for i, r := range current {
		if r == ls {
			idx = i
			break
		}
	}
	if idx >= 0 {
		next := make([]*LogicalSocket, 0, len(current)-1)
		next = append(next, current[:idx]...)
		next = append(next, current[idx+1:]...)
		s.registrations.Store(&next)
	}
	s.regMu.Unlock()

	ls.queue.close()
	s.interruptRead()
	if idx >= 0 {
		s.metrics.logicalSocketRemoved()
		s.log.Debugf("removed logical socket %s", ls.key)
	}
}

// Receive copies the next unmatched datagram into d.
func (s *Socket) Receive(d *datagram.Datagram) error {
	return s.receive(s.unmatched, &s.deadline, d)
}

// ReadFrom implements net.PacketConn over the unmatched queue.
func (s *Socket) ReadFrom(p []byte) (int, net.Addr, error) {
	d := datagram.Wrap(p, nil)
	if err := s.Receive(d); err != nil {
		return 0, nil, err
	}
	return d.Len(), d.Addr(), nil
}

// WriteTo sends p on the physical socket.
func (s *Socket) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := s.conn.WriteTo(p, addr)
	if err != nil {
		return n, err
	}
	s.metrics.BytesSent.Add(context.Background(), int64(n))
	s.sampler.observe(s.localAddr, addr, p[:n], true)
	return n, nil
}

// LocalAddr returns the address of the physical socket.
func (s *Socket) LocalAddr() net.Addr {
	return s.localAddr
}

// SetDeadline sets the read deadline of the unmatched queue and the write
// deadline of the physical socket.
func (s *Socket) SetDeadline(t time.Time) error {
	s.deadline.set(t)
	s.interruptRead()
	return s.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline of reads from the unmatched queue. It
// also applies to reads that are already blocked.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.deadline.set(t)
	s.interruptRead()
	return nil
}

// SetWriteDeadline sets the write deadline of the physical socket.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// SetReadTimeout makes every read from the unmatched queue give up after d.
// Zero disables it.
func (s *Socket) SetReadTimeout(d time.Duration) {
	s.deadline.setTimeout(d)
	s.interruptRead()
}

// SetReadBuffer sets the kernel receive buffer. The value is cached and also
// becomes the capacity of every queue. A change requested during a physical
// read is applied before the next one.
func (s *Socket) SetReadBuffer(bytes int) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.readBuffer.Store(int64(bytes))
	if s.reading {
		s.pendingBuffer = bytes
		return nil
	}
	return s.applyReadBuffer(bytes)
}

// ReadBufferSize returns the cached receive buffer size.
func (s *Socket) ReadBufferSize() int {
	return int(s.readBuffer.Load())
}

// Losses returns the RTP loss estimator, nil unless TrackRTPLoss was set.
func (s *Socket) Losses() *LossEstimator {
	return s.losses
}

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool {
	select {
	case <-s.closedChan:
		return true
	default:
		return false
	}
}

// Close closes the physical socket. Every blocked reader, on the Socket or
// on a logical socket, fails with net.ErrClosed.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closedChan)
		err = s.conn.Close()
		s.log.Debugf("closed")
	})
	return err
}

func (s *Socket) applyReadBuffer(bytes int) error {
	c, ok := s.conn.(interface{ SetReadBuffer(int) error })
	if !ok {
		return nil
	}
	return c.SetReadBuffer(bytes)
}

// receive delivers the next datagram of q into dst, reading from the network
// on behalf of every queue while nobody else does.
func (s *Socket) receive(q *recvQueue, dl *readDeadline, dst *datagram.Datagram) error {
	start := time.Now()

	for {
		if s.IsClosed() || q.isClosed() {
			return net.ErrClosed
		}

		pkt, wake := q.pollOrWake()
		if pkt != nil {
			s.deliver(pkt, dst)
			return nil
		}

		// re-read on every pass, the deadline may move while we block
		deadline, changed := dl.effective(start)
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return ErrTimeout
		}

		released, ok := s.acquireReader()
		if !ok {
			s.wait(q, wake, released, changed, deadline)
			continue
		}

		err := s.readOnce(q, changed, deadline)
		s.releaseReader()
		if err == nil {
			continue
		}

		if s.IsClosed() {
			return net.ErrClosed
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return err
	}
}

func (s *Socket) wait(q *recvQueue, wake, released, changed <-chan struct{}, deadline time.Time) {
	d := s.poll
	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-wake:
	case <-released:
	case <-changed:
	case <-q.done:
	case <-s.closedChan:
	case <-timer.C:
	}
}

// acquireReader claims the physical read. When someone else holds it, the
// returned channel is closed once they release it.
func (s *Socket) acquireReader() (<-chan struct{}, bool) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.reading {
		return s.readerDone, false
	}
	s.reading = true
	s.readerDone = make(chan struct{})
	return nil, true
}

// interruptRead wakes the physical reader so it notices that its own queue
// was closed or its deadline moved.
func (s *Socket) interruptRead() {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.reading {
		_ = s.conn.SetReadDeadline(aLongTimeAgo)
	}
}

func (s *Socket) releaseReader() {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.reading = false
	close(s.readerDone)
}

// readOnce performs one physical read on behalf of q and distributes the
// result. Only the holder of the reader status may call it.
func (s *Socket) readOnce(q *recvQueue, changed <-chan struct{}, deadline time.Time) error {
	s.readMu.Lock()
	pending := s.pendingBuffer
	s.pendingBuffer = 0
	s.readMu.Unlock()
	if pending > 0 {
		if err := s.applyReadBuffer(pending); err != nil {
			s.log.Warnf("failed to set receive buffer to %d bytes: %v", pending, err)
		}
	}

	if !s.physDeadlineSet || !deadline.Equal(s.physDeadline) {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		s.physDeadline = deadline
		s.physDeadlineSet = true
	}
	// anything after this point is caught by interruptRead
	if q.isClosed() {
		return nil
	}
	select {
	case <-changed:
		s.physDeadlineSet = false
		return nil
	default:
	}

	n, addr, err := s.conn.ReadFrom(s.scratch)
	if err != nil {
		// the deadline may have been moved by interruptRead
		s.physDeadlineSet = false
		return err
	}

	b := make([]byte, n)
	copy(b, s.scratch[:n])
	pkt := datagram.Wrap(b, addr)

	s.metrics.BytesReceived.Add(context.Background(), int64(n))
	s.sampler.observe(s.localAddr, addr, b, false)
	if s.losses != nil {
		s.losses.Observe(b)
	}

	s.dispatch(pkt)
	return nil
}

// dispatch queues pkt for every logical socket whose filter accepts it, or
// for the unmatched queue when none does.
func (s *Socket) dispatch(pkt *datagram.Datagram) {
	matched := 0
	for _, ls := range *s.registrations.Load() {
		if !ls.filter.Accept(pkt) {
			continue
		}
		d := pkt
		if matched > 0 {
			d = pkt.DeepClone()
		}
		matched++
		s.metrics.evicted(ls.queue.push(d), ls.key)
	}

	if matched > 0 {
		return
	}
	s.metrics.Unmatched.Add(context.Background(), 1)
	s.metrics.evicted(s.unmatched.push(pkt), unmatchedQueue)
}

func (s *Socket) deliver(pkt, dst *datagram.Datagram) {
	if !pkt.CopyTo(dst) {
		return
	}
	s.log.Warnf("datagram from %s truncated from %d to %d bytes", pkt.Addr(), pkt.Len(), dst.Len())
	s.metrics.Truncated.Add(context.Background(), 1)
}

// readDeadline combines an absolute deadline with a per read timeout.
type readDeadline struct {
	mu      sync.Mutex
	at      time.Time
	timeout time.Duration
	// changed is closed and dropped on every update
	changed chan struct{}
}

func (r *readDeadline) set(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.at = t
	r.notifyLocked()
}

func (r *readDeadline) setTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
	r.notifyLocked()
}

func (r *readDeadline) notifyLocked() {
	if r.changed != nil {
		close(r.changed)
		r.changed = nil
	}
}

// effective returns the earlier of the deadline and start plus the timeout,
// along with a channel that is closed on the next update. The zero time means
// no deadline.
func (r *readDeadline) effective(start time.Time) (time.Time, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.changed == nil {
		r.changed = make(chan struct{})
	}
	at := r.at
	if r.timeout > 0 {
		if t := start.Add(r.timeout); at.IsZero() || t.Before(at) {
			at = t
		}
	}
	return at, r.changed
}
