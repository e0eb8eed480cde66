// Package turn implements a TURN client that relays through a server reached
// over a shared, demultiplexed socket. Data to a peer starts out as Send
// indications and moves to a channel once real traffic, not connectivity
// checks, is sent to that peer.
package turn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/stun/v3"
	"github.com/pion/transport/v3/deadline"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/icemux/datagram"
	nberrors "github.com/netbirdio/icemux/errors"
	"github.com/netbirdio/icemux/filter"
	"github.com/netbirdio/icemux/mux"
)

const (
	DefaultPermissionLifetime = 5 * time.Minute
	DefaultPermissionLeeway   = time.Minute

	defaultAllocationLifetime = 10 * time.Minute
	refreshLeeway             = time.Minute
	refreshRetryInterval      = 5 * time.Second
	deallocateTimeout         = 2 * time.Second

	maxPending  = 1024
	maxIncoming = 1024

	// consecutive failed binds after which the data queued for a peer is given up
	maxBindFailures = 5
)

// FilteredSocketProvider hands out filtered views of a shared socket.
// *mux.Socket implements it.
type FilteredSocketProvider interface {
	GetFilteredSocket(f filter.Filter) (*mux.LogicalSocket, error)
}

// Config configures a RelayedSocket.
type Config struct {
	Mux         FilteredSocketProvider
	Server      *net.UDPAddr
	Credentials Credentials
	// Lifetime requested for the allocation. Zero lets the server decide.
	Lifetime time.Duration

	PermissionLifetime time.Duration
	PermissionLeeway   time.Duration
	RTO                time.Duration
	MaxRetransmissions int
	// PadChannelData pads ChannelData frames to 4 bytes. Servers reached
	// over a stream transport require it.
	PadChannelData bool

	Messages MessageBuilder
	Logger   *log.Entry
	// Backoff paces restarts of the channel data reader.
	Backoff func() backoff.BackOff
}

func (c *Config) applyDefaults() {
	if c.PermissionLifetime <= 0 {
		c.PermissionLifetime = DefaultPermissionLifetime
	}
	if c.PermissionLeeway <= 0 || c.PermissionLeeway >= c.PermissionLifetime {
		c.PermissionLeeway = DefaultPermissionLeeway
	}
	if c.RTO <= 0 {
		c.RTO = defaultRTO
	}
	if c.MaxRetransmissions <= 0 {
		c.MaxRetransmissions = defaultMaxRetransmissions
	}
	if c.Messages == nil {
		c.Messages = NewMessageBuilder()
	}
	if c.Logger == nil {
		c.Logger = log.WithField("component", "turn")
	}
	if c.Backoff == nil {
		c.Backoff = defaultBackoff
	}
}

func defaultBackoff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

type outgoing struct {
	peer *net.UDPAddr
	data []byte
}

type received struct {
	peer net.Addr
	data []byte
}

// RelayedSocket is a net.PacketConn whose traffic is relayed by a TURN
// allocation. Writes are queued and sent by a worker that manages
// permissions and channels for every peer.
type RelayedSocket struct {
	cfg      Config
	log      *log.Entry
	client   *client
	control  *mux.LogicalSocket
	data     *mux.LogicalSocket
	relayed  *net.UDPAddr
	mapped   *net.UDPAddr
	lifetime time.Duration

	// mu guards the send queue and every channel
	mu                sync.Mutex
	cond              *sync.Cond
	pending           deque.Deque[outgoing]
	channels          map[string]*channel
	byNumber          map[uint16]*channel
	numbers           channelNumbers
	dataWorkerStarted bool
	closed            bool
	// bumped whenever entries are removed by anyone but the send worker
	pendingGen uint64

	inMu         sync.Mutex
	incoming     deque.Deque[received]
	inNotify     chan struct{}
	readDeadline *deadline.Deadline

	ctx        context.Context
	cancel     context.CancelFunc
	closedChan chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewRelayedSocket allocates a relay on cfg.Server and returns a socket
// sending through it. ctx bounds the allocation.
func NewRelayedSocket(ctx context.Context, cfg Config) (*RelayedSocket, error) {
	if cfg.Mux == nil || cfg.Server == nil {
		return nil, errors.New("relayed socket needs a socket and a server")
	}
	cfg.applyDefaults()

	server := cfg.Server.String()
	control, err := cfg.Mux.GetFilteredSocket(filter.TURN{Remote: server})
	if err != nil {
		return nil, fmt.Errorf("get control socket: %w", err)
	}
	data, err := cfg.Mux.GetFilteredSocket(filter.ChannelData{Remote: server})
	if err != nil {
		_ = control.Close()
		return nil, fmt.Errorf("get channel data socket: %w", err)
	}

	logger := cfg.Logger.WithFields(log.Fields{
		"relay":  uuid.NewString(),
		"server": server,
	})

	r := &RelayedSocket{
		cfg:     cfg,
		log:     logger,
		control: control,
		data:    data,
		client: &client{
			conn:               control,
			server:             cfg.Server,
			messages:           cfg.Messages,
			auth:               &authState{creds: cfg.Credentials},
			txs:                newTransactions(),
			rto:                cfg.RTO,
			maxRetransmissions: cfg.MaxRetransmissions,
			log:                logger,
			closed:             make(chan struct{}),
		},
		channels:     make(map[string]*channel),
		byNumber:     make(map[uint16]*channel),
		inNotify:     make(chan struct{}, 1),
		readDeadline: deadline.New(),
		closedChan:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.controlLoop()

	if err := r.allocate(ctx); err != nil {
		_ = r.shutdown()
		return nil, err
	}

	r.wg.Add(2)
	go r.sendLoop()
	go r.refreshLoop()

	logger.Infof("allocated relay %s (mapped %s, lifetime %s)", r.relayed, r.mapped, r.lifetime)
	return r, nil
}

func (r *RelayedSocket) allocate(ctx context.Context) error {
	res, err := r.client.roundTrip(ctx, func(auth ...stun.Setter) (*stun.Message, error) {
		return r.cfg.Messages.AllocateRequest(r.cfg.Lifetime, auth...)
	})
	if err != nil {
		return fmt.Errorf("allocate: %w", err)
	}

	r.relayed, err = getRelayedAddress(res)
	if err != nil {
		return fmt.Errorf("allocate response without relayed address: %w", err)
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(res); err == nil {
		r.mapped = &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}
	}

	r.lifetime = defaultAllocationLifetime
	if lifetime, err := getLifetime(res); err == nil {
		r.lifetime = lifetime
	}
	return nil
}

// RelayedAddr returns the address the server relays from.
func (r *RelayedSocket) RelayedAddr() *net.UDPAddr {
	return r.relayed
}

// MappedAddr returns our address as seen by the server, if it told us.
func (r *RelayedSocket) MappedAddr() *net.UDPAddr {
	return r.mapped
}

// WriteTo queues p for addr and returns without waiting for it to be sent.
func (r *RelayedSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	peer, err := udpAddr(addr)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, net.ErrClosed
	}
	if r.pending.Len() >= maxPending {
		dropped := r.pending.PopFront()
		r.pendingGen++
		r.log.Warnf("send queue full, dropping datagram to %s", dropped.peer)
	}
	r.pending.PushBack(outgoing{peer: peer, data: append([]byte(nil), p...)})
	r.cond.Broadcast()
	return len(p), nil
}

// ReadFrom returns the next datagram relayed from a peer.
func (r *RelayedSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		r.inMu.Lock()
		if r.incoming.Len() > 0 {
			in := r.incoming.PopFront()
			if r.incoming.Len() > 0 {
				r.signalIncoming()
			}
			r.inMu.Unlock()

			n := copy(p, in.data)
			if n < len(in.data) {
				r.log.Warnf("datagram from %s truncated from %d to %d bytes", in.peer, len(in.data), n)
			}
			return n, in.peer, nil
		}
		r.inMu.Unlock()

		select {
		case <-r.inNotify:
		case <-r.readDeadline.Done():
			return 0, nil, mux.ErrTimeout
		case <-r.closedChan:
			return 0, nil, net.ErrClosed
		}
	}
}

// LocalAddr returns the relayed address.
func (r *RelayedSocket) LocalAddr() net.Addr {
	return r.relayed
}

func (r *RelayedSocket) SetDeadline(t time.Time) error {
	return r.SetReadDeadline(t)
}

func (r *RelayedSocket) SetReadDeadline(t time.Time) error {
	r.readDeadline.Set(t)
	return nil
}

// SetWriteDeadline is a no-op, writes never block.
func (r *RelayedSocket) SetWriteDeadline(time.Time) error {
	return nil
}

// Close releases the allocation and stops every worker.
func (r *RelayedSocket) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.cond.Broadcast()
		r.mu.Unlock()
		close(r.closedChan)

		ctx, cancel := context.WithTimeout(context.Background(), deallocateTimeout)
		_, deallocErr := r.client.roundTrip(ctx, func(auth ...stun.Setter) (*stun.Message, error) {
			return r.cfg.Messages.RefreshRequest(0, auth...)
		})
		cancel()
		if deallocErr != nil {
			r.log.Debugf("failed to release allocation: %v", deallocErr)
		}

		err = r.shutdown()
		r.log.Infof("relay %s closed", r.relayed)
	})
	return err
}

func (r *RelayedSocket) shutdown() error {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	r.cancel()
	r.client.close()

	var merr *multierror.Error
	if err := r.control.Close(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("close control socket: %w", err))
	}
	if err := r.data.Close(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("close channel data socket: %w", err))
	}

	r.wg.Wait()
	return nberrors.FormatErrorOrNil(merr)
}

func (r *RelayedSocket) isClosed() bool {
	select {
	case <-r.closedChan:
		return true
	default:
		return false
	}
}

func (r *RelayedSocket) controlLoop() {
	defer r.wg.Done()

	buf := make([]byte, datagram.MaxSize)
	for {
		n, _, err := r.control.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warnf("failed to read control message: %v", err)
			continue
		}

		m := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := m.Decode(); err != nil {
			r.log.Debugf("dropping malformed control message: %v", err)
			continue
		}
		r.handleControl(m)
	}
}

func (r *RelayedSocket) handleControl(m *stun.Message) {
	switch m.Type.Class {
	case stun.ClassIndication:
		if m.Type.Method != stun.MethodData {
			return
		}
		peer, err := getPeerAddress(m)
		if err != nil {
			r.log.Debugf("data indication without peer address: %v", err)
			return
		}
		data, err := m.Get(stun.AttrData)
		if err != nil {
			r.log.Debugf("data indication without data: %v", err)
			return
		}
		r.deliver(peer, data)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		if !r.client.txs.resolve(m) {
			r.log.Tracef("response %s matches no transaction", m.Type)
		}
	}
}

// deliver queues data from peer for ReadFrom. data must not be reused.
func (r *RelayedSocket) deliver(peer net.Addr, data []byte) {
	r.inMu.Lock()
	defer r.inMu.Unlock()

	if r.incoming.Len() >= maxIncoming {
		r.incoming.PopFront()
	}
	r.incoming.PushBack(received{peer: peer, data: data})
	r.signalIncoming()
}

func (r *RelayedSocket) signalIncoming() {
	select {
	case r.inNotify <- struct{}{}:
	default:
	}
}

func (r *RelayedSocket) sendLoop() {
	defer r.wg.Done()

	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.closed {
		if !r.sweep() {
			r.cond.Wait()
		}
	}
}

// sweep goes once over the send queue and reports whether anything changed.
// It is called with mu held and releases it while writing to the network.
func (r *RelayedSocket) sweep() bool {
	now := time.Now()
	progress := false
	// a peer held back once stays held for the rest of the sweep, keeping its order
	held := make(map[*channel]bool)

	for i := 0; i < r.pending.Len(); {
		out := r.pending.At(i)
		ch := r.channelLocked(out.peer)
		if held[ch] {
			i++
			continue
		}

		if !ch.preferred && !filter.IsSTUN(out.data) {
			ch.preferred = true
			r.log.Debugf("first data to %s, switching it to a channel", ch.peer)
			r.bindLocked(ch, now, true)
			return true
		}

		if ch.needsBind(now, r.cfg.PermissionLifetime, r.cfg.PermissionLeeway) {
			r.bindLocked(ch, now, false)
			held[ch] = true
			progress = true
			i++
			continue
		}

		if !ch.ready() {
			held[ch] = true
			i++
			continue
		}

		r.pending.Remove(i)
		useChannel, number := ch.useChannelData(), ch.number
		gen := r.pendingGen

		r.mu.Unlock()
		r.transmit(out, useChannel, number)
		r.mu.Lock()

		progress = true
		if r.closed || gen != r.pendingGen {
			return true
		}
	}
	return progress
}

func (r *RelayedSocket) channelLocked(peer *net.UDPAddr) *channel {
	key := peer.String()
	ch, ok := r.channels[key]
	if !ok {
		ch = newChannel(peer)
		r.channels[key] = ch
	}
	return ch
}

// bindLocked starts the requests that bind ch. A forced bind is the switch
// of a peer to a channel: its permission is only renewed when it has to be.
func (r *RelayedSocket) bindLocked(ch *channel, now time.Time, forced bool) {
	if !forced || ch.needsBind(now, r.cfg.PermissionLifetime, r.cfg.PermissionLeeway) {
		ch.state = permissionBinding
		ch.bindingAt = now
		r.spawn(func() { r.createPermission(ch) })
	}

	if !ch.preferred || ch.indicationOnly || ch.numberBinding {
		return
	}

	if ch.number == 0 {
		number, err := r.numbers.allocate()
		if err != nil {
			r.log.Warnf("no channel for %s, staying on send indications: %v", ch.peer, err)
			ch.indicationOnly = true
			return
		}
		ch.number = number
		r.byNumber[number] = ch
	}

	ch.numberBinding = true
	r.startChannelDataWorkerLocked()
	r.spawn(func() { r.bindChannel(ch, now) })
}

func (r *RelayedSocket) spawn(f func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
}

func (r *RelayedSocket) createPermission(ch *channel) {
	_, err := r.client.roundTrip(r.ctx, func(auth ...stun.Setter) (*stun.Message, error) {
		return r.cfg.Messages.CreatePermissionRequest(ch.peer, auth...)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		if !r.closed {
			r.log.Warnf("failed to create permission for %s: %v", ch.peer, err)
		}
		r.bindFailedLocked(ch)
	} else if ch.state == permissionBinding {
		ch.state = permissionBound
		ch.failures = 0
		r.log.Debugf("permission for %s created", ch.peer)
	}
	r.cond.Broadcast()
}

func (r *RelayedSocket) bindChannel(ch *channel, startedAt time.Time) {
	_, err := r.client.roundTrip(r.ctx, func(auth ...stun.Setter) (*stun.Message, error) {
		return r.cfg.Messages.ChannelBindRequest(ch.peer, ch.number, auth...)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		if !r.closed {
			r.log.Warnf("failed to bind channel %#x to %s: %v", ch.number, ch.peer, err)
		}
		r.bindFailedLocked(ch)
		r.cond.Broadcast()
		return
	}

	ch.numberBinding = false
	ch.numberBound = true
	ch.failures = 0
	// a channel binding also installs the permission
	if ch.state != permissionBound {
		ch.state = permissionBound
		ch.bindingAt = startedAt
	}
	r.log.Debugf("channel %#x bound to %s", ch.number, ch.peer)
	r.cond.Broadcast()
}

// bindFailedLocked reverts ch to unbound so the next sweep binds it again and
// then sends what is still queued for the peer. Only after maxBindFailures
// failures in a row is the queued data given up.
func (r *RelayedSocket) bindFailedLocked(ch *channel) {
	ch.unbind()
	ch.failures++
	if ch.failures < maxBindFailures {
		return
	}
	ch.failures = 0
	if !r.closed {
		r.log.Warnf("binding %s failed %d times in a row, dropping its queued data", ch.peer, maxBindFailures)
	}
	r.dropPendingLocked(ch)
}

// dropPendingLocked discards what is queued for the peer of ch. The next
// write to the peer starts a new bind.
func (r *RelayedSocket) dropPendingLocked(ch *channel) {
	key := ch.peer.String()
	dropped := 0
	for i := 0; i < r.pending.Len(); {
		if r.pending.At(i).peer.String() == key {
			r.pending.Remove(i)
			dropped++
			continue
		}
		i++
	}
	if dropped > 0 {
		r.pendingGen++
		r.log.Debugf("dropped %d queued datagrams to %s", dropped, ch.peer)
	}
}

func (r *RelayedSocket) transmit(out outgoing, useChannel bool, number uint16) {
	var err error
	if useChannel {
		_, err = r.data.WriteTo(encodeChannelData(number, out.data, r.cfg.PadChannelData), r.cfg.Server)
	} else {
		var m *stun.Message
		if m, err = r.cfg.Messages.SendIndication(out.peer, out.data); err == nil {
			err = r.client.indicate(m)
		}
	}
	if err != nil {
		r.log.Warnf("dropping datagram to %s: %v", out.peer, err)
	}
}

func (r *RelayedSocket) startChannelDataWorkerLocked() {
	if r.dataWorkerStarted {
		return
	}
	r.dataWorkerStarted = true
	r.spawn(r.superviseChannelData)
}

// superviseChannelData keeps a channel data reader running until the socket
// closes.
func (r *RelayedSocket) superviseChannelData() {
	bo := backoff.WithContext(r.cfg.Backoff(), r.ctx)
	bo.Reset()

	for {
		err := r.readChannelData()
		if r.isClosed() {
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			r.log.Errorf("channel data reader failed, giving up: %v", err)
			return
		}
		r.log.Warnf("channel data reader failed, restarting in %s: %v", delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.closedChan:
			timer.Stop()
			return
		}
	}
}

func (r *RelayedSocket) readChannelData() error {
	buf := make([]byte, datagram.MaxSize)
	for {
		n, _, err := r.data.ReadFrom(buf)
		if err != nil {
			return err
		}

		number, payload, err := decodeChannelData(buf[:n])
		if err != nil {
			r.log.Debugf("dropping channel data frame: %v", err)
			continue
		}

		r.mu.Lock()
		ch := r.byNumber[number]
		r.mu.Unlock()
		if ch == nil {
			r.log.Debugf("dropping channel data for unknown channel %#x", number)
			continue
		}
		r.deliver(ch.peer, append([]byte(nil), payload...))
	}
}

func (r *RelayedSocket) refreshLoop() {
	defer r.wg.Done()

	lifetime := r.lifetime
	wait := refreshDelay(lifetime)
	for {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-r.closedChan:
			timer.Stop()
			return
		}

		requested := r.cfg.Lifetime
		if requested <= 0 {
			// a zero lifetime would release the allocation
			requested = lifetime
		}
		res, err := r.client.roundTrip(r.ctx, func(auth ...stun.Setter) (*stun.Message, error) {
			return r.cfg.Messages.RefreshRequest(requested, auth...)
		})
		if err != nil {
			if r.isClosed() {
				return
			}
			r.log.Errorf("failed to refresh allocation: %v", err)
			wait = refreshRetryInterval
			continue
		}

		if l, err := getLifetime(res); err == nil {
			lifetime = l
		}
		wait = refreshDelay(lifetime)
		r.log.Debugf("allocation refreshed for %s", lifetime)
	}
}

func refreshDelay(lifetime time.Duration) time.Duration {
	if lifetime > 2*refreshLeeway {
		return lifetime - refreshLeeway
	}
	return lifetime / 2
}

func udpAddr(addr net.Addr) (*net.UDPAddr, error) {
	if a, ok := addr.(*net.UDPAddr); ok {
		return a, nil
	}
	a, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", addr, err)
	}
	return a, nil
}
