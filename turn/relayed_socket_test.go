package turn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/icemux/mux"
)

var relayAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 49152}

type relayedAddress struct {
	addr *net.UDPAddr
}

func (r relayedAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress{IP: r.addr.IP, Port: r.addr.Port}.AddToAs(m, stun.AttrXORRelayedAddress)
}

type frame struct {
	number uint16
	data   []byte
}

// fakeServer answers TURN requests without authentication and records
// everything it receives.
type fakeServer struct {
	t    *testing.T
	conn net.PacketConn

	mu                   sync.Mutex
	client               net.Addr
	requests             map[stun.Method]int
	indications          [][]byte
	frames               []frame
	refreshLifetimes     []time.Duration
	failCreatePermission int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{t: t, conn: conn, requests: make(map[stun.Method]int)}
	go s.serve()
	t.Cleanup(func() { _ = conn.Close() })
	return s
}

func (s *fakeServer) addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *fakeServer) serve() {
	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		b := append([]byte{}, buf[:n]...)

		if number, data, err := decodeChannelData(b); err == nil {
			s.mu.Lock()
			s.frames = append(s.frames, frame{number: number, data: append([]byte{}, data...)})
			s.mu.Unlock()
			continue
		}

		m := &stun.Message{Raw: b}
		if err := m.Decode(); err != nil {
			continue
		}
		s.handle(m, from)
	}
}

func (s *fakeServer) handle(m *stun.Message, from net.Addr) {
	s.mu.Lock()
	s.client = from

	if m.Type.Class == stun.ClassIndication {
		if m.Type.Method == stun.MethodSend {
			data, _ := m.Get(stun.AttrData)
			s.indications = append(s.indications, append([]byte{}, data...))
		}
		s.mu.Unlock()
		return
	}

	s.requests[m.Type.Method]++
	setters := []stun.Setter{stun.NewTransactionIDSetter(m.TransactionID)}
	switch m.Type.Method {
	case stun.MethodAllocate:
		udp := from.(*net.UDPAddr)
		setters = append(setters,
			stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
			relayedAddress{relayAddr},
			&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
			lifetimeAttr(10*time.Minute),
		)
	case stun.MethodRefresh:
		lifetime, _ := getLifetime(m)
		s.refreshLifetimes = append(s.refreshLifetimes, lifetime)
		setters = append(setters, stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse), lifetimeAttr(lifetime))
	case stun.MethodCreatePermission:
		if s.failCreatePermission > 0 {
			s.failCreatePermission--
			setters = append(setters,
				stun.NewType(stun.MethodCreatePermission, stun.ClassErrorResponse),
				stun.CodeForbidden,
			)
		} else {
			setters = append(setters, stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse))
		}
	case stun.MethodChannelBind:
		setters = append(setters, stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse))
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	res, err := stun.Build(append(setters, stun.Fingerprint)...)
	if err != nil {
		s.t.Errorf("build response: %v", err)
		return
	}
	_, _ = s.conn.WriteTo(res.Raw, from)
}

func (s *fakeServer) count(method stun.Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

func (s *fakeServer) receivedIndications() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.indications...)
}

func (s *fakeServer) receivedFrames() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame{}, s.frames...)
}

func (s *fakeServer) sendToClient(t *testing.T, b []byte) {
	t.Helper()
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	_, err := s.conn.WriteTo(b, client)
	require.NoError(t, err)
}

func newTestRelay(t *testing.T, server *fakeServer, configure func(*Config)) *RelayedSocket {
	t.Helper()
	sock, err := mux.Listen("udp4", "127.0.0.1:0", mux.Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	cfg := Config{
		Mux:    sock,
		Server: server.addr(),
		RTO:    50 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := NewRelayedSocket(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func bindingRequest(t *testing.T) []byte {
	t.Helper()
	m, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	require.NoError(t, err)
	return append([]byte{}, m.Raw...)
}

func TestRelayedSocket_Allocate(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	assert.Equal(t, relayAddr.String(), rs.RelayedAddr().String())
	assert.Equal(t, relayAddr.String(), rs.LocalAddr().String())
	require.NotNil(t, rs.MappedAddr())
	assert.Equal(t, 1, server.count(stun.MethodAllocate))
}

func TestRelayedSocket_ConnectivityChecksUseIndications(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	for i := 0; i < 3; i++ {
		_, err := rs.WriteTo(bindingRequest(t), testPeer)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(server.receivedIndications()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, server.count(stun.MethodCreatePermission))
	assert.Equal(t, 0, server.count(stun.MethodChannelBind))
	assert.Empty(t, server.receivedFrames())
}

func TestRelayedSocket_ChannelAfterFirstData(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	check := bindingRequest(t)
	_, err := rs.WriteTo(check, testPeer)
	require.NoError(t, err)
	_, err = rs.WriteTo([]byte("media"), testPeer)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(server.receivedFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, server.count(stun.MethodCreatePermission))
	assert.Equal(t, 1, server.count(stun.MethodChannelBind))

	indications := server.receivedIndications()
	require.Len(t, indications, 1)
	assert.Equal(t, check, indications[0], "the check went out before the switch")

	frames := server.receivedFrames()
	assert.Equal(t, uint16(MinChannelNumber), frames[0].number)
	assert.Equal(t, "media", string(frames[0].data))

	_, err = rs.WriteTo([]byte("more"), testPeer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.receivedFrames()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, server.count(stun.MethodCreatePermission))
	assert.Equal(t, 1, server.count(stun.MethodChannelBind))
}

func TestRelayedSocket_PeerOrderKept(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	other := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 8), Port: 6000}
	for i := 0; i < 5; i++ {
		_, err := rs.WriteTo([]byte{byte('a' + i)}, testPeer)
		require.NoError(t, err)
		_, err = rs.WriteTo([]byte{byte('A' + i)}, other)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(server.receivedFrames()) == 10 }, 2*time.Second, 5*time.Millisecond)

	byChannel := make(map[uint16]string)
	for _, f := range server.receivedFrames() {
		byChannel[f.number] += string(f.data)
	}
	require.Len(t, byChannel, 2)
	assert.ElementsMatch(t, []string{"abcde", "ABCDE"}, []string{byChannel[MinChannelNumber], byChannel[MinChannelNumber+1]})
}

func TestRelayedSocket_ChannelNumbersExhausted(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	rs.mu.Lock()
	rs.numbers.next = MaxChannelNumber + 1
	rs.mu.Unlock()

	_, err := rs.WriteTo([]byte("media"), testPeer)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(server.receivedIndications()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, server.count(stun.MethodCreatePermission))
	assert.Equal(t, 0, server.count(stun.MethodChannelBind))
	assert.Equal(t, "media", string(server.receivedIndications()[0]))
}

func TestRelayedSocket_PermissionFailureKeepsQueuedData(t *testing.T) {
	server := newFakeServer(t)
	server.mu.Lock()
	server.failCreatePermission = 1
	server.mu.Unlock()
	rs := newTestRelay(t, server, nil)

	_, err := rs.WriteTo(bindingRequest(t), testPeer)
	require.NoError(t, err)

	// the rejected bind is retried and the datagram goes out afterwards
	require.Eventually(t, func() bool { return len(server.receivedIndications()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, server.count(stun.MethodCreatePermission))

	rs.mu.Lock()
	defer rs.mu.Unlock()
	ch := rs.channels[testPeer.String()]
	require.NotNil(t, ch)
	assert.Equal(t, permissionBound, ch.state)
	assert.Zero(t, ch.failures)
	assert.Zero(t, rs.pending.Len())
}

func TestRelayedSocket_RepeatedBindFailuresDropQueuedData(t *testing.T) {
	server := newFakeServer(t)
	server.mu.Lock()
	server.failCreatePermission = maxBindFailures
	server.mu.Unlock()
	rs := newTestRelay(t, server, nil)

	_, err := rs.WriteTo(bindingRequest(t), testPeer)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return rs.pending.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, maxBindFailures, server.count(stun.MethodCreatePermission))
	assert.Empty(t, server.receivedIndications())

	// the server accepts again, the next write to the peer binds anew
	_, err = rs.WriteTo(bindingRequest(t), testPeer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.receivedIndications()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, maxBindFailures+1, server.count(stun.MethodCreatePermission))
}

func TestRelayedSocket_StalePermissionIsRenewed(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, func(cfg *Config) {
		cfg.PermissionLifetime = 300 * time.Millisecond
		cfg.PermissionLeeway = 200 * time.Millisecond
	})

	_, err := rs.WriteTo(bindingRequest(t), testPeer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.receivedIndications()) == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	_, err = rs.WriteTo(bindingRequest(t), testPeer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.receivedIndications()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, server.count(stun.MethodCreatePermission))
}

func TestRelayedSocket_ReceivesDataIndication(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	m, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodData, stun.ClassIndication),
		peerAddress{testPeer},
		dataAttr("from peer"),
		stun.Fingerprint,
	)
	require.NoError(t, err)
	server.sendToClient(t, m.Raw)

	require.NoError(t, rs.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, addr, err := rs.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "from peer", string(buf[:n]))
	assert.Equal(t, testPeer.String(), addr.String())
}

func TestRelayedSocket_ReceivesChannelData(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	_, err := rs.WriteTo([]byte("media"), testPeer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.receivedFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// padded, as it would be over a stream
	server.sendToClient(t, encodeChannelData(MinChannelNumber, []byte("reply"), true))
	// unknown channel, dropped
	server.sendToClient(t, encodeChannelData(MinChannelNumber+9, []byte("lost"), false))

	require.NoError(t, rs.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, addr, err := rs.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
	assert.Equal(t, testPeer.String(), addr.String())

	require.NoError(t, rs.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = rs.ReadFrom(buf)
	assert.ErrorIs(t, err, mux.ErrTimeout)
}

func TestRelayedSocket_Close(t *testing.T) {
	server := newFakeServer(t)
	rs := newTestRelay(t, server, nil)

	blocked := make(chan error, 1)
	go func() {
		_, _, err := rs.ReadFrom(make([]byte, 100))
		blocked <- err
	}()

	require.NoError(t, rs.Close())
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock ReadFrom")
	}

	server.mu.Lock()
	assert.Contains(t, server.refreshLifetimes, time.Duration(0), "allocation released")
	server.mu.Unlock()

	_, err := rs.WriteTo([]byte("x"), testPeer)
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.NoError(t, rs.Close())
}

func TestRelayedSocket_AllocateTimeout(t *testing.T) {
	// a socket that swallows everything
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	sock, err := mux.Listen("udp4", "127.0.0.1:0", mux.Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer sock.Close()

	_, err = NewRelayedSocket(context.Background(), Config{
		Mux:                sock,
		Server:             silent.LocalAddr().(*net.UDPAddr),
		RTO:                10 * time.Millisecond,
		MaxRetransmissions: 3,
	})
	assert.ErrorIs(t, err, ErrTransactionTimeout)
}
