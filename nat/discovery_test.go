package nat

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/icemux/datagram"
	"github.com/netbirdio/icemux/mux"
)

var translated = &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 40000}

// stunServer answers binding requests on c with the address mapped returns.
// The first drop requests are ignored.
func stunServer(t *testing.T, mapped func(src *net.UDPAddr) *net.UDPAddr, drop int32) *net.UDPAddr {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var seen atomic.Int32
	go func() {
		buf := make([]byte, 1500)
		for {
			n, src, err := c.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte{}, buf[:n]...)}
			if req.Decode() != nil || req.Type != stun.BindingRequest {
				continue
			}
			if seen.Add(1) <= drop {
				continue
			}
			addr := mapped(src)
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: addr.IP, Port: addr.Port},
				stun.Fingerprint,
			)
			if err != nil {
				return
			}
			_, _ = c.WriteToUDP(res.Raw, src)
		}
	}()
	return c.LocalAddr().(*net.UDPAddr)
}

func discoverySocket(t *testing.T) *mux.LogicalSocket {
	t.Helper()
	sock, err := mux.Listen("udp4", "127.0.0.1:0", mux.Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	ls, err := sock.GetFilteredSocket(BindingResponses{})
	require.NoError(t, err)
	return ls
}

func TestDiscovery_Reflexive(t *testing.T) {
	server := stunServer(t, func(*net.UDPAddr) *net.UDPAddr { return translated }, 0)
	conn := discoverySocket(t)

	res, err := NewDiscovery(conn, server, time.Second).Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, res.LocalPort)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "host", res.Candidates[0].Type)

	srflx, ok := res.Reflexive()
	require.True(t, ok)
	assert.True(t, srflx.IP.Equal(translated.IP))
	assert.Equal(t, translated.Port, srflx.Port)
	assert.Equal(t, "srflx 198.51.100.7:40000", srflx.String())
}

func TestDiscovery_WithoutNAT(t *testing.T) {
	server := stunServer(t, func(src *net.UDPAddr) *net.UDPAddr { return src }, 0)
	conn := discoverySocket(t)

	res, err := NewDiscovery(conn, server, time.Second).Discover(context.Background())
	require.NoError(t, err)

	srflx, ok := res.Reflexive()
	require.True(t, ok)
	assert.Equal(t, res.LocalPort, srflx.Port)
}

func TestDiscovery_Retransmits(t *testing.T) {
	server := stunServer(t, func(*net.UDPAddr) *net.UDPAddr { return translated }, 2)
	conn := discoverySocket(t)

	res, err := NewDiscovery(conn, server, 50*time.Millisecond).Discover(context.Background())
	require.NoError(t, err, "the third attempt is answered")
	_, ok := res.Reflexive()
	assert.True(t, ok)
}

func TestDiscovery_Timeout(t *testing.T) {
	server := stunServer(t, func(*net.UDPAddr) *net.UDPAddr { return translated }, DefaultAttempts)
	conn := discoverySocket(t)

	start := time.Now()
	_, err := NewDiscovery(conn, server, 20*time.Millisecond).Discover(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(DefaultAttempts)*20*time.Millisecond)
}

func TestDiscovery_ContextDeadline(t *testing.T) {
	server := stunServer(t, func(*net.UDPAddr) *net.UDPAddr { return translated }, DefaultAttempts)
	conn := discoverySocket(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewDiscovery(conn, server, time.Second).Discover(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiscovery_SkipsOtherTransactions(t *testing.T) {
	server := stunServer(t, func(*net.UDPAddr) *net.UDPAddr { return translated }, 0)
	conn := discoverySocket(t)

	// a stray response queued before the probe must not be taken for its answer
	stray := stun.MustBuild(stun.TransactionID, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.ParseIP("192.0.2.1"), Port: 1})
	sender, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.WriteTo(stray.Raw, conn.LocalAddr())
	require.NoError(t, err)

	res, err := NewDiscovery(conn, server, time.Second).Discover(context.Background())
	require.NoError(t, err)
	srflx, _ := res.Reflexive()
	assert.Equal(t, translated.Port, srflx.Port)
}

func TestBindingResponses_Accept(t *testing.T) {
	success := stun.MustBuild(stun.TransactionID, stun.BindingSuccess)
	failure := stun.MustBuild(stun.TransactionID, stun.BindingError)
	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	accept := func(b []byte) bool {
		return BindingResponses{}.Accept(datagram.Wrap(b, nil))
	}
	assert.True(t, accept(success.Raw))
	assert.True(t, accept(failure.Raw))
	assert.False(t, accept(request.Raw))
	assert.False(t, accept([]byte{0x80, 0x60, 0, 1}))
}
