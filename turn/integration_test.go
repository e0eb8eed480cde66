package turn

import (
	"context"
	"net"
	"testing"
	"time"

	pionturn "github.com/pion/turn/v3"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/icemux/mux"
	"github.com/netbirdio/icemux/util"
)

const (
	testRealm    = "icemux.test"
	testUser     = "user"
	testPassword = "password"
)

func startTurnServer(t *testing.T) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	key := pionturn.GenerateAuthKey(testUser, testRealm, testPassword)
	server, err := pionturn.NewServer(pionturn.ServerConfig{
		Realm: testRealm,
		AuthHandler: func(username, realm string, _ net.Addr) ([]byte, bool) {
			return key, username == testUser
		},
		PacketConnConfigs: []pionturn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &pionturn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP("127.0.0.1"),
					Address:      "127.0.0.1",
				},
			},
		},
		LoggerFactory: util.NewPionLoggerFactory(log.StandardLogger()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestRelayedSocket_PionServer(t *testing.T) {
	serverAddr := startTurnServer(t)

	sock, err := mux.Listen("udp4", "127.0.0.1:0", mux.Config{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := NewRelayedSocket(ctx, Config{
		Mux:         sock,
		Server:      serverAddr,
		Credentials: Credentials{Username: testUser, Password: testPassword},
		RTO:         50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer rs.Close()

	assert.True(t, rs.RelayedAddr().IP.Equal(net.ParseIP("127.0.0.1")))
	assert.NotZero(t, rs.RelayedAddr().Port)

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	// a check goes out as an indication, the data after it through a channel
	_, err = rs.WriteTo(bindingRequest(t), peer.LocalAddr())
	require.NoError(t, err)
	_, err = rs.WriteTo([]byte("ping"), peer.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, from, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, bindingRequest(t)[:4], buf[:4], "binding request header")
	assert.Equal(t, rs.RelayedAddr().String(), from.String())

	n, from, err = peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = peer.WriteTo([]byte("pong"), from)
	require.NoError(t, err)

	require.NoError(t, rs.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, addr, err := rs.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
	assert.Equal(t, peer.LocalAddr().String(), addr.String())

	rs.mu.Lock()
	ch := rs.channels[peer.LocalAddr().String()]
	require.NotNil(t, ch)
	assert.True(t, ch.useChannelData(), "data moved the peer to a channel")
	rs.mu.Unlock()
}
