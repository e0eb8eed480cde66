package pcap

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct {
	*bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func TestWriter_RoundTrip(t *testing.T) {
	out := &nopCloser{Buffer: &bytes.Buffer{}}
	w, err := NewWriter(out)
	require.NoError(t, err)
	w.now = func() time.Time { return time.Unix(1700000000, 0) }

	local := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 3478}
	remote := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 40000}
	w.LogPacket(remote, local, []byte("inbound"), false)
	w.LogPacket(local, remote, []byte("outbound"), true)
	// unusable address, skipped
	w.LogPacket(nil, remote, []byte("lost"), true)

	require.NoError(t, w.Close())
	assert.True(t, out.closed)
	w.LogPacket(local, remote, []byte("late"), true)

	r, err := pcapgo.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	var payloads []string
	var sources []string
	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			break
		}
		assert.Equal(t, int64(1700000000), ci.Timestamp.Unix())

		packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.True(t, ok)
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)

		payloads = append(payloads, string(udp.Payload))
		sources = append(sources, ip.SrcIP.String())
	}

	assert.Equal(t, []string{"inbound", "outbound"}, payloads)
	assert.Equal(t, []string{"192.0.2.9", "10.0.0.1"}, sources)
}

func TestEncode_IPv6(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 5000}
	dst := &net.UDPAddr{IP: net.ParseIP("2001:db8::2"), Port: 6000}

	data, err := encode(src, dst, []byte("v6"))
	require.NoError(t, err)

	packet := gopacket.NewPacket(data, layers.LayerTypeIPv6, gopacket.Default)
	ip, ok := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	require.True(t, ok)
	assert.Equal(t, "2001:db8::1", ip.SrcIP.String())

	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(6000), udp.DstPort)
	assert.Equal(t, "v6", string(udp.Payload))
}
