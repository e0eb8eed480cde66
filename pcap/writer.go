// Package pcap writes the datagrams sampled by a demultiplexed socket to a
// capture file readable by Wireshark. Each datagram is wrapped in synthetic
// IP and UDP headers built from its addresses.
package pcap

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

const snapLen = 65536

// Writer implements mux.PacketSink.
type Writer struct {
	mu     sync.Mutex
	out    io.WriteCloser
	pcap   *pcapgo.Writer
	now    func() time.Time
	closed bool
}

// NewWriter writes the capture file header to out.
func NewWriter(out io.WriteCloser) (*Writer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{out: out, pcap: w, now: time.Now}, nil
}

// LogPacket records data as a datagram from src to dst. Failures are logged
// and the packet is skipped.
func (w *Writer) LogPacket(src, dst net.Addr, data []byte, _ bool) {
	packet, err := encode(src, dst, data)
	if err != nil {
		log.Debugf("skipping capture of %d bytes from %s to %s: %v", len(data), src, dst, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(packet),
		Length:        len(packet),
	}
	if err := w.pcap.WritePacket(ci, packet); err != nil {
		log.Warnf("failed to write capture: %v", err)
	}
}

// Close stops recording and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.Close()
}

func encode(src, dst net.Addr, data []byte) ([]byte, error) {
	srcAP, err := addrPort(src)
	if err != nil {
		return nil, err
	}
	dstAP, err := addrPort(dst)
	if err != nil {
		return nil, err
	}
	// mixed families happen on dual stack sockets
	srcIP, dstIP := srcAP.Addr().Unmap(), dstAP.Addr().Unmap()
	if srcIP.Is4() != dstIP.Is4() {
		srcIP = netip.AddrFrom16(srcIP.As16())
		dstIP = netip.AddrFrom16(dstIP.As16())
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcAP.Port()),
		DstPort: layers.UDPPort(dstAP.Port()),
	}

	var network gopacket.NetworkLayer
	var ip gopacket.SerializableLayer
	if srcIP.Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcIP.AsSlice(),
			DstIP:    dstIP.AsSlice(),
		}
		network, ip = ip4, ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      srcIP.AsSlice(),
			DstIP:      dstIP.AsSlice(),
		}
		network, ip = ip6, ip6
	}
	if err := udp.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addrPort(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort(), nil
	case *net.TCPAddr:
		return a.AddrPort(), nil
	case nil:
		return netip.AddrPort{}, fmt.Errorf("no address")
	}
	return netip.ParseAddrPort(addr.String())
}
