package filter

import (
	"encoding/binary"

	"github.com/netbirdio/icemux/datagram"
)

const (
	rtpVersion = 2

	rtcpTypeMin = 200
	rtcpTypeMax = 211

	channelNumberMin = 0x4000
	channelNumberMax = 0x7FFF
)

// RTCP accepts RTCP packets: version 2 and a packet type in [200, 211].
type RTCP struct{}

// Accept implements Filter.
func (RTCP) Accept(d *datagram.Datagram) bool {
	return IsRTCP(d.Data())
}

// RTP accepts what carries the RTP version bits and is not RTCP.
type RTP struct{}

// Accept implements Filter.
func (RTP) Accept(d *datagram.Datagram) bool {
	b := d.Data()
	return hasRTPVersion(b) && !IsRTCP(b)
}

// DTLS accepts DTLS records, first byte in (19, 64) as in RFC 7983.
type DTLS struct{}

// Accept implements Filter.
func (DTLS) Accept(d *datagram.Datagram) bool {
	b := d.Data()
	return len(b) > 0 && b[0] > 19 && b[0] < 64
}

// ChannelData accepts TURN ChannelData frames, optionally only from Remote.
type ChannelData struct {
	Remote string
}

// Accept implements Filter.
func (f ChannelData) Accept(d *datagram.Datagram) bool {
	b := d.Data()
	if len(b) < 4 {
		return false
	}
	number := binary.BigEndian.Uint16(b[0:2])
	if number < channelNumberMin || number > channelNumberMax {
		return false
	}
	return matchesRemote(f.Remote, d)
}

// IsRTCP reports whether b carries the RTP version bits and an RTCP packet type.
func IsRTCP(b []byte) bool {
	if len(b) < 4 || !hasRTPVersion(b) {
		return false
	}
	return b[1] >= rtcpTypeMin && b[1] <= rtcpTypeMax
}

func hasRTPVersion(b []byte) bool {
	return len(b) > 0 && b[0]>>6 == rtpVersion
}
