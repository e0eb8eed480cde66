package filter

import (
	"encoding/binary"

	"github.com/pion/stun/v3"

	"github.com/netbirdio/icemux/datagram"
)

const stunHeaderSize = 20

// TURNMethods are the STUN methods used by the TURN control channel.
var TURNMethods = []stun.Method{
	stun.MethodBinding,
	stun.MethodAllocate,
	stun.MethodRefresh,
	stun.MethodSend,
	stun.MethodData,
	stun.MethodCreatePermission,
	stun.MethodChannelBind,
}

// STUN accepts STUN messages in both the RFC 5389 format (magic cookie) and the
// older RFC 3489 format. An empty Methods accepts every method. A non empty
// Remote restricts the filter to one remote "ip:port".
type STUN struct {
	Methods []stun.Method
	Remote  string
}

// Accept implements Filter.
func (f STUN) Accept(d *datagram.Datagram) bool {
	b := d.Data()
	mt, ok := stunMessageType(b)
	if !ok {
		return false
	}
	if !matchesRemote(f.Remote, d) {
		return false
	}
	return acceptsMethod(f.Methods, mt.Method)
}

// TURN accepts the STUN-encoded part of TURN traffic. ChannelData frames are
// never accepted: telling them apart needs the channel table, which lives in
// the relay socket.
type TURN struct {
	Remote string
}

// Accept implements Filter.
func (f TURN) Accept(d *datagram.Datagram) bool {
	return STUN{Methods: TURNMethods, Remote: f.Remote}.Accept(d)
}

// IsSTUN reports whether b looks like a STUN message of any method.
func IsSTUN(b []byte) bool {
	_, ok := stunMessageType(b)
	return ok
}

func stunMessageType(b []byte) (stun.MessageType, bool) {
	var mt stun.MessageType
	if len(b) < stunHeaderSize {
		return mt, false
	}
	// the two most significant bits of every STUN message are zero
	if b[0]&0xC0 != 0 {
		return mt, false
	}

	if !stun.IsMessage(b) {
		// RFC 3489 has no cookie, the declared length is all we can check
		declared := int(binary.BigEndian.Uint16(b[2:4]))
		if declared%4 != 0 || declared+stunHeaderSize != len(b) {
			return mt, false
		}
	}

	mt.ReadValue(binary.BigEndian.Uint16(b[0:2]))
	return mt, true
}

func acceptsMethod(methods []stun.Method, m stun.Method) bool {
	if len(methods) == 0 {
		return true
	}
	for _, accepted := range methods {
		if accepted == m {
			return true
		}
	}
	return false
}
