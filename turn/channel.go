package turn

import (
	"errors"
	"net"
	"time"
)

// ErrChannelNumbersExhausted is returned when every channel number of a
// relayed socket has been handed out. Affected peers use Send indications.
var ErrChannelNumbersExhausted = errors.New("channel numbers exhausted")

type permissionState int

const (
	permissionUnbound permissionState = iota
	permissionBinding
	permissionBound
)

func (s permissionState) String() string {
	switch s {
	case permissionBinding:
		return "binding"
	case permissionBound:
		return "bound"
	default:
		return "unbound"
	}
}

// channel is the relay state for one peer. It is guarded by the mutex of the
// owning RelayedSocket.
type channel struct {
	peer *net.UDPAddr

	state     permissionState
	bindingAt time.Time

	// preferred is set once real data, not connectivity checks, goes to the peer
	preferred      bool
	number         uint16
	numberBinding  bool
	numberBound    bool
	indicationOnly bool
	// consecutive failed binds
	failures int
}

func newChannel(peer *net.UDPAddr) *channel {
	return &channel{peer: peer}
}

// stale reports whether the permission has to be renewed, some leeway before
// the server would let it expire.
func (c *channel) stale(now time.Time, lifetime, leeway time.Duration) bool {
	return c.state == permissionBound && now.After(c.bindingAt.Add(lifetime-leeway))
}

func (c *channel) needsBind(now time.Time, lifetime, leeway time.Duration) bool {
	return c.state == permissionUnbound || c.stale(now, lifetime, leeway)
}

// ready reports whether data can be sent to the peer now.
func (c *channel) ready() bool {
	if c.state != permissionBound {
		return false
	}
	// hold data back while the channel the peer was switched to is being bound
	return !(c.preferred && c.numberBinding)
}

// useChannelData reports whether data goes out as ChannelData rather than as
// a Send indication.
func (c *channel) useChannelData() bool {
	return c.preferred && c.numberBound && !c.indicationOnly
}

func (c *channel) unbind() {
	c.state = permissionUnbound
	c.numberBinding = false
	c.numberBound = false
}

// channelNumbers hands out channel numbers in increasing order, never twice.
type channelNumbers struct {
	next uint32
}

func (c *channelNumbers) allocate() (uint16, error) {
	if c.next == 0 {
		c.next = MinChannelNumber
	}
	if c.next > MaxChannelNumber {
		return 0, ErrChannelNumbersExhausted
	}
	n := uint16(c.next)
	c.next++
	return n, nil
}
