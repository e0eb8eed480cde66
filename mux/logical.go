package mux

import (
	"net"
	"time"

	"github.com/netbirdio/icemux/datagram"
	"github.com/netbirdio/icemux/filter"
)

// LogicalSocket is a filtered view of a Socket. Reads return only datagrams
// accepted by its filter, in arrival order. Writes go to the physical socket,
// so the write deadline is the one set on the parent Socket.
type LogicalSocket struct {
	mux    *Socket
	filter filter.Filter
	key    string
	queue  *recvQueue

	deadline readDeadline
}

// Filter returns the filter the socket was registered with.
func (l *LogicalSocket) Filter() filter.Filter {
	return l.filter
}

// Receive copies the next accepted datagram into d. A datagram larger than
// d's capacity is truncated.
func (l *LogicalSocket) Receive(d *datagram.Datagram) error {
	return l.mux.receive(l.queue, &l.deadline, d)
}

// ReadFrom implements net.PacketConn.
func (l *LogicalSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	d := datagram.Wrap(p, nil)
	if err := l.Receive(d); err != nil {
		return 0, nil, err
	}
	return d.Len(), d.Addr(), nil
}

// WriteTo implements net.PacketConn.
func (l *LogicalSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	if l.queue.isClosed() {
		return 0, net.ErrClosed
	}
	return l.mux.WriteTo(p, addr)
}

// Close unregisters the socket. The physical socket stays open.
func (l *LogicalSocket) Close() error {
	l.mux.CloseLogicalSocket(l)
	return nil
}

// LocalAddr returns the address of the physical socket.
func (l *LogicalSocket) LocalAddr() net.Addr {
	return l.mux.LocalAddr()
}

// SetDeadline sets the read deadline. The write deadline belongs to the
// physical socket.
func (l *LogicalSocket) SetDeadline(t time.Time) error {
	return l.SetReadDeadline(t)
}

// SetReadDeadline implements net.PacketConn. It also applies to reads that
// are already blocked.
func (l *LogicalSocket) SetReadDeadline(t time.Time) error {
	l.deadline.set(t)
	l.mux.interruptRead()
	return nil
}

// SetWriteDeadline does nothing. Logical sockets share the physical socket
// and one logical socket must not stall the writes of the others, so the
// write deadline is only settable on the parent Socket.
func (l *LogicalSocket) SetWriteDeadline(time.Time) error {
	return nil
}

// SetReadTimeout makes every read give up after d. Zero disables it.
func (l *LogicalSocket) SetReadTimeout(d time.Duration) {
	l.deadline.setTimeout(d)
	l.mux.interruptRead()
}
