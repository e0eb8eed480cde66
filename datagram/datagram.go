// Package datagram holds the unit of data moved between the physical socket,
// the demultiplexer queues and the logical consumers.
package datagram

import (
	"net"
)

// MaxSize is the largest payload a UDP datagram can carry.
const MaxSize = 65535

// Datagram is a payload window over a backing buffer plus the remote address
// it came from (or goes to). Once handed to a queue it must not be modified.
type Datagram struct {
	buf  []byte
	off  int
	n    int
	addr net.Addr
}

// New allocates a datagram with the given capacity and an empty window.
func New(capacity int) *Datagram {
	return &Datagram{buf: make([]byte, capacity)}
}

// Wrap creates a datagram whose window covers all of b. No bytes are copied.
func Wrap(b []byte, addr net.Addr) *Datagram {
	return &Datagram{buf: b, n: len(b), addr: addr}
}

// Data returns the usable window.
func (d *Datagram) Data() []byte {
	return d.buf[d.off : d.off+d.n]
}

// Buffer returns the full backing buffer, ignoring the window.
func (d *Datagram) Buffer() []byte {
	return d.buf
}

// Len returns the window length.
func (d *Datagram) Len() int {
	return d.n
}

// Offset returns the window start inside the backing buffer.
func (d *Datagram) Offset() int {
	return d.off
}

// Cap returns how many bytes fit starting at the window offset.
func (d *Datagram) Cap() int {
	return len(d.buf) - d.off
}

// SetWindow moves the window. It panics on out of range values like slicing does.
func (d *Datagram) SetWindow(off, n int) {
	_ = d.buf[off : off+n]
	d.off = off
	d.n = n
}

// Addr returns the remote address.
func (d *Datagram) Addr() net.Addr {
	return d.addr
}

// SetAddr sets the remote address.
func (d *Datagram) SetAddr(addr net.Addr) {
	d.addr = addr
}

// ShallowClone returns a new header over the same backing buffer.
func (d *Datagram) ShallowClone() *Datagram {
	c := *d
	return &c
}

// DeepClone returns a copy of the window in a buffer of its own.
func (d *Datagram) DeepClone() *Datagram {
	b := make([]byte, d.n)
	copy(b, d.Data())
	return &Datagram{buf: b, n: d.n, addr: d.addr}
}

// CopyTo copies the window and address into dst, starting at dst's offset.
// It never writes past dst's capacity: a larger source is cut and truncated is
// reported as true.
func (d *Datagram) CopyTo(dst *Datagram) (truncated bool) {
	n := d.n
	if c := dst.Cap(); n > c {
		n = c
		truncated = true
	}
	copy(dst.buf[dst.off:dst.off+n], d.Data())
	dst.n = n
	dst.addr = d.addr
	return truncated
}
