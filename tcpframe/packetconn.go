package tcpframe

import (
	"bufio"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PacketConn presents a framed stream as a net.PacketConn so it can be
// demultiplexed like a UDP socket. Every datagram comes from, and goes to,
// the remote end of the stream.
type PacketConn struct {
	conn   net.Conn
	reader *Reader

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewPacketConn wraps conn. The PacketConn owns conn from now on.
func NewPacketConn(conn net.Conn) *PacketConn {
	return &PacketConn{
		conn:   conn,
		reader: NewReader(bufio.NewReaderSize(conn, MaxFrameSize+2)),
	}
}

// ReadFrom reads the next frame. A read that fails on the deadline keeps what
// it got of the frame, the next ReadFrom completes it.
func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	n, truncated, err := c.reader.ReadFrame(p)
	if err != nil {
		return 0, nil, err
	}
	if truncated {
		log.Warnf("frame from %s truncated to %d bytes", c.conn.RemoteAddr(), n)
	}
	return n, c.conn.RemoteAddr(), nil
}

// WriteTo writes p as one frame. addr is ignored, there is only one peer.
func (c *PacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := WriteFrame(c.conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// RemoteAddr returns the address of the stream peer.
func (c *PacketConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *PacketConn) Close() error {
	return c.conn.Close()
}

func (c *PacketConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *PacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *PacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *PacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
