package mux

import (
	"net"
	"sync"
	"syscall"
)

// SafeCloseConn wraps a net.PacketConn so that Close returns only after every
// ReadFrom that was running has returned. Until then the local port may still
// be held by the blocked read, and binding it again could fail.
type SafeCloseConn struct {
	net.PacketConn

	mu       sync.Mutex
	drained  *sync.Cond
	inFlight int
	closed   bool
}

// NewSafeCloseConn wraps conn.
func NewSafeCloseConn(conn net.PacketConn) *SafeCloseConn {
	c := &SafeCloseConn{PacketConn: conn}
	c.drained = sync.NewCond(&c.mu)
	return c
}

// ReadFrom implements net.PacketConn. It fails with net.ErrClosed once Close
// has been called.
func (c *SafeCloseConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	c.inFlight++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		if c.inFlight == 0 {
			c.drained.Broadcast()
		}
		c.mu.Unlock()
	}()

	n, addr, err := c.PacketConn.ReadFrom(p)
	if err != nil && c.isClosed() {
		return n, addr, net.ErrClosed
	}
	return n, addr, err
}

// Close closes the wrapped conn and waits for in-flight reads to return.
func (c *SafeCloseConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.PacketConn.Close()

	c.mu.Lock()
	for c.inFlight > 0 {
		c.drained.Wait()
	}
	c.mu.Unlock()
	return err
}

// SetReadBuffer forwards to the wrapped conn when it supports it.
func (c *SafeCloseConn) SetReadBuffer(bytes int) error {
	if rb, ok := c.PacketConn.(interface{ SetReadBuffer(int) error }); ok {
		return rb.SetReadBuffer(bytes)
	}
	return nil
}

// SyscallConn exposes the raw socket of the wrapped conn.
func (c *SafeCloseConn) SyscallConn() (syscall.RawConn, error) {
	sc, ok := c.PacketConn.(syscall.Conn)
	if !ok {
		return nil, errNoSyscallConn
	}
	return sc.SyscallConn()
}

// InFlight returns the number of reads currently blocked in ReadFrom.
func (c *SafeCloseConn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *SafeCloseConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
