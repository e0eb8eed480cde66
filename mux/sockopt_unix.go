//go:build unix

package mux

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// receiveBufferSize asks the kernel for SO_RCVBUF of the socket behind conn.
func receiveBufferSize(conn net.PacketConn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errNoSyscallConn
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("get raw conn: %w", err)
	}

	var size int
	var optErr error
	err = raw.Control(func(fd uintptr) {
		size, optErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, fmt.Errorf("control raw conn: %w", err)
	}
	if optErr != nil {
		return 0, fmt.Errorf("getsockopt SO_RCVBUF: %w", optErr)
	}
	return size, nil
}
