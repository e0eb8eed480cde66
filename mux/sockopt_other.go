//go:build !unix

package mux

import "net"

func receiveBufferSize(net.PacketConn) (int, error) {
	return 0, errNoSyscallConn
}
