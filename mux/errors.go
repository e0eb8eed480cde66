package mux

import (
	"errors"
	"os"
)

// ErrTimeout is returned by Receive and ReadFrom when the read deadline or
// read timeout passes before a datagram is available.
var ErrTimeout error = timeoutError{}

var errNoSyscallConn = errors.New("connection does not expose a raw socket")

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Is makes errors.Is(ErrTimeout, os.ErrDeadlineExceeded) hold, like the
// errors of the net package.
func (timeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}
