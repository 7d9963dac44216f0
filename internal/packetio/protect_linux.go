//go:build linux

package packetio

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// markControl sets SO_MARK on the socket before connect. The kernel rules turn the
// packet mark into a connmark, so the connection skips the queue in both directions.
func markControl(mark int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

func newProtectedDialer() *net.Dialer {
	return &net.Dialer{
		Timeout: protectedDialTimeout,
		Control: markControl(MarkAcceptStream),
	}
}
