//go:build !linux

package packetio

import "net"

func newProtectedDialer() *net.Dialer {
	return &net.Dialer{Timeout: protectedDialTimeout}
}
