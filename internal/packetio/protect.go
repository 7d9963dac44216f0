package packetio

import (
	"context"
	"fmt"
	"net"
	"time"
)

const protectedDialTimeout = 10 * time.Second

// dialProtected opens a connection through d, wrapping failures with the target address.
func dialProtected(ctx context.Context, d *net.Dialer, network, address string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("protected dial %s %s: %w", network, address, err)
	}
	return conn, nil
}
