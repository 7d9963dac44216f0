//go:build !linux

package packetio

import (
	"context"
	"net"

	"firestige.xyz/gatekeeper/internal/core"
)

// QueueSource is only available on linux.
type QueueSource struct{}

func NewQueueSource(cfg QueueConfig) (*QueueSource, error) {
	return nil, core.ErrUnsupportedPlatform
}

func (s *QueueSource) Register(cb PacketCallback, live *Liveness) error {
	return core.ErrUnsupportedPlatform
}

func (s *QueueSource) SetVerdict(p *core.Packet, v core.Verdict, data []byte) error {
	return core.ErrUnsupportedPlatform
}

func (s *QueueSource) ProtectedDialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, core.ErrUnsupportedPlatform
}

func (s *QueueSource) SetCancelFunc(fn func()) error { return core.ErrUnsupportedPlatform }

func (s *QueueSource) SetStreamCloseFunc(fn func(streamID uint32)) {}

func (s *QueueSource) Close() error { return nil }
