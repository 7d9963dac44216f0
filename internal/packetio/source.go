// Package packetio implements packet sources: the kernel packet queue and capture file replay.
//
// A Source delivers packets to exactly one registered PacketCallback and accepts one
// verdict per delivered packet through SetVerdict.
package packetio

import (
	"context"
	"net"

	"firestige.xyz/gatekeeper/internal/core"
)

// Marks shared by the queue backend, its kernel rules and the protected dialer.
const (
	QueueNum = 100

	MarkAcceptStream = 1001 // connmark of accepted streams and packet mark of protected connections
	MarkDropStream   = 1002 // connmark of dropped streams

	MaxPacketLen = 0xFFFF
)

// PacketCallback receives one delivered packet, or a source-level failure in err.
// When err is non-nil p may be nil. Returning false stops delivery for good.
// The callback may be invoked from several goroutines at once.
type PacketCallback func(p *core.Packet, err error) bool

// Source is a packet-producing, verdict-consuming backend.
type Source interface {
	// Register installs cb and starts delivery in its own goroutine.
	// Delivery stops when cb returns false or live is stopped.
	// Calling Register twice returns core.ErrAlreadyRegistered.
	Register(cb PacketCallback, live *Liveness) error

	// SetVerdict applies v to a packet this Source delivered. data is only used for
	// core.VerdictAcceptModify.
	SetVerdict(p *core.Packet, v core.Verdict, data []byte) error

	// ProtectedDialContext opens a connection whose packets are never delivered back
	// to the registered callback.
	ProtectedDialContext(ctx context.Context, network, address string) (net.Conn, error)

	// SetCancelFunc installs a hook called once when the Source stops on its own
	// or its liveness signal is cleared.
	SetCancelFunc(fn func()) error

	// Close releases the backend. It is idempotent and safe without Register.
	Close() error
}

// StreamNotifier is implemented by sources that learn when a stream is torn down.
type StreamNotifier interface {
	SetStreamCloseFunc(fn func(streamID uint32))
}

// Lossless is implemented by sources whose delivery can block indefinitely without
// losing packets. Consumers of such a source wait for backlog to clear instead of
// resolving packets without inspection.
type Lossless interface {
	Lossless() bool
}
