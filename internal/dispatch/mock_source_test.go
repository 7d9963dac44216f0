package dispatch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/gatekeeper/internal/core"
	"firestige.xyz/gatekeeper/internal/packetio"
)

// MockSource is a packetio.Source whose registration is mocked and whose verdicts
// are recorded for inspection.
type MockSource struct {
	mock.Mock

	origin   core.Origin
	lossless bool

	mu          sync.Mutex
	cb          packetio.PacketCallback
	verdicts    []recordedVerdict
	streamClose func(uint32)
}

type recordedVerdict struct {
	packet  *core.Packet
	verdict core.Verdict
}

func newMockSource() *MockSource {
	m := &MockSource{origin: core.NewOrigin()}
	m.On("Register", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockSource) Register(cb packetio.PacketCallback, live *packetio.Liveness) error {
	args := m.Called(cb, live)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.cb = cb
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockSource) SetVerdict(p *core.Packet, v core.Verdict, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, recordedVerdict{packet: p, verdict: v})
	return nil
}

func (m *MockSource) ProtectedDialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return (&net.Dialer{}).DialContext(ctx, network, address)
}

func (m *MockSource) SetCancelFunc(fn func()) error { return nil }

func (m *MockSource) Close() error { return nil }

func (m *MockSource) Lossless() bool { return m.lossless }

func (m *MockSource) SetStreamCloseFunc(fn func(uint32)) {
	m.mu.Lock()
	m.streamClose = fn
	m.mu.Unlock()
}

func (m *MockSource) deliver(p *core.Packet) bool {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	return cb(p, nil)
}

func (m *MockSource) closeStream(id uint32) {
	m.mu.Lock()
	fn := m.streamClose
	m.mu.Unlock()
	fn(id)
}

func (m *MockSource) recorded() []recordedVerdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedVerdict(nil), m.verdicts...)
}

// waitVerdicts polls until n verdicts were recorded or the timeout passes.
func (m *MockSource) waitVerdicts(n int, timeout time.Duration) []recordedVerdict {
	deadline := time.Now().Add(timeout)
	for {
		v := m.recorded()
		if len(v) >= n || time.Now().After(deadline) {
			return v
		}
		time.Sleep(time.Millisecond)
	}
}

// ipv4Packet builds a minimal IPv4 header carrying the given protocol number.
func ipv4Packet(proto byte) []byte {
	b := make([]byte, 28)
	b[0] = 0x45
	b[3] = 28
	b[8] = 64
	b[9] = proto
	copy(b[12:16], []byte{10, 0, 0, 1})
	copy(b[16:20], []byte{10, 0, 0, 2})
	return b
}

func (m *MockSource) packet(idx uint64, stream uint32, proto byte) *core.Packet {
	return core.NewReplayPacket(m.origin, idx, stream, time.Now(), ipv4Packet(proto))
}
