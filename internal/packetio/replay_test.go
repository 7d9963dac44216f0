package packetio

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/gatekeeper/internal/config"
	"firestige.xyz/gatekeeper/internal/core"
)

type testPacket struct {
	offset   time.Duration
	src, dst string
	sport    uint16
	dport    uint16
	payload  string
}

var testEpoch = time.Unix(1700000000, 0)

func serializeUDP(t *testing.T, tp testPacket) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(tp.src).To4(),
		DstIP:    net.ParseIP(tp.dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(tp.sport), DstPort: layers.UDPPort(tp.dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(tp.payload)))
	return buf.Bytes()
}

func writeCapture(t *testing.T, pkts []testPacket) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(MaxPacketLen, layers.LinkTypeEthernet))
	for _, tp := range pkts {
		data := serializeUDP(t, tp)
		ci := gopacket.CaptureInfo{Timestamp: testEpoch.Add(tp.offset), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func countOutput(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	var payloads []string
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		if app := pkt.ApplicationLayer(); app != nil {
			payloads = append(payloads, string(app.Payload()))
		}
	}
	return payloads
}

func newTestReplay(t *testing.T, cfg ReplayConfig) *ReplaySource {
	t.Helper()
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 50 * time.Millisecond
	}
	src, err := NewReplaySource(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

// collector records callback invocations and applies a verdict chosen per packet.
type collector struct {
	mu      sync.Mutex
	src     Source
	packets []*core.Packet
	times   []time.Time
	decide  func(p *core.Packet) (core.Verdict, []byte)
	done    chan struct{}
	once    sync.Once
}

func newCollector(src Source) *collector {
	c := &collector{src: src, done: make(chan struct{})}
	_ = src.SetCancelFunc(func() { c.once.Do(func() { close(c.done) }) })
	return c
}

func (c *collector) callback(p *core.Packet, err error) bool {
	if err != nil {
		return false
	}
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.times = append(c.times, time.Now())
	c.mu.Unlock()

	v, data := core.VerdictAccept, []byte(nil)
	if c.decide != nil {
		v, data = c.decide(p)
	}
	_ = c.src.SetVerdict(p, v, data)
	return true
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
}

func TestReplayPerStreamOrder(t *testing.T) {
	path := writeCapture(t, []testPacket{
		{0, "10.0.0.1", "10.0.0.2", 5000, 53, "a1"},
		{1 * time.Millisecond, "10.0.0.3", "10.0.0.4", 6000, 53, "b1"},
		{2 * time.Millisecond, "10.0.0.2", "10.0.0.1", 53, 5000, "a2"},
		{3 * time.Millisecond, "10.0.0.3", "10.0.0.4", 6000, 53, "b2"},
		{4 * time.Millisecond, "10.0.0.1", "10.0.0.2", 5000, 53, "a3"},
	})
	src := newTestReplay(t, ReplayConfig{Path: path})
	c := newCollector(src)
	require.NoError(t, src.Register(c.callback, NewLiveness()))
	c.wait(t)

	require.Len(t, c.packets, 5)
	a := c.packets[0].StreamID()
	b := c.packets[1].StreamID()
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c.packets[2].StreamID(), "both directions share a stream id")
	assert.Equal(t, b, c.packets[3].StreamID())
	assert.Equal(t, a, c.packets[4].StreamID())

	var last uint64
	for _, p := range c.packets {
		idx, ok := p.Index()
		require.True(t, ok)
		assert.Greater(t, idx, last)
		last = idx
		assert.Equal(t, byte(0x45), p.Data()[0], "data starts at the IPv4 header")
	}
}

func TestReplayStreamShortcut(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.pcap")
	path := writeCapture(t, []testPacket{
		{0, "10.0.0.1", "10.0.0.2", 5000, 53, "a1"},
		{time.Millisecond, "10.0.0.1", "10.0.0.2", 5000, 53, "a2"},
		{2 * time.Millisecond, "10.0.0.5", "10.0.0.6", 7000, 53, "c1"},
		{3 * time.Millisecond, "10.0.0.1", "10.0.0.2", 5000, 53, "a3"},
		{4 * time.Millisecond, "10.0.0.5", "10.0.0.6", 7000, 53, "c2"},
	})
	src := newTestReplay(t, ReplayConfig{Path: path, Output: out})
	c := newCollector(src)
	c.decide = func(p *core.Packet) (core.Verdict, []byte) {
		if p.Data()[len(p.Data())-2] == 'a' {
			return core.VerdictAcceptStream, nil
		}
		return core.VerdictDropStream, nil
	}
	require.NoError(t, src.Register(c.callback, NewLiveness()))
	c.wait(t)
	require.NoError(t, src.Close())

	assert.Len(t, c.packets, 2, "one delivery per stream after a stream verdict")
	assert.Equal(t, []string{"a1", "a2", "a3"}, countOutput(t, out))
}

func TestReplayAcceptModifyWritesReplacement(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.pcap")
	path := writeCapture(t, []testPacket{
		{0, "10.0.0.1", "10.0.0.2", 5000, 53, "orig"},
	})
	src := newTestReplay(t, ReplayConfig{Path: path, Output: out})
	c := newCollector(src)
	c.decide = func(p *core.Packet) (core.Verdict, []byte) {
		tp := testPacket{src: "10.0.0.1", dst: "10.0.0.2", sport: 5000, dport: 53, payload: "edit"}
		return core.VerdictAcceptModify, serializeUDP(t, tp)[14:]
	}
	require.NoError(t, src.Register(c.callback, NewLiveness()))
	c.wait(t)
	require.NoError(t, src.Close())

	assert.Equal(t, []string{"edit"}, countOutput(t, out))
}

func TestReplayCallbackFalseStops(t *testing.T) {
	path := writeCapture(t, []testPacket{
		{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"},
		{time.Millisecond, "10.0.0.1", "10.0.0.2", 1, 2, "p2"},
		{2 * time.Millisecond, "10.0.0.1", "10.0.0.2", 1, 2, "p3"},
		{3 * time.Millisecond, "10.0.0.1", "10.0.0.2", 1, 2, "p4"},
	})
	src := newTestReplay(t, ReplayConfig{Path: path})
	c := newCollector(src)

	var calls atomic.Int32
	require.NoError(t, src.Register(func(p *core.Packet, err error) bool {
		c.callback(p, err)
		return calls.Add(1) < 2
	}, NewLiveness()))
	c.wait(t)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReplayLivenessStopsDelivery(t *testing.T) {
	var pkts []testPacket
	for i := 0; i < 50; i++ {
		pkts = append(pkts, testPacket{time.Duration(i) * time.Millisecond, "10.0.0.1", "10.0.0.2", 1, 2, "x"})
	}
	src := newTestReplay(t, ReplayConfig{Path: writeCapture(t, pkts)})
	c := newCollector(src)

	live := NewLiveness()
	var calls atomic.Int32
	require.NoError(t, src.Register(func(p *core.Packet, err error) bool {
		if calls.Add(1) == 3 {
			live.Stop()
		}
		return c.callback(p, err)
	}, live))
	c.wait(t)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReplayPacing(t *testing.T) {
	t.Run("back to back", func(t *testing.T) {
		path := writeCapture(t, []testPacket{
			{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"},
			{2 * time.Second, "10.0.0.1", "10.0.0.2", 1, 2, "p2"},
			{4 * time.Second, "10.0.0.1", "10.0.0.2", 1, 2, "p3"},
		})
		src := newTestReplay(t, ReplayConfig{Path: path, Realtime: false})
		c := newCollector(src)
		start := time.Now()
		require.NoError(t, src.Register(c.callback, NewLiveness()))
		c.wait(t)

		require.Len(t, c.packets, 3)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("realtime", func(t *testing.T) {
		path := writeCapture(t, []testPacket{
			{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"},
			{150 * time.Millisecond, "10.0.0.1", "10.0.0.2", 1, 2, "p2"},
			{300 * time.Millisecond, "10.0.0.1", "10.0.0.2", 1, 2, "p3"},
		})
		src := newTestReplay(t, ReplayConfig{Path: path, Realtime: true})
		c := newCollector(src)
		require.NoError(t, src.Register(c.callback, NewLiveness()))
		c.wait(t)

		require.Len(t, c.times, 3)
		gap1 := c.times[1].Sub(c.times[0])
		gap2 := c.times[2].Sub(c.times[0])
		assert.GreaterOrEqual(t, gap1, 130*time.Millisecond)
		assert.GreaterOrEqual(t, gap2, 280*time.Millisecond)
		assert.Less(t, gap2, 2*time.Second)
	})
}

func TestReplayRealtimeWakesOnLiveness(t *testing.T) {
	path := writeCapture(t, []testPacket{
		{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"},
		{time.Hour, "10.0.0.1", "10.0.0.2", 1, 2, "p2"},
	})
	src := newTestReplay(t, ReplayConfig{Path: path, Realtime: true})
	c := newCollector(src)
	live := NewLiveness()
	require.NoError(t, src.Register(c.callback, live))

	time.Sleep(50 * time.Millisecond)
	live.Stop()
	c.wait(t)
	assert.Len(t, c.packets, 1)
}

func TestReplayRegisterTwice(t *testing.T) {
	path := writeCapture(t, []testPacket{{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"}})
	src := newTestReplay(t, ReplayConfig{Path: path})
	c := newCollector(src)

	require.NoError(t, src.Register(c.callback, NewLiveness()))
	assert.ErrorIs(t, src.Register(c.callback, NewLiveness()), core.ErrAlreadyRegistered)
	c.wait(t)
}

func TestReplaySetVerdictErrors(t *testing.T) {
	path := writeCapture(t, []testPacket{{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"}})
	src := newTestReplay(t, ReplayConfig{Path: path})

	got := make(chan *core.Packet, 1)
	require.NoError(t, src.Register(func(p *core.Packet, err error) bool {
		got <- p
		return true
	}, NewLiveness()))
	p := <-got

	foreign := core.NewReplayPacket(core.NewOrigin(), 1, p.StreamID(), p.Timestamp(), p.Data())
	assert.ErrorIs(t, src.SetVerdict(foreign, core.VerdictAccept, nil), core.ErrForeignPacket)
	assert.ErrorIs(t, src.SetVerdict(nil, core.VerdictAccept, nil), core.ErrForeignPacket)
	assert.ErrorIs(t, src.SetVerdict(p, core.Verdict(42), nil), core.ErrUnknownVerdict)

	require.NoError(t, src.SetVerdict(p, core.VerdictDrop, nil))
	assert.ErrorIs(t, src.SetVerdict(p, core.VerdictAccept, nil), core.ErrVerdictAlreadySet)
}

func TestReplayCloseIdempotent(t *testing.T) {
	path := writeCapture(t, []testPacket{{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"}})
	src, err := NewReplaySource(ReplayConfig{Path: path})
	require.NoError(t, err)

	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
	assert.ErrorIs(t, src.Register(func(*core.Packet, error) bool { return true }, nil), core.ErrSourceClosed)
}

func TestReplayMissingFile(t *testing.T) {
	_, err := NewReplaySource(ReplayConfig{Path: filepath.Join(t.TempDir(), "missing.pcap")})
	assert.Error(t, err)
}

func TestReplayProtectedDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
		}
	}()

	path := writeCapture(t, []testPacket{{0, "10.0.0.1", "10.0.0.2", 1, 2, "p1"}})
	src := newTestReplay(t, ReplayConfig{Path: path})
	c := newCollector(src)
	require.NoError(t, src.Register(c.callback, NewLiveness()))
	c.wait(t)

	conn, err := src.ProtectedDialContext(t.Context(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
	assert.Len(t, c.packets, 1, "protected connection traffic is never delivered")
}

func TestReplayConfigFrom(t *testing.T) {
	r := config.Default().Replay
	r.Realtime = true
	r.Output = "out.pcap"

	cfg := ReplayConfigFrom("in.pcap", r)
	assert.Equal(t, "in.pcap", cfg.Path)
	assert.True(t, cfg.Realtime)
	assert.Equal(t, "out.pcap", cfg.Output)
	assert.Equal(t, config.DefaultReplayStreamTableSize, cfg.StreamTableSize)
	assert.Equal(t, config.DefaultReplayDrainTimeout, cfg.DrainTimeout)
}

func TestReplayDrainWaitsWhileVerdictsArrive(t *testing.T) {
	var pkts []testPacket
	for i := 0; i < 5; i++ {
		pkts = append(pkts, testPacket{time.Duration(i) * time.Millisecond, "10.0.0.1", "10.0.0.2", uint16(1000 + i), 53, "q"})
	}
	src := newTestReplay(t, ReplayConfig{Path: writeCapture(t, pkts), DrainTimeout: 60 * time.Millisecond})
	done := make(chan struct{})
	require.NoError(t, src.SetCancelFunc(func() { close(done) }))

	held := make(chan *core.Packet, len(pkts))
	require.NoError(t, src.Register(func(p *core.Packet, err error) bool {
		if p != nil {
			held <- p
		}
		return true
	}, NewLiveness()))

	// One verdict every 30ms: the whole drain outlasts the timeout, no single gap does.
	var applied atomic.Int32
	go func() {
		for i := 0; i < len(pkts); i++ {
			p := <-held
			time.Sleep(30 * time.Millisecond)
			if src.SetVerdict(p, core.VerdictAccept, nil) == nil {
				applied.Add(1)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
	assert.Equal(t, int32(len(pkts)), applied.Load(), "end of file waits for every verdict")
}

func TestReplayDrainGivesUpWhenIdle(t *testing.T) {
	path := writeCapture(t, []testPacket{{0, "10.0.0.1", "10.0.0.2", 1, 2, "never"}})
	src := newTestReplay(t, ReplayConfig{Path: path, DrainTimeout: 30 * time.Millisecond})
	done := make(chan struct{})
	require.NoError(t, src.SetCancelFunc(func() { close(done) }))
	require.NoError(t, src.Register(func(p *core.Packet, err error) bool { return true }, NewLiveness()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not give up")
	}
}
