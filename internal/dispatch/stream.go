package dispatch

import (
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"firestige.xyz/gatekeeper/internal/core"
	"firestige.xyz/gatekeeper/internal/metrics"
)

const (
	protoTCP = 6
	protoUDP = 17

	// maxTCPStreams caps the idle-expiring table of one worker.
	maxTCPStreams = 1 << 16
)

// Stream is the per-stream state kept by the worker that owns the stream.
type Stream struct {
	id        uint32
	proto     int
	firstSeen time.Time
	lastSeen  time.Time
	packets   int

	final   bool
	verdict core.Verdict
}

func (s *Stream) ID() uint32 { return s.id }

// Protocol returns the IP protocol number of the stream's first packet, or -1 when
// the packet could not be parsed.
func (s *Stream) Protocol() int { return s.proto }

// Packets returns how many packets of the stream have been inspected.
func (s *Stream) Packets() int { return s.packets }

func (s *Stream) FirstSeen() time.Time { return s.firstSeen }
func (s *Stream) LastSeen() time.Time  { return s.lastSeen }

// Verdict returns the stream verdict, if one was given.
func (s *Stream) Verdict() (core.Verdict, bool) { return s.verdict, s.final }

// streamTables holds one worker's stream state. TCP and other non-UDP streams expire
// after the idle timeout; UDP streams are capped by count and evicted least recently used.
type streamTables struct {
	tcp gcache.Cache
	udp gcache.Cache
}

// onEvict runs for every entry leaving a table through expiry, eviction or removal.
func newStreamTables(tcpTimeout time.Duration, udpMax int, onEvict func(streamID uint32)) *streamTables {
	return &streamTables{
		tcp: gcache.New(maxTCPStreams).
			LRU().
			Expiration(tcpTimeout).
			EvictedFunc(reclaimed("tcp", onEvict)).
			Build(),
		udp: gcache.New(udpMax).
			LRU().
			EvictedFunc(reclaimed("udp", onEvict)).
			Build(),
	}
}

func reclaimed(table string, onEvict func(uint32)) gcache.EvictedFunc {
	c := metrics.StreamsReclaimedTotal.WithLabelValues(table)
	return func(key, value interface{}) {
		c.Inc()
		if onEvict != nil {
			onEvict(key.(uint32))
		}
	}
}

func (t *streamTables) table(proto int) gcache.Cache {
	if proto == protoUDP {
		return t.udp
	}
	return t.tcp
}

// lookup returns the stream state for p, creating it on first sight.
func (t *streamTables) lookup(p *core.Packet) (*Stream, gcache.Cache) {
	proto := ipProtocol(p.Data())
	table := t.table(proto)
	if v, err := table.Get(p.StreamID()); err == nil {
		return v.(*Stream), table
	}
	return &Stream{id: p.StreamID(), proto: proto, firstSeen: p.Timestamp()}, table
}

func (t *streamTables) remove(streamID uint32) {
	t.tcp.Remove(streamID)
	t.udp.Remove(streamID)
}

func (t *streamTables) purge() {
	t.tcp.Purge()
	t.udp.Purge()
}

// ipProtocol reads the transport protocol from an IPv4 or IPv6 header.
func ipProtocol(data []byte) int {
	if len(data) == 0 {
		return -1
	}
	switch data[0] >> 4 {
	case ipv4.Version:
		h, err := ipv4.ParseHeader(data)
		if err != nil {
			return -1
		}
		return h.Protocol
	case ipv6.Version:
		h, err := ipv6.ParseHeader(data)
		if err != nil {
			return -1
		}
		return h.NextHeader
	}
	return -1
}
