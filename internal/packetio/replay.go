package packetio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/cespare/xxhash/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/gatekeeper/internal/config"
	"firestige.xyz/gatekeeper/internal/core"
	"firestige.xyz/gatekeeper/internal/log"
	"firestige.xyz/gatekeeper/internal/metrics"
)

const (
	replaySourceName = "replay"

	defaultReplayDrainTimeout = config.DefaultReplayDrainTimeout
	replayCloseTimeout        = 5 * time.Second

	pcapngMagic = 0x0A0D0D0A
)

// ReplayConfig configures a capture file source.
type ReplayConfig struct {
	Path            string
	Realtime        bool          // pace delivery by the capture timestamps
	Output          string        // accepted packets are written here as raw IP, empty = off
	StreamTableSize int           // stream verdicts remembered for the shortcut
	DrainTimeout    time.Duration // end of file: give up after this long without a verdict
}

// ReplayConfigFrom maps the replay tunables onto a ReplayConfig for the given file.
func ReplayConfigFrom(path string, r config.ReplayConfig) ReplayConfig {
	return ReplayConfig{
		Path:            path,
		Realtime:        r.Realtime,
		Output:          r.Output,
		StreamTableSize: r.StreamTableSize,
		DrainTimeout:    r.DrainTimeout,
	}
}

// packetReader is implemented by both pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// ReplaySource delivers the packets of a pcap or pcapng file.
//
// Packets are delivered one at a time from a single goroutine, so capture order holds
// for every stream. Stream verdicts are remembered and resolve later packets of the
// stream without invoking the callback. Verdicts only decide what is written to the
// output file; the capture itself is never modified.
type ReplaySource struct {
	cfg    ReplayConfig
	origin core.Origin

	file    *os.File
	packets *gopacket.PacketSource

	streams gcache.Cache // stream id -> core.Verdict

	outMu  sync.Mutex
	outBuf *bufio.Writer
	out    *pcapgo.Writer
	outF   *os.File

	mu          sync.Mutex
	d           *delivery
	closed      bool
	outstanding map[uint64]*core.Packet
	changed     chan struct{}

	cancel   hook
	closeCh  chan struct{}
	finished chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewReplaySource opens the capture file and the optional output file.
func NewReplaySource(cfg ReplayConfig) (*ReplaySource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("replay file path is required")
	}
	if cfg.StreamTableSize <= 0 {
		cfg.StreamTableSize = 65536
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultReplayDrainTimeout
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", cfg.Path, err)
	}
	reader, err := openCapture(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", cfg.Path, err)
	}

	ps := gopacket.NewPacketSource(reader, reader.LinkType())
	ps.DecodeOptions.Lazy = true
	ps.DecodeOptions.NoCopy = true

	s := &ReplaySource{
		cfg:         cfg,
		origin:      core.NewOrigin(),
		file:        f,
		packets:     ps,
		outstanding: make(map[uint64]*core.Packet),
		changed:     make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		finished:    make(chan struct{}),
	}
	s.streams = gcache.New(cfg.StreamTableSize).LRU().Build()

	if cfg.Output != "" {
		if err := s.openOutput(cfg.Output); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// openCapture sniffs the magic number and picks the pcap or pcapng reader.
func openCapture(r *bufio.Reader) (packetReader, error) {
	magic, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}

func (s *ReplaySource) openOutput(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	w := pcapgo.NewWriter(buf)
	if err := w.WriteFileHeader(MaxPacketLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return fmt.Errorf("failed to write output header: %w", err)
	}
	s.outF, s.outBuf, s.out = f, buf, w
	return nil
}

func (s *ReplaySource) Register(cb PacketCallback, live *Liveness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSourceClosed
	}
	if s.d != nil {
		return core.ErrAlreadyRegistered
	}
	s.d = newDelivery(replaySourceName, cb, live)

	go s.watch(s.d.live)
	go s.run(s.d)
	return nil
}

// watch runs the cancel hook when the liveness signal is cleared from outside.
func (s *ReplaySource) watch(live *Liveness) {
	select {
	case <-live.Done():
		s.cancel.fire()
	case <-s.finished:
	}
}

// run delivers the file and then runs the cancel hook, unless the source was closed.
func (s *ReplaySource) run(d *delivery) {
	s.replay(d)
	close(s.finished)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.cancel.fire()
	}
}

func (s *ReplaySource) replay(d *delivery) {
	logger := log.GetLogger().WithField("file", s.cfg.Path)
	var (
		index     uint64
		delivered int
		skipped   int
		firstTS   time.Time
		startWall time.Time
	)

	for d.active() {
		pkt, err := s.packets.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			d.deliver(nil, fmt.Errorf("replay read %s: %w", s.cfg.Path, err))
			break
		}

		nl := pkt.NetworkLayer()
		if nl == nil {
			skipped++
			continue
		}
		index++
		ts := pkt.Metadata().Timestamp

		if s.cfg.Realtime {
			if firstTS.IsZero() {
				firstTS, startWall = ts, time.Now()
			} else if !s.pace(d, startWall.Add(ts.Sub(firstTS))) {
				break
			}
		}

		streamID := replayStreamID(pkt)
		data := networkData(pkt)

		if v, ok := s.streamVerdict(streamID); ok {
			metrics.StreamShortcutsTotal.WithLabelValues("source").Inc()
			if v.IsAccept() {
				s.writeOutput(ts, data)
			}
			continue
		}

		p := core.NewReplayPacket(s.origin, index, streamID, ts, data)
		if !d.deliverTracked(p, func() { s.track(p) }) {
			break
		}
		delivered++
	}

	s.drain(d)
	logger.WithFields(map[string]interface{}{
		"delivered": delivered,
		"skipped":   skipped,
	}).Info("replay finished")
}

// pace sleeps until the wall clock reaches target. It returns false when delivery
// ended while waiting.
func (s *ReplaySource) pace(d *delivery, target time.Time) bool {
	wait := time.Until(target)
	if wait <= 0 {
		return d.active()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return d.active()
	case <-d.live.Done():
		return false
	case <-s.closeCh:
		return false
	}
}

// drain waits until every delivered packet has a verdict. It gives up early only when
// delivery is cancelled, the source is closed, or no verdict arrives for the drain timeout.
func (s *ReplaySource) drain(d *delivery) {
	idle := time.NewTimer(s.cfg.DrainTimeout)
	defer idle.Stop()
	for {
		s.mu.Lock()
		n := len(s.outstanding)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-s.changed:
			idle.Reset(s.cfg.DrainTimeout)
		case <-idle.C:
			log.GetLogger().WithFields(map[string]interface{}{
				"outstanding": n,
				"idle":        s.cfg.DrainTimeout.String(),
			}).Warn("replay ended with packets awaiting verdicts, treating them as dropped")
			return
		case <-d.live.Done():
			return
		case <-s.closeCh:
			return
		}
	}
}

func (s *ReplaySource) track(p *core.Packet) {
	idx, _ := p.Index()
	s.mu.Lock()
	s.outstanding[idx] = p
	s.mu.Unlock()
}

func (s *ReplaySource) streamVerdict(streamID uint32) (core.Verdict, bool) {
	v, err := s.streams.Get(streamID)
	if err != nil {
		return 0, false
	}
	return v.(core.Verdict), true
}

// SetVerdict records the verdict and writes accepted packets to the output file.
func (s *ReplaySource) SetVerdict(p *core.Packet, v core.Verdict, data []byte) error {
	if p == nil || p.Origin() != s.origin {
		return core.ErrForeignPacket
	}
	idx, ok := p.Index()
	if !ok {
		return core.ErrForeignPacket
	}
	if !v.Valid() {
		return fmt.Errorf("%w: %d", core.ErrUnknownVerdict, v)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSourceClosed
	}
	if _, ok := s.outstanding[idx]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrVerdictAlreadySet, p)
	}
	delete(s.outstanding, idx)
	s.mu.Unlock()

	select {
	case s.changed <- struct{}{}:
	default:
	}

	if v.IsStream() {
		_ = s.streams.Set(p.StreamID(), v)
	}

	switch v {
	case core.VerdictAccept, core.VerdictAcceptStream:
		s.writeOutput(p.Timestamp(), p.Data())
	case core.VerdictAcceptModify:
		s.writeOutput(p.Timestamp(), data)
	}
	return nil
}

func (s *ReplaySource) writeOutput(ts time.Time, data []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out == nil {
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := s.out.WritePacket(ci, data); err != nil {
		log.GetLogger().WithError(err).Warn("failed to write replay output")
	}
}

// Lossless reports that delivery may block for as long as the consumer needs.
// A capture file loses nothing by waiting, unlike the kernel queue.
func (s *ReplaySource) Lossless() bool { return true }

// ProtectedDialContext dials directly; replayed traffic never intercepts live connections.
func (s *ReplaySource) ProtectedDialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return dialProtected(ctx, &net.Dialer{Timeout: protectedDialTimeout}, network, address)
}

func (s *ReplaySource) SetCancelFunc(fn func()) error {
	s.cancel.set(fn)
	return nil
}

// Close stops delivery and releases the capture and output files. Packets still
// awaiting a verdict are treated as dropped and never reach the output file.
func (s *ReplaySource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		d := s.d
		dropped := len(s.outstanding)
		s.outstanding = make(map[uint64]*core.Packet)
		s.mu.Unlock()

		close(s.closeCh)
		if d != nil {
			d.stop()
			select {
			case <-s.finished:
			case <-time.After(replayCloseTimeout):
				log.GetLogger().Warn("replay delivery did not stop in time")
			}
		}
		if dropped > 0 {
			log.GetLogger().WithField("packets", dropped).Debug("replay closed with unresolved packets")
		}

		var errs []error
		s.outMu.Lock()
		if s.out != nil {
			errs = append(errs, s.outBuf.Flush(), s.outF.Close())
			s.out = nil
		}
		s.outMu.Unlock()
		errs = append(errs, s.file.Close())
		s.streams.Purge()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// replayStreamID combines the symmetric flow hashes of the network and transport
// layers, so both directions of a flow share one id.
func replayStreamID(pkt gopacket.Packet) uint32 {
	var b [16]byte
	if nl := pkt.NetworkLayer(); nl != nil {
		binary.BigEndian.PutUint64(b[:8], nl.NetworkFlow().FastHash())
	}
	if tl := pkt.TransportLayer(); tl != nil {
		binary.BigEndian.PutUint64(b[8:], tl.TransportFlow().FastHash())
	}
	return uint32(xxhash.Sum64(b[:]))
}

// networkData returns the packet bytes starting at the network header.
func networkData(pkt gopacket.Packet) []byte {
	if ll := pkt.LinkLayer(); ll != nil {
		return ll.LayerPayload()
	}
	return pkt.Data()
}
