//go:build linux

package packetio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"firestige.xyz/gatekeeper/internal/core"
	"firestige.xyz/gatekeeper/internal/log"
)

// QueueSource intercepts packets through a netfilter queue.
//
// Packets come from a single netlink reader goroutine, so capture order holds per stream.
// Stream verdicts set a connmark; the kernel rules accept or drop marked connections
// before they reach the queue, which ends delivery for the stream. The queue fails
// open: when it is full the kernel accepts packets instead of dropping them, and the
// rules' bypass flag does the same while nothing listens on the queue.
type QueueSource struct {
	cfg      QueueConfig
	origin   core.Origin
	nf       *nfqueue.Nfqueue
	verdicts verdictSetter
	rules    ruleManager
	logger   log.Logger

	mu          sync.Mutex
	d           *delivery
	closed      bool
	rulesOn     bool
	ctx         context.Context
	stop        context.CancelFunc
	ct          *conntrackWatcher
	streamClose func(uint32)

	outstanding sync.Map // packet id -> struct{}
	cancel      hook
	closeOnce   sync.Once
	closeErr    error
}

const (
	// queueFlags asks for conntrack data and lets the kernel accept packets when the
	// queue is full.
	queueFlags = nfqueue.NfQaCfgFlagConntrack | nfqueue.NfQaCfgFlagFailOpen

	minIPHeaderLen = 20
)

// verdictSetter is the part of *nfqueue.Nfqueue that applies verdicts.
type verdictSetter interface {
	SetVerdict(id uint32, verdict int) error
	SetVerdictModPacket(id uint32, verdict int, packet []byte) error
	SetVerdictWithConnMark(id uint32, verdict, mark int) error
}

// NewQueueSource opens the netfilter queue. Kernel rules are installed on Register.
func NewQueueSource(cfg QueueConfig) (*QueueSource, error) {
	nfCfg := nfqueue.Config{
		NfQueue:      cfg.QueueNum,
		MaxPacketLen: MaxPacketLen,
		MaxQueueLen:  cfg.QueueSize,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        queueFlags,
		WriteTimeout: 15 * time.Millisecond,
	}
	nf, err := nfqueue.Open(&nfCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open nfqueue %d: %w", cfg.QueueNum, err)
	}
	if cfg.ReadBuffer > 0 {
		if err := nf.Con.SetReadBuffer(cfg.ReadBuffer); err != nil {
			nf.Close()
			return nil, fmt.Errorf("failed to set nfqueue read buffer: %w", err)
		}
	}
	if cfg.WriteBuffer > 0 {
		if err := nf.Con.SetWriteBuffer(cfg.WriteBuffer); err != nil {
			nf.Close()
			return nil, fmt.Errorf("failed to set nfqueue write buffer: %w", err)
		}
	}

	s := &QueueSource{
		cfg:      cfg,
		origin:   core.NewOrigin(),
		nf:       nf,
		verdicts: nf,
		logger:   log.GetLogger().WithField("queue", cfg.QueueNum),
	}
	if !cfg.SkipRules {
		rules, err := newRuleManager(cfg)
		if err != nil {
			nf.Close()
			return nil, err
		}
		s.rules = rules
	}
	return s, nil
}

func (s *QueueSource) Register(cb PacketCallback, live *Liveness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSourceClosed
	}
	if s.d != nil {
		return core.ErrAlreadyRegistered
	}
	d := newDelivery(queueSourceName, cb, live)

	if s.rules != nil {
		if err := s.rules.install(); err != nil {
			return fmt.Errorf("failed to install %s rules: %w", s.rules.name(), err)
		}
		s.rulesOn = true
		s.logger.WithField("backend", s.rules.name()).Info("kernel rules installed")
	}

	s.ctx, s.stop = context.WithCancel(context.Background())
	if err := s.nf.RegisterWithErrorFunc(s.ctx, s.packetHook(d), s.errorHook(d)); err != nil {
		s.stop()
		return fmt.Errorf("failed to register nfqueue hook: %w", err)
	}
	s.d = d

	if s.cfg.Conntrack {
		ct, err := watchConntrackDestroy(s.onStreamClosed)
		if err != nil {
			s.logger.WithError(err).Warn("conntrack events unavailable, idle streams expire by timeout only")
		} else {
			s.ct = ct
		}
	}

	go s.watch(d.live)
	return nil
}

// watch interrupts the blocking netlink read when the liveness signal is cleared.
func (s *QueueSource) watch(live *Liveness) {
	select {
	case <-live.Done():
		s.cancel.fire()
		s.stop()
	case <-s.ctx.Done():
	}
}

func (s *QueueSource) packetHook(d *delivery) nfqueue.HookFunc {
	return func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		id := *a.PacketID

		// Packets the inspector cannot use are let through without delivery.
		streamID, ok := inspectable(a)
		if !ok {
			_ = s.verdicts.SetVerdict(id, nfqueue.NfAccept)
			return 0
		}
		ts := time.Now()
		if a.Timestamp != nil {
			ts = *a.Timestamp
		}

		p := core.NewQueuePacket(s.origin, id, streamID, ts, *a.Payload)
		if !d.deliverTracked(p, func() { s.outstanding.Store(id, struct{}{}) }) {
			return 1
		}
		return 0
	}
}

// inspectable reports whether a queued packet carries an IP header and a conntrack
// entry, and returns the stream id taken from the entry.
func inspectable(a nfqueue.Attribute) (uint32, bool) {
	if a.Payload == nil || len(*a.Payload) < minIPHeaderLen || a.Ct == nil {
		return 0, false
	}
	streamID, err := streamIDFromConntrack(*a.Ct)
	if err != nil {
		return 0, false
	}
	return streamID, true
}

func (s *QueueSource) errorHook(d *delivery) nfqueue.ErrorFunc {
	return func(e error) int {
		var opErr *netlink.OpError
		if errors.As(e, &opErr) {
			if errors.Is(opErr.Err, unix.ENOBUFS) {
				// The kernel dropped messages because the socket buffer was full.
				return 0
			}
			if opErr.Timeout() || opErr.Temporary() {
				return 0
			}
		}
		if s.ctx.Err() != nil {
			return 1
		}
		d.deliver(nil, fmt.Errorf("nfqueue receive: %w", e))
		d.stop()
		s.cancel.fire()
		return 1
	}
}

func (s *QueueSource) SetVerdict(p *core.Packet, v core.Verdict, data []byte) error {
	if p == nil || p.Origin() != s.origin {
		return core.ErrForeignPacket
	}
	id, ok := p.QueueID()
	if !ok {
		return core.ErrForeignPacket
	}
	if !v.Valid() {
		return fmt.Errorf("%w: %d", core.ErrUnknownVerdict, v)
	}
	if _, ok := s.outstanding.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %s", core.ErrVerdictAlreadySet, p)
	}

	var err error
	verdict, mark, modify := kernelVerdict(v)
	switch {
	case modify:
		err = s.verdicts.SetVerdictModPacket(id, verdict, data)
	case mark != 0:
		err = s.verdicts.SetVerdictWithConnMark(id, verdict, mark)
	default:
		err = s.verdicts.SetVerdict(id, verdict)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrVerdictFailed, p, err)
	}
	return nil
}

// kernelVerdict maps v onto the netfilter verdict, the connmark to set (0 for none)
// and whether the packet payload is replaced.
func kernelVerdict(v core.Verdict) (verdict, mark int, modify bool) {
	switch v {
	case core.VerdictAcceptModify:
		return nfqueue.NfAccept, 0, true
	case core.VerdictAcceptStream:
		return nfqueue.NfAccept, MarkAcceptStream, false
	case core.VerdictDrop:
		return nfqueue.NfDrop, 0, false
	case core.VerdictDropStream:
		return nfqueue.NfDrop, MarkDropStream, false
	default:
		return nfqueue.NfAccept, 0, false
	}
}

func (s *QueueSource) ProtectedDialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return dialProtected(ctx, newProtectedDialer(), network, address)
}

func (s *QueueSource) SetCancelFunc(fn func()) error {
	s.cancel.set(fn)
	return nil
}

func (s *QueueSource) SetStreamCloseFunc(fn func(streamID uint32)) {
	s.mu.Lock()
	s.streamClose = fn
	s.mu.Unlock()
}

func (s *QueueSource) onStreamClosed(streamID uint32) {
	s.mu.Lock()
	fn := s.streamClose
	s.mu.Unlock()
	if fn != nil {
		fn(streamID)
	}
}

// Close detaches from the queue and removes the kernel rules. Packets still queued
// without a verdict are dropped by the kernel when the queue goes away.
func (s *QueueSource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		d, ct, rulesOn, stop := s.d, s.ct, s.rulesOn, s.stop
		s.mu.Unlock()

		if d != nil {
			d.stop()
		}
		if stop != nil {
			stop()
		}
		if ct != nil {
			ct.close()
		}

		var errs []error
		if err := s.nf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close nfqueue: %w", err))
		}
		if rulesOn {
			if err := s.rules.remove(); err != nil {
				errs = append(errs, fmt.Errorf("remove %s rules: %w", s.rules.name(), err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
