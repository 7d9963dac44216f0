// Package dispatch fans packets from a Source out to a pool of inspection workers.
package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/gatekeeper/internal/config"
	"firestige.xyz/gatekeeper/internal/core"
	"firestige.xyz/gatekeeper/internal/log"
	"firestige.xyz/gatekeeper/internal/metrics"
	"firestige.xyz/gatekeeper/internal/packetio"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("gatekeeper: dispatcher stopped")

// Forced verdict reasons, also used as metric labels.
const (
	reasonBacklogConn  = "backlog_conn"
	reasonBacklogTotal = "backlog_total"
	reasonPanic        = "panic"
	reasonShutdown     = "shutdown"
)

// Config sizes the worker pool.
type Config struct {
	Workers             int
	QueueSize           int           // per-worker queue depth
	MaxPendingPerStream int           // packets of one stream waiting for a verdict
	MaxPendingTotal     int           // packets of all streams waiting for a verdict
	TCPTimeout          time.Duration // idle time after which stream state is dropped
	UDPMaxStreams       int           // UDP streams tracked per worker

	// BlockOnBacklog makes delivery wait for a pending slot instead of resolving packets
	// above the ceilings uninspected. New sets it for packetio.Lossless sources.
	BlockOnBacklog bool
}

// ConfigFrom maps the workers tunables onto a Config.
func ConfigFrom(w config.WorkersConfig) Config {
	return Config{
		Workers:             w.Count,
		QueueSize:           w.QueueSize,
		MaxPendingPerStream: w.TCPMaxBufferedPagesPerConn,
		MaxPendingTotal:     w.TCPMaxBufferedPagesTotal,
		TCPTimeout:          w.TCPTimeout,
		UDPMaxStreams:       w.UDPMaxStreams,
	}
}

func (c *Config) applyDefaults() {
	d := ConfigFrom(config.Default().Workers)
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxPendingPerStream <= 0 {
		c.MaxPendingPerStream = d.MaxPendingPerStream
	}
	if c.MaxPendingTotal <= 0 {
		c.MaxPendingTotal = d.MaxPendingTotal
	}
	if c.TCPTimeout <= 0 {
		c.TCPTimeout = d.TCPTimeout
	}
	if c.UDPMaxStreams <= 0 {
		c.UDPMaxStreams = d.UDPMaxStreams
	}
}

// Dispatcher consumes a Source and applies the Handler's verdicts.
//
// Packets are assigned to workers by a hash of their stream id, so packets of one
// stream are inspected in delivery order by one goroutine. A full worker queue blocks
// delivery. Packets above the pending ceilings either wait (BlockOnBacklog) or are
// resolved without inspection: with the stream verdict when the stream has one,
// accepted otherwise.
type Dispatcher struct {
	src     packetio.Source
	handler Handler
	cfg     Config
	logger  log.Logger

	workers []*worker
	live    *packetio.Liveness

	// gate orders Deliver against Stop: Deliver holds it shared while enqueueing.
	gate    sync.RWMutex
	stopped bool
	started bool

	pendingTotal atomic.Int64
	relMu        sync.Mutex
	relCh        chan struct{} // closed and replaced on every release when blocking
	quit         chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once

	errMu sync.Mutex
	err   error
	errCh chan error
}

type worker struct {
	id      int
	queue   chan *core.Packet
	streams *streamTables
	depth   prometheus.Gauge

	mu      sync.Mutex
	pending map[uint32]int
	finals  map[uint32]core.Verdict // stream verdicts of streams still in the tables
}

// New creates a dispatcher. Zero Config fields take the workers defaults.
func New(src packetio.Source, handler Handler, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	if l, ok := src.(packetio.Lossless); ok && l.Lossless() {
		cfg.BlockOnBacklog = true
	}
	return &Dispatcher{
		src:     src,
		handler: handler,
		cfg:     cfg,
		logger:  log.GetLogger().WithField("component", "dispatcher"),
		relCh:   make(chan struct{}),
		quit:    make(chan struct{}),
		errCh:   make(chan error, 1),
	}
}

// Start launches the workers and registers with the source.
func (d *Dispatcher) Start(live *packetio.Liveness) error {
	d.gate.Lock()
	defer d.gate.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return core.ErrAlreadyRegistered
	}
	if live == nil {
		live = packetio.NewLiveness()
	}
	d.live = live

	d.workers = make([]*worker, d.cfg.Workers)
	for i := range d.workers {
		w := &worker{
			id:      i,
			queue:   make(chan *core.Packet, d.cfg.QueueSize),
			depth:   metrics.WorkerQueueDepth.WithLabelValues(strconv.Itoa(i)),
			pending: make(map[uint32]int),
			finals:  make(map[uint32]core.Verdict),
		}
		w.streams = newStreamTables(d.cfg.TCPTimeout, d.cfg.UDPMaxStreams, w.forget)
		d.workers[i] = w
	}
	if n, ok := d.src.(packetio.StreamNotifier); ok {
		n.SetStreamCloseFunc(d.onStreamClosed)
	}

	for _, w := range d.workers {
		d.wg.Add(1)
		go d.run(w)
	}

	if err := d.src.Register(d.Deliver, live); err != nil {
		close(d.quit)
		d.wg.Wait()
		d.stopped = true
		return fmt.Errorf("failed to register with source: %w", err)
	}
	d.started = true

	d.logger.WithFields(map[string]interface{}{
		"workers":    d.cfg.Workers,
		"queue_size": d.cfg.QueueSize,
		"blocking":   d.cfg.BlockOnBacklog,
	}).Info("dispatcher started")
	return nil
}

// Deliver is the PacketCallback registered with the source.
func (d *Dispatcher) Deliver(p *core.Packet, err error) bool {
	if err != nil {
		d.fail(err)
		return false
	}
	if p == nil {
		return true
	}

	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.stopped || !d.started {
		return false
	}

	w := d.workers[d.workerIndex(p.StreamID())]
	for {
		released := d.released()
		reason := d.admit(w, p.StreamID())
		if reason == "" {
			break
		}
		if released == nil {
			d.resolve(w, p, reason)
			return true
		}
		select {
		case <-released:
		case <-d.live.Done():
			d.resolve(w, p, reasonShutdown)
			return false
		}
	}

	select {
	case w.queue <- p:
		w.depth.Set(float64(len(w.queue)))
		return true
	case <-d.live.Done():
		d.release(w, p.StreamID())
		d.resolve(w, p, reasonShutdown)
		return false
	}
}

// released returns a channel closed by the next release, or nil when delivery
// never waits for backlog.
func (d *Dispatcher) released() <-chan struct{} {
	if !d.cfg.BlockOnBacklog {
		return nil
	}
	d.relMu.Lock()
	defer d.relMu.Unlock()
	return d.relCh
}

func (d *Dispatcher) workerIndex(streamID uint32) int {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], streamID)
	return int(xxhash.Sum64(b[:]) % uint64(len(d.workers)))
}

// admit reserves a pending slot for the stream, or returns the reason it cannot.
func (d *Dispatcher) admit(w *worker, streamID uint32) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[streamID] >= d.cfg.MaxPendingPerStream {
		return reasonBacklogConn
	}
	if d.pendingTotal.Add(1) > int64(d.cfg.MaxPendingTotal) {
		d.pendingTotal.Add(-1)
		return reasonBacklogTotal
	}
	w.pending[streamID]++
	return ""
}

func (d *Dispatcher) release(w *worker, streamID uint32) {
	w.mu.Lock()
	if n := w.pending[streamID]; n <= 1 {
		delete(w.pending, streamID)
	} else {
		w.pending[streamID] = n - 1
	}
	w.mu.Unlock()
	d.pendingTotal.Add(-1)

	if d.cfg.BlockOnBacklog {
		d.relMu.Lock()
		close(d.relCh)
		d.relCh = make(chan struct{})
		d.relMu.Unlock()
	}
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for {
		select {
		case p := <-w.queue:
			w.depth.Set(float64(len(w.queue)))
			d.process(w, p)
		case <-d.quit:
			// Resolve whatever is still queued so every delivered packet gets a verdict.
			for {
				select {
				case p := <-w.queue:
					d.release(w, p.StreamID())
					d.resolve(w, p, reasonShutdown)
				default:
					w.depth.Set(0)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(w *worker, p *core.Packet) {
	defer d.release(w, p.StreamID())

	st, table := w.streams.lookup(p)
	st.lastSeen = p.Timestamp()

	var (
		v    core.Verdict
		data []byte
	)
	if st.final {
		// The stream verdict has not reached the backend for packets queued before it.
		v = st.verdict
		metrics.StreamShortcutsTotal.WithLabelValues("worker").Inc()
	} else {
		var ok bool
		v, data, ok = d.inspect(st, p)
		if !ok {
			d.force(p, reasonPanic)
			return
		}
		st.packets++
		if v.IsStream() {
			st.final, st.verdict = true, v
			w.mu.Lock()
			w.finals[st.id] = v
			w.mu.Unlock()
		}
	}
	_ = table.Set(st.id, st)

	d.apply(p, v, data)
}

// inspect calls the handler, turning a panic into ok=false.
func (d *Dispatcher) inspect(st *Stream, p *core.Packet) (v core.Verdict, data []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(map[string]interface{}{
				"stream": p.StreamID(),
				"panic":  r,
			}).Error("handler panicked, accepting packet")
			ok = false
		}
	}()
	v, data = d.handler.Inspect(st, p)
	if !v.Valid() {
		d.logger.WithField("verdict", int(v)).Warn("handler returned unknown verdict, accepting packet")
		v, data = core.VerdictAccept, nil
	}
	return v, data, true
}

func (d *Dispatcher) apply(p *core.Packet, v core.Verdict, data []byte) {
	if err := d.src.SetVerdict(p, v, data); err != nil {
		metrics.VerdictErrorsTotal.Inc()
		d.logger.WithError(err).WithField("verdict", v.String()).Warn("failed to apply verdict")
		return
	}
	metrics.VerdictsTotal.WithLabelValues(v.String()).Inc()
}

// resolve settles a packet the workers will not inspect. A recorded stream verdict
// still applies; anything else is accepted.
func (d *Dispatcher) resolve(w *worker, p *core.Packet, reason string) {
	w.mu.Lock()
	v, ok := w.finals[p.StreamID()]
	w.mu.Unlock()
	if ok {
		metrics.StreamShortcutsTotal.WithLabelValues("dispatcher").Inc()
		d.apply(p, v, nil)
		return
	}
	d.force(p, reason)
}

// forget drops the recorded stream verdict once the stream leaves the tables.
func (w *worker) forget(streamID uint32) {
	w.mu.Lock()
	delete(w.finals, streamID)
	w.mu.Unlock()
}

func (d *Dispatcher) force(p *core.Packet, reason string) {
	metrics.ForcedVerdictsTotal.WithLabelValues(reason).Inc()
	if d.logger.IsDebugEnabled() {
		d.logger.WithField("reason", reason).Debugf("accepting %s without inspection", p)
	}
	d.apply(p, core.VerdictAccept, nil)
}

// fail records a source-level delivery error.
func (d *Dispatcher) fail(err error) {
	d.logger.WithError(err).Error("packet source failed")
	d.errMu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.errMu.Unlock()
	select {
	case d.errCh <- err:
	default:
	}
}

func (d *Dispatcher) onStreamClosed(streamID uint32) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.stopped || len(d.workers) == 0 {
		return
	}
	d.workers[d.workerIndex(streamID)].streams.remove(streamID)
}

// Errors delivers the first source failure.
func (d *Dispatcher) Errors() <-chan error { return d.errCh }

// Err returns the first source failure, if any.
func (d *Dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// Pending returns the number of packets waiting for a verdict.
func (d *Dispatcher) Pending() int {
	return int(d.pendingTotal.Load())
}

// Stop clears the liveness signal, waits for in-flight deliveries and drains the
// workers. Packets still queued are resolved without inspection.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.gate.RLock()
		live := d.live
		d.gate.RUnlock()
		if live != nil {
			live.Stop()
		}

		d.gate.Lock()
		alreadyStopped := d.stopped
		d.stopped = true
		d.gate.Unlock()
		if alreadyStopped {
			return
		}

		close(d.quit)
		d.wg.Wait()
		for _, w := range d.workers {
			w.streams.purge()
			w.mu.Lock()
			w.finals = make(map[uint32]core.Verdict)
			w.mu.Unlock()
		}
		d.logger.Info("dispatcher stopped")
	})
}
