package packetio

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/gatekeeper/internal/core"
	"firestige.xyz/gatekeeper/internal/metrics"
)

// delivery guards every callback invocation of one registration.
// It checks the liveness signal at each delivery point and latches the first false
// returned by the callback, so no invocation happens after it.
type delivery struct {
	cb      PacketCallback
	live    *Liveness
	source  string
	mu      sync.Mutex
	stopped atomic.Bool
}

func newDelivery(source string, cb PacketCallback, live *Liveness) *delivery {
	if live == nil {
		live = NewLiveness()
	}
	return &delivery{cb: cb, live: live, source: source}
}

// active reports whether further packets may be delivered.
func (d *delivery) active() bool {
	return !d.stopped.Load() && d.live.Alive()
}

// deliver invokes the callback unless delivery has ended. It returns false once
// delivery has ended for any reason.
func (d *delivery) deliver(p *core.Packet, err error) bool {
	return d.invoke(p, err, nil)
}

// deliverTracked is deliver for packets that await a verdict. track runs right before
// the callback sees the packet, and never when delivery has already ended, so a packet
// is only marked outstanding once a consumer has it.
func (d *delivery) deliverTracked(p *core.Packet, track func()) bool {
	return d.invoke(p, nil, track)
}

func (d *delivery) invoke(p *core.Packet, err error, track func()) bool {
	if !d.active() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active() {
		return false
	}

	if err != nil {
		metrics.DeliveryErrorsTotal.WithLabelValues(d.source).Inc()
	} else {
		metrics.PacketsDeliveredTotal.WithLabelValues(d.source).Inc()
	}

	if track != nil {
		track()
	}
	if !d.cb(p, err) {
		d.stopped.Store(true)
		return false
	}
	return true
}

// stop ends delivery without touching the shared liveness signal.
func (d *delivery) stop() {
	d.stopped.Store(true)
}

// hook holds the cancel function installed through SetCancelFunc and runs it at most once.
// A request that arrives before the function is installed runs it on installation.
type hook struct {
	mu        sync.Mutex
	fn        func()
	requested bool
	ran       bool
}

func (h *hook) set(fn func()) {
	h.mu.Lock()
	h.fn = fn
	if !h.requested || h.ran || fn == nil {
		h.mu.Unlock()
		return
	}
	h.ran = true
	h.mu.Unlock()
	fn()
}

func (h *hook) fire() {
	h.mu.Lock()
	h.requested = true
	if h.ran || h.fn == nil {
		h.mu.Unlock()
		return
	}
	h.ran = true
	fn := h.fn
	h.mu.Unlock()
	fn()
}
