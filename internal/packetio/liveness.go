package packetio

import (
	"context"
	"sync"
	"sync/atomic"
)

// Liveness is the "keep running" signal shared by a supervisor and the sources it owns.
// It starts alive and turns off exactly once; Done lets blocked goroutines wake on the
// transition instead of polling Alive.
type Liveness struct {
	alive atomic.Bool
	once  sync.Once
	done  chan struct{}
}

func NewLiveness() *Liveness {
	l := &Liveness{done: make(chan struct{})}
	l.alive.Store(true)
	return l
}

// WatchContext returns a Liveness that is stopped when ctx is done.
func WatchContext(ctx context.Context) *Liveness {
	l := NewLiveness()
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.done:
		}
	}()
	return l
}

func (l *Liveness) Alive() bool { return l.alive.Load() }

// Done is closed when the signal turns off.
func (l *Liveness) Done() <-chan struct{} { return l.done }

// Stop turns the signal off. Later calls are no-ops.
func (l *Liveness) Stop() {
	l.once.Do(func() {
		l.alive.Store(false)
		close(l.done)
	})
}
