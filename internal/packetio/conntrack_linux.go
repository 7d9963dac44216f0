//go:build linux

package packetio

import (
	"fmt"
	"sync"

	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"

	"firestige.xyz/gatekeeper/internal/log"
)

// conntrackWatcher reports destroyed connections so stream state can be reclaimed
// before the idle timeout.
type conntrackWatcher struct {
	conn *conntrack.Conn
	done chan struct{}
	once sync.Once
}

func watchConntrackDestroy(fn func(streamID uint32)) (*conntrackWatcher, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial conntrack: %w", err)
	}

	events := make(chan conntrack.Event, 1024)
	errCh, err := conn.Listen(events, 1, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to listen for conntrack events: %w", err)
	}

	w := &conntrackWatcher{conn: conn, done: make(chan struct{})}
	go func() {
		for {
			select {
			case ev := <-events:
				if ev.Type == conntrack.EventDestroy && ev.Flow != nil {
					fn(ev.Flow.ID)
				}
			case err := <-errCh:
				if err != nil {
					log.GetLogger().WithError(err).Warn("conntrack event listener stopped")
				}
				return
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

func (w *conntrackWatcher) close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}
