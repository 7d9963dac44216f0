// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Kind tags the backend variant a Packet was produced by.
type Kind uint8

const (
	KindQueue  Kind = iota + 1 // kernel packet queue
	KindReplay                 // recorded capture file
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindReplay:
		return "replay"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Origin identifies the Source instance that produced a packet.
// Sources compare it on SetVerdict to reject packets they do not own.
type Origin uint64

var originSeq atomic.Uint64

// NewOrigin returns a process-unique origin token.
func NewOrigin() Origin {
	return Origin(originSeq.Add(1))
}

// Packet is one intercepted packet as delivered to the callback.
// Data starts at the network-layer header and must not be modified after hand-off;
// a rewritten packet travels as a separate payload next to VerdictAcceptModify.
type Packet struct {
	kind     Kind
	origin   Origin
	streamID uint32
	ts       time.Time
	data     []byte

	queueID uint32 // KindQueue: kernel packet id
	index   uint64 // KindReplay: position in the capture file
}

// NewQueuePacket builds a packet received from a kernel queue.
func NewQueuePacket(origin Origin, queueID, streamID uint32, ts time.Time, data []byte) *Packet {
	return &Packet{
		kind:     KindQueue,
		origin:   origin,
		streamID: streamID,
		ts:       ts,
		data:     data,
		queueID:  queueID,
	}
}

// NewReplayPacket builds a packet read from a capture file.
func NewReplayPacket(origin Origin, index uint64, streamID uint32, ts time.Time, data []byte) *Packet {
	return &Packet{
		kind:     KindReplay,
		origin:   origin,
		streamID: streamID,
		ts:       ts,
		data:     data,
		index:    index,
	}
}

func (p *Packet) Kind() Kind           { return p.kind }
func (p *Packet) Origin() Origin       { return p.origin }
func (p *Packet) StreamID() uint32     { return p.streamID }
func (p *Packet) Timestamp() time.Time { return p.ts }
func (p *Packet) Data() []byte         { return p.data }

// QueueID returns the kernel packet id. ok is false for non-queue packets.
func (p *Packet) QueueID() (id uint32, ok bool) {
	if p.kind != KindQueue {
		return 0, false
	}
	return p.queueID, true
}

// Index returns the position in the capture file. ok is false for non-replay packets.
func (p *Packet) Index() (idx uint64, ok bool) {
	if p.kind != KindReplay {
		return 0, false
	}
	return p.index, true
}

func (p *Packet) String() string {
	switch p.kind {
	case KindQueue:
		return fmt.Sprintf("queue packet id=%d stream=%d len=%d", p.queueID, p.streamID, len(p.data))
	case KindReplay:
		return fmt.Sprintf("replay packet #%d stream=%d len=%d", p.index, p.streamID, len(p.data))
	default:
		return fmt.Sprintf("packet kind=%s stream=%d", p.kind, p.streamID)
	}
}
