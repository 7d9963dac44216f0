package dispatch

import (
	"firestige.xyz/gatekeeper/internal/core"
)

// Handler decides the verdict of one packet. Inspect is called from the worker owning
// the packet's stream, so calls for one stream never overlap.
type Handler interface {
	Inspect(s *Stream, p *core.Packet) (core.Verdict, []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Stream, p *core.Packet) (core.Verdict, []byte)

func (f HandlerFunc) Inspect(s *Stream, p *core.Packet) (core.Verdict, []byte) {
	return f(s, p)
}

// AcceptAll accepts every packet individually, so every packet is inspected.
func AcceptAll() Handler {
	return HandlerFunc(func(*Stream, *core.Packet) (core.Verdict, []byte) {
		return core.VerdictAccept, nil
	})
}

// InspectFirst accepts the first n packets of a stream one by one and answers the
// next one with a stream verdict, which accepts the rest of the stream.
func InspectFirst(n int) Handler {
	return HandlerFunc(func(s *Stream, _ *core.Packet) (core.Verdict, []byte) {
		if s.Packets() >= n {
			return core.VerdictAcceptStream, nil
		}
		return core.VerdictAccept, nil
	})
}
