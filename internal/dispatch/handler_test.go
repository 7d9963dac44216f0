package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/gatekeeper/internal/core"
)

func TestInspectFirst(t *testing.T) {
	h := InspectFirst(3)
	s := &Stream{id: 1}
	var got []core.Verdict
	for i := 0; i < 4; i++ {
		v, _ := h.Inspect(s, nil)
		got = append(got, v)
		s.packets++
	}
	assert.Equal(t, []core.Verdict{
		core.VerdictAccept,
		core.VerdictAccept,
		core.VerdictAccept,
		core.VerdictAcceptStream,
	}, got)

	v, _ := InspectFirst(0).Inspect(&Stream{}, nil)
	assert.Equal(t, core.VerdictAcceptStream, v)
}

func TestAcceptAll(t *testing.T) {
	v, data := AcceptAll().Inspect(&Stream{}, nil)
	assert.Equal(t, core.VerdictAccept, v)
	assert.Nil(t, data)
}

func TestIPProtocol(t *testing.T) {
	assert.Equal(t, protoTCP, ipProtocol(ipv4Packet(protoTCP)))
	assert.Equal(t, protoUDP, ipProtocol(ipv4Packet(protoUDP)))

	v6 := make([]byte, 40)
	v6[0] = 0x60
	v6[6] = protoUDP
	assert.Equal(t, protoUDP, ipProtocol(v6))

	assert.Equal(t, -1, ipProtocol(nil))
	assert.Equal(t, -1, ipProtocol([]byte{0x45, 0x00}))
	assert.Equal(t, -1, ipProtocol([]byte{0x10}))
}
