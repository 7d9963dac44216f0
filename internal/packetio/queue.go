package packetio

import (
	"firestige.xyz/gatekeeper/internal/config"
)

const queueSourceName = "nfqueue"

// QueueConfig configures the kernel packet queue source.
type QueueConfig struct {
	QueueNum    uint16
	QueueSize   uint32
	ReadBuffer  int
	WriteBuffer int
	Local       bool // intercept INPUT/OUTPUT instead of FORWARD
	RST         bool // reset dropped TCP streams, forwarded traffic only
	SkipRules   bool // kernel rules are managed outside the process
	Conntrack   bool // report stream teardown from conntrack destroy events
}

// QueueConfigFrom maps the io tunables onto a QueueConfig.
func QueueConfigFrom(io config.IOConfig) QueueConfig {
	return QueueConfig{
		QueueNum:    QueueNum,
		QueueSize:   uint32(io.QueueSize),
		ReadBuffer:  io.ReadBuffer,
		WriteBuffer: io.WriteBuffer,
		Local:       io.Local,
		RST:         io.RST,
		Conntrack:   true,
	}
}

// ruleChains returns the netfilter chains the queue is attached to.
func ruleChains(local bool) []string {
	if local {
		return []string{"INPUT", "OUTPUT"}
	}
	return []string{"FORWARD"}
}
