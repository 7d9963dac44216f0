//go:build linux

package packetio

import (
	"fmt"

	"firestige.xyz/gatekeeper/internal/log"
)

// ruleManager installs the kernel rules that feed the queue and honour stream marks:
//
//	meta mark 1001          -> ct mark set 1001
//	ct mark 1001            -> accept
//	tcp, ct mark 1002       -> reject with tcp reset (rst, forwarded traffic only)
//	ct mark 1002            -> drop
//	everything else         -> queue 100, bypass when no listener
type ruleManager interface {
	install() error
	remove() error
	name() string
}

// newRuleManager prefers nftables and falls back to iptables.
func newRuleManager(cfg QueueConfig) (ruleManager, error) {
	nft, err := newNftRules(cfg)
	if err == nil {
		return nft, nil
	}
	log.GetLogger().WithError(err).Info("nftables unavailable, falling back to iptables")

	ipt, iptErr := newIptRules(cfg)
	if iptErr != nil {
		return nil, fmt.Errorf("no usable firewall backend: nftables: %v, iptables: %w", err, iptErr)
	}
	return ipt, nil
}
