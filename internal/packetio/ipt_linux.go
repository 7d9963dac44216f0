//go:build linux

package packetio

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
)

const iptTable = "filter"

type iptRule struct {
	chain string
	spec  []string
}

type iptRules struct {
	cfg   QueueConfig
	ipts  []*iptables.IPTables
	rules []iptRule
}

func newIptRules(cfg QueueConfig) (*iptRules, error) {
	r := &iptRules{cfg: cfg, rules: iptRuleSpecs(cfg)}
	for _, proto := range []iptables.Protocol{iptables.ProtocolIPv4, iptables.ProtocolIPv6} {
		ipt, err := iptables.NewWithProtocol(proto)
		if err != nil {
			return nil, fmt.Errorf("failed to create iptables handle: %w", err)
		}
		r.ipts = append(r.ipts, ipt)
	}
	return r, nil
}

func (r *iptRules) name() string { return "iptables" }

// install inserts the rules at the head of each chain, keeping their relative order.
func (r *iptRules) install() error {
	if err := r.remove(); err != nil {
		return err
	}
	for _, ipt := range r.ipts {
		for i := len(r.rules) - 1; i >= 0; i-- {
			rule := r.rules[i]
			if err := ipt.Insert(iptTable, rule.chain, 1, rule.spec...); err != nil {
				return fmt.Errorf("failed to insert rule into %s: %w", rule.chain, err)
			}
		}
	}
	return nil
}

func (r *iptRules) remove() error {
	var errs []error
	for _, ipt := range r.ipts {
		for _, rule := range r.rules {
			ok, err := ipt.Exists(iptTable, rule.chain, rule.spec...)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				errs = append(errs, ipt.Delete(iptTable, rule.chain, rule.spec...))
			}
		}
	}
	return errors.Join(errs...)
}

// iptRuleSpecs mirrors nftRuleExprs for iptables.
func iptRuleSpecs(cfg QueueConfig) []iptRule {
	accept := strconv.Itoa(MarkAcceptStream)
	drop := strconv.Itoa(MarkDropStream)
	queue := strconv.Itoa(int(cfg.QueueNum))

	var rules []iptRule
	for _, chain := range ruleChains(cfg.Local) {
		rules = append(rules,
			iptRule{chain, []string{"-m", "mark", "--mark", accept, "-j", "CONNMARK", "--set-mark", accept}},
			iptRule{chain, []string{"-m", "connmark", "--mark", accept, "-j", "ACCEPT"}},
		)
		if cfg.RST && !cfg.Local {
			rules = append(rules, iptRule{chain, []string{"-p", "tcp", "-m", "connmark", "--mark", drop, "-j", "REJECT", "--reject-with", "tcp-reset"}})
		}
		rules = append(rules,
			iptRule{chain, []string{"-m", "connmark", "--mark", drop, "-j", "DROP"}},
			iptRule{chain, []string{"-j", "NFQUEUE", "--queue-num", queue, "--queue-bypass"}},
		)
	}
	return rules
}
