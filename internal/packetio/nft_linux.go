//go:build linux

package packetio

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

const nftTableName = "gatekeeper"

type nftRules struct {
	cfg  QueueConfig
	conn *nftables.Conn
}

func newNftRules(cfg QueueConfig) (*nftRules, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	if _, err := conn.ListTablesOfFamily(nftables.TableFamilyINet); err != nil {
		return nil, fmt.Errorf("failed to list nftables tables: %w", err)
	}
	return &nftRules{cfg: cfg, conn: conn}, nil
}

func (r *nftRules) name() string { return "nftables" }

func (r *nftRules) install() error {
	// Start from a clean table if a previous run did not exit cleanly.
	if err := r.remove(); err != nil {
		return err
	}

	table := r.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   nftTableName,
	})
	for _, chainName := range ruleChains(r.cfg.Local) {
		chain := r.conn.AddChain(&nftables.Chain{
			Name:     chainName,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftHook(chainName),
			Priority: nftables.ChainPriorityFilter,
		})
		for _, exprs := range nftRuleExprs(r.cfg) {
			r.conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
		}
	}
	if err := r.conn.Flush(); err != nil {
		return fmt.Errorf("failed to apply nftables rules: %w", err)
	}
	return nil
}

func (r *nftRules) remove() error {
	tables, err := r.conn.ListTablesOfFamily(nftables.TableFamilyINet)
	if err != nil {
		return fmt.Errorf("failed to list nftables tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == nftTableName {
			r.conn.DelTable(t)
			if err := r.conn.Flush(); err != nil {
				return fmt.Errorf("failed to delete nftables table: %w", err)
			}
		}
	}
	return nil
}

func nftHook(chain string) *nftables.ChainHook {
	switch chain {
	case "INPUT":
		return nftables.ChainHookInput
	case "OUTPUT":
		return nftables.ChainHookOutput
	default:
		return nftables.ChainHookForward
	}
}

// nftRuleExprs builds the rule bodies of one chain, in evaluation order.
func nftRuleExprs(cfg QueueConfig) [][]expr.Any {
	markAccept := binaryutil.NativeEndian.PutUint32(MarkAcceptStream)
	markDrop := binaryutil.NativeEndian.PutUint32(MarkDropStream)

	ctMarkIs := func(mark []byte) []expr.Any {
		return []expr.Any{
			&expr.Ct{Register: 1, Key: expr.CtKeyMARK},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: mark},
		}
	}

	rules := [][]expr.Any{
		// Protected connections: promote the socket mark to a connmark.
		{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: markAccept},
			&expr.Immediate{Register: 1, Data: markAccept},
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1, SourceRegister: true},
		},
		append(ctMarkIs(markAccept), &expr.Counter{}, &expr.Verdict{Kind: expr.VerdictAccept}),
	}
	if cfg.RST && !cfg.Local {
		rules = append(rules, append([]expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		}, append(ctMarkIs(markDrop), &expr.Counter{}, &expr.Reject{Type: unix.NFT_REJECT_TCP_RST})...))
	}
	rules = append(rules,
		append(ctMarkIs(markDrop), &expr.Counter{}, &expr.Verdict{Kind: expr.VerdictDrop}),
		[]expr.Any{
			&expr.Counter{},
			&expr.Queue{Num: cfg.QueueNum, Flag: expr.QueueFlagBypass},
		},
	)
	return rules
}
