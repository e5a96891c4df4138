// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine compiles registry state into enforceable artifacts:
// per-node packet filter entries, the hub tunnel peer set, and access
// decisions for the rich user policy model. Everything here is a pure
// function over data the caller fetched; the registry owns
// transactions and the config version.
package engine

import (
	"sort"
	"strings"

	"grimm.is/flymesh/internal/registry"
)

// ACLEntry is one compiled packet filter rule as shipped to a node
// agent. Empty fields mean "any".
type ACLEntry struct {
	SrcIP       string `json:"src_ip,omitempty"`
	DstIP       string `json:"dst_ip,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Port        int    `json:"port,omitempty"`
	Action      string `json:"action"`
	State       string `json:"state,omitempty"`     // conntrack states, e.g. "ESTABLISHED,RELATED"
	ICMPType    string `json:"icmp_type,omitempty"` // e.g. "echo-request"
	Description string `json:"description,omitempty"`
}

// CompileNodeACL expands the role-pair rules into the concrete entry
// list for one target node. Each enabled rule whose dst_role matches
// the target (or is "*") produces one entry per active node holding
// the src_role. Entries are ordered most-specific first; the standing
// tail (established/related accept, ICMP echo accept, default drop)
// closes the list.
func CompileNodeACL(target *registry.Node, nodes []*registry.Node, rules []*registry.ACLRule) []ACLEntry {
	var entries []ACLEntry

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.DstRole != "*" && rule.DstRole != string(target.Role) {
			continue
		}
		for _, src := range nodes {
			if src.Status != registry.StatusActive {
				continue
			}
			if string(src.Role) != rule.SrcRole {
				continue
			}
			entries = append(entries, ACLEntry{
				SrcIP:       src.OverlayIP,
				DstIP:       target.OverlayIP,
				Protocol:    rule.Protocol,
				Port:        rule.Port,
				Action:      rule.Action,
				Description: rule.Description,
			})
		}
	}

	// Stable keeps rule-definition order among entries scoring equal.
	sort.SliceStable(entries, func(i, j int) bool {
		return specificity(entries[i]) > specificity(entries[j])
	})

	return append(entries, standingTail()...)
}

// specificity scores an entry so tighter rules land earlier. Host
// addresses outrank CIDRs, which outrank wildcards; a concrete port
// and protocol tighten further.
func specificity(e ACLEntry) int {
	score := 0
	score += addrScore(e.SrcIP)
	score += addrScore(e.DstIP)
	if e.Port != 0 {
		score += 25
	}
	if e.Protocol != "" && e.Protocol != "any" && e.Protocol != "all" {
		score += 10
	}
	return score
}

func addrScore(addr string) int {
	switch {
	case addr == "":
		return 0
	case strings.HasSuffix(addr, "/32"), !strings.Contains(addr, "/"):
		// A bare address is a host address.
		return 100
	default:
		return 50
	}
}

// standingTail is the fixed zero-trust closing sequence appended to
// every compiled list.
func standingTail() []ACLEntry {
	return []ACLEntry{
		{Action: "allow", State: "ESTABLISHED,RELATED", Description: "Allow established"},
		{Action: "allow", Protocol: "icmp", ICMPType: "echo-request", Description: "Allow ping"},
		{Action: "deny", Description: "Default deny"},
	}
}
