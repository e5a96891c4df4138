// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"grimm.is/flymesh/internal/registry"
)

// Peer is one tunnel peer as configured on the hub.
type Peer struct {
	PublicKey  string   `json:"public_key"`
	AllowedIPs []string `json:"allowed_ips"`
	Hostname   string   `json:"hostname,omitempty"`
}

// PeerSet compiles the hub's desired peer table: every active node and
// every active client device, each pinned to its /32 lease. Pending,
// suspended and revoked entries are omitted, which is what makes
// suspension and revocation take effect at the tunnel layer.
func PeerSet(nodes []*registry.Node, devices []*registry.ClientDevice) []Peer {
	var peers []Peer
	for _, n := range nodes {
		if n.Status != registry.StatusActive {
			continue
		}
		peers = append(peers, Peer{
			PublicKey:  n.PublicKey,
			AllowedIPs: []string{n.OverlayIP + "/32"},
			Hostname:   n.Hostname,
		})
	}
	for _, d := range devices {
		if d.Status != registry.DeviceActive {
			continue
		}
		peers = append(peers, Peer{
			PublicKey:  d.PublicKey,
			AllowedIPs: []string{d.OverlayIP + "/32"},
			Hostname:   d.DeviceID,
		})
	}
	return peers
}
