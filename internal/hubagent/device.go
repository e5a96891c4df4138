// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hubagent implements the agent running on the hub node. It
// holds the command channel to the control plane open and translates
// peer-mutation commands into operations on the local tunnel device.
package hubagent

import (
	"sort"
	"sync"
	"time"

	"grimm.is/flymesh/internal/errors"
)

// Peer is one tunnel peer as the device sees it. AllowedIPs is a
// comma-joined CIDR list, matching the wire form of add_peer.
type Peer struct {
	PublicKey           string `json:"public_key"`
	AllowedIPs          string `json:"allowed_ips"`
	Endpoint            string `json:"endpoint,omitempty"`
	PersistentKeepalive int    `json:"persistent_keepalive,omitempty"`
}

// PeerStats is the transfer view of one peer.
type PeerStats struct {
	PublicKey     string    `json:"public_key"`
	RxBytes       int64     `json:"rx_bytes"`
	TxBytes       int64     `json:"tx_bytes"`
	LastHandshake time.Time `json:"last_handshake,omitempty"`
}

// Device abstracts the hub's tunnel interface. The wgctrl-backed
// implementation is linux-only; tests use the in-memory device.
type Device interface {
	// ConfigurePeer installs or replaces one peer.
	ConfigurePeer(p Peer) error
	// RemovePeer drops the peer with the given public key.
	RemovePeer(publicKey string) error
	// Peers lists the configured peers.
	Peers() ([]Peer, error)
	// PeerStats reports per-peer transfer counters.
	PeerStats() ([]PeerStats, error)
	// Status describes the interface (name, public key, port, peers).
	Status() (map[string]any, error)
	// Restart bounces the interface.
	Restart() error
}

// MemoryDevice is a Device backed by a map. It stands in for the real
// interface in tests and on platforms without one.
type MemoryDevice struct {
	mu       sync.Mutex
	peers    map[string]Peer
	restarts int
}

func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{peers: make(map[string]Peer)}
}

func (d *MemoryDevice) ConfigurePeer(p Peer) error {
	if p.PublicKey == "" {
		return errors.New(errors.KindValidation, "peer public key is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[p.PublicKey] = p
	return nil
}

func (d *MemoryDevice) RemovePeer(publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, publicKey)
	return nil
}

func (d *MemoryDevice) Peers() ([]Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out, nil
}

func (d *MemoryDevice) PeerStats() ([]PeerStats, error) {
	peers, _ := d.Peers()
	out := make([]PeerStats, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerStats{PublicKey: p.PublicKey})
	}
	return out, nil
}

func (d *MemoryDevice) Status() (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"interface":  "memory",
		"up":         true,
		"peer_count": len(d.peers),
		"restarts":   d.restarts,
	}, nil
}

func (d *MemoryDevice) Restart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts++
	return nil
}
