// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package hubagent

import (
	"net"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flymesh/internal/errors"
)

// WGDevice drives a kernel WireGuard interface through wgctrl.
type WGDevice struct {
	iface  string
	client *wgctrl.Client
}

// NewWGDevice opens the wgctrl socket for the named interface. The
// interface itself must already exist; creating it is the operator's
// provisioning step, not the agent's.
func NewWGDevice(iface string) (*WGDevice, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open wgctrl")
	}
	if _, err := client.Device(iface); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "wireguard interface %s", iface)
	}
	return &WGDevice{iface: iface, client: client}, nil
}

// Close releases the wgctrl socket.
func (d *WGDevice) Close() error { return d.client.Close() }

func (d *WGDevice) ConfigurePeer(p Peer) error {
	key, err := wgtypes.ParseKey(p.PublicKey)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "parse public key")
	}
	allowed, err := parseAllowedIPs(p.AllowedIPs)
	if err != nil {
		return err
	}

	peer := wgtypes.PeerConfig{
		PublicKey:         key,
		ReplaceAllowedIPs: true,
		AllowedIPs:        allowed,
	}
	if p.Endpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
		if err != nil {
			return errors.Wrapf(err, errors.KindValidation, "resolve endpoint %s", p.Endpoint)
		}
		peer.Endpoint = addr
	}
	if p.PersistentKeepalive > 0 {
		interval := time.Duration(p.PersistentKeepalive) * time.Second
		peer.PersistentKeepaliveInterval = &interval
	}

	err = d.client.ConfigureDevice(d.iface, wgtypes.Config{Peers: []wgtypes.PeerConfig{peer}})
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "configure peer on %s", d.iface)
	}
	return nil
}

func (d *WGDevice) RemovePeer(publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "parse public key")
	}
	err = d.client.ConfigureDevice(d.iface, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "remove peer on %s", d.iface)
	}
	return nil
}

func (d *WGDevice) Peers() ([]Peer, error) {
	dev, err := d.client.Device(d.iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "read device %s", d.iface)
	}
	out := make([]Peer, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		cidrs := make([]string, 0, len(p.AllowedIPs))
		for _, n := range p.AllowedIPs {
			cidrs = append(cidrs, n.String())
		}
		peer := Peer{
			PublicKey:           p.PublicKey.String(),
			AllowedIPs:          strings.Join(cidrs, ","),
			PersistentKeepalive: int(p.PersistentKeepaliveInterval / time.Second),
		}
		if p.Endpoint != nil {
			peer.Endpoint = p.Endpoint.String()
		}
		out = append(out, peer)
	}
	return out, nil
}

func (d *WGDevice) PeerStats() ([]PeerStats, error) {
	dev, err := d.client.Device(d.iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "read device %s", d.iface)
	}
	out := make([]PeerStats, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		out = append(out, PeerStats{
			PublicKey:     p.PublicKey.String(),
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
			LastHandshake: p.LastHandshakeTime,
		})
	}
	return out, nil
}

func (d *WGDevice) Status() (map[string]any, error) {
	dev, err := d.client.Device(d.iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "read device %s", d.iface)
	}
	return map[string]any{
		"interface":   dev.Name,
		"up":          true,
		"public_key":  dev.PublicKey.String(),
		"listen_port": dev.ListenPort,
		"peer_count":  len(dev.Peers),
	}, nil
}

// Restart clears and re-reads the device. Tearing the link down is a
// provisioning concern; the agent's restart only forces a fresh peer
// handshake by bumping the listen port to itself.
func (d *WGDevice) Restart() error {
	dev, err := d.client.Device(d.iface)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "read device %s", d.iface)
	}
	port := dev.ListenPort
	err = d.client.ConfigureDevice(d.iface, wgtypes.Config{ListenPort: &port})
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "restart %s", d.iface)
	}
	return nil
}

func parseAllowedIPs(s string) ([]net.IPNet, error) {
	var out []net.IPNet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(part)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "parse allowed_ips %q", part)
		}
		out = append(out, *ipnet)
	}
	return out, nil
}
