// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package hubagent

import (
	"grimm.is/flymesh/internal/errors"
)

// WGDevice requires a kernel WireGuard interface and is linux-only.
type WGDevice struct{}

func NewWGDevice(iface string) (*WGDevice, error) {
	return nil, errors.New(errors.KindUnavailable, "wireguard device control requires linux")
}

func (d *WGDevice) Close() error { return nil }
func (d *WGDevice) ConfigurePeer(Peer) error {
	return errors.New(errors.KindUnavailable, "not supported")
}
func (d *WGDevice) RemovePeer(string) error {
	return errors.New(errors.KindUnavailable, "not supported")
}
func (d *WGDevice) Peers() ([]Peer, error) {
	return nil, errors.New(errors.KindUnavailable, "not supported")
}
func (d *WGDevice) PeerStats() ([]PeerStats, error) {
	return nil, errors.New(errors.KindUnavailable, "not supported")
}
func (d *WGDevice) Status() (map[string]any, error) {
	return nil, errors.New(errors.KindUnavailable, "not supported")
}
func (d *WGDevice) Restart() error { return errors.New(errors.KindUnavailable, "not supported") }
