// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hubagent

import (
	"context"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/logging"
)

// Executor routes control-plane commands to the tunnel device. Each
// command name maps to one handler through an explicit table.
type Executor struct {
	device   Device
	log      *logging.Logger
	handlers map[string]func(context.Context, map[string]any) (any, error)
}

// NewExecutor builds the dispatch table over the given device.
func NewExecutor(device Device, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.WithComponent("hub-executor")
	}
	e := &Executor{device: device, log: log}
	e.handlers = map[string]func(context.Context, map[string]any) (any, error){
		"add_peer":          e.addPeer,
		"remove_peer":       e.removePeer,
		"update_peer":       e.addPeer, // re-configure replaces in place
		"sync_peers":        e.syncPeers,
		"get_status":        e.getStatus,
		"get_peers":         e.getPeers,
		"get_peer_stats":    e.getPeerStats,
		"restart_interface": e.restartInterface,
		"ping":              e.ping,
	}
	return e
}

// Execute runs one command and returns its result payload.
func (e *Executor) Execute(ctx context.Context, command string, params map[string]any) (any, error) {
	h, ok := e.handlers[command]
	if !ok {
		return nil, errors.Errorf(errors.KindValidation, "unknown command: %s", command)
	}
	return h(ctx, params)
}

func (e *Executor) addPeer(_ context.Context, params map[string]any) (any, error) {
	peer := peerFromParams(params)
	if peer.PublicKey == "" {
		return nil, errors.New(errors.KindValidation, "public_key is required")
	}
	if peer.AllowedIPs == "" {
		return nil, errors.New(errors.KindValidation, "allowed_ips is required")
	}
	if err := e.device.ConfigurePeer(peer); err != nil {
		return nil, err
	}
	e.log.Info("Peer configured", "public_key", shortKey(peer.PublicKey), "allowed_ips", peer.AllowedIPs)
	return map[string]any{"public_key": peer.PublicKey, "allowed_ips": peer.AllowedIPs}, nil
}

func (e *Executor) removePeer(_ context.Context, params map[string]any) (any, error) {
	key, _ := params["public_key"].(string)
	if key == "" {
		return nil, errors.New(errors.KindValidation, "public_key is required")
	}
	if err := e.device.RemovePeer(key); err != nil {
		return nil, err
	}
	e.log.Info("Peer removed", "public_key", shortKey(key))
	return map[string]any{"public_key": key}, nil
}

// syncPeers makes the device peer table equal to the desired list and
// reports the diff. Peers present locally but absent from the list are
// removed; the control plane's list is authoritative.
func (e *Executor) syncPeers(_ context.Context, params map[string]any) (any, error) {
	rawList, _ := params["peers"].([]any)
	desired := make(map[string]Peer, len(rawList))
	order := make([]string, 0, len(rawList))
	for _, raw := range rawList {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p := peerFromParams(m)
		if p.PublicKey == "" {
			continue
		}
		if _, seen := desired[p.PublicKey]; !seen {
			order = append(order, p.PublicKey)
		}
		desired[p.PublicKey] = p
	}

	current, err := e.device.Peers()
	if err != nil {
		return nil, err
	}
	currentByKey := make(map[string]Peer, len(current))
	for _, p := range current {
		currentByKey[p.PublicKey] = p
	}

	var added, removed, updated, unchanged int
	var syncErrors []string

	for _, p := range current {
		if _, want := desired[p.PublicKey]; want {
			continue
		}
		if err := e.device.RemovePeer(p.PublicKey); err != nil {
			syncErrors = append(syncErrors, "remove "+shortKey(p.PublicKey)+": "+err.Error())
			continue
		}
		removed++
		e.log.Info("Removed stale peer", "public_key", shortKey(p.PublicKey))
	}

	for _, key := range order {
		want := desired[key]
		have, exists := currentByKey[key]
		switch {
		case !exists:
			if err := e.device.ConfigurePeer(want); err != nil {
				syncErrors = append(syncErrors, "add "+shortKey(key)+": "+err.Error())
				continue
			}
			added++
		case have.AllowedIPs != want.AllowedIPs:
			if err := e.device.ConfigurePeer(want); err != nil {
				syncErrors = append(syncErrors, "update "+shortKey(key)+": "+err.Error())
				continue
			}
			updated++
		default:
			unchanged++
		}
	}

	result := map[string]any{
		"added":     added,
		"removed":   removed,
		"updated":   updated,
		"unchanged": unchanged,
		"total":     len(desired),
	}
	if len(syncErrors) > 0 {
		result["errors"] = syncErrors
	}
	e.log.Info("Peer sync complete", "added", added, "removed", removed,
		"updated", updated, "unchanged", unchanged, "errors", len(syncErrors))
	return result, nil
}

func (e *Executor) getStatus(_ context.Context, _ map[string]any) (any, error) {
	return e.device.Status()
}

func (e *Executor) getPeers(_ context.Context, _ map[string]any) (any, error) {
	peers, err := e.device.Peers()
	if err != nil {
		return nil, err
	}
	return map[string]any{"peers": peers, "count": len(peers)}, nil
}

func (e *Executor) getPeerStats(_ context.Context, _ map[string]any) (any, error) {
	stats, err := e.device.PeerStats()
	if err != nil {
		return nil, err
	}
	return map[string]any{"peers": stats, "count": len(stats)}, nil
}

func (e *Executor) restartInterface(_ context.Context, _ map[string]any) (any, error) {
	if err := e.device.Restart(); err != nil {
		return nil, err
	}
	e.log.Info("Interface restarted")
	return map[string]any{"restarted": true}, nil
}

func (e *Executor) ping(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"message": "pong"}, nil
}

func peerFromParams(params map[string]any) Peer {
	p := Peer{}
	p.PublicKey, _ = params["public_key"].(string)
	p.AllowedIPs, _ = params["allowed_ips"].(string)
	if ep, ok := params["endpoint"].(string); ok {
		p.Endpoint = ep
	}
	if ka, ok := params["persistent_keepalive"].(float64); ok {
		p.PersistentKeepalive = int(ka)
	}
	return p
}

// shortKey truncates a public key for log lines.
func shortKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:16] + "..."
}
