// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"net/http"
	"strings"

	"grimm.is/flymesh/internal/engine"
)

// handleHubStatus reports whether the hub agent channel is up.
func (s *Server) handleHubStatus(w http.ResponseWriter, r *http.Request) {
	info := s.hub.Info()
	if info == nil {
		WriteJSON(w, http.StatusOK, map[string]any{
			"connected": false,
			"message":   ErrHubOffline,
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"info":      info,
	})
}

// desiredHubPeers assembles the hub's authoritative peer table from
// the registry: every active node and client device on its /32 lease.
func (s *Server) desiredHubPeers(ctx context.Context) ([]HubPeer, error) {
	nodes, err := s.store.ActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := s.store.ListDevices(ctx, "")
	if err != nil {
		return nil, err
	}

	desired := engine.PeerSet(nodes, devices)
	peers := make([]HubPeer, len(desired))
	for i, p := range desired {
		peers[i] = HubPeer{
			PublicKey:  p.PublicKey,
			AllowedIPs: strings.Join(p.AllowedIPs, ","),
		}
	}
	return peers, nil
}

// syncHubPeers pushes the registry's peer table to the hub agent and
// returns the diff the agent applied. Shared by the admin endpoint and
// the periodic reconciliation loop.
func (s *Server) syncHubPeers(ctx context.Context) (map[string]any, int, error) {
	peers, err := s.desiredHubPeers(ctx)
	if err != nil {
		return nil, 0, err
	}
	frame, err := s.hub.SyncPeers(ctx, peers)
	if err != nil {
		return nil, 0, err
	}
	result, _ := frame["data"].(map[string]any)
	return result, len(peers), nil
}

// handleHubSync forces an authoritative peer reconciliation. Event
// handlers keep the hub current in the happy path; this is the
// recovery lever when notifications were missed.
func (s *Server) handleHubSync(w http.ResponseWriter, r *http.Request) {
	result, count, err := s.syncHubPeers(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"result":     result,
		"peer_count": count,
	})
}

// handleHubPeers proxies live peer statistics from the hub interface.
func (s *Server) handleHubPeers(w http.ResponseWriter, r *http.Request) {
	frame, err := s.hub.SendCommand(r.Context(), "get_peer_stats", nil, 0)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    frame["data"],
	})
}

type hubPeerRequest struct {
	PublicKey  string `json:"public_key"`
	AllowedIPs string `json:"allowed_ips"`
	Endpoint   string `json:"endpoint"`
}

// handleHubAddPeer adds one peer on the hub interface through the
// command channel.
func (s *Server) handleHubAddPeer(w http.ResponseWriter, r *http.Request) {
	var req hubPeerRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	if req.PublicKey == "" || req.AllowedIPs == "" {
		WriteErrorCode(w, http.StatusBadRequest, "MISSING_FIELDS",
			"public_key and allowed_ips are required")
		return
	}

	if _, err := s.hub.AddPeer(r.Context(), req.PublicKey, req.AllowedIPs, req.Endpoint); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Peer added successfully",
		"peer": map[string]any{
			"public_key":  req.PublicKey,
			"allowed_ips": req.AllowedIPs,
		},
	})
}

// handleHubRemovePeer removes one peer by public key. The key arrives
// percent-encoded since tunnel keys contain slashes.
func (s *Server) handleHubRemovePeer(w http.ResponseWriter, r *http.Request) {
	publicKey := r.PathValue("public_key")
	if _, err := s.hub.RemovePeer(r.Context(), publicKey); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Peer removed successfully",
	})
}

// handleWSStatus lists connected node agent channels.
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.nodes.Agents()
	WriteJSON(w, http.StatusOK, map[string]any{
		"connected_count": len(agents),
		"agents":          agents,
	})
}
