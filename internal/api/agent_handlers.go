// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"fmt"
	"net/http"

	"grimm.is/flymesh/internal/engine"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/registry"
)

// PeerConfig is one tunnel peer in the config served to node agents.
// In the hub-and-spoke topology the list holds exactly the hub, with
// the whole overlay routed through it.
type PeerConfig struct {
	PublicKey  string  `json:"public_key"`
	AllowedIPs string  `json:"allowed_ips"`
	Endpoint   *string `json:"endpoint"`
}

type agentRegisterRequest struct {
	Hostname     string `json:"hostname"`
	Role         string `json:"role"`
	PublicKey    string `json:"public_key"`
	OSInfo       string `json:"os_info"`
	AgentVersion string `json:"agent_version"`
}

// handleAgentRegister admits a node into the overlay. Registration is
// idempotent on (hostname, public_key); a repeat call returns the
// existing lease instead of burning a new address.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}

	ip := clientIP(r)
	node, evts, err := s.store.RegisterNode(r.Context(), registry.RegisterNodeParams{
		Hostname:     req.Hostname,
		PublicKey:    req.PublicKey,
		Role:         registry.NodeRole(req.Role),
		RealIP:       ip,
		OSInfo:       req.OSInfo,
		AgentVersion: req.AgentVersion,
	}, registry.Actor{Type: "agent", ID: req.Hostname, IP: ip})
	if err != nil {
		if errors.IsKind(err, errors.KindPoolExhausted) {
			s.publish(events.New(events.IPPoolExhausted, map[string]any{
				"hostname": req.Hostname,
				"cidr":     s.cfg.Network.OverlayCIDR,
			}, "api"))
		}
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)

	WriteJSON(w, http.StatusOK, map[string]any{
		"node_id":        node.ID,
		"overlay_ip":     node.OverlayIP,
		"hub_public_key": s.cfg.Network.HubPublicKey,
		"hub_endpoint":   s.cfg.Network.HubEndpoint,
		"allowed_ips":    s.cfg.Network.OverlayCIDR,
		"dns_servers":    s.cfg.Network.DNSServers,
		"status":         node.Status,
	})
}

// handleAgentConfig serves the canonical per-node configuration. The
// push channel only signals that this read should happen again.
func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	hostname := r.URL.Query().Get("hostname")
	if hostname == "" {
		WriteError(w, http.StatusBadRequest, "hostname query parameter is required")
		return
	}

	node, err := s.store.GetNodeByHostname(r.Context(), hostname)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if node.Status != registry.StatusActive {
		WriteErrorCode(w, http.StatusForbidden, "NODE_NOT_ACTIVE",
			fmt.Sprintf("Node not active (status: %s)", node.Status))
		return
	}

	nodes, err := s.store.ActiveNodes(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	rules, err := s.store.ListACLRules(r.Context(), true)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	version, err := s.store.ConfigVersion(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	peers := []PeerConfig{}
	if s.cfg.Network.HubPublicKey != "" {
		endpoint := s.cfg.Network.HubEndpoint
		peers = append(peers, PeerConfig{
			PublicKey:  s.cfg.Network.HubPublicKey,
			AllowedIPs: s.cfg.Network.OverlayCIDR,
			Endpoint:   &endpoint,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"overlay_ip":     node.OverlayIP,
		"hub_public_key": s.cfg.Network.HubPublicKey,
		"hub_endpoint":   s.cfg.Network.HubEndpoint,
		"peers":          peers,
		"acl_rules":      engine.CompileNodeACL(node, nodes, rules),
		"config_version": version,
		"status":         node.Status,
	})
}

type agentHeartbeatRequest struct {
	Hostname      string         `json:"hostname"`
	PublicKey     string         `json:"public_key"`
	AgentVersion  string         `json:"agent_version"`
	ConfigVersion int64          `json:"config_version"`
	Metrics       map[string]any `json:"metrics"`
	AgentHash     string         `json:"agent_hash"`
}

// handleAgentHeartbeat records liveness and tells the agent whether a
// newer config version is waiting. A reported integrity hash is fed to
// the verifier; any resulting status transition rides the event bus.
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req agentHeartbeatRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}

	node, changed, err := s.store.Heartbeat(r.Context(), registry.HeartbeatParams{
		Hostname:      req.Hostname,
		PublicKey:     req.PublicKey,
		RealIP:        clientIP(r),
		AgentVersion:  req.AgentVersion,
		Metrics:       req.Metrics,
		ConfigVersion: req.ConfigVersion,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if req.AgentHash != "" {
		_, _, evts, err := s.integrity.HandleReport(r.Context(), node, req.AgentHash)
		if err != nil {
			s.log.WithError(err).Warn("Integrity report failed", "hostname", req.Hostname)
		} else {
			s.publish(evts...)
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"config_changed": changed,
	})
}
