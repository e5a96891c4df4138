// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"fmt"
	"net/http"

	"grimm.is/flymesh/internal/integrity"
	"grimm.is/flymesh/internal/registry"
)

func adminActor(r *http.Request) registry.Actor {
	return registry.Actor{Type: "admin", ID: "admin", IP: clientIP(r)}
}

// handleListNodes lists registered nodes with optional status and role
// filters.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	filter := registry.NodeFilter{
		Status: registry.NodeStatus(r.URL.Query().Get("status")),
		Role:   registry.NodeRole(r.URL.Query().Get("role")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		WriteErrorCode(w, http.StatusBadRequest, "INVALID_STATUS",
			fmt.Sprintf("Invalid status filter %q", filter.Status))
		return
	}
	if filter.Role != "" && !filter.Role.Valid() {
		WriteErrorCode(w, http.StatusBadRequest, "INVALID_ROLE",
			fmt.Sprintf("Invalid role filter %q", filter.Role))
		return
	}

	nodes, err := s.store.ListNodes(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*registry.Node{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "total": len(nodes)})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	node, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, node)
}

type lifecycleRequest struct {
	Reason string `json:"reason"`
}

// handleApproveNode admits a pending or suspended node to the overlay.
func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	node, evts, err := s.store.ApproveNode(r.Context(), id, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)

	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Node %s approved successfully", node.Hostname),
		"data":    node,
	})
}

func (s *Server) handleSuspendNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req lifecycleRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	node, evts, err := s.store.SuspendNode(r.Context(), id, req.Reason, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)

	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Node %s suspended", node.Hostname),
		"data":    node,
	})
}

func (s *Server) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req lifecycleRequest
	if !BindJSONLenient(w, r, &req) {
		return
	}
	node, evts, err := s.store.RevokeNode(r.Context(), id, req.Reason, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)

	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Node %s revoked", node.Hostname),
		"data":    node,
	})
}

// handleDeleteNode removes the node row entirely and releases its
// lease. Revoke keeps the row; delete is permanent.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	evts, err := s.store.DeleteNode(r.Context(), id, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.publish(evts...)
	w.WriteHeader(http.StatusNoContent)
}

// handleNodeTrustScore reports the computed trust score with its
// contributing factors.
func (s *Server) handleNodeTrustScore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	node, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"node_id":     node.ID,
		"hostname":    node.Hostname,
		"trust_score": integrity.TrustScore(node),
		"factors":     integrity.TrustFactors(node),
	})
}

// handleNodeIntegrity reports hash verification state for one node.
func (s *Server) handleNodeIntegrity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	node, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Integrity status for %s", node.Hostname),
		"data":    s.integrity.StatusFor(node),
	})
}

// handleApproveNodeHash blesses the agent's most recent reported hash
// as the node's expected hash.
func (s *Server) handleApproveNodeHash(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	node, err := s.store.ApproveReportedHash(r.Context(), id, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Agent hash approved for %s", node.Hostname),
		"data": map[string]any{
			"node_id":       node.ID,
			"hostname":      node.Hostname,
			"approved_hash": node.AgentHash,
		},
	})
}

// handleSetNodeHash pins the expected agent hash for one node. The
// hash arrives as a query parameter to match the agent tooling.
func (s *Server) handleSetNodeHash(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	hash := r.URL.Query().Get("hash_value")
	if !isSHA256Hex(hash) {
		WriteErrorCode(w, http.StatusBadRequest, "INVALID_HASH",
			"hash_value must be 64 hex characters")
		return
	}
	node, err := s.store.SetExpectedHash(r.Context(), id, hash, adminActor(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Expected hash set for %s", node.Hostname),
		"data": map[string]any{
			"node_id":       node.ID,
			"hostname":      node.Hostname,
			"expected_hash": hash,
			"hash_verified": node.HashVerified,
		},
	})
}

// handleSetGlobalHash sets the fleet-wide fallback hash used when a
// node has no pinned hash and no known-good version entry.
func (s *Server) handleSetGlobalHash(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash_value")
	if !isSHA256Hex(hash) {
		WriteErrorCode(w, http.StatusBadRequest, "INVALID_HASH",
			"hash_value must be 64 hex characters")
		return
	}
	s.integrity.Verifier().SetGlobalExpectedHash(hash)
	s.log.Info("Global agent hash set", "hash", hash[:16])

	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Global agent hash set successfully",
		"data":    map[string]any{"global_hash": hash},
	})
}

func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
