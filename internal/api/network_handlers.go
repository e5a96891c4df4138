// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"grimm.is/flymesh/internal/registry"
)

func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.NetworkStats(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := s.store.Allocations(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"allocations": allocations,
		"total":       len(allocations),
	})
}

// handleQueryAudit filters the append-only audit trail.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.AuditFilter{
		Action:   q.Get("action"),
		ActorID:  q.Get("actor_id"),
		TargetID: q.Get("target_id"),
		Severity: q.Get("severity"),
		Limit:    queryInt(r, "limit", 100),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}

	entries, err := s.store.QueryAudit(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []*registry.AuditEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

// handleQueryEvents reads back the persisted event stream, optionally
// scoped to one aggregate.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stored, err := s.store.QueryEvents(r.Context(), registry.EventFilter{
		Type:          q.Get("type"),
		AggregateType: q.Get("aggregate_type"),
		AggregateID:   q.Get("aggregate_id"),
		Limit:         queryInt(r, "limit", 100),
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if stored == nil {
		stored = []*registry.StoredEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": stored,
		"total":  len(stored),
	})
}
