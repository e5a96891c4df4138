// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package integrity

import (
	"context"

	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/logging"
	"grimm.is/flymesh/internal/registry"
)

// Service closes the loop between hash reports and the registry: it
// runs the verifier, persists the verdict, and derives the trust
// events that follow from it.
type Service struct {
	store    *registry.Store
	verifier *Verifier
	log      *logging.Logger
}

// NewService wires the verifier to the store.
func NewService(store *registry.Store, verifier *Verifier, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		store:    store,
		verifier: verifier,
		log:      log.WithComponent("integrity"),
	}
}

// Verifier exposes the underlying verifier for status queries.
func (s *Service) Verifier() *Verifier { return s.verifier }

func integrityActor(node *registry.Node) registry.Actor {
	return registry.Actor{Type: "system", ID: "integrity", IP: node.RealIP}
}

// HandleReport verifies one reported hash and applies the verdict in
// a single registry transaction. The returned events cover any status
// transition, the security alert on escalation, and trust-score
// movement; the caller publishes them after the transaction
// committed.
func (s *Service) HandleReport(ctx context.Context, node *registry.Node, reportedHash string) (*registry.Node, Result, []events.Event, error) {
	res := s.verifier.Verify(node, reportedHash)

	updated, evts, err := s.store.ApplyIntegrityVerdict(ctx, node.ID, res.Verdict, integrityActor(node))
	if err != nil {
		return nil, res, nil, err
	}

	switch res.Action {
	case ActionVerified:
		if res.Verdict.AuditAction != "" {
			s.log.Info("agent integrity verified", "hostname", node.Hostname)
		}
	case ActionNoExpectedHash:
		if res.Verdict.AuditAction != "" {
			s.log.Info("first hash report, awaiting approval",
				"hostname", node.Hostname, "hash", truncateHash(reportedHash))
		}
	case ActionMismatchWarning:
		s.log.Warn("agent hash mismatch",
			"hostname", node.Hostname, "count", res.Verdict.MismatchCount)
	case ActionSuspended:
		s.log.Error("node suspended after repeated hash mismatches",
			"hostname", node.Hostname, "count", res.Verdict.MismatchCount)
	case ActionRevoked:
		s.log.Error("node revoked for persistent integrity mismatch",
			"hostname", node.Hostname, "count", res.Verdict.MismatchCount)
	}

	if res.Action == ActionSuspended || res.Action == ActionRevoked {
		severity := "high"
		if res.Action == ActionRevoked {
			severity = "critical"
		}
		evts = append(evts, events.New(events.SecurityAlert, map[string]any{
			"alert_type":  "agent_integrity_mismatch",
			"severity":    severity,
			"source_ip":   node.RealIP,
			"source_node": node.Hostname,
			"details": map[string]any{
				"node_id":        node.ID,
				"mismatch_count": res.Verdict.MismatchCount,
				"action":         string(res.Action),
			},
		}, "integrity"))
	}

	evts = append(evts, trustEvents(node, updated)...)
	return updated, res, evts, nil
}

// Status summarizes one node's integrity state for the admin API.
type Status struct {
	NodeID        int64   `json:"node_id"`
	Hostname      string  `json:"hostname"`
	Status        string  `json:"status"`
	AgentVersion  string  `json:"agent_version,omitempty"`
	ExpectedHash  string  `json:"expected_hash,omitempty"`
	ReportedHash  string  `json:"last_reported_hash,omitempty"`
	Verified      bool    `json:"hash_verified"`
	MismatchCount int     `json:"hash_mismatch_count"`
	TrustScore    float64 `json:"trust_score"`
}

// StatusFor resolves the expected hash and trust score for one node.
func (s *Service) StatusFor(node *registry.Node) Status {
	return Status{
		NodeID:        node.ID,
		Hostname:      node.Hostname,
		Status:        string(node.Status),
		AgentVersion:  node.AgentVersion,
		ExpectedHash:  s.verifier.ExpectedHash(node),
		ReportedHash:  node.LastReportedHash,
		Verified:      node.HashVerified,
		MismatchCount: node.HashMismatchCount,
		TrustScore:    TrustScore(node),
	}
}
