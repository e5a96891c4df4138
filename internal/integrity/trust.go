// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package integrity

import (
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/registry"
)

// Trust scores are derived, never stored: the lifecycle status sets a
// base and unresolved hash mismatches subtract from it.
const (
	trustPenaltyStep = 0.3
	trustPenaltyCap  = 0.9

	// BreachThreshold is the score below which TrustThresholdBreach
	// fires.
	BreachThreshold = 0.5
)

func statusBase(status registry.NodeStatus) float64 {
	switch status {
	case registry.StatusActive:
		return 1.0
	case registry.StatusPending:
		return 0.5
	case registry.StatusSuspended:
		return 0.2
	default:
		return 0
	}
}

// TrustPenalty returns the deduction for unresolved hash mismatches,
// 0.3 per consecutive mismatch capped at 0.9.
func TrustPenalty(node *registry.Node) float64 {
	if node.HashVerified || node.HashMismatchCount == 0 {
		return 0
	}
	p := trustPenaltyStep * float64(node.HashMismatchCount)
	if p > trustPenaltyCap {
		p = trustPenaltyCap
	}
	return p
}

// TrustScore computes the node's current score in [0, 1].
func TrustScore(node *registry.Node) float64 {
	s := statusBase(node.Status) - TrustPenalty(node)
	if s < 0 {
		return 0
	}
	return s
}

// TrustFactors itemizes the score for the admin API and the
// TrustScoreChanged payload.
func TrustFactors(node *registry.Node) map[string]float64 {
	return map[string]float64{
		"status_base":       statusBase(node.Status),
		"integrity_penalty": -TrustPenalty(node),
	}
}

// trustEvents compares the scores before and after a verdict was
// applied and emits the movement, plus the breach event when the
// score crosses under the threshold.
func trustEvents(before, after *registry.Node) []events.Event {
	oldScore, newScore := TrustScore(before), TrustScore(after)
	if oldScore == newScore {
		return nil
	}

	evts := []events.Event{events.New(events.TrustScoreChanged, map[string]any{
		"node_id":   after.ID,
		"hostname":  after.Hostname,
		"old_score": oldScore,
		"new_score": newScore,
		"factors":   TrustFactors(after),
		"delta":     newScore - oldScore,
	}, "integrity")}

	if newScore < BreachThreshold && oldScore >= BreachThreshold {
		evts = append(evts, events.New(events.TrustThresholdBreach, map[string]any{
			"node_id":   after.ID,
			"hostname":  after.Hostname,
			"score":     newScore,
			"threshold": BreachThreshold,
		}, "integrity"))
	}
	return evts
}
