// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"net"
	"path"
	"sort"
	"strings"
	"time"

	"grimm.is/flymesh/internal/registry"
)

// AccessContext carries the situational facts a policy's conditions
// are checked against.
type AccessContext struct {
	DeviceType string
	ClientIP   string
	At         time.Time // zero means now
	ViaVPN     bool
}

// AccessRequest asks whether one user may reach one resource. Groups
// is the user's transitive group closure by name; the registry
// computes it so the walk exists in one place.
type AccessRequest struct {
	UserID        string
	Groups        []string
	ResourceType  registry.ResourceType
	ResourceValue string
	Context       AccessContext
}

// Decision is the outcome of an access evaluation.
type Decision struct {
	Allowed       bool                  `json:"allowed"`
	Action        registry.PolicyAction `json:"action"`
	MatchedPolicy int64                 `json:"matched_policy,omitempty"`
	Reason        string                `json:"reason"`
}

// Evaluate runs the rich policy model over one request. Candidate
// policies are those whose subject and resource match and that are
// enabled and inside their validity window; the lowest-priority
// candidate whose conditions hold decides. No match denies.
func Evaluate(policies []*registry.Policy, req AccessRequest) Decision {
	at := req.Context.At
	if at.IsZero() {
		at = time.Now()
	}

	groups := make(map[string]bool, len(req.Groups))
	for _, g := range req.Groups {
		groups[g] = true
	}

	var candidates []*registry.Policy
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if !subjectMatches(p, req.UserID, groups) {
			continue
		}
		if p.ResourceType != req.ResourceType {
			continue
		}
		if !resourceMatches(p.ResourceType, p.ResourceValue, req.ResourceValue) {
			continue
		}
		if p.ValidFrom != nil && at.Before(*p.ValidFrom) {
			continue
		}
		if p.ValidUntil != nil && at.After(*p.ValidUntil) {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, p := range candidates {
		if !conditionsHold(p.Conditions, req.Context, at) {
			continue
		}
		return Decision{
			Allowed:       p.Action == registry.ActionAllow,
			Action:        p.Action,
			MatchedPolicy: p.ID,
			Reason:        fmt.Sprintf("matched policy %q", p.Name),
		}
	}

	return Decision{
		Allowed: false,
		Action:  registry.ActionDeny,
		Reason:  "no matching policy",
	}
}

func subjectMatches(p *registry.Policy, userID string, groups map[string]bool) bool {
	switch p.SubjectType {
	case registry.SubjectAll:
		return true
	case registry.SubjectUser:
		return p.SubjectID == userID
	case registry.SubjectGroup:
		return groups[p.SubjectID]
	}
	return false
}

func resourceMatches(t registry.ResourceType, pattern, value string) bool {
	switch t {
	case registry.ResourceDomain:
		return domainMatches(pattern, value)
	case registry.ResourceIPRange:
		return cidrContains(pattern, value)
	case registry.ResourceZone, registry.ResourceService:
		return pattern == value
	case registry.ResourceURLPattern:
		ok, err := path.Match(pattern, value)
		return err == nil && ok
	}
	return false
}

// domainMatches implements suffix matching: "*" matches everything,
// "*.corp.example" matches subdomains only, a plain name matches
// itself and its subdomains. The dot boundary keeps "evilcorp.example"
// from matching "corp.example".
func domainMatches(pattern, value string) bool {
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)

	if pattern == "*" {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(value, "."+rest)
	}
	return value == pattern || strings.HasSuffix(value, "."+pattern)
}

func cidrContains(pattern, value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	if _, cidr, err := net.ParseCIDR(pattern); err == nil {
		return cidr.Contains(ip)
	}
	// A bare address acts as a /32.
	patIP := net.ParseIP(pattern)
	return patIP != nil && patIP.Equal(ip)
}

func conditionsHold(c *registry.PolicyConditions, ctx AccessContext, at time.Time) bool {
	if c == nil {
		return true
	}
	if len(c.DeviceTypes) > 0 && !containsFold(c.DeviceTypes, ctx.DeviceType) {
		return false
	}
	if len(c.TimeWindows) > 0 && !inAnyWindow(c.TimeWindows, at) {
		return false
	}
	if len(c.ClientCIDRs) > 0 && !clientInCIDRs(c.ClientCIDRs, ctx.ClientIP) {
		return false
	}
	if c.RequireVPN && !ctx.ViaVPN {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// inAnyWindow checks the weekday set (0=Monday through 6=Sunday) and
// the inclusive HH:MM interval of each window.
func inAnyWindow(windows []registry.TimeWindow, at time.Time) bool {
	weekday := (int(at.Weekday()) + 6) % 7
	hm := at.Format("15:04")

	for _, w := range windows {
		dayOK := len(w.Days) == 0
		for _, d := range w.Days {
			if d == weekday {
				dayOK = true
				break
			}
		}
		if !dayOK {
			continue
		}
		if (w.Start == "" || hm >= w.Start) && (w.End == "" || hm <= w.End) {
			return true
		}
	}
	return false
}

func clientInCIDRs(cidrs []string, clientIP string) bool {
	if clientIP == "" {
		return false
	}
	for _, c := range cidrs {
		if cidrContains(c, clientIP) {
			return true
		}
	}
	return false
}
