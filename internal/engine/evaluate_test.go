// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/flymesh/internal/registry"
)

// mondayMorning is a Monday 10:00 local time, inside a Mon-Fri
// 09:00-18:00 window.
var mondayMorning = time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)

func policy(id int64, name string, st registry.SubjectType, sid string,
	rt registry.ResourceType, rv string, action registry.PolicyAction, prio int) *registry.Policy {
	return &registry.Policy{
		ID: id, Name: name, SubjectType: st, SubjectID: sid,
		ResourceType: rt, ResourceValue: rv, Action: action,
		Priority: prio, Enabled: true,
	}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	d := Evaluate(nil, AccessRequest{
		UserID: "alice", ResourceType: registry.ResourceDomain, ResourceValue: "example.com",
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, registry.ActionDeny, d.Action)
	assert.Zero(t, d.MatchedPolicy)
}

func TestEvaluateSubjectMatching(t *testing.T) {
	policies := []*registry.Policy{
		policy(1, "alice-only", registry.SubjectUser, "alice", registry.ResourceZone, "internal", registry.ActionAllow, 100),
		policy(2, "eng-wide", registry.SubjectGroup, "eng", registry.ResourceZone, "internal", registry.ActionAllow, 200),
	}

	t.Run("direct user", func(t *testing.T) {
		d := Evaluate(policies, AccessRequest{
			UserID: "alice", ResourceType: registry.ResourceZone, ResourceValue: "internal",
		})
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.MatchedPolicy)
	})

	t.Run("via group closure", func(t *testing.T) {
		d := Evaluate(policies, AccessRequest{
			UserID: "bob", Groups: []string{"backend", "eng", "staff"},
			ResourceType: registry.ResourceZone, ResourceValue: "internal",
		})
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(2), d.MatchedPolicy)
	})

	t.Run("stranger denied", func(t *testing.T) {
		d := Evaluate(policies, AccessRequest{
			UserID: "mallory", ResourceType: registry.ResourceZone, ResourceValue: "internal",
		})
		assert.False(t, d.Allowed)
	})
}

func TestEvaluatePriorityOrder(t *testing.T) {
	policies := []*registry.Policy{
		policy(1, "broad-allow", registry.SubjectAll, "", registry.ResourceDomain, "*", registry.ActionAllow, 500),
		policy(2, "block-social", registry.SubjectAll, "", registry.ResourceDomain, "social.example", registry.ActionDeny, 100),
	}

	blocked := Evaluate(policies, AccessRequest{
		UserID: "alice", ResourceType: registry.ResourceDomain, ResourceValue: "social.example",
	})
	assert.False(t, blocked.Allowed, "lower priority number wins")
	assert.Equal(t, int64(2), blocked.MatchedPolicy)

	open := Evaluate(policies, AccessRequest{
		UserID: "alice", ResourceType: registry.ResourceDomain, ResourceValue: "news.example",
	})
	assert.True(t, open.Allowed)
	assert.Equal(t, int64(1), open.MatchedPolicy)
}

func TestDomainMatching(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything.example", true},
		{"corp.example", "corp.example", true},
		{"corp.example", "git.corp.example", true},
		{"corp.example", "evilcorp.example", false},
		{"*.corp.example", "git.corp.example", true},
		{"*.corp.example", "corp.example", false},
		{"Corp.Example", "git.corp.example", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, domainMatches(tc.pattern, tc.value),
			"pattern %q value %q", tc.pattern, tc.value)
	}
}

func TestResourceTypes(t *testing.T) {
	t.Run("ip range containment", func(t *testing.T) {
		p := []*registry.Policy{
			policy(1, "lab", registry.SubjectAll, "", registry.ResourceIPRange, "10.50.0.0/16", registry.ActionAllow, 100),
		}
		in := Evaluate(p, AccessRequest{UserID: "a", ResourceType: registry.ResourceIPRange, ResourceValue: "10.50.3.9"})
		assert.True(t, in.Allowed)
		out := Evaluate(p, AccessRequest{UserID: "a", ResourceType: registry.ResourceIPRange, ResourceValue: "10.51.0.1"})
		assert.False(t, out.Allowed)
	})

	t.Run("url glob", func(t *testing.T) {
		p := []*registry.Policy{
			policy(1, "wiki", registry.SubjectAll, "", registry.ResourceURLPattern, "https://wiki.corp/*", registry.ActionAllow, 100),
		}
		hit := Evaluate(p, AccessRequest{UserID: "a", ResourceType: registry.ResourceURLPattern, ResourceValue: "https://wiki.corp/home"})
		assert.True(t, hit.Allowed)
		miss := Evaluate(p, AccessRequest{UserID: "a", ResourceType: registry.ResourceURLPattern, ResourceValue: "https://git.corp/home"})
		assert.False(t, miss.Allowed)
	})

	t.Run("type mismatch never matches", func(t *testing.T) {
		p := []*registry.Policy{
			policy(1, "zone", registry.SubjectAll, "", registry.ResourceZone, "internal", registry.ActionAllow, 100),
		}
		d := Evaluate(p, AccessRequest{UserID: "a", ResourceType: registry.ResourceService, ResourceValue: "internal"})
		assert.False(t, d.Allowed)
	})
}

func TestEvaluateConditions(t *testing.T) {
	base := policy(1, "guarded", registry.SubjectAll, "", registry.ResourceZone, "internal", registry.ActionAllow, 100)

	t.Run("time window", func(t *testing.T) {
		p := *base
		p.Conditions = &registry.PolicyConditions{
			TimeWindows: []registry.TimeWindow{{Days: []int{0, 1, 2, 3, 4}, Start: "09:00", End: "18:00"}},
		}
		req := AccessRequest{UserID: "a", ResourceType: registry.ResourceZone, ResourceValue: "internal"}

		req.Context.At = mondayMorning
		assert.True(t, Evaluate([]*registry.Policy{&p}, req).Allowed)

		req.Context.At = mondayMorning.Add(12 * time.Hour) // 22:00
		assert.False(t, Evaluate([]*registry.Policy{&p}, req).Allowed)

		req.Context.At = mondayMorning.AddDate(0, 0, 5) // Saturday
		assert.False(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
	})

	t.Run("device types", func(t *testing.T) {
		p := *base
		p.Conditions = &registry.PolicyConditions{DeviceTypes: []string{"laptop"}}
		req := AccessRequest{UserID: "a", ResourceType: registry.ResourceZone, ResourceValue: "internal"}

		req.Context.DeviceType = "laptop"
		assert.True(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
		req.Context.DeviceType = "phone"
		assert.False(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
	})

	t.Run("client cidr", func(t *testing.T) {
		p := *base
		p.Conditions = &registry.PolicyConditions{ClientCIDRs: []string{"10.0.0.0/24"}}
		req := AccessRequest{UserID: "a", ResourceType: registry.ResourceZone, ResourceValue: "internal"}

		req.Context.ClientIP = "10.0.0.7"
		assert.True(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
		req.Context.ClientIP = "192.168.1.1"
		assert.False(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
		req.Context.ClientIP = ""
		assert.False(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
	})

	t.Run("require vpn", func(t *testing.T) {
		p := *base
		p.Conditions = &registry.PolicyConditions{RequireVPN: true}
		req := AccessRequest{UserID: "a", ResourceType: registry.ResourceZone, ResourceValue: "internal"}

		assert.False(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
		req.Context.ViaVPN = true
		assert.True(t, Evaluate([]*registry.Policy{&p}, req).Allowed)
	})

	t.Run("failing conditions fall through to the next policy", func(t *testing.T) {
		vpnOnly := *base
		vpnOnly.Conditions = &registry.PolicyConditions{RequireVPN: true}
		fallback := policy(2, "fallback-deny", registry.SubjectAll, "", registry.ResourceZone, "internal", registry.ActionDeny, 200)

		d := Evaluate([]*registry.Policy{&vpnOnly, fallback}, AccessRequest{
			UserID: "a", ResourceType: registry.ResourceZone, ResourceValue: "internal",
		})
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(2), d.MatchedPolicy)
	})
}

func TestEvaluateValidityWindow(t *testing.T) {
	expired := policy(1, "expired", registry.SubjectAll, "", registry.ResourceZone, "internal", registry.ActionAllow, 100)
	until := mondayMorning.Add(-time.Hour)
	expired.ValidUntil = &until

	future := policy(2, "future", registry.SubjectAll, "", registry.ResourceZone, "internal", registry.ActionAllow, 100)
	from := mondayMorning.Add(time.Hour)
	future.ValidFrom = &from

	disabled := policy(3, "disabled", registry.SubjectAll, "", registry.ResourceZone, "internal", registry.ActionAllow, 100)
	disabled.Enabled = false

	d := Evaluate([]*registry.Policy{expired, future, disabled}, AccessRequest{
		UserID: "a", ResourceType: registry.ResourceZone, ResourceValue: "internal",
		Context: AccessContext{At: mondayMorning},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, "no matching policy", d.Reason)
}

func TestEvaluateRequireMFA(t *testing.T) {
	p := []*registry.Policy{
		policy(1, "step-up", registry.SubjectAll, "", registry.ResourceService, "payroll", registry.ActionRequireMFA, 100),
	}
	d := Evaluate(p, AccessRequest{UserID: "a", ResourceType: registry.ResourceService, ResourceValue: "payroll"})
	assert.False(t, d.Allowed, "mfa challenge is not yet an allow")
	assert.Equal(t, registry.ActionRequireMFA, d.Action)
	assert.Equal(t, int64(1), d.MatchedPolicy)
}
