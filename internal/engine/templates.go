// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/registry"
)

// Template is a canned policy shape an admin instantiates for a
// subject instead of writing the policy by hand.
type Template struct {
	Name          string                     `json:"name"`
	Description   string                     `json:"description"`
	Action        registry.PolicyAction      `json:"action"`
	ResourceType  registry.ResourceType      `json:"resource_type,omitempty"`
	ResourceValue string                     `json:"resource_value,omitempty"`
	Conditions    *registry.PolicyConditions `json:"conditions,omitempty"`
}

// Templates returns the built-in policy templates.
func Templates() []Template {
	return []Template{
		{
			Name:          "internet_access",
			Description:   "Allow full internet access",
			Action:        registry.ActionAllow,
			ResourceType:  registry.ResourceDomain,
			ResourceValue: "*",
		},
		{
			Name:          "internal_only",
			Description:   "Allow access to internal resources only",
			Action:        registry.ActionAllow,
			ResourceType:  registry.ResourceZone,
			ResourceValue: "internal",
		},
		{
			Name:        "business_hours",
			Description: "Allow access during business hours (Mon-Fri 9-18)",
			Action:      registry.ActionAllow,
			Conditions: &registry.PolicyConditions{
				TimeWindows: []registry.TimeWindow{
					{Days: []int{0, 1, 2, 3, 4}, Start: "09:00", End: "18:00"},
				},
			},
		},
		{
			Name:        "vpn_required",
			Description: "Require VPN connection for access",
			Action:      registry.ActionAllow,
			Conditions:  &registry.PolicyConditions{RequireVPN: true},
		},
	}
}

// InstantiateParams binds a template to a subject. Resource overrides
// fill templates that leave the resource open (business_hours,
// vpn_required) and are rejected as unused otherwise.
type InstantiateParams struct {
	Template      string
	PolicyName    string
	SubjectType   registry.SubjectType
	SubjectID     string
	ResourceType  registry.ResourceType
	ResourceValue string
	Priority      int
}

// Instantiate resolves a template into concrete policy parameters
// ready for the registry.
func Instantiate(p InstantiateParams) (registry.PolicyParams, error) {
	var tpl *Template
	for _, t := range Templates() {
		if t.Name == p.Template {
			t := t
			tpl = &t
			break
		}
	}
	if tpl == nil {
		return registry.PolicyParams{}, errors.WithCode(
			errors.Errorf(errors.KindNotFound, "unknown policy template %q", p.Template),
			"TEMPLATE_NOT_FOUND")
	}

	resType := tpl.ResourceType
	resValue := tpl.ResourceValue
	if resType == "" {
		if p.ResourceType == "" || p.ResourceValue == "" {
			return registry.PolicyParams{}, errors.Errorf(errors.KindValidation,
				"template %q needs an explicit resource", p.Template)
		}
		resType = p.ResourceType
		resValue = p.ResourceValue
	}

	name := p.PolicyName
	if name == "" {
		name = tpl.Name + "-" + p.SubjectID
	}

	return registry.PolicyParams{
		Name:          name,
		SubjectType:   p.SubjectType,
		SubjectID:     p.SubjectID,
		ResourceType:  resType,
		ResourceValue: resValue,
		Action:        tpl.Action,
		Priority:      p.Priority,
		Enabled:       true,
		Conditions:    cloneConditions(tpl.Conditions),
	}, nil
}

func cloneConditions(c *registry.PolicyConditions) *registry.PolicyConditions {
	if c == nil {
		return nil
	}
	out := *c
	out.DeviceTypes = append([]string(nil), c.DeviceTypes...)
	out.TimeWindows = append([]registry.TimeWindow(nil), c.TimeWindows...)
	out.ClientCIDRs = append([]string(nil), c.ClientCIDRs...)
	return &out
}
