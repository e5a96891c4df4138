// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"os"

	"gopkg.in/yaml.v3"

	"grimm.is/flymesh/internal/errors"
)

// seedFile is the YAML shape of an operator-provided seed rule set.
type seedFile struct {
	Rules []struct {
		SrcRole     string `yaml:"src_role"`
		DstRole     string `yaml:"dst_role"`
		Port        int    `yaml:"port"`
		Protocol    string `yaml:"protocol"`
		Action      string `yaml:"action"`
		Priority    int    `yaml:"priority"`
		Enabled     *bool  `yaml:"enabled"`
		Description string `yaml:"description"`
	} `yaml:"rules"`
}

// LoadSeedRules reads role-pair rules from a YAML file. Rules default
// to enabled; everything else passes through normalize at insert time.
func LoadSeedRules(path string) ([]ACLRuleParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "read seed file %s", path)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parse seed file %s", path)
	}

	out := make([]ACLRuleParams, 0, len(f.Rules))
	for _, r := range f.Rules {
		enabled := true
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		out = append(out, ACLRuleParams{
			SrcRole:     r.SrcRole,
			DstRole:     r.DstRole,
			Port:        r.Port,
			Protocol:    r.Protocol,
			Action:      r.Action,
			Priority:    r.Priority,
			Enabled:     enabled,
			Description: r.Description,
		})
	}
	return out, nil
}
