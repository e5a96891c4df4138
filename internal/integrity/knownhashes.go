// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package integrity

import (
	"os"

	"gopkg.in/yaml.v3"

	"grimm.is/flymesh/internal/errors"
)

// knownHashesFile is the YAML schema for the blessed-hash list:
//
//	global: "<combined hash>"
//	versions:
//	  "1.0.0": "<combined hash>"
//	  "1.1.0": "<combined hash>"
type knownHashesFile struct {
	Global   string            `yaml:"global"`
	Versions map[string]string `yaml:"versions"`
}

// LoadKnownHashes merges a YAML file of blessed agent hashes into the
// verifier. Entries already registered for the same version are
// replaced; an empty global field leaves the current fallback alone.
func (v *Verifier) LoadKnownHashes(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to read known hashes file %s", path)
	}

	var f knownHashesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "malformed known hashes file %s", path)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if f.Global != "" {
		v.globalHash = f.Global
	}
	for version, hash := range f.Versions {
		v.knownGood[version] = hash
	}
	return nil
}
