// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nodeagent implements the agent running on every overlay
// node. It registers with the control plane, keeps the push channel
// open, and reconciles the local tunnel and packet filter against the
// canonical configuration.
package nodeagent

import (
	"os"
	"path/filepath"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flymesh/internal/errors"
)

const privateKeyFile = "private.key"

// Keypair is the node's tunnel identity. The private key never leaves
// the state directory; only the public key is registered.
type Keypair struct {
	Private wgtypes.Key
	Public  wgtypes.Key
}

// LoadOrGenerateKeypair reads the private key from stateDir, creating
// a fresh one on first run. The key file is written 0600.
func LoadOrGenerateKeypair(stateDir string) (*Keypair, error) {
	path := filepath.Join(stateDir, privateKeyFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "parse %s", path)
		}
		return &Keypair{Private: key, Public: key.PublicKey()}, nil

	case os.IsNotExist(err):
		key, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "generate private key")
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, errors.Wrapf(err, errors.KindInternal, "create %s", stateDir)
		}
		if err := os.WriteFile(path, []byte(key.String()+"\n"), 0o600); err != nil {
			return nil, errors.Wrapf(err, errors.KindInternal, "write %s", path)
		}
		return &Keypair{Private: key, Public: key.PublicKey()}, nil

	default:
		return nil, errors.Wrapf(err, errors.KindInternal, "read %s", path)
	}
}
