// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package brand centralizes product naming so forks only touch one file.
package brand

const (
	Name        = "Flymesh"
	LowerName   = "flymesh"
	BinaryName  = "flymesh"
	Description = "Zero-trust overlay network control plane"

	ConfigFileName   = "flymesh.hcl"
	ConfigEnvPrefix  = "FLYMESH"
	DefaultConfigDir = "/etc/flymesh"
	DefaultStateDir  = "/var/lib/flymesh"
	DefaultLogDir    = "/var/log/flymesh"
	DefaultRunDir    = "/var/run/flymesh"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"
