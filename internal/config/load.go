// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"grimm.is/flymesh/internal/brand"
)

// LoadFile loads a config file (HCL or JSON), applies defaults and
// validates. A missing path yields the built-in defaults so agents can
// run from environment variables alone.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			ApplyEnv(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config bytes. The filename picks the format: .json
// decodes as JSON, everything else as HCL with a JSON fallback.
func Parse(data []byte, filename string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".json" {
		return parseJSON(data)
	}

	cfg, hclErr := parseHCL(data, filename)
	if hclErr == nil {
		return cfg, nil
	}
	// Some deployments feed JSON through the default path.
	if cfg, jsonErr := parseJSON(data); jsonErr == nil {
		return cfg, nil
	}
	return nil, hclErr
}

func parseHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config: %s", diags.Error())
	}
	return &cfg, nil
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides deployment-sensitive fields from the environment.
// These names predate the HCL schema and are kept for compatibility
// with existing unit files.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Server.Database = databasePath(v)
	}
	if v := os.Getenv("OVERLAY_NETWORK"); v != "" {
		cfg.Network.OverlayCIDR = v
	}
	if v := os.Getenv("HUB_PUBLIC_KEY"); v != "" {
		cfg.Network.HubPublicKey = v
	}
	if v := os.Getenv("HUB_ENDPOINT"); v != "" {
		cfg.Network.HubEndpoint = v
	}
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		cfg.Server.AdminSecret = v
	}
	if v := os.Getenv("HUB_AGENT_API_KEY"); v != "" {
		cfg.Server.HubAPIKey = v
		cfg.Hub.APIKey = v
	}

	prefix := brand.ConfigEnvPrefix + "_"
	if v := os.Getenv(prefix + "LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv(prefix + "SERVER_URL"); v != "" {
		cfg.Agent.ServerURL = v
		cfg.Hub.ServerURL = v
	}
	if v := os.Getenv(prefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// databasePath normalizes DATABASE_URL forms like "sqlite:///./mesh.db"
// down to a plain file path for the sqlite driver.
func databasePath(v string) string {
	for _, prefix := range []string{"sqlite:///", "sqlite://", "sqlite:"} {
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	return v
}
