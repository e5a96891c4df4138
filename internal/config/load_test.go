// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
schema_version = "1.0"

server {
  listen       = ":9090"
  admin_secret = "topsecret"
  hub_api_key  = "hubkey"
}

network {
  overlay_cidr   = "10.9.0.0/24"
  hub_endpoint   = "vpn.example.com:51820"
  hub_public_key = "hubpub"
  dns_servers    = ["10.9.0.1"]
}

integrity {
  suspend_threshold = 4
}

logging {
  level  = "debug"
  format = "json"
}

agent {
  server_url = "http://10.9.0.1:9090"
  role       = "db"
}
`

func TestParseHCL(t *testing.T) {
	cfg, err := Parse([]byte(sampleHCL), "flymesh.hcl")
	require.NoError(t, err)
	cfg.ApplyDefaults()

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "topsecret", cfg.Server.AdminSecret)
	assert.Equal(t, "10.9.0.0/24", cfg.Network.OverlayCIDR)
	assert.Equal(t, []string{"10.9.0.1"}, cfg.Network.DNSServers)
	assert.Equal(t, 4, cfg.Integrity.SuspendThreshold)
	assert.Equal(t, 1, cfg.Integrity.WarnThreshold, "default threshold survives partial block")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "db", cfg.Agent.Role)
	assert.Equal(t, "wg0", cfg.Agent.Interface, "defaults applied")

	require.NoError(t, cfg.Validate())
}

func TestParseJSON(t *testing.T) {
	data := []byte(`{"server":{"listen":":7070"},"network":{"overlay_cidr":"10.1.0.0/24"}}`)
	cfg, err := Parse(data, "flymesh.json")
	require.NoError(t, err)
	cfg.ApplyDefaults()

	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "10.1.0.0/24", cfg.Network.OverlayCIDR)
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/24", cfg.Network.OverlayCIDR)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:///./mesh.db")
	t.Setenv("OVERLAY_NETWORK", "10.77.0.0/24")
	t.Setenv("ADMIN_SECRET", "fromenv")
	t.Setenv("HUB_AGENT_API_KEY", "hubenv")

	cfg := Default()
	ApplyEnv(cfg)

	assert.Equal(t, "./mesh.db", cfg.Server.Database)
	assert.Equal(t, "10.77.0.0/24", cfg.Network.OverlayCIDR)
	assert.Equal(t, "fromenv", cfg.Server.AdminSecret)
	assert.Equal(t, "hubenv", cfg.Server.HubAPIKey)
	assert.Equal(t, "hubenv", cfg.Hub.APIKey, "hub side sees the same key")
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad cidr", func(c *Config) { c.Network.OverlayCIDR = "banana" }},
		{"ipv6 cidr", func(c *Config) { c.Network.OverlayCIDR = "fd00::/64" }},
		{"tiny cidr", func(c *Config) { c.Network.OverlayCIDR = "10.0.0.0/31" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad role", func(c *Config) { c.Agent.Role = "gateway" }},
		{"bad duration", func(c *Config) { c.Agent.SyncInterval = "soon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flymesh.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sampleHCL), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "5m", cfg.Server.HubSyncInterval)
}
