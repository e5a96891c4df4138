// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the flymesh configuration schema. One HCL (or
// JSON) file describes all three processes; the server, hub-agent and
// agent subcommands each read their own blocks. Environment variables
// override the file for the deployment-sensitive values.
package config

import (
	"fmt"
	"net"
	"time"

	"grimm.is/flymesh/internal/brand"
	"grimm.is/flymesh/internal/logging"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the flymesh configuration.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// State Directory (overrides default)
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	Server    *ServerConfig    `hcl:"server,block" json:"server,omitempty"`
	Network   *NetworkConfig   `hcl:"network,block" json:"network,omitempty"`
	Integrity *IntegrityConfig `hcl:"integrity,block" json:"integrity,omitempty"`
	Logging   *LoggingConfig   `hcl:"logging,block" json:"logging,omitempty"`
	Agent     *AgentConfig     `hcl:"agent,block" json:"agent,omitempty"`
	Hub       *HubConfig       `hcl:"hub,block" json:"hub,omitempty"`
}

// ServerConfig configures the control-plane process.
type ServerConfig struct {
	// Listen address for the HTTP API and the push channels.
	// @default: ":8080"
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`

	// Path to the sqlite database. DATABASE_URL overrides; a
	// "sqlite://" prefix is tolerated for compatibility.
	// @default: "<state_dir>/flymesh.db"
	Database string `hcl:"database,optional" json:"database,omitempty"`

	// Shared secret admins present in X-Admin-Token. Either the
	// plaintext or a bcrypt hash of it must be set for admin routes.
	AdminSecret     string `hcl:"admin_secret,optional" json:"admin_secret,omitempty"`
	AdminSecretHash string `hcl:"admin_secret_hash,optional" json:"admin_secret_hash,omitempty"`

	// API key the hub agent presents on its command channel.
	HubAPIKey string `hcl:"hub_api_key,optional" json:"hub_api_key,omitempty"`

	// Free addresses left in the pool before IPPoolLow fires.
	// @default: 10
	PoolLowWater int `hcl:"pool_low_water,optional" json:"pool_low_water,omitempty"`

	// Interval for the registry-driven hub sync_peers backstop.
	// @default: "5m"
	HubSyncInterval string `hcl:"hub_sync_interval,optional" json:"hub_sync_interval,omitempty"`

	// Optional YAML file with ACL rules seeded on first boot.
	SeedFile string `hcl:"seed_file,optional" json:"seed_file,omitempty"`
}

// NetworkConfig describes the overlay fabric.
type NetworkConfig struct {
	// Overlay subnet. .0, .1 (hub) and the broadcast address are
	// never allocated.
	// @default: "10.0.0.0/24"
	OverlayCIDR string `hcl:"overlay_cidr,optional" json:"overlay_cidr,omitempty"`

	// Public endpoint of the hub's tunnel listener (host:port).
	HubEndpoint string `hcl:"hub_endpoint,optional" json:"hub_endpoint,omitempty"`

	// Tunnel public key of the hub.
	HubPublicKey string `hcl:"hub_public_key,optional" json:"hub_public_key,omitempty"`

	// DNS servers handed to registering agents.
	DNSServers []string `hcl:"dns_servers,optional" json:"dns_servers,omitempty"`
}

// IntegrityConfig tunes the agent-hash verifier.
type IntegrityConfig struct {
	// @default: 1
	WarnThreshold int `hcl:"warn_threshold,optional" json:"warn_threshold,omitempty"`
	// @default: 3
	SuspendThreshold int `hcl:"suspend_threshold,optional" json:"suspend_threshold,omitempty"`
	// @default: 5
	RevokeThreshold int `hcl:"revoke_threshold,optional" json:"revoke_threshold,omitempty"`

	// YAML map of agent_version -> known-good combined hash.
	KnownHashesFile string `hcl:"known_hashes_file,optional" json:"known_hashes_file,omitempty"`

	// Global fallback expected hash, lowest lookup priority.
	ExpectedHash string `hcl:"expected_hash,optional" json:"expected_hash,omitempty"`
}

// LoggingConfig maps onto the logging package.
type LoggingConfig struct {
	// @enum: debug, info, warn, error
	// @default: "info"
	Level string `hcl:"level,optional" json:"level,omitempty"`
	// @enum: text, json
	// @default: "text"
	Format string `hcl:"format,optional" json:"format,omitempty"`

	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// AgentConfig configures a node agent.
type AgentConfig struct {
	// Control-plane base URL, e.g. "http://203.0.113.10:8080".
	ServerURL string `hcl:"server_url,optional" json:"server_url,omitempty"`

	// Hostname to register under. Defaults to os.Hostname.
	Hostname string `hcl:"hostname,optional" json:"hostname,omitempty"`

	// @enum: hub, app, db, ops, monitor
	// @default: "app"
	Role string `hcl:"role,optional" json:"role,omitempty"`

	// Directory holding the keypair and last-applied state.
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// Local tunnel interface name.
	// @default: "wg0"
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`

	// @default: "60s"
	SyncInterval string `hcl:"sync_interval,optional" json:"sync_interval,omitempty"`
	// @default: "30s"
	HeartbeatInterval string `hcl:"heartbeat_interval,optional" json:"heartbeat_interval,omitempty"`
	// @default: "30s"
	PingInterval string `hcl:"ping_interval,optional" json:"ping_interval,omitempty"`

	// Extra files mixed into the integrity hash besides the binary.
	ExtraHashFiles []string `hcl:"extra_hash_files,optional" json:"extra_hash_files,omitempty"`
}

// HubConfig configures the hub agent.
type HubConfig struct {
	// Control-plane base URL as seen from the hub.
	ServerURL string `hcl:"server_url,optional" json:"server_url,omitempty"`

	// Shared API key for the command channel (HUB_AGENT_API_KEY).
	APIKey string `hcl:"api_key,optional" json:"api_key,omitempty"`

	// Tunnel interface the peer set is applied to.
	// @default: "wg0"
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`

	// @default: "30s"
	PingInterval string `hcl:"ping_interval,optional" json:"ping_interval,omitempty"`
	// @default: "60s"
	StatusInterval string `hcl:"status_interval,optional" json:"status_interval,omitempty"`
}

// Default returns a fully-populated config with every default applied.
func Default() *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields in place. Safe to call repeatedly.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.StateDir == "" {
		c.StateDir = brand.DefaultStateDir
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Database == "" {
		c.Server.Database = c.StateDir + "/" + brand.LowerName + ".db"
	}
	if c.Server.PoolLowWater == 0 {
		c.Server.PoolLowWater = 10
	}
	if c.Server.HubSyncInterval == "" {
		c.Server.HubSyncInterval = "5m"
	}

	if c.Network == nil {
		c.Network = &NetworkConfig{}
	}
	if c.Network.OverlayCIDR == "" {
		c.Network.OverlayCIDR = "10.0.0.0/24"
	}

	if c.Integrity == nil {
		c.Integrity = &IntegrityConfig{}
	}
	if c.Integrity.WarnThreshold == 0 {
		c.Integrity.WarnThreshold = 1
	}
	if c.Integrity.SuspendThreshold == 0 {
		c.Integrity.SuspendThreshold = 3
	}
	if c.Integrity.RevokeThreshold == 0 {
		c.Integrity.RevokeThreshold = 5
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Agent == nil {
		c.Agent = &AgentConfig{}
	}
	if c.Agent.Role == "" {
		c.Agent.Role = "app"
	}
	if c.Agent.StateDir == "" {
		c.Agent.StateDir = c.StateDir
	}
	if c.Agent.Interface == "" {
		c.Agent.Interface = "wg0"
	}
	if c.Agent.SyncInterval == "" {
		c.Agent.SyncInterval = "60s"
	}
	if c.Agent.HeartbeatInterval == "" {
		c.Agent.HeartbeatInterval = "30s"
	}
	if c.Agent.PingInterval == "" {
		c.Agent.PingInterval = "30s"
	}

	if c.Hub == nil {
		c.Hub = &HubConfig{}
	}
	if c.Hub.Interface == "" {
		c.Hub.Interface = "wg0"
	}
	if c.Hub.PingInterval == "" {
		c.Hub.PingInterval = "30s"
	}
	if c.Hub.StatusInterval == "" {
		c.Hub.StatusInterval = "60s"
	}
}

// Validate checks the fields every process depends on. Role-specific
// requirements (admin secret, API keys) are checked by the subcommand
// that needs them so a pure agent box can run with a minimal file.
func (c *Config) Validate() error {
	if c.Network != nil && c.Network.OverlayCIDR != "" {
		ip, ipnet, err := net.ParseCIDR(c.Network.OverlayCIDR)
		if err != nil {
			return fmt.Errorf("invalid overlay_cidr %q: %w", c.Network.OverlayCIDR, err)
		}
		if ip.To4() == nil {
			return fmt.Errorf("overlay_cidr %q must be IPv4", c.Network.OverlayCIDR)
		}
		if ones, _ := ipnet.Mask.Size(); ones > 30 {
			return fmt.Errorf("overlay_cidr %q leaves no allocatable hosts", c.Network.OverlayCIDR)
		}
	}

	if c.Logging != nil {
		switch c.Logging.Level {
		case "", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid logging level %q", c.Logging.Level)
		}
		switch c.Logging.Format {
		case "", "text", "json":
		default:
			return fmt.Errorf("invalid logging format %q", c.Logging.Format)
		}
	}

	if c.Agent != nil && c.Agent.Role != "" {
		switch c.Agent.Role {
		case "hub", "app", "db", "ops", "monitor":
		default:
			return fmt.Errorf("invalid agent role %q", c.Agent.Role)
		}
	}

	durations := map[string]string{}
	if c.Server != nil {
		durations["server.hub_sync_interval"] = c.Server.HubSyncInterval
	}
	if c.Agent != nil {
		durations["agent.sync_interval"] = c.Agent.SyncInterval
		durations["agent.heartbeat_interval"] = c.Agent.HeartbeatInterval
		durations["agent.ping_interval"] = c.Agent.PingInterval
	}
	if c.Hub != nil {
		durations["hub.ping_interval"] = c.Hub.PingInterval
		durations["hub.status_interval"] = c.Hub.StatusInterval
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, val)
		}
	}

	return nil
}

// LoggerConfig translates the logging block for logging.New.
func (c *Config) LoggerConfig() logging.Config {
	lc := logging.DefaultConfig()
	if c.Logging == nil {
		return lc
	}
	if c.Logging.Level != "" {
		lc.Level = logging.Level(c.Logging.Level)
	}
	if c.Logging.Format != "" {
		lc.Format = c.Logging.Format
	}
	if c.Logging.Syslog != nil {
		lc.Syslog = *c.Logging.Syslog
	}
	return lc
}

// Duration parses a duration string that Validate already vetted,
// falling back to def when empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
