// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grimm.is/flymesh/internal/engine"
	"grimm.is/flymesh/internal/errors"
)

// RegisterResponse is what the control plane returns on admission.
type RegisterResponse struct {
	NodeID       int64    `json:"node_id"`
	OverlayIP    string   `json:"overlay_ip"`
	HubPublicKey string   `json:"hub_public_key"`
	HubEndpoint  string   `json:"hub_endpoint"`
	AllowedIPs   string   `json:"allowed_ips"`
	DNSServers   []string `json:"dns_servers"`
	Status       string   `json:"status"`
}

// Peer is one tunnel peer in the canonical config.
type Peer struct {
	PublicKey  string  `json:"public_key"`
	AllowedIPs string  `json:"allowed_ips"`
	Endpoint   *string `json:"endpoint"`
}

// NodeConfig is the canonical per-node configuration.
type NodeConfig struct {
	OverlayIP     string            `json:"overlay_ip"`
	HubPublicKey  string            `json:"hub_public_key"`
	HubEndpoint   string            `json:"hub_endpoint"`
	Peers         []Peer            `json:"peers"`
	ACLRules      []engine.ACLEntry `json:"acl_rules"`
	ConfigVersion int64             `json:"config_version"`
	Status        string            `json:"status"`
}

// HeartbeatResponse tells the agent whether to re-fetch config.
type HeartbeatResponse struct {
	Success       bool `json:"success"`
	ConfigChanged bool `json:"config_changed"`
}

// Client talks to the control plane's agent HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient trims the base URL and applies a 15s request timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Register admits the node. Idempotent on (hostname, public_key).
func (c *Client) Register(ctx context.Context, hostname, role, publicKey, osInfo, agentVersion string) (*RegisterResponse, error) {
	var out RegisterResponse
	err := c.post(ctx, "/api/v1/agent/register", map[string]any{
		"hostname":      hostname,
		"role":          role,
		"public_key":    publicKey,
		"os_info":       osInfo,
		"agent_version": agentVersion,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConfig fetches the canonical config. Returns KindUnauthorized
// while the node is not yet active.
func (c *Client) GetConfig(ctx context.Context, hostname string) (*NodeConfig, error) {
	var out NodeConfig
	err := c.get(ctx, "/api/v1/agent/config?hostname="+url.QueryEscape(hostname), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness, metrics and the integrity hash.
func (c *Client) Heartbeat(ctx context.Context, hostname, publicKey, agentVersion string, configVersion int64, metrics map[string]any, agentHash string) (*HeartbeatResponse, error) {
	body := map[string]any{
		"hostname":       hostname,
		"public_key":     publicKey,
		"agent_version":  agentVersion,
		"config_version": configVersion,
	}
	if len(metrics) > 0 {
		body["metrics"] = metrics
	}
	if agentHash != "" {
		body["agent_hash"] = agentHash
	}

	var out HeartbeatResponse
	if err := c.post(ctx, "/api/v1/agent/heartbeat", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "build request")
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindDisconnected, "control plane unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errors.Wrap(err, errors.KindDisconnected, "read response")
	}

	if resp.StatusCode >= 400 {
		msg := apiErrorMessage(data)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Errorf(errors.KindUnauthorized, "%s: %s", resp.Status, msg)
		case http.StatusNotFound:
			return errors.Errorf(errors.KindNotFound, "%s: %s", resp.Status, msg)
		case http.StatusConflict:
			return errors.Errorf(errors.KindConflict, "%s: %s", resp.Status, msg)
		default:
			return errors.Errorf(errors.KindInternal, "%s: %s", resp.Status, msg)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.KindInternal, "decode response")
	}
	return nil
}

// apiErrorMessage extracts the stable error field from an API error
// body, falling back to the raw body.
func apiErrorMessage(data []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return fmt.Sprintf("%s", data)
}
