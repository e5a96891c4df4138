// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/flymesh/internal/logging"
	"grimm.is/flymesh/internal/metrics"
	"grimm.is/flymesh/internal/registry"
)

type agentConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	hostname  string
	nodeID    int64
	publicKey string

	connectedAt   time.Time
	lastPing      time.Time
	configVersion int64
}

func (c *agentConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// AgentInfo is one connected agent as reported by the ws status
// endpoint.
type AgentInfo struct {
	Hostname      string    `json:"hostname"`
	NodeID        int64     `json:"node_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastPing      time.Time `json:"last_ping"`
	ConfigVersion int64     `json:"config_version"`
}

// NodeManager tracks the push channel of every connected node agent,
// keyed by hostname. The channel is notification-only; canonical
// config always travels over the idempotent HTTP read.
type NodeManager struct {
	log          *logging.Logger
	pingInterval time.Duration

	mu    sync.Mutex
	conns map[string]*agentConn
}

func NewNodeManager(pingInterval time.Duration, log *logging.Logger) *NodeManager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &NodeManager{
		log:          log.WithComponent("agent-ws"),
		pingInterval: pingInterval,
		conns:        make(map[string]*agentConn),
	}
}

// ConnectedCount returns the number of live agent channels.
func (m *NodeManager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// attach registers a connection, superseding any previous channel for
// the same hostname.
func (m *NodeManager) attach(node *registry.Node, ws *websocket.Conn) *agentConn {
	now := time.Now().UTC()
	c := &agentConn{
		ws:          ws,
		hostname:    node.Hostname,
		nodeID:      node.ID,
		publicKey:   node.PublicKey,
		connectedAt: now,
		lastPing:    now,
	}

	m.mu.Lock()
	old := m.conns[node.Hostname]
	m.conns[node.Hostname] = c
	total := len(m.conns)
	m.mu.Unlock()

	if old != nil {
		old.close(websocket.CloseNormalClosure, "Replaced by new connection")
		m.log.Info("Replaced existing agent connection", "hostname", node.Hostname)
	}
	metrics.NodesConnected.Set(float64(total))
	m.log.Info("Agent connected", "hostname", node.Hostname, "total", total)
	return c
}

// detach drops c if it is still the registered channel for its
// hostname; a superseded connection must not evict its replacement.
func (m *NodeManager) detach(c *agentConn) {
	m.mu.Lock()
	if m.conns[c.hostname] != c {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.hostname)
	total := len(m.conns)
	m.mu.Unlock()

	metrics.NodesConnected.Set(float64(total))
	m.log.Info("Agent disconnected", "hostname", c.hostname, "total", total)
}

func (c *agentConn) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	_ = c.ws.Close()
}

// SendToAgent delivers one frame to one hostname. A failed send drops
// the connection; the registry-driven sync recovers anything missed.
func (m *NodeManager) SendToAgent(hostname string, msg any) bool {
	m.mu.Lock()
	c := m.conns[hostname]
	m.mu.Unlock()
	if c == nil {
		return false
	}
	if err := c.writeJSON(msg); err != nil {
		m.log.Warn("Send failed, dropping connection", "hostname", hostname, "error", err)
		m.detach(c)
		_ = c.ws.Close()
		return false
	}
	return true
}

// Broadcast sends one frame to every connected agent and returns the
// delivered count.
func (m *NodeManager) Broadcast(msg any) int {
	m.mu.Lock()
	targets := make([]*agentConn, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.writeJSON(msg); err != nil {
			m.log.Warn("Broadcast failed, dropping connection", "hostname", c.hostname, "error", err)
			m.detach(c)
			_ = c.ws.Close()
			continue
		}
		sent++
	}
	return sent
}

// NotifyConfigUpdate pushes a config_updated frame to the listed
// hostnames, or to every connected agent when targets is nil. Returns
// the number of agents reached.
func (m *NodeManager) NotifyConfigUpdate(targets []string, configVersion int64) int {
	msg := map[string]any{
		"type":      "config_updated",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if configVersion > 0 {
		msg["config_version"] = configVersion
	}

	var sent int
	if targets == nil {
		sent = m.Broadcast(msg)
	} else {
		for _, hostname := range targets {
			if m.SendToAgent(hostname, msg) {
				sent++
			}
		}
	}
	metrics.NotificationsSent.Add(float64(sent))
	return sent
}

// NotifyStatusChange tells one agent its lifecycle status moved.
func (m *NodeManager) NotifyStatusChange(hostname, newStatus string) bool {
	return m.SendToAgent(hostname, map[string]any{
		"type":       "status_changed",
		"new_status": newStatus,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// Agents lists connected agents sorted by hostname.
func (m *NodeManager) Agents() []AgentInfo {
	m.mu.Lock()
	out := make([]AgentInfo, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, AgentInfo{
			Hostname:      c.hostname,
			NodeID:        c.nodeID,
			ConnectedAt:   c.connectedAt,
			LastPing:      c.lastPing,
			ConfigVersion: c.configVersion,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// CloseAll tears down every agent channel during server shutdown.
func (m *NodeManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*agentConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*agentConn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "Server shutting down")
	}
	if len(conns) > 0 {
		metrics.NodesConnected.Set(0)
	}
}

// handleAgentSocket upgrades and serves one node agent channel at
// GET /api/v1/ws/agent/{hostname}?public_key=...
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	hostname := r.PathValue("hostname")
	publicKey := r.URL.Query().Get("public_key")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Agent websocket upgrade failed", "error", err)
		return
	}

	// The request context dies with the hijacked HTTP connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	node, err := s.store.GetNodeByHostname(ctx, hostname)
	if err != nil || node.PublicKey != publicKey || node.Status != registry.StatusActive {
		msg := websocket.FormatCloseMessage(closeAuthFailed, "Authentication failed")
		ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		_ = ws.Close()
		s.log.Warn("Agent connection rejected", "hostname", hostname, "remote", clientIP(r))
		return
	}

	c := s.nodes.attach(node, ws)
	s.agentReadLoop(c)
	s.nodes.detach(c)
}

// agentReadLoop consumes inbound frames until the connection dies.
func (s *Server) agentReadLoop(c *agentConn) {
	for {
		c.ws.SetReadDeadline(time.Now().Add(2 * s.nodes.pingInterval))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Agent read error", "hostname", c.hostname, "error", err)
			}
			return
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("Invalid JSON from agent", "hostname", c.hostname)
			continue
		}

		msgType, _ := frame["type"].(string)
		switch msgType {
		case "ping":
			s.nodes.mu.Lock()
			c.lastPing = time.Now().UTC()
			s.nodes.mu.Unlock()
			_ = c.writeJSON(map[string]any{"type": "pong"})

		case "heartbeat":
			s.handleSocketHeartbeat(c, frame)
			_ = c.writeJSON(map[string]any{
				"type":      "heartbeat_ack",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
}

// handleSocketHeartbeat records liveness from a heartbeat frame and
// feeds any reported integrity hash to the verifier.
func (s *Server) handleSocketHeartbeat(c *agentConn, frame map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metricsMap, _ := frame["metrics"].(map[string]any)
	var reported int64
	if v, ok := frame["config_version"].(float64); ok {
		reported = int64(v)
	}

	node, _, err := s.store.Heartbeat(ctx, registry.HeartbeatParams{
		Hostname:      c.hostname,
		PublicKey:     c.publicKey,
		Metrics:       metricsMap,
		ConfigVersion: reported,
	})
	if err != nil {
		s.log.Warn("Heartbeat update failed", "hostname", c.hostname, "error", err)
		return
	}

	s.nodes.mu.Lock()
	c.lastPing = time.Now().UTC()
	if reported > 0 {
		c.configVersion = reported
	}
	s.nodes.mu.Unlock()

	if hash, ok := frame["agent_hash"].(string); ok && hash != "" {
		_, _, evts, err := s.integrity.HandleReport(ctx, node, hash)
		if err != nil {
			s.log.Warn("Integrity report failed", "hostname", c.hostname, "error", err)
			return
		}
		for _, evt := range evts {
			s.bus.PublishAsync(ctx, evt)
		}
	}
}
