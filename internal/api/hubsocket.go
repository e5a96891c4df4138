// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/logging"
	"grimm.is/flymesh/internal/metrics"
)

const defaultCommandTimeout = 30 * time.Second

// closeAuthFailed is the application close code sent when a websocket
// client fails authentication.
const closeAuthFailed = 4001

// HubPeer is the wire form of one peer inside a sync_peers command.
// AllowedIPs is a comma-joined CIDR list, matching add_peer.
type HubPeer struct {
	PublicKey  string  `json:"public_key"`
	AllowedIPs string  `json:"allowed_ips"`
	Endpoint   *string `json:"endpoint"`
}

// HubInfo describes the live hub agent connection.
type HubInfo struct {
	ConnectedAt time.Time      `json:"connected_at"`
	LastPing    time.Time      `json:"last_ping"`
	HubStatus   map[string]any `json:"hub_status"`
}

type hubConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	connectedAt time.Time
	lastPing    time.Time
	status      map[string]any
}

func (c *hubConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *hubConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	_ = c.ws.Close()
}

// HubManager owns the single hub agent channel and the command
// request/response correlation over it. A new successful connect
// supersedes the previous one; commands in flight on the old channel
// fail with a Disconnected error.
type HubManager struct {
	log          *logging.Logger
	pingInterval time.Duration

	mu      sync.Mutex
	conn    *hubConn
	pending map[string]chan map[string]any
	counter int64
}

// NewHubManager builds a manager with the given keepalive interval.
// Absence of inbound traffic for twice the interval kills the channel.
func NewHubManager(pingInterval time.Duration, log *logging.Logger) *HubManager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &HubManager{
		log:          log.WithComponent("hub-ws"),
		pingInterval: pingInterval,
		pending:      make(map[string]chan map[string]any),
	}
}

// Connected reports whether a hub agent channel is up.
func (m *HubManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Info returns connection metadata, or nil when no agent is connected.
func (m *HubManager) Info() *HubInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return &HubInfo{
		ConnectedAt: m.conn.connectedAt,
		LastPing:    m.conn.lastPing,
		HubStatus:   m.conn.status,
	}
}

// attach registers a freshly upgraded connection, superseding any
// previous one.
func (m *HubManager) attach(ws *websocket.Conn) *hubConn {
	now := time.Now().UTC()
	c := &hubConn{ws: ws, connectedAt: now, lastPing: now, status: map[string]any{}}

	m.mu.Lock()
	old := m.conn
	m.conn = c
	m.failPendingLocked("replaced by new connection")
	m.mu.Unlock()

	if old != nil {
		old.closeWith(websocket.CloseNormalClosure, "Replaced by new connection")
		m.log.Info("Replaced existing hub agent connection")
	}
	metrics.HubConnected.Set(1)
	return c
}

// detach drops c if it is still the current connection. A superseded
// connection's read loop exiting must not tear down its replacement.
func (m *HubManager) detach(c *hubConn) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.failPendingLocked("hub agent disconnected")
	m.mu.Unlock()

	metrics.HubConnected.Set(0)
	m.log.Info("Hub agent disconnected")
}

// Close tears down the hub channel during server shutdown.
func (m *HubManager) Close() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.failPendingLocked("server shutting down")
	m.mu.Unlock()

	if c != nil {
		c.closeWith(websocket.CloseGoingAway, "Server shutting down")
		metrics.HubConnected.Set(0)
	}
}

func (m *HubManager) failPendingLocked(reason string) {
	for id, ch := range m.pending {
		select {
		case ch <- map[string]any{"_error": reason}:
		default:
		}
		delete(m.pending, id)
	}
}

// SendCommand dispatches one command frame and waits for the matching
// response. A timeout of zero means the 30 s default; on expiry the
// pending slot is cleared and a Timeout error returned.
func (m *HubManager) SendCommand(ctx context.Context, command string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if params == nil {
		params = map[string]any{}
	}

	m.mu.Lock()
	c := m.conn
	if c == nil {
		m.mu.Unlock()
		return nil, errors.WithCode(
			errors.New(errors.KindDisconnected, "hub agent not connected"),
			"HUB_DISCONNECTED")
	}
	m.counter++
	id := fmt.Sprintf("cmd_%d", m.counter)
	ch := make(chan map[string]any, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	frame := map[string]any{
		"id":        id,
		"type":      "command",
		"command":   command,
		"params":    params,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	start := time.Now()
	if err := c.writeJSON(frame); err != nil {
		m.clearPending(id)
		return nil, errors.Wrapf(err, errors.KindDisconnected, "send %s", command)
	}

	select {
	case reply := <-ch:
		if reason, ok := reply["_error"].(string); ok {
			return nil, errors.WithCode(
				errors.Errorf(errors.KindDisconnected, "command %s failed: %s", command, reason),
				"HUB_DISCONNECTED")
		}
		metrics.CommandDuration.Observe(time.Since(start).Seconds())
		return reply, nil
	case <-time.After(timeout):
		m.clearPending(id)
		return nil, errors.WithCode(
			errors.Errorf(errors.KindTimeout, "command %s timed out after %s", command, timeout),
			"COMMAND_TIMEOUT")
	case <-ctx.Done():
		m.clearPending(id)
		// Caller cancellation is not a timeout; only a dead deadline is.
		kind := errors.KindTimeout
		if ctx.Err() == context.Canceled {
			kind = errors.KindCanceled
		}
		return nil, errors.Wrapf(ctx.Err(), kind, "command %s", command)
	}
}

func (m *HubManager) clearPending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// resolve hands a reply frame to its waiting command slot.
func (m *HubManager) resolve(id string, frame map[string]any) bool {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}

// AddPeer asks the hub agent to install one peer pinned to its lease.
func (m *HubManager) AddPeer(ctx context.Context, publicKey, allowedIPs string, endpoint string) (map[string]any, error) {
	params := map[string]any{
		"public_key":           publicKey,
		"allowed_ips":          allowedIPs,
		"persistent_keepalive": 25,
	}
	if endpoint != "" {
		params["endpoint"] = endpoint
	}
	return m.SendCommand(ctx, "add_peer", params, 0)
}

// RemovePeer asks the hub agent to drop one peer.
func (m *HubManager) RemovePeer(ctx context.Context, publicKey string) (map[string]any, error) {
	return m.SendCommand(ctx, "remove_peer", map[string]any{"public_key": publicKey}, 0)
}

// SyncPeers replaces the hub peer table with the given set and returns
// the agent's diff.
func (m *HubManager) SyncPeers(ctx context.Context, peers []HubPeer) (map[string]any, error) {
	wire := make([]any, 0, len(peers))
	for _, p := range peers {
		wire = append(wire, map[string]any{
			"public_key":  p.PublicKey,
			"allowed_ips": p.AllowedIPs,
			"endpoint":    p.Endpoint,
		})
	}
	return m.SendCommand(ctx, "sync_peers", map[string]any{"peers": wire}, 0)
}

// handleHubSocket upgrades and serves the hub agent channel at
// GET /api/v1/ws/hub?api_key=...
func (s *Server) handleHubSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Hub websocket upgrade failed", "error", err)
		return
	}

	expected := ""
	if s.cfg.Server != nil {
		expected = s.cfg.Server.HubAPIKey
	}
	key := r.URL.Query().Get("api_key")
	if expected == "" || key != expected {
		msg := websocket.FormatCloseMessage(closeAuthFailed, "Invalid API key")
		ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		_ = ws.Close()
		s.log.Warn("Hub agent connection rejected: invalid API key", "remote", clientIP(r))
		return
	}

	c := s.hub.attach(ws)
	s.log.Info("Hub agent connected", "remote", clientIP(r))

	if err := c.writeJSON(map[string]any{
		"type":      "welcome",
		"message":   "Connected to Control Plane",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.log.Warn("Hub welcome failed", "error", err)
	}

	s.hub.readLoop(c)
	s.hub.detach(c)
}

// readLoop consumes hub agent frames until the connection dies. The
// read deadline enforces idle death at twice the ping interval.
func (m *HubManager) readLoop(c *hubConn) {
	for {
		c.ws.SetReadDeadline(time.Now().Add(2 * m.pingInterval))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn("Hub read error", "error", err)
			}
			return
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			m.log.Warn("Invalid JSON from hub agent")
			continue
		}

		msgType, _ := frame["type"].(string)
		switch msgType {
		case "response", "command_result":
			id, _ := frame["id"].(string)
			if id == "" {
				id, _ = frame["command_id"].(string)
			}
			if id != "" {
				m.resolve(id, frame)
			}

		case "status":
			data, _ := frame["data"].(map[string]any)
			m.mu.Lock()
			if m.conn == c {
				c.status = data
				c.lastPing = time.Now().UTC()
			}
			m.mu.Unlock()

		case "ping":
			m.mu.Lock()
			if m.conn == c {
				c.lastPing = time.Now().UTC()
			}
			m.mu.Unlock()
			_ = c.writeJSON(map[string]any{"type": "pong"})

		case "hello":
			status, _ := frame["interface_status"].(map[string]any)
			m.mu.Lock()
			if m.conn == c {
				c.status = status
			}
			m.mu.Unlock()
			m.log.Info("Hub agent hello", "agent_version", frame["agent_version"])

		case "event":
			m.log.Info("Hub agent event", "event", frame["event"])
		}
	}
}
