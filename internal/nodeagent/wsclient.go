// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nodeagent

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/logging"
)

const (
	wsReconnectMin = 1 * time.Second
	wsReconnectMax = 60 * time.Second
)

// pushClient holds the notification channel to the control plane. The
// channel carries invalidations only; on config_updated the reconciler
// re-reads the canonical config over HTTP.
type pushClient struct {
	baseURL      string
	hostname     string
	publicKey    string
	pingInterval time.Duration
	log          *logging.Logger

	// onConfigUpdated fires for each config_updated frame.
	onConfigUpdated func()
	// onStatusChanged fires with the new lifecycle status.
	onStatusChanged func(status string)

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
}

func (p *pushClient) url() string {
	base := strings.TrimSuffix(p.baseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/api/v1/ws/agent/" + url.PathEscape(p.hostname) +
		"?public_key=" + url.QueryEscape(p.publicKey)
}

// Connected reports whether the push channel is currently up.
func (p *pushClient) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// run keeps the channel open until ctx dies, backing off exponentially
// between attempts. An auth rejection (close 4001) also retries: the
// node may simply not be approved yet.
func (p *pushClient) run(ctx context.Context) {
	delay := wsReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		dialed, err := p.connectAndListen(ctx)
		if ctx.Err() != nil {
			return
		}
		if dialed {
			// A session was established; the next failure starts the
			// backoff from scratch.
			delay = wsReconnectMin
		}
		if err != nil {
			p.log.WithError(err).Debug("Push channel down", "retry_in", delay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsReconnectMax {
			delay = wsReconnectMax
		}
	}
}

// connectAndListen reports whether the dial succeeded alongside the
// session error, so the reconnect loop can reset its backoff.
func (p *pushClient) connectAndListen(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, p.url(), nil)
	if err != nil {
		return false, errors.Wrap(err, errors.KindDisconnected, "dial push channel")
	}
	defer ws.Close()

	p.mu.Lock()
	p.ws = ws
	p.connected = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.ws = nil
		p.connected = false
		p.mu.Unlock()
	}()

	p.log.Info("Push channel connected")

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.pingLoop(pingCtx)

	for {
		ws.SetReadDeadline(time.Now().Add(2 * p.pingInterval))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, errors.Wrap(err, errors.KindDisconnected, "read")
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame["type"] {
		case "pong":
			// Read deadline already advanced.

		case "config_updated":
			p.log.Info("Config update notification received")
			if p.onConfigUpdated != nil {
				p.onConfigUpdated()
			}

		case "status_changed":
			status, _ := frame["new_status"].(string)
			p.log.Info("Status change notification received", "new_status", status)
			if p.onStatusChanged != nil {
				p.onStatusChanged(status)
			}
		}
	}
}

func (p *pushClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.writeJSON(map[string]any{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

// sendHeartbeat ships a heartbeat frame over the push channel. Returns
// false when the channel is down so the caller can fall back to HTTP.
func (p *pushClient) sendHeartbeat(configVersion int64, metrics map[string]any, agentHash string) bool {
	frame := map[string]any{
		"type":           "heartbeat",
		"config_version": configVersion,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if len(metrics) > 0 {
		frame["metrics"] = metrics
	}
	if agentHash != "" {
		frame["agent_hash"] = agentHash
	}
	return p.writeJSON(frame) == nil
}

func (p *pushClient) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ws == nil {
		return errors.New(errors.KindDisconnected, "push channel down")
	}
	p.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.ws.WriteJSON(v)
}
