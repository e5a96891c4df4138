// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hubagent

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/flymesh/internal/brand"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/logging"
)

const (
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 60 * time.Second
)

// Options configures the hub agent.
type Options struct {
	// ServerURL is the control-plane base URL (http:// or https://).
	ServerURL string
	// APIKey authenticates the command channel.
	APIKey string
	// Device receives the peer mutations.
	Device Device
	// PingInterval is the keepalive cadence (default 30s).
	PingInterval time.Duration
	// StatusInterval is the unsolicited status cadence (default 60s).
	StatusInterval time.Duration
	Logger         *logging.Logger
}

// Agent keeps the command channel to the control plane open and feeds
// inbound commands to the executor. Reconnection uses exponential
// backoff from 1s to 60s, reset on a successful connect.
type Agent struct {
	opts     Options
	executor *Executor
	log      *logging.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn
}

// New validates opts and builds the agent.
func New(opts Options) (*Agent, error) {
	if opts.ServerURL == "" {
		return nil, errors.New(errors.KindValidation, "hubagent: server URL is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New(errors.KindValidation, "hubagent: API key is required")
	}
	if opts.Device == nil {
		return nil, errors.New(errors.KindValidation, "hubagent: device is required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 60 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.WithComponent("hub-agent")
	}
	return &Agent{
		opts:     opts,
		executor: NewExecutor(opts.Device, log.WithComponent("executor")),
		log:      log,
	}, nil
}

// wsURL converts the HTTP base URL into the command channel endpoint.
func (a *Agent) wsURL() string {
	base := strings.TrimSuffix(a.opts.ServerURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/api/v1/ws/hub?api_key=" + url.QueryEscape(a.opts.APIKey)
}

// Run connects and serves commands until ctx is canceled, reconnecting
// on every failure.
func (a *Agent) Run(ctx context.Context) error {
	delay := reconnectMinDelay
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		dialed, err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if dialed {
			// A session was established; the next failure starts the
			// backoff from scratch.
			delay = reconnectMinDelay
		}
		if err != nil {
			a.log.WithError(err).Warn("Command channel lost", "retry_in", delay.String())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// connectAndServe reports whether the dial succeeded alongside the
// session error, so Run can reset its backoff.
func (a *Agent) connectAndServe(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, a.wsURL(), nil)
	if err != nil {
		return false, errors.Wrap(err, errors.KindDisconnected, "dial control plane")
	}
	defer ws.Close()

	a.writeMu.Lock()
	a.ws = ws
	a.writeMu.Unlock()
	defer func() {
		a.writeMu.Lock()
		a.ws = nil
		a.writeMu.Unlock()
	}()

	a.log.Info("Connected to control plane")
	if err := a.sendHello(); err != nil {
		return true, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.keepaliveLoop(loopCtx)

	for {
		ws.SetReadDeadline(time.Now().Add(2 * a.opts.PingInterval))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, errors.Wrap(err, errors.KindDisconnected, "read")
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			a.log.Warn("Invalid JSON from control plane")
			continue
		}
		a.handleFrame(ctx, frame)
	}
}

// keepaliveLoop sends pings and periodic status frames until the
// session context dies.
func (a *Agent) keepaliveLoop(ctx context.Context) {
	ping := time.NewTicker(a.opts.PingInterval)
	status := time.NewTicker(a.opts.StatusInterval)
	defer ping.Stop()
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := a.writeJSON(map[string]any{"type": "ping"}); err != nil {
				return
			}
		case <-status.C:
			st, err := a.opts.Device.Status()
			if err != nil {
				a.log.WithError(err).Warn("Status collection failed")
				continue
			}
			if err := a.writeJSON(map[string]any{
				"type":      "status",
				"data":      st,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}

func (a *Agent) sendHello() error {
	st, err := a.opts.Device.Status()
	if err != nil {
		a.log.WithError(err).Warn("Status collection failed, hello carries none")
		st = map[string]any{}
	}
	return a.writeJSON(map[string]any{
		"type":             "hello",
		"agent_version":    brand.Version,
		"interface_status": st,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Agent) handleFrame(ctx context.Context, frame map[string]any) {
	msgType, _ := frame["type"].(string)
	switch msgType {
	case "welcome":
		a.log.Info("Control plane accepted connection")

	case "pong":
		// Keepalive answered; the read deadline already advanced.

	case "command":
		a.handleCommand(ctx, frame)

	default:
		a.log.Debug("Ignoring frame", "type", msgType)
	}
}

// handleCommand executes one command and replies with command_result.
// Execution errors travel back in the result frame; only a dead socket
// aborts the session.
func (a *Agent) handleCommand(ctx context.Context, frame map[string]any) {
	id, _ := frame["id"].(string)
	if id == "" {
		id, _ = frame["command_id"].(string)
	}
	command, _ := frame["command"].(string)
	params, _ := frame["params"].(map[string]any)

	result := map[string]any{
		"type":       "command_result",
		"command_id": id,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	data, err := a.executor.Execute(ctx, command, params)
	if err != nil {
		a.log.WithError(err).Warn("Command failed", "command", command, "id", id)
		result["success"] = false
		result["error"] = err.Error()
	} else {
		result["success"] = true
		result["data"] = data
	}

	if err := a.writeJSON(result); err != nil {
		a.log.WithError(err).Warn("Result send failed", "command", command, "id", id)
	}
}

func (a *Agent) writeJSON(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.ws == nil {
		return errors.New(errors.KindDisconnected, "not connected")
	}
	a.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.ws.WriteJSON(v)
}
