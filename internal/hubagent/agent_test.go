// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hubagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlPlane accepts one hub channel and records every inbound
// frame so tests can assert on the agent's traffic.
type fakeControlPlane struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []map[string]any
}

func (f *fakeControlPlane) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api_key") != "hub-secret" {
		http.Error(w, "bad key", http.StatusUnauthorized)
		return
	}
	ws, err := f.upgrader.Upgrade(w, r, nil)
	require.NoError(f.t, err)

	f.mu.Lock()
	f.conn = ws
	f.mu.Unlock()

	_ = ws.WriteJSON(map[string]any{"type": "welcome"})

	for {
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, frame)
		f.mu.Unlock()
	}
}

func (f *fakeControlPlane) framesOfType(msgType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, fr := range f.frames {
		if fr["type"] == msgType {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeControlPlane) send(v any) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteJSON(v)
}

func startAgent(t *testing.T, dev Device) (*fakeControlPlane, context.CancelFunc) {
	t.Helper()
	fake := &fakeControlPlane{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	agent, err := New(Options{
		ServerURL:      srv.URL,
		APIKey:         "hub-secret",
		Device:         dev,
		PingInterval:   100 * time.Millisecond,
		StatusInterval: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go agent.Run(ctx)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		return len(fake.framesOfType("hello")) > 0
	}, 3*time.Second, 10*time.Millisecond, "agent never said hello")
	return fake, cancel
}

func TestAgentHelloCarriesInterfaceStatus(t *testing.T) {
	dev := NewMemoryDevice()
	require.NoError(t, dev.ConfigurePeer(Peer{PublicKey: "K1", AllowedIPs: "10.0.0.2/32"}))

	fake, _ := startAgent(t, dev)

	hello := fake.framesOfType("hello")[0]
	status, ok := hello["interface_status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), status["peer_count"])
}

func TestAgentExecutesCommandAndReplies(t *testing.T) {
	dev := NewMemoryDevice()
	fake, _ := startAgent(t, dev)

	require.NoError(t, fake.send(map[string]any{
		"id":      "cmd_1",
		"type":    "command",
		"command": "add_peer",
		"params":  map[string]any{"public_key": "K9", "allowed_ips": "10.0.0.9/32"},
	}))

	require.Eventually(t, func() bool {
		return len(fake.framesOfType("command_result")) > 0
	}, 3*time.Second, 10*time.Millisecond)

	result := fake.framesOfType("command_result")[0]
	assert.Equal(t, "cmd_1", result["command_id"])
	assert.Equal(t, true, result["success"])

	peers, _ := dev.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "K9", peers[0].PublicKey)
}

func TestAgentReportsCommandFailure(t *testing.T) {
	dev := NewMemoryDevice()
	fake, _ := startAgent(t, dev)

	require.NoError(t, fake.send(map[string]any{
		"id":      "cmd_2",
		"type":    "command",
		"command": "add_peer",
		"params":  map[string]any{"allowed_ips": "10.0.0.9/32"},
	}))

	require.Eventually(t, func() bool {
		return len(fake.framesOfType("command_result")) > 0
	}, 3*time.Second, 10*time.Millisecond)

	result := fake.framesOfType("command_result")[0]
	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "public_key")
}

func TestAgentSendsKeepaliveAndStatus(t *testing.T) {
	fake, _ := startAgent(t, NewMemoryDevice())

	assert.Eventually(t, func() bool {
		return len(fake.framesOfType("ping")) > 0 && len(fake.framesOfType("status")) > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAgentReconnectBackoffResetsAfterSession(t *testing.T) {
	var connects atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects.Add(1)
		ws.Close()
	}))
	t.Cleanup(srv.Close)

	agent, err := New(Options{
		ServerURL: srv.URL,
		APIKey:    "hub-secret",
		Device:    NewMemoryDevice(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.Run(ctx)

	// Every dial succeeds and the session drops immediately. Because an
	// established session resets the backoff, reconnects keep the 1s
	// cadence; without the reset the delay doubles and the fourth
	// connect would not land for seven seconds.
	require.Eventually(t, func() bool { return connects.Load() >= 4 },
		5*time.Second, 50*time.Millisecond, "reconnect cadence did not stay at the minimum delay")
}
