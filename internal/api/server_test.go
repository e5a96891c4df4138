// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flymesh/internal/config"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/integrity"
	"grimm.is/flymesh/internal/ipam"
	"grimm.is/flymesh/internal/registry"
)

const (
	testAdminToken = "test-admin-secret"
	testHubKey     = "test-hub-key"
)

type testEnv struct {
	srv  *Server
	http *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: &config.ServerConfig{
			AdminSecret: testAdminToken,
			HubAPIKey:   testHubKey,
		},
		Network: &config.NetworkConfig{
			OverlayCIDR:  "10.0.0.0/24",
			HubEndpoint:  "hub.example.com:51820",
			HubPublicKey: "HUB_PUBLIC_KEY",
		},
	}
	cfg.ApplyDefaults()

	pool, err := ipam.NewPool(cfg.Network.OverlayCIDR)
	require.NoError(t, err)
	store, err := registry.Open(":memory:", pool)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	verifier, err := integrity.FromConfig(cfg.Integrity)
	require.NoError(t, err)

	srv, err := NewServer(Options{
		Config:    cfg,
		Store:     store,
		Bus:       events.NewBus(events.Options{}),
		Integrity: integrity.NewService(store, verifier, nil),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, http: ts}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

// adminDo issues a request with the admin token and decodes the JSON
// body into a map.
func (e *testEnv) adminDo(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", testAdminToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// registerNode drives the agent registration endpoint directly.
func (e *testEnv) registerNode(t *testing.T, hostname, role, publicKey string) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"hostname":   hostname,
		"role":       role,
		"public_key": publicKey,
	})
	resp, err := http.Post(e.http.URL+"/api/v1/agent/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}

func TestAdminAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/api/v1/admin/nodes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/v1/admin/nodes", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, _ := env.adminDo(t, http.MethodGet, "/api/v1/admin/nodes", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAgentRegistrationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	out := env.registerNode(t, "app-01", "app", "K1")
	assert.Equal(t, float64(1), out["node_id"])
	assert.Equal(t, "10.0.0.2", out["overlay_ip"])
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "HUB_PUBLIC_KEY", out["hub_public_key"])

	// Config is refused while the node awaits approval.
	resp, err := http.Get(env.http.URL + "/api/v1/agent/config?hostname=app-01")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	code, _ := env.adminDo(t, http.MethodPost, "/api/v1/admin/nodes/1/approve", nil)
	require.Equal(t, http.StatusOK, code)

	resp, err = http.Get(env.http.URL + "/api/v1/agent/config?hostname=app-01")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "10.0.0.2", cfg["overlay_ip"])
	assert.Equal(t, "active", cfg["status"])
	assert.GreaterOrEqual(t, cfg["config_version"], float64(1))

	// Re-registration with the same identity returns the same lease.
	again := env.registerNode(t, "app-01", "app", "K1")
	assert.Equal(t, out["node_id"], again["node_id"])
	assert.Equal(t, out["overlay_ip"], again["overlay_ip"])
}

func TestHubSocketRejectsBadKey(t *testing.T) {
	env := newTestEnv(t)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/api/v1/ws/hub?api_key=wrong"), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, closeAuthFailed), "expected close %d, got %v", closeAuthFailed, err)
}

func TestHubSocketCommandRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/api/v1/ws/hub?api_key="+testHubKey), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var welcome map[string]any
	require.NoError(t, ws.ReadJSON(&welcome))
	assert.Equal(t, "welcome", welcome["type"])

	assert.Eventually(t, env.srv.Hub().Connected, 2*time.Second, 10*time.Millisecond)

	type result struct {
		frame map[string]any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		frame, err := env.srv.Hub().AddPeer(t.Context(), "PEER_KEY", "10.0.0.9/32", "")
		done <- result{frame, err}
	}()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var cmd map[string]any
	require.NoError(t, ws.ReadJSON(&cmd))
	assert.Equal(t, "command", cmd["type"])
	assert.Equal(t, "add_peer", cmd["command"])
	params, _ := cmd["params"].(map[string]any)
	assert.Equal(t, "PEER_KEY", params["public_key"])
	assert.Equal(t, "10.0.0.9/32", params["allowed_ips"])

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":       "command_result",
		"command_id": cmd["id"],
		"success":    true,
		"data":       map[string]any{"status": "added"},
	}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, true, r.frame["success"])
	case <-time.After(3 * time.Second):
		t.Fatal("command did not resolve")
	}
}

func TestHubSyncEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.registerNode(t, "app-01", "app", "K1")
	env.registerNode(t, "db-01", "db", "K2")
	code, _ := env.adminDo(t, http.MethodPost, "/api/v1/admin/nodes/1/approve", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = env.adminDo(t, http.MethodPost, "/api/v1/admin/nodes/2/approve", nil)
	require.Equal(t, http.StatusOK, code)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/api/v1/ws/hub?api_key="+testHubKey), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var welcome map[string]any
	require.NoError(t, ws.ReadJSON(&welcome))

	// Fake hub: answer every command; the one we care about is
	// sync_peers carrying both active /32 leases.
	syncPeers := make(chan []any, 4)
	go func() {
		for {
			var cmd map[string]any
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd["command"] == "sync_peers" {
				params, _ := cmd["params"].(map[string]any)
				peers, _ := params["peers"].([]any)
				syncPeers <- peers
			}
			_ = ws.WriteJSON(map[string]any{
				"type":       "command_result",
				"command_id": cmd["id"],
				"success":    true,
				"data": map[string]any{
					"added": 2, "removed": 0, "updated": 0, "unchanged": 0,
				},
			})
		}
	}()

	assert.Eventually(t, env.srv.Hub().Connected, 2*time.Second, 10*time.Millisecond)

	code, out := env.adminDo(t, http.MethodPost, "/api/v1/admin/hub/sync", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(2), out["peer_count"])
	result, _ := out["result"].(map[string]any)
	assert.Equal(t, float64(2), result["added"])

	select {
	case peers := <-syncPeers:
		require.Len(t, peers, 2)
		ips := map[string]bool{}
		for _, p := range peers {
			m, _ := p.(map[string]any)
			ips[m["allowed_ips"].(string)] = true
		}
		assert.True(t, ips["10.0.0.2/32"])
		assert.True(t, ips["10.0.0.3/32"])
	case <-time.After(3 * time.Second):
		t.Fatal("sync_peers never reached the hub")
	}
}

func TestAgentSocketRejectsUnknownNode(t *testing.T) {
	env := newTestEnv(t)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/api/v1/ws/agent/ghost?public_key=K9"), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, closeAuthFailed), "expected close %d, got %v", closeAuthFailed, err)
}

func TestAgentSocketPushChannel(t *testing.T) {
	env := newTestEnv(t)

	env.registerNode(t, "app-01", "app", "K1")
	code, _ := env.adminDo(t, http.MethodPost, "/api/v1/admin/nodes/1/approve", nil)
	require.Equal(t, http.StatusOK, code)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/api/v1/ws/agent/app-01?public_key=K1"), nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Eventually(t, func() bool {
		return env.srv.Nodes().ConnectedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var pong map[string]any
	require.NoError(t, ws.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	sent := env.srv.Nodes().NotifyConfigUpdate(nil, 7)
	assert.Equal(t, 1, sent)
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var push map[string]any
	require.NoError(t, ws.ReadJSON(&push))
	assert.Equal(t, "config_updated", push["type"])
	assert.Equal(t, float64(7), push["config_version"])

	require.True(t, env.srv.Nodes().NotifyStatusChange("app-01", "suspended"))
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var status map[string]any
	require.NoError(t, ws.ReadJSON(&status))
	assert.Equal(t, "status_changed", status["type"])
	assert.Equal(t, "suspended", status["new_status"])
}

func TestAgentSocketHeartbeat(t *testing.T) {
	env := newTestEnv(t)

	env.registerNode(t, "app-01", "app", "K1")
	code, _ := env.adminDo(t, http.MethodPost, "/api/v1/admin/nodes/1/approve", nil)
	require.Equal(t, http.StatusOK, code)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/api/v1/ws/agent/app-01?public_key=K1"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":           "heartbeat",
		"config_version": 3,
		"metrics":        map[string]any{"cpu_percent": 12.5},
	}))
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ack map[string]any
	require.NoError(t, ws.ReadJSON(&ack))
	assert.Equal(t, "heartbeat_ack", ack["type"])

	assert.Eventually(t, func() bool {
		agents := env.srv.Nodes().Agents()
		return len(agents) == 1 && agents[0].ConfigVersion == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendCommandCallerCancellation(t *testing.T) {
	env := newTestEnv(t)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/api/v1/ws/hub?api_key="+testHubKey), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var welcome map[string]any
	require.NoError(t, ws.ReadJSON(&welcome))
	assert.Eventually(t, env.srv.Hub().Connected, 2*time.Second, 10*time.Millisecond)

	// Never answer the command; abort from the caller's side instead.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.srv.Hub().SendCommand(ctx, "get_status", nil, time.Minute)
		done <- err
	}()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var cmd map[string]any
	require.NoError(t, ws.ReadJSON(&cmd))
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errors.KindCanceled, errors.GetKind(err),
			"caller cancellation must not read as a timeout")
	case <-time.After(3 * time.Second):
		t.Fatal("SendCommand did not return after cancellation")
	}
}
