// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the control plane over HTTP: the agent-facing
// registration and config endpoints, the admin REST surface, and the
// two websocket channels (hub command channel, node push channel).
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flymesh/internal/brand"
	"grimm.is/flymesh/internal/config"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/integrity"
	"grimm.is/flymesh/internal/logging"
	"grimm.is/flymesh/internal/registry"
)

// HTTPConfig holds HTTP server hardening limits.
type HTTPConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration // Body read limit
	WriteTimeout      time.Duration // Response timeout
	IdleTimeout       time.Duration // Keep-alive timeout
	MaxHeaderBytes    int           // Header size limit
	MaxBodyBytes      int64         // Request body size limit
}

// DefaultHTTPConfig returns the default server limits.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,  // 64KB
		MaxBodyBytes:      10 << 20, // 10MB
	}
}

// Server handles API requests.
type Server struct {
	cfg       *config.Config
	store     *registry.Store
	bus       *events.Bus
	integrity *integrity.Service
	log       *logging.Logger
	httpCfg   *HTTPConfig

	hub   *HubManager
	nodes *NodeManager

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	started  time.Time

	srvMu   sync.Mutex
	httpSrv *http.Server
}

// Options holds dependencies for the API server.
type Options struct {
	Config    *config.Config
	Store     *registry.Store
	Bus       *events.Bus
	Integrity *integrity.Service
	Logger    *logging.Logger
	HTTP      *HTTPConfig
}

// NewServer creates the API server and registers its event handlers on
// the bus. The websocket read deadlines assume agents ping every 30s.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New(errors.KindValidation, "api: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New(errors.KindValidation, "api: store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New(errors.KindValidation, "api: event bus is required")
	}
	if opts.Integrity == nil {
		return nil, errors.New(errors.KindValidation, "api: integrity service is required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.WithComponent("api")
	}
	httpCfg := opts.HTTP
	if httpCfg == nil {
		httpCfg = DefaultHTTPConfig()
	}

	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		bus:       opts.Bus,
		integrity: opts.Integrity,
		log:       log,
		httpCfg:   httpCfg,
		hub:       NewHubManager(30*time.Second, log),
		nodes:     NewNodeManager(30*time.Second, log),
		started:   time.Now().UTC(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Agents are headless processes, not browsers; origin
			// checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.initRoutes()
	s.registerEventHandlers()
	return s, nil
}

// Hub returns the hub command channel manager.
func (s *Server) Hub() *HubManager { return s.hub }

// Nodes returns the node push channel manager.
func (s *Server) Nodes() *NodeManager { return s.nodes }

// publish delivers events off the request path. Mutation responses must
// not wait out hub command round-trips or handler retries, so delivery
// runs on a detached goroutine; order within one mutation's batch is
// preserved.
func (s *Server) publish(evts ...events.Event) {
	if len(evts) == 0 {
		return
	}
	go func() {
		ctx := context.Background()
		for _, evt := range evts {
			s.bus.PublishAsync(ctx, evt)
		}
	}()
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	// Public endpoints.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Agent endpoints. Registration is open by design; everything a
	// node learns before approval is inert without an approved lease.
	mux.HandleFunc("POST /api/v1/agent/register", s.handleAgentRegister)
	mux.HandleFunc("GET /api/v1/agent/config", s.handleAgentConfig)
	mux.HandleFunc("POST /api/v1/agent/heartbeat", s.handleAgentHeartbeat)

	// Websocket channels. Auth happens after the upgrade so the close
	// frame can carry a reason the client library surfaces.
	mux.HandleFunc("GET /api/v1/ws/hub", s.handleHubSocket)
	mux.HandleFunc("GET /api/v1/ws/agent/{hostname}", s.handleAgentSocket)

	admin := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.requireAdmin(h))
	}

	// Node lifecycle.
	admin("GET /api/v1/admin/nodes", s.handleListNodes)
	admin("GET /api/v1/admin/nodes/{id}", s.handleGetNode)
	admin("DELETE /api/v1/admin/nodes/{id}", s.handleDeleteNode)
	admin("POST /api/v1/admin/nodes/{id}/approve", s.handleApproveNode)
	admin("POST /api/v1/admin/nodes/{id}/suspend", s.handleSuspendNode)
	admin("POST /api/v1/admin/nodes/{id}/revoke", s.handleRevokeNode)
	admin("GET /api/v1/admin/nodes/{id}/trust-score", s.handleNodeTrustScore)
	admin("GET /api/v1/admin/nodes/{id}/integrity", s.handleNodeIntegrity)
	admin("POST /api/v1/admin/nodes/{id}/integrity/approve", s.handleApproveNodeHash)
	admin("PUT /api/v1/admin/nodes/{id}/integrity/hash", s.handleSetNodeHash)
	admin("POST /api/v1/admin/integrity/global-hash", s.handleSetGlobalHash)

	// Role-pair ACL policies.
	admin("GET /api/v1/admin/policies", s.handleListACLRules)
	admin("POST /api/v1/admin/policies", s.handleCreateACLRule)
	admin("GET /api/v1/admin/policies/{id}", s.handleGetACLRule)
	admin("PUT /api/v1/admin/policies/{id}", s.handleUpdateACLRule)
	admin("DELETE /api/v1/admin/policies/{id}", s.handleDeleteACLRule)

	// Identity-aware access control: users.
	admin("POST /api/v1/admin/access/users", s.handleCreateUser)
	admin("GET /api/v1/admin/access/users", s.handleListUsers)
	admin("GET /api/v1/admin/access/users/{user_id}", s.handleGetUser)
	admin("PUT /api/v1/admin/access/users/{user_id}", s.handleUpdateUser)
	admin("DELETE /api/v1/admin/access/users/{user_id}", s.handleDeleteUser)
	admin("GET /api/v1/admin/access/users/{user_id}/groups", s.handleUserGroups)

	// Identity-aware access control: groups and membership.
	admin("POST /api/v1/admin/access/groups", s.handleCreateGroup)
	admin("GET /api/v1/admin/access/groups", s.handleListGroups)
	admin("GET /api/v1/admin/access/groups/{group_name}", s.handleGetGroup)
	admin("PUT /api/v1/admin/access/groups/{group_name}", s.handleUpdateGroup)
	admin("DELETE /api/v1/admin/access/groups/{group_name}", s.handleDeleteGroup)
	admin("GET /api/v1/admin/access/groups/{group_name}/members", s.handleGroupMembers)
	admin("POST /api/v1/admin/access/groups/{group_name}/members", s.handleAddMember)
	admin("POST /api/v1/admin/access/groups/{group_name}/members/bulk", s.handleBulkAddMembers)
	admin("DELETE /api/v1/admin/access/groups/{group_name}/members/{user_id}", s.handleRemoveMember)

	// Identity-aware access control: policies and evaluation.
	admin("POST /api/v1/admin/access/policies", s.handleCreatePolicy)
	admin("GET /api/v1/admin/access/policies", s.handleListPolicies)
	admin("GET /api/v1/admin/access/policies/{id}", s.handleGetPolicy)
	admin("PUT /api/v1/admin/access/policies/{id}", s.handleUpdatePolicy)
	admin("DELETE /api/v1/admin/access/policies/{id}", s.handleDeletePolicy)
	admin("POST /api/v1/admin/access/evaluate", s.handleEvaluateAccess)
	admin("GET /api/v1/admin/access/evaluate/{user_id}/domain/{domain}", s.handleQuickDomainCheck)
	admin("GET /api/v1/admin/access/templates", s.handleListTemplates)
	admin("POST /api/v1/admin/access/templates/instantiate", s.handleInstantiateTemplate)

	// Client devices.
	admin("POST /api/v1/admin/devices", s.handleRegisterDevice)
	admin("GET /api/v1/admin/devices", s.handleListDevices)
	admin("GET /api/v1/admin/devices/{device_id}", s.handleGetDevice)
	admin("POST /api/v1/admin/devices/{device_id}/revoke", s.handleRevokeDevice)
	admin("DELETE /api/v1/admin/devices/{device_id}", s.handleDeleteDevice)

	// Network, audit, event history.
	admin("GET /api/v1/admin/network/stats", s.handleNetworkStats)
	admin("GET /api/v1/admin/network/allocations", s.handleAllocations)
	admin("GET /api/v1/admin/audit", s.handleQueryAudit)
	admin("GET /api/v1/admin/events", s.handleQueryEvents)

	// Hub channel.
	admin("GET /api/v1/admin/hub/status", s.handleHubStatus)
	admin("POST /api/v1/admin/hub/sync", s.handleHubSync)
	admin("GET /api/v1/admin/hub/peers", s.handleHubPeers)
	admin("POST /api/v1/admin/hub/peers", s.handleHubAddPeer)
	admin("DELETE /api/v1/admin/hub/peers/{public_key}", s.handleHubRemovePeer)
	admin("GET /api/v1/admin/ws/status", s.handleWSStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        brand.LowerName,
		"version":        brand.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.maxBodyMiddleware(s.httpCfg.MaxBodyBytes)(s.mux))
}

// Start runs the HTTP server until Shutdown is called. Websocket
// connections bypass the write timeout by hijacking the connection.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.httpCfg.ReadHeaderTimeout,
		ReadTimeout:       s.httpCfg.ReadTimeout,
		WriteTimeout:      s.httpCfg.WriteTimeout,
		IdleTimeout:       s.httpCfg.IdleTimeout,
		MaxHeaderBytes:    s.httpCfg.MaxHeaderBytes,
	}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()

	s.log.Info("API server starting", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and closes both websocket
// channels.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.httpSrv
	s.srvMu.Unlock()

	s.nodes.CloseAll()
	s.hub.Close()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// RunHubSyncLoop reconciles the hub's peer table against the registry
// on a fixed cadence until ctx is canceled. Event-driven add/remove
// keeps the hub current in the normal case; this loop repairs drift
// after hub restarts or missed commands.
func (s *Server) RunHubSyncLoop(ctx context.Context) {
	interval := config.Duration(s.cfg.Server.HubSyncInterval, 5*time.Minute)
	s.log.Info("Starting hub sync loop", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping hub sync loop")
			return
		case <-ticker.C:
			if !s.hub.Connected() {
				continue
			}
			syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			result, count, err := s.syncHubPeers(syncCtx)
			cancel()
			if err != nil {
				s.log.WithError(err).Warn("Periodic hub sync failed")
				continue
			}
			s.log.Info("Periodic hub sync complete", "peers", count,
				"added", result["added"], "removed", result["removed"],
				"updated", result["updated"], "unchanged", result["unchanged"])
		}
	}
}
