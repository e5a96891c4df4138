// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nodeagent

import (
	"context"
	"os"
	"sync"
	"time"

	"grimm.is/flymesh/internal/brand"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/host"
	"grimm.is/flymesh/internal/logging"
)

// Options configures the node agent.
type Options struct {
	// ServerURL is the control-plane base URL.
	ServerURL string
	// Hostname to register under; defaults to os.Hostname.
	Hostname string
	// Role classifies the node (hub, app, db, ops, monitor).
	Role string
	// StateDir holds the keypair.
	StateDir string
	// Executor applies fetched configs; defaults to LogExecutor.
	Executor Executor
	// ExtraHashFiles widens the integrity hash set.
	ExtraHashFiles []string

	SyncInterval      time.Duration // canonical config poll, default 60s
	HeartbeatInterval time.Duration // default 30s
	PingInterval      time.Duration // push channel keepalive, default 30s

	Logger *logging.Logger
}

// Agent is the node-side reconciler. It registers, waits for approval,
// then converges the local executor on every config_updated push or
// sync tick, applying only strictly newer config versions.
type Agent struct {
	opts   Options
	client *Client
	hasher *SelfHasher
	log    *logging.Logger

	keys *Keypair
	push *pushClient

	// syncCh coalesces sync triggers from pushes and tickers.
	syncCh chan struct{}

	mu          sync.Mutex
	lastApplied int64
	overlayIP   string
}

// New validates opts and builds the agent. The keypair is created on
// first run.
func New(opts Options) (*Agent, error) {
	if opts.ServerURL == "" {
		return nil, errors.New(errors.KindValidation, "nodeagent: server URL is required")
	}
	if opts.Hostname == "" {
		hn, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "resolve hostname")
		}
		opts.Hostname = hn
	}
	if opts.Role == "" {
		opts.Role = "app"
	}
	if opts.StateDir == "" {
		opts.StateDir = brand.DefaultStateDir
	}
	if opts.Executor == nil {
		opts.Executor = &LogExecutor{}
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 60 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.WithComponent("agent")
	}

	keys, err := LoadOrGenerateKeypair(opts.StateDir)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		opts:   opts,
		client: NewClient(opts.ServerURL),
		hasher: NewSelfHasher(opts.ExtraHashFiles),
		log:    log,
		keys:   keys,
		syncCh: make(chan struct{}, 1),
	}
	a.push = &pushClient{
		baseURL:         opts.ServerURL,
		hostname:        opts.Hostname,
		publicKey:       keys.Public.String(),
		pingInterval:    opts.PingInterval,
		log:             log.WithComponent("push"),
		onConfigUpdated: a.requestSync,
		onStatusChanged: a.onStatusChanged,
	}
	return a, nil
}

// PublicKey returns the node's tunnel identity.
func (a *Agent) PublicKey() string { return a.keys.Public.String() }

// LastApplied returns the config version currently in effect.
func (a *Agent) LastApplied() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastApplied
}

// Run registers, waits for approval, then reconciles until ctx dies.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("Starting node agent",
		"hostname", a.opts.Hostname, "role", a.opts.Role,
		"public_key", a.keys.Public.String())

	if err := a.register(ctx); err != nil {
		return err
	}
	if err := a.waitForApproval(ctx); err != nil {
		return err
	}

	// Initial convergence before the loops start.
	if err := a.syncConfig(ctx); err != nil {
		a.log.WithError(err).Warn("Initial config sync failed")
	}

	go a.push.run(ctx)
	go a.heartbeatLoop(ctx)

	ticker := time.NewTicker(a.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Node agent shutting down")
			return nil
		case <-ticker.C:
			a.requestSync()
		case <-a.syncCh:
			if err := a.syncConfig(ctx); err != nil {
				a.log.WithError(err).Warn("Config sync failed")
			}
		}
	}
}

// register admits the node, retrying with backoff until the control
// plane answers.
func (a *Agent) register(ctx context.Context) error {
	info := host.Collect()
	delay := 2 * time.Second

	for {
		resp, err := a.client.Register(ctx, a.opts.Hostname, a.opts.Role,
			a.keys.Public.String(), info.OSInfo, brand.Version)
		if err == nil {
			a.mu.Lock()
			a.overlayIP = resp.OverlayIP
			a.mu.Unlock()
			a.log.Info("Registered with control plane",
				"node_id", resp.NodeID, "overlay_ip", resp.OverlayIP, "status", resp.Status)
			return nil
		}

		a.log.WithError(err).Warn("Registration failed", "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 60*time.Second {
			delay *= 2
		}
	}
}

// waitForApproval polls the config endpoint until the node is active.
// A 403 means the admission is still pending.
func (a *Agent) waitForApproval(ctx context.Context) error {
	for {
		cfg, err := a.client.GetConfig(ctx, a.opts.Hostname)
		switch {
		case err == nil && cfg.Status == "active":
			a.log.Info("Node approved")
			return nil
		case err == nil:
			a.log.Info("Waiting for approval", "status", cfg.Status)
		case errors.IsKind(err, errors.KindUnauthorized):
			a.log.Info("Waiting for approval")
		default:
			a.log.WithError(err).Warn("Approval check failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
}

// requestSync coalesces triggers; a sync already queued absorbs the
// new one.
func (a *Agent) requestSync() {
	select {
	case a.syncCh <- struct{}{}:
	default:
	}
}

func (a *Agent) onStatusChanged(status string) {
	a.log.Warn("Lifecycle status changed", "new_status", status)
	// A node dropped from active will see 403s on its next sync; no
	// local action beyond logging.
}

// syncConfig fetches the canonical config and applies it when its
// version is strictly newer than the last applied one.
func (a *Agent) syncConfig(ctx context.Context) error {
	cfg, err := a.client.GetConfig(ctx, a.opts.Hostname)
	if err != nil {
		return err
	}

	a.mu.Lock()
	last := a.lastApplied
	a.mu.Unlock()

	if cfg.ConfigVersion <= last {
		a.log.Debug("Config unchanged", "version", cfg.ConfigVersion)
		return nil
	}

	a.log.Info("Applying config", "from_version", last, "to_version", cfg.ConfigVersion,
		"peers", len(cfg.Peers), "acl_rules", len(cfg.ACLRules))

	// Peers before ACLs: the filter may reference tunnel addresses
	// that only route once the peer set is in place.
	if err := a.opts.Executor.ApplyPeers(cfg.Peers); err != nil {
		return errors.Wrap(err, errors.KindInternal, "apply peers")
	}
	if err := a.opts.Executor.ApplyACLs(cfg.ACLRules); err != nil {
		return errors.Wrap(err, errors.KindInternal, "apply acl rules")
	}

	a.mu.Lock()
	a.lastApplied = cfg.ConfigVersion
	a.overlayIP = cfg.OverlayIP
	a.mu.Unlock()
	return nil
}

// heartbeatLoop reports liveness, host metrics and the integrity hash.
// The push channel carries the heartbeat when it is up; otherwise the
// HTTP endpoint does, which also drives the polling fallback via the
// config_changed flag.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		metrics := host.CollectMetrics().Map()
		hash := ""
		if report, err := a.hasher.Report(); err == nil {
			hash = report.CombinedHash
		} else {
			a.log.WithError(err).Warn("Integrity self-hash failed")
		}

		version := a.LastApplied()
		if a.push.sendHeartbeat(version, metrics, hash) {
			continue
		}

		resp, err := a.client.Heartbeat(ctx, a.opts.Hostname, a.keys.Public.String(),
			brand.Version, version, metrics, hash)
		if err != nil {
			a.log.WithError(err).Warn("Heartbeat failed")
			continue
		}
		if resp.ConfigChanged {
			a.log.Info("Heartbeat indicates newer config")
			a.requestSync()
		}
	}
}
