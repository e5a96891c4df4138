// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"flag"

	"grimm.is/flymesh/internal/config"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/logging"
	"grimm.is/flymesh/internal/nodeagent"
)

// RunAgent runs the node-side reconciler until shutdown.
func RunAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	configFile := fs.String("config", "", "path to config file")
	serverURL := fs.String("server", "", "control-plane URL (overrides config)")
	hostname := fs.String("hostname", "", "hostname to register under (overrides config)")
	role := fs.String("role", "", "node role: hub, app, db, ops, monitor (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	if *serverURL != "" {
		cfg.Agent.ServerURL = *serverURL
	}
	if *hostname != "" {
		cfg.Agent.Hostname = *hostname
	}
	if *role != "" {
		cfg.Agent.Role = *role
	}
	if cfg.Agent.ServerURL == "" {
		return errors.New(errors.KindValidation, "agent requires agent.server_url (or FLYMESH_SERVER_URL)")
	}

	log := logging.WithComponent("agent")

	agent, err := nodeagent.New(nodeagent.Options{
		ServerURL:         cfg.Agent.ServerURL,
		Hostname:          cfg.Agent.Hostname,
		Role:              cfg.Agent.Role,
		StateDir:          cfg.Agent.StateDir,
		Executor:          &nodeagent.LogExecutor{Log: log.WithComponent("executor")},
		ExtraHashFiles:    cfg.Agent.ExtraHashFiles,
		SyncInterval:      config.Duration(cfg.Agent.SyncInterval, 0),
		HeartbeatInterval: config.Duration(cfg.Agent.HeartbeatInterval, 0),
		PingInterval:      config.Duration(cfg.Agent.PingInterval, 0),
		Logger:            log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	return agent.Run(ctx)
}
