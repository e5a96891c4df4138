// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"flag"

	"grimm.is/flymesh/internal/config"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/hubagent"
	"grimm.is/flymesh/internal/logging"
)

// RunHubAgent runs the hub-side peer-set executor until shutdown.
func RunHubAgent(args []string) error {
	fs := flag.NewFlagSet("hub-agent", flag.ExitOnError)
	configFile := fs.String("config", "", "path to config file")
	serverURL := fs.String("server", "", "control-plane URL (overrides config)")
	iface := fs.String("interface", "", "tunnel interface (overrides config)")
	memDevice := fs.Bool("memory-device", false, "use the in-memory device instead of the kernel interface")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	if *serverURL != "" {
		cfg.Hub.ServerURL = *serverURL
	}
	if *iface != "" {
		cfg.Hub.Interface = *iface
	}
	if cfg.Hub.ServerURL == "" {
		return errors.New(errors.KindValidation, "hub-agent requires hub.server_url (or FLYMESH_SERVER_URL)")
	}
	if cfg.Hub.APIKey == "" {
		return errors.New(errors.KindValidation, "hub-agent requires hub.api_key (or HUB_AGENT_API_KEY)")
	}

	log := logging.WithComponent("hub-agent")

	var device hubagent.Device
	if *memDevice {
		log.Warn("Using in-memory device; peer mutations will not reach the kernel")
		device = hubagent.NewMemoryDevice()
	} else {
		wg, err := hubagent.NewWGDevice(cfg.Hub.Interface)
		if err != nil {
			return err
		}
		defer wg.Close()
		device = wg
		log.Info("Attached to tunnel interface", "interface", cfg.Hub.Interface)
	}

	agent, err := hubagent.New(hubagent.Options{
		ServerURL:      cfg.Hub.ServerURL,
		APIKey:         cfg.Hub.APIKey,
		Device:         device,
		PingInterval:   config.Duration(cfg.Hub.PingInterval, 0),
		StatusInterval: config.Duration(cfg.Hub.StatusInterval, 0),
		Logger:         log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	return agent.Run(ctx)
}
