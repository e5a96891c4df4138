// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"flag"
	"time"

	"grimm.is/flymesh/internal/api"
	"grimm.is/flymesh/internal/errors"
	"grimm.is/flymesh/internal/events"
	"grimm.is/flymesh/internal/integrity"
	"grimm.is/flymesh/internal/ipam"
	"grimm.is/flymesh/internal/logging"
	"grimm.is/flymesh/internal/metrics"
	"grimm.is/flymesh/internal/registry"
)

// RunServer wires and runs the control plane until SIGINT/SIGTERM.
func RunServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := fs.String("config", "", "path to config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if cfg.Server.AdminSecret == "" && cfg.Server.AdminSecretHash == "" {
		return errors.New(errors.KindValidation,
			"server requires admin_secret or admin_secret_hash (or ADMIN_SECRET)")
	}
	log := logging.WithComponent("server")

	pool, err := ipam.NewPool(cfg.Network.OverlayCIDR)
	if err != nil {
		return err
	}
	store, err := registry.Open(cfg.Server.Database, pool)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("Registry open", "database", cfg.Server.Database, "overlay", pool.CIDR())

	// Seed the baseline rule set on first boot.
	seedRules := registry.DefaultSeedRules()
	if cfg.Server.SeedFile != "" {
		seedRules, err = registry.LoadSeedRules(cfg.Server.SeedFile)
		if err != nil {
			return err
		}
	}
	ctx, stop := signalContext()
	defer stop()
	if n, err := store.SeedACLRules(ctx, seedRules); err != nil {
		return err
	} else if n > 0 {
		log.Info("Seeded baseline policies", "count", n)
	}

	verifier, err := integrity.FromConfig(cfg.Integrity)
	if err != nil {
		return err
	}
	integritySvc := integrity.NewService(store, verifier, logging.WithComponent("integrity"))

	collector := metrics.NewCollector(store, logging.WithComponent("metrics"), 30*time.Second)
	bus := events.NewBus(events.Options{
		Logger: logging.WithComponent("events"),
		Instr:  collector,
	})

	server, err := api.NewServer(api.Options{
		Config:    cfg,
		Store:     store,
		Bus:       bus,
		Integrity: integritySvc,
		Logger:    logging.WithComponent("api"),
	})
	if err != nil {
		return err
	}

	collector.Start()
	defer collector.Stop()
	go server.RunHubSyncLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Listen) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
