// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd holds the entrypoints behind the flymesh subcommands.
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"grimm.is/flymesh/internal/config"
	"grimm.is/flymesh/internal/logging"
)

// loadConfig reads the config file (or defaults when absent), layers
// the environment on top and installs the configured logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logging.New(cfg.LoggerConfig()))
	return cfg, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
