// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"os"

	"grimm.is/flymesh/cmd"
	"grimm.is/flymesh/internal/brand"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s - %s

Usage: %s <command> [options]

Commands:
  server       Run the control plane
  hub-agent    Run the hub agent (peer-set executor)
  agent        Run a node agent
  version      Print version

Run '%s <command> -h' for command options.
`, brand.Name, brand.Description, brand.BinaryName, brand.BinaryName)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = cmd.RunServer(os.Args[2:])
	case "hub-agent":
		err = cmd.RunHubAgent(os.Args[2:])
	case "agent":
		err = cmd.RunAgent(os.Args[2:])
	case "version":
		fmt.Printf("%s %s\n", brand.BinaryName, brand.Version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", brand.BinaryName, err)
		os.Exit(1)
	}
}
