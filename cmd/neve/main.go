// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Command neve is the command-line front end for the build substrate:
// building derivations, managing GC roots and collecting garbage, and
// pushing or fetching store paths from a binary cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"neve.256lights.llc/substrate/internal/config"
	"neve.256lights.llc/substrate/internal/logging"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "neve",
		Short:         "content-addressed build substrate",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	var configPaths []string
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", nil, "additional config file to merge (may be repeated)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	var cfg *config.Config
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logging.Init(*showDebug)
		paths := slices.Concat(defaultConfigPaths(), configPaths)
		loaded, err := config.Load(slices.Values(paths))
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	}

	rootCommand.AddCommand(
		newBuildCommand(&cfg),
		newGCCommand(&cfg),
		newCacheCommand(&cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		logging.Init(*showDebug)
		fmt.Fprintf(os.Stderr, "neve: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPaths() []string {
	return []string{"/etc/neve/neve.json", "/etc/neve/neve.jsonc"}
}
