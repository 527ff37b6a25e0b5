// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"neve.256lights.llc/substrate/gc"
	"neve.256lights.llc/substrate/internal/config"
	"neve.256lights.llc/substrate/store"
	"neve.256lights.llc/substrate/storepath"
)

func newGCCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:           "gc",
		Short:         "manage GC roots and collect unreachable store paths",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.AddCommand(
		newGCCollectCommand(cfg),
		newGCAddRootCommand(cfg),
		newGCRemoveRootCommand(cfg),
		newGCListRootsCommand(cfg),
	)
	return c
}

func openCollector(cfg *config.Config) (*gc.Collector, error) {
	s, err := store.Open(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	return &gc.Collector{Store: s}, nil
}

func newGCCollectCommand(cfg **config.Config) *cobra.Command {
	var dryRun bool
	c := &cobra.Command{
		Use:           "collect",
		Short:         "delete every store path unreachable from a GC root",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting anything")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		collector, err := openCollector(*cfg)
		if err != nil {
			return err
		}
		var result *gc.Result
		if dryRun {
			result, err = collector.DryRun()
		} else {
			result, err = collector.Collect()
		}
		if err != nil {
			return err
		}
		for _, p := range result.Deleted {
			fmt.Println(p)
		}
		fmt.Printf("%d paths, %d bytes freed\n", len(result.Deleted), result.FreedBytes)
		return nil
	}
	return c
}

func newGCAddRootCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:           "add-root NAME PATH",
		Short:         "register a named GC root pointing at a store path",
		Args:          cobra.ExactArgs(2),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		collector, err := openCollector(*cfg)
		if err != nil {
			return err
		}
		p, err := storepath.ParsePath(args[1])
		if err != nil {
			return err
		}
		return collector.AddRoot(args[0], p)
	}
	return c
}

func newGCRemoveRootCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:           "remove-root NAME",
		Short:         "remove a named GC root",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		collector, err := openCollector(*cfg)
		if err != nil {
			return err
		}
		return collector.RemoveRoot(args[0])
	}
	return c
}

func newGCListRootsCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:           "list-roots",
		Short:         "list registered GC roots",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		collector, err := openCollector(*cfg)
		if err != nil {
			return err
		}
		roots, err := collector.ListRoots()
		if err != nil {
			return err
		}
		for _, r := range roots {
			fmt.Printf("%s -> %s\n", r.Name, r.Path)
		}
		return nil
	}
	return c
}
