// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"neve.256lights.llc/substrate/cache"
	"neve.256lights.llc/substrate/internal/config"
	"neve.256lights.llc/substrate/storepath"
)

func newCacheCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:           "cache",
		Short:         "push to and fetch from configured binary caches",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.AddCommand(
		newCachePushCommand(cfg),
		newCacheFetchCommand(cfg),
	)
	return c
}

func buildCache(cfg *config.Config) (*cache.Cache, error) {
	backends := make([]cache.Backend, 0, len(cfg.Caches))
	for _, d := range cfg.Caches {
		switch d.Kind {
		case "local":
			backends = append(backends, cache.NewLocalBackend(d.Name, d.Location, cfg.StoreDir, d.Priority, d.Writable))
		case "http":
			backends = append(backends, cache.NewHTTPBackend(d.Name, d.Location, cfg.StoreDir, d.Priority, d.Writable, nil))
		default:
			return nil, fmt.Errorf("cache: unknown backend kind %q for %q", d.Kind, d.Name)
		}
	}
	return &cache.Cache{StoreDir: cfg.StoreDir, Backends: backends}, nil
}

func newCachePushCommand(cfg **config.Config) *cobra.Command {
	var compression string
	c := &cobra.Command{
		Use:           "push PATH",
		Short:         "push a store path to every writable configured cache",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.Flags().StringVar(&compression, "compression", "gzip", "NAR compression: none, gzip, xz, or zstd")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		bc, err := buildCache(*cfg)
		if err != nil {
			return err
		}
		p, err := storepath.ParsePath(args[0])
		if err != nil {
			return err
		}
		format, err := parseCompression(compression)
		if err != nil {
			return err
		}
		return bc.Push(cmd.Context(), p, format)
	}
	return c
}

func newCacheFetchCommand(cfg **config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:           "fetch PATH",
		Short:         "fetch a store path from the first configured cache that has it",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		bc, err := buildCache(*cfg)
		if err != nil {
			return err
		}
		p, err := storepath.ParsePath(args[0])
		if err != nil {
			return err
		}
		return bc.Fetch(cmd.Context(), p)
	}
	return c
}

func parseCompression(name string) (cache.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return cache.None, nil
	case "gzip":
		return cache.Gzip, nil
	case "xz":
		return cache.Xz, nil
	case "zstd":
		return cache.Zstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}
