// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"neve.256lights.llc/substrate/build"
	"neve.256lights.llc/substrate/internal/config"
	"neve.256lights.llc/substrate/sandbox"
	"neve.256lights.llc/substrate/store"
	"neve.256lights.llc/substrate/storepath"
)

type buildOptions struct {
	outLink    string
	network    bool
	keepFailed bool
	cores      int
	timeout    time.Duration
}

func newBuildCommand(cfg **config.Config) *cobra.Command {
	opts := new(buildOptions)
	c := &cobra.Command{
		Use:                   "build [options] DERIVATION",
		Short:                 "build a derivation and its input closure",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&opts.outLink, "out-link", "o", "result", "name of the output path symlink to create")
	c.Flags().BoolVar(&opts.network, "network", false, "allow builders network access")
	c.Flags().BoolVar(&opts.keepFailed, "keep-failed", false, "preserve the scratch tree of a failed build")
	c.Flags().IntVar(&opts.cores, "cores", 0, "NIX_BUILD_CORES-equivalent hint passed to builders")
	c.Flags().DurationVar(&opts.timeout, "timeout", 0, "maximum duration for a single builder invocation, 0 for none")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd, *cfg, args[0], opts)
	}
	return c
}

func runBuild(cmd *cobra.Command, cfg *config.Config, target string, opts *buildOptions) error {
	s, err := store.Open(cfg.StoreDir)
	if err != nil {
		return err
	}

	root, err := resolveTarget(cfg.StoreDir, target)
	if err != nil {
		return err
	}
	if !root.IsDerivationPath() {
		return fmt.Errorf("build: %s is not a derivation", root)
	}

	exec, err := selectExecutor(cfg.SandboxBackend)
	if err != nil {
		return err
	}

	coord := &build.Coordinator{
		Store:       s,
		Executor:    exec,
		Cores:       opts.cores,
		Network:     opts.network,
		Timeout:     opts.timeout,
		KeepFailed:  opts.keepFailed,
		ScratchBase: cfg.BuildDir,
	}
	if err := os.MkdirAll(cfg.BuildDir, 0o755); err != nil {
		return err
	}

	result, err := coord.Build(cmd.Context(), root)
	if err != nil {
		return err
	}

	for name, p := range result.Outputs {
		linkName := opts.outLink
		if name != "out" {
			linkName = opts.outLink + "-" + name
		}
		os.Remove(linkName)
		if err := os.Symlink(string(p), linkName); err != nil {
			return err
		}
		fmt.Println(p)
	}
	return nil
}

func resolveTarget(dir storepath.Directory, target string) (storepath.Path, error) {
	if p, err := storepath.ParsePath(target); err == nil {
		return p, nil
	}
	return dir.Object(target)
}

func selectExecutor(preference string) (sandbox.Executor, error) {
	switch preference {
	case "", "auto":
		return sandbox.Select(), nil
	case "native":
		return sandbox.ForBackend(sandbox.Native)
	case "container":
		return sandbox.ForBackend(sandbox.Container)
	case "simple":
		return sandbox.ForBackend(sandbox.Simple)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", preference)
	}
}
