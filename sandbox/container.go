// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"context"
	"io"
	"os/exec"
)

// containerExecutor isolates the builder inside a container launched by
// an external runtime. docker is preferred; podman is used if docker is
// not on PATH.
type containerExecutor struct{}

func (*containerExecutor) Backend() Backend { return Container }

func (e *containerExecutor) runtime() string {
	for _, name := range []string{"docker", "podman"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func (e *containerExecutor) Available() bool {
	return e.runtime() != ""
}

func (e *containerExecutor) Execute(ctx context.Context, opts *Options) (*Result, error) {
	runtime := e.runtime()
	if runtime == "" {
		return nil, &SandboxError{Backend: Container, Reason: "no container runtime found on PATH"}
	}

	buildDir, err := prepareScratch(opts)
	if err != nil {
		return nil, &SandboxError{Backend: Container, Reason: err.Error()}
	}

	const containerBuild = "/build"
	const containerStore = "/store"

	args := []string{
		"run", "--rm",
		"-v", buildDir + ":" + containerBuild,
		"-v", opts.StoreDir + ":" + containerStore + ":ro",
		"-w", containerBuild,
	}
	if !opts.Network {
		args = append(args, "--network", "none")
	}
	for k, v := range baseEnv(opts, containerBuild) {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, "--entrypoint", opts.Builder, containerImage())
	args = append(args, opts.Args...)

	var logBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, runtime, args...)
	cmd.Stdout = io.MultiWriter(opts.Stdout, &logBuf)
	cmd.Stderr = io.MultiWriter(opts.Stderr, &logBuf)

	if err := cmd.Run(); err != nil {
		cleanupScratch(opts, true)
		return nil, &BuildFailedError{Log: logBuf.String(), Timeout: ctx.Err() != nil, Err: err}
	}

	return &Result{OutputPaths: collectOutputPaths(opts)}, nil
}

// containerImage is the minimal base image used to host the builder
// executable; it supplies nothing beyond a filesystem root, since the
// builder itself is bind-mounted in via the store volume.
func containerImage() string {
	return "scratch"
}
