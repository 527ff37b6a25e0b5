// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"context"
	"io"
	"os/exec"
)

// simpleExecutor runs the builder directly in the scratch build
// directory with no filesystem or network isolation. It is always
// available and is the backend of last resort.
type simpleExecutor struct{}

func (*simpleExecutor) Backend() Backend { return Simple }
func (*simpleExecutor) Available() bool  { return true }

func (e *simpleExecutor) Execute(ctx context.Context, opts *Options) (*Result, error) {
	buildDir, err := prepareScratch(opts)
	if err != nil {
		return nil, &SandboxError{Backend: Simple, Reason: err.Error()}
	}

	var logBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, opts.Builder, opts.Args...)
	cmd.Dir = buildDir
	cmd.Env = sortedEnv(baseEnv(opts, buildDir))
	cmd.Stdout = io.MultiWriter(opts.Stdout, &logBuf)
	cmd.Stderr = io.MultiWriter(opts.Stderr, &logBuf)

	if err := cmd.Run(); err != nil {
		cleanupScratch(opts, true)
		return nil, &BuildFailedError{Log: logBuf.String(), Timeout: ctx.Err() != nil, Err: err}
	}

	return &Result{OutputPaths: collectOutputPaths(opts)}, nil
}
