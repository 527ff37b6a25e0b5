// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package sandbox implements the sandboxed builder executor: allocating a
// scratch build tree, materializing input links, launching the builder
// process under whichever isolation backend is available, and reporting
// where each declared output landed.
//
// Three backends share one operation set, dispatched through a tagged
// variant rather than an inheritance hierarchy: [Native] uses Linux
// namespaces and a chroot, [Container] shells out to an external
// container runtime, and [Simple] merely changes directory into the
// scratch tree with no isolation.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Backend identifies one of the three isolation strategies.
type Backend int8

const (
	// Native provides OS-level filesystem and network isolation via
	// unprivileged Linux namespaces. Available on Linux with
	// user-namespace support.
	Native Backend = 1 + iota
	// Container isolates the build inside an external container
	// runtime (docker or podman). Available wherever that runtime is
	// installed.
	Container
	// Simple changes directory into the scratch tree and performs no
	// isolation. The universal fallback.
	Simple
)

func (b Backend) String() string {
	switch b {
	case Native:
		return "native"
	case Container:
		return "container"
	case Simple:
		return "simple"
	default:
		return "invalid"
	}
}

// SandboxError reports that sandbox setup itself failed (namespace,
// mount, or container runtime failure), as distinct from the builder
// process failing once launched.
type SandboxError struct {
	Backend Backend
	Reason  string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox: %s backend: %s", e.Backend, e.Reason)
}

// BuildFailedError reports that the builder process exited non-zero or
// was killed (for example, by a timeout).
type BuildFailedError struct {
	Log     string
	Timeout bool
	Err     error
}

func (e *BuildFailedError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("build failed: timed out: %v", e.Err)
	}
	return fmt.Sprintf("build failed: %v", e.Err)
}

func (e *BuildFailedError) Unwrap() error { return e.Err }

// InputLink describes one symlink to materialize under build/inputs/
// before the builder runs.
type InputLink struct {
	// Name is the symlink's base name, conventionally "<name>-<out>".
	Name string
	// Target is the real filesystem path the symlink should point at.
	Target string
}

// Options configures one invocation of a sandboxed build.
type Options struct {
	// Scratch is the build root: a fresh, empty scratch directory the
	// executor populates with build/, build/tmp/, and output/<name>/
	// subdirectories.
	Scratch string
	// StoreDir is the store's root directory, exposed read-only inside
	// the sandbox.
	StoreDir string

	Builder string
	Args    []string
	// Env is layered on top of the standard sandbox environment
	// (HOME, PWD, TMPDIR, NIX_BUILD_TOP, NIX_BUILD_CORES, name,
	// version, system, and one variable per output); entries here
	// override those defaults on key collision.
	Env map[string]string

	Name, Version, System string
	// Outputs lists the output names to create directories for under
	// Scratch/output/.
	Outputs []string
	// Inputs are symlinked into Scratch/build/inputs/ before the
	// builder runs.
	Inputs []InputLink

	Cores   int
	Network bool
	Timeout time.Duration

	Stdout, Stderr io.Writer

	// KeepFailed, if true, preserves the scratch tree after a failed
	// build instead of removing it.
	KeepFailed bool
}

// Result reports where each declared output landed inside the (now
// relocated, if the backend moved things) build tree.
type Result struct {
	// OutputPaths maps output name to its absolute filesystem path,
	// valid for the caller to read once Execute returns successfully.
	OutputPaths map[string]string
}

// Executor runs one builder invocation under some isolation strategy.
type Executor interface {
	Backend() Backend
	// Available reports whether this backend can be used in the
	// current environment.
	Available() bool
	// Execute runs the builder per opts. On a non-zero exit or a
	// timeout, it returns a *BuildFailedError; on sandbox setup
	// failure, a *SandboxError.
	Execute(ctx context.Context, opts *Options) (*Result, error)
}

// Select returns the most isolating [Executor] available in the current
// environment: Native, then Container, then the universal Simple
// fallback.
func Select() Executor {
	candidates := []Executor{&nativeExecutor{}, &containerExecutor{}, &simpleExecutor{}}
	for _, c := range candidates {
		if c.Available() {
			return c
		}
	}
	return &simpleExecutor{}
}

// ForBackend returns the executor for a specific backend, for callers
// (such as command-line configuration) that want to pin the choice
// instead of letting [Select] probe for availability.
func ForBackend(b Backend) (Executor, error) {
	var e Executor
	switch b {
	case Native:
		e = &nativeExecutor{}
	case Container:
		e = &containerExecutor{}
	case Simple:
		e = &simpleExecutor{}
	default:
		return nil, fmt.Errorf("sandbox: unknown backend %v", b)
	}
	if !e.Available() {
		return nil, &SandboxError{Backend: b, Reason: "backend not available on this host"}
	}
	return e, nil
}

// prepareScratch creates the standard scratch tree: build/, build/tmp/,
// and output/<name>/ for each declared output, then returns the build
// directory path.
func prepareScratch(opts *Options) (buildDir string, err error) {
	buildDir = filepath.Join(opts.Scratch, "build")
	for _, dir := range []string{buildDir, filepath.Join(buildDir, "tmp"), filepath.Join(buildDir, "inputs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	for _, name := range opts.Outputs {
		if err := os.MkdirAll(filepath.Join(opts.Scratch, "output", name), 0o755); err != nil {
			return "", err
		}
	}
	for _, link := range opts.Inputs {
		dst := filepath.Join(buildDir, "inputs", link.Name)
		if err := os.Symlink(link.Target, dst); err != nil {
			return "", fmt.Errorf("materialize input link %s: %v", link.Name, err)
		}
	}
	return buildDir, nil
}

// outputPath returns the absolute scratch-relative path of the named
// output directory.
func outputPath(scratch, name string) string {
	return filepath.Join(scratch, "output", name)
}

// baseEnv computes the standard sandbox environment described by the
// sandbox contract, before the derivation's own Env is layered on top.
func baseEnv(opts *Options, workDir string) map[string]string {
	env := map[string]string{
		"HOME":           workDir,
		"PWD":            workDir,
		"TMPDIR":         filepath.Join(workDir, "tmp"),
		"TEMP":           filepath.Join(workDir, "tmp"),
		"TEMPDIR":        filepath.Join(workDir, "tmp"),
		"TMP":            filepath.Join(workDir, "tmp"),
		"NIX_BUILD_TOP":  workDir,
		"NIX_BUILD_CORES": fmt.Sprint(max(opts.Cores, 1)),
		"name":           opts.Name,
		"version":        opts.Version,
		"system":         opts.System,
	}
	for _, name := range opts.Outputs {
		env[name] = outputPath(opts.Scratch, name)
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	return env
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func collectOutputPaths(opts *Options) map[string]string {
	result := make(map[string]string, len(opts.Outputs))
	for _, name := range opts.Outputs {
		result[name] = outputPath(opts.Scratch, name)
	}
	return result
}

func cleanupScratch(opts *Options, buildFailed bool) {
	if buildFailed && opts.KeepFailed {
		return
	}
	os.RemoveAll(opts.Scratch)
}
