// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSimpleExecutorRunsBuilder(t *testing.T) {
	scratch := t.TempDir()
	store := t.TempDir()

	script := filepath.Join(t.TempDir(), "builder.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho -n \"$name\" > \"$out\"/result\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	opts := &Options{
		Scratch: scratch,
		StoreDir: store,
		Builder:  "/bin/sh",
		Args:     []string{script},
		Name:     "greeting",
		Outputs:  []string{"out"},
		Stdout:   &stdout,
		Stderr:   &stderr,
	}

	e := &simpleExecutor{}
	if !e.Available() {
		t.Fatal("simpleExecutor reports unavailable")
	}
	result, err := e.Execute(context.Background(), opts)
	if err != nil {
		t.Fatalf("Execute: %v (stderr: %s)", err, stderr.String())
	}

	outPath, ok := result.OutputPaths["out"]
	if !ok {
		t.Fatal("result missing \"out\" output path")
	}
	content, err := os.ReadFile(filepath.Join(outPath, "result"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(content) != "greeting" {
		t.Errorf("output content = %q, want %q", content, "greeting")
	}
}

func TestSimpleExecutorReportsBuildFailure(t *testing.T) {
	scratch := t.TempDir()
	var stdout, stderr bytes.Buffer
	opts := &Options{
		Scratch:  scratch,
		StoreDir: t.TempDir(),
		Builder:  "/bin/sh",
		Args:     []string{"-c", "exit 7"},
		Outputs:  []string{"out"},
		Stdout:   &stdout,
		Stderr:   &stderr,
	}

	_, err := (&simpleExecutor{}).Execute(context.Background(), opts)
	if err == nil {
		t.Fatal("Execute did not report the non-zero exit")
	}
	if _, ok := err.(*BuildFailedError); !ok {
		t.Errorf("error = %v, want *BuildFailedError", err)
	}
}

func TestBaseEnvIncludesOutputsAndOverrides(t *testing.T) {
	opts := &Options{
		Scratch: "/scratch",
		Name:    "pkg",
		Version: "1.0.0",
		System:  "x86_64-linux",
		Outputs: []string{"out", "dev"},
		Env:     map[string]string{"HOME": "/custom-home"},
		Cores:   4,
	}
	env := baseEnv(opts, "/scratch/build")

	if env["HOME"] != "/custom-home" {
		t.Errorf("Env override did not take effect: HOME = %q", env["HOME"])
	}
	if env["name"] != "pkg" || env["version"] != "1.0.0" || env["system"] != "x86_64-linux" {
		t.Errorf("identity variables missing or wrong: %+v", env)
	}
	if env["out"] != filepath.Join("/scratch", "output", "out") {
		t.Errorf("out = %q, want output directory path", env["out"])
	}
	if env["dev"] != filepath.Join("/scratch", "output", "dev") {
		t.Errorf("dev = %q, want output directory path", env["dev"])
	}
	if env["NIX_BUILD_CORES"] != "4" {
		t.Errorf("NIX_BUILD_CORES = %q, want \"4\"", env["NIX_BUILD_CORES"])
	}
}

func TestSortedEnvIsDeterministic(t *testing.T) {
	env := map[string]string{"c": "3", "a": "1", "b": "2"}
	got := sortedEnv(env)
	joined := strings.Join(got, ",")
	if joined != "a=1,b=2,c=3" {
		t.Errorf("sortedEnv = %v, want a,b,c order", got)
	}
}

func TestPrepareScratchMaterializesInputLinks(t *testing.T) {
	scratch := t.TempDir()
	target := filepath.Join(t.TempDir(), "dep")
	if err := os.WriteFile(target, []byte("dep"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := &Options{
		Scratch: scratch,
		Outputs: []string{"out"},
		Inputs:  []InputLink{{Name: "dep-out", Target: target}},
	}
	buildDir, err := prepareScratch(opts)
	if err != nil {
		t.Fatalf("prepareScratch: %v", err)
	}

	linkPath := filepath.Join(buildDir, "inputs", "dep-out")
	resolved, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if resolved != target {
		t.Errorf("link target = %q, want %q", resolved, target)
	}
}

func TestSelectReturnsAvailableExecutor(t *testing.T) {
	// Whatever the host supports, Select must never return nil and the
	// chosen backend must report itself available.
	e := Select()
	if e == nil {
		t.Fatal("Select returned nil")
	}
	if !e.Available() {
		t.Errorf("Select returned %s backend, which reports unavailable", e.Backend())
	}
}
