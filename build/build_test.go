// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"neve.256lights.llc/substrate/derivation"
	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/nar"
	"neve.256lights.llc/substrate/sandbox"
	"neve.256lights.llc/substrate/store"
	"neve.256lights.llc/substrate/storepath"
)

// fakeExecutor writes a fixed file into each declared output directory
// instead of running a real process, so build tests exercise the
// coordinator's own logic without depending on a shell.
type fakeExecutor struct {
	content string
}

func (*fakeExecutor) Backend() sandbox.Backend { return sandbox.Simple }
func (*fakeExecutor) Available() bool          { return true }

func (f *fakeExecutor) Execute(ctx context.Context, opts *sandbox.Options) (*sandbox.Result, error) {
	outputs := make(map[string]string, len(opts.Outputs))
	for _, name := range opts.Outputs {
		dir := filepath.Join(opts.Scratch, "output", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "data"), []byte(f.content), 0o644); err != nil {
			return nil, err
		}
		outputs[name] = dir
	}
	return &sandbox.Result{OutputPaths: outputs}, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(storepath.Directory(t.TempDir()))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func TestBuildSingleDerivation(t *testing.T) {
	s := openTestStore(t)
	drv := &derivation.Derivation{
		Name:    "hello",
		Version: "1.0.0",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Outputs: map[string]*derivation.Output{"out": {Name: "out"}},
	}
	drvPath, err := s.AddDerivation(drv)
	if err != nil {
		t.Fatalf("AddDerivation: %v", err)
	}

	c := &Coordinator{Store: s, Executor: &fakeExecutor{content: "hello"}}
	result, err := c.Build(context.Background(), drvPath)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	outPath, ok := result.Outputs["out"]
	if !ok {
		t.Fatal("result missing \"out\" output")
	}
	data, err := os.ReadFile(filepath.Join(string(outPath), "data"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("output content = %q, want %q", data, "hello")
	}

	valid, err := s.Metadata().IsValid(outPath)
	if err != nil {
		t.Fatalf("IsValid: %v", err)
	}
	if !valid {
		t.Error("output was not registered as valid in the metadata db")
	}
}

func TestBuildSkipsAlreadyValidFixedOutput(t *testing.T) {
	s := openTestStore(t)

	content := []byte("fixed content")
	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outDir, "data"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	drv := &derivation.Derivation{
		Name:    "fixed",
		Version: "1.0.0",
		Builder: "/bin/sh",
		Outputs: map[string]*derivation.Output{
			"out": {Name: "out", HashMode: derivation.Recursive, ExpectedHash: mustNarHash(t, outDir)},
		},
	}
	drvPath, err := s.AddDerivation(drv)
	if err != nil {
		t.Fatalf("AddDerivation: %v", err)
	}

	// Pre-populate the store and metadata db as if a previous build had
	// already produced this fixed output, so a second Build should skip
	// invoking the executor entirely.
	storedPath, err := s.AddDir(outDir, "fixed-1.0.0")
	if err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	if storedPath != mustPathFor(t, s, "fixed-1.0.0", drv.Outputs["out"].ExpectedHash) {
		t.Fatalf("AddDir produced %s, want the fixed output's expected path", storedPath)
	}
	narHash, narSize, err := nar.HashPath(s.ToPath(storedPath))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Metadata().Register(&store.PathInfo{Path: storedPath, NARHash: narHash, NARSize: narSize, Valid: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := &Coordinator{Store: s, Executor: &explodingExecutor{t: t}}
	result, err := c.Build(context.Background(), drvPath)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.Outputs["out"] != storedPath {
		t.Errorf("out = %s, want %s", result.Outputs["out"], storedPath)
	}
	if result.Duration != 0 {
		t.Errorf("Duration = %v, want 0 for a cache hit", result.Duration)
	}
}

type explodingExecutor struct{ t *testing.T }

func (*explodingExecutor) Backend() sandbox.Backend { return sandbox.Simple }
func (*explodingExecutor) Available() bool          { return true }
func (e *explodingExecutor) Execute(context.Context, *sandbox.Options) (*sandbox.Result, error) {
	e.t.Fatal("executor invoked for an already-valid fixed output")
	return nil, nil
}

func mustNarHash(t *testing.T, dir string) digest.Hash {
	t.Helper()
	h, _, err := nar.HashPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func mustPathFor(t *testing.T, s *store.Store, name string, h digest.Hash) storepath.Path {
	t.Helper()
	p, err := storepath.New(s.Directory(), name, h)
	if err != nil {
		t.Fatal(err)
	}
	return p
}
