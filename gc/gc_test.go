// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package gc

import (
	"testing"

	"neve.256lights.llc/substrate/derivation"
	"neve.256lights.llc/substrate/store"
	"neve.256lights.llc/substrate/storepath"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(storepath.Directory(t.TempDir()))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func TestFindLivePathsFollowsDerivationInputs(t *testing.T) {
	s := openTestStore(t)
	c := &Collector{Store: s}

	src, err := s.AddContent([]byte("source"), "src")
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}

	drv := &derivation.Derivation{
		Name:      "pkg",
		Version:   "1.0.0",
		Builder:   "/bin/sh",
		InputSrcs: []storepath.Path{src},
		Outputs:   map[string]*derivation.Output{"out": {Name: "out"}},
	}
	drvPath, err := s.AddDerivation(drv)
	if err != nil {
		t.Fatalf("AddDerivation: %v", err)
	}

	if err := c.AddRoot("test-root", drvPath); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}

	live, err := c.FindLivePaths()
	if err != nil {
		t.Fatalf("FindLivePaths: %v", err)
	}
	if !live.Has(drvPath) {
		t.Error("root derivation is not live")
	}
	if !live.Has(src) {
		t.Error("input source of a live derivation is not live")
	}
}

func TestCollectDeletesUnreachablePaths(t *testing.T) {
	s := openTestStore(t)
	c := &Collector{Store: s}

	live, err := s.AddContent([]byte("keep me"), "keep")
	if err != nil {
		t.Fatal(err)
	}
	dead, err := s.AddContent([]byte("delete me"), "trash")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AddRoot("keep", live); err != nil {
		t.Fatal(err)
	}

	dry, err := c.DryRun()
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if len(dry.Deleted) != 1 || dry.Deleted[0] != dead {
		t.Fatalf("DryRun deleted set = %v, want [%s]", dry.Deleted, dead)
	}
	if !s.PathExists(dead) {
		t.Fatal("DryRun must not delete anything")
	}

	result, err := c.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != dead {
		t.Errorf("Collect deleted = %v, want [%s]", result.Deleted, dead)
	}
	if s.PathExists(dead) {
		t.Error("dead path still exists after Collect")
	}
	if !s.PathExists(live) {
		t.Error("live path was deleted by Collect")
	}
}

func TestListRootsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	c := &Collector{Store: s}

	p, err := s.AddContent([]byte("x"), "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AddRoot("a", p); err != nil {
		t.Fatal(err)
	}
	roots, err := c.ListRoots()
	if err != nil {
		t.Fatalf("ListRoots: %v", err)
	}
	if len(roots) != 1 || roots[0].Name != "a" || roots[0].Path != p {
		t.Errorf("ListRoots = %+v, want one root named a -> %s", roots, p)
	}

	if err := c.RemoveRoot("a"); err != nil {
		t.Fatalf("RemoveRoot: %v", err)
	}
	roots, err = c.ListRoots()
	if err != nil {
		t.Fatalf("ListRoots after remove: %v", err)
	}
	if len(roots) != 0 {
		t.Errorf("ListRoots after RemoveRoot = %v, want empty", roots)
	}
}
