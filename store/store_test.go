// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package store

import (
	"os"
	"path/filepath"
	"testing"

	"neve.256lights.llc/substrate/derivation"
	"neve.256lights.llc/substrate/sets"
	"neve.256lights.llc/substrate/storepath"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := storepath.CleanDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAddContentIdempotent(t *testing.T) {
	s := openTestStore(t)
	content := []byte("hello world")

	p1, err := s.AddContent(content, "hello")
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	if !s.PathExists(p1) {
		t.Fatal("path does not exist after AddContent")
	}
	info, err := os.Stat(string(p1))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Errorf("added content is not read-only: mode %v", info.Mode())
	}

	p2, err := s.AddContent(content, "hello")
	if err != nil {
		t.Fatalf("second AddContent: %v", err)
	}
	if p1 != p2 {
		t.Errorf("re-adding identical content produced a different path: %q != %q", p1, p2)
	}
}

func TestAddContentCollisionFails(t *testing.T) {
	s := openTestStore(t)
	p, err := s.AddContent([]byte("hello world"), "hello")
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	// Forcibly corrupt the on-disk content to simulate a hash collision
	// scenario: same computed path, different bytes.
	if err := os.Chmod(string(p), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(string(p), []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddContent([]byte("hello world"), "hello"); err == nil {
		t.Fatal("AddContent did not detect on-disk content mismatch")
	}
}

func TestAddDirIdempotent(t *testing.T) {
	s := openTestStore(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	p1, err := s.AddDir(src, "mydir")
	if err != nil {
		t.Fatalf("AddDir: %v", err)
	}
	p2, err := s.AddDir(src, "mydir")
	if err != nil {
		t.Fatalf("second AddDir: %v", err)
	}
	if p1 != p2 {
		t.Errorf("re-adding identical dir produced a different path: %q != %q", p1, p2)
	}
}

func TestAddAndReadDerivation(t *testing.T) {
	s := openTestStore(t)
	drv := &derivation.Derivation{
		Name:    "hello",
		Version: "1.0.0",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Outputs: map[string]*derivation.Output{
			derivation.DefaultOutputName: {Name: derivation.DefaultOutputName},
		},
	}
	p, err := s.AddDerivation(drv)
	if err != nil {
		t.Fatalf("AddDerivation: %v", err)
	}
	if !p.IsDerivationPath() {
		t.Errorf("store path %q does not look like a derivation path", p)
	}

	got, err := s.ReadDerivation(p)
	if err != nil {
		t.Fatalf("ReadDerivation: %v", err)
	}
	if got.Hash() != drv.Hash() {
		t.Errorf("read derivation has different hash: %v != %v", got.Hash(), drv.Hash())
	}
}

func TestListPaths(t *testing.T) {
	s := openTestStore(t)
	p, err := s.AddContent([]byte("x"), "x")
	if err != nil {
		t.Fatal(err)
	}
	paths, err := s.ListPaths()
	if err != nil {
		t.Fatalf("ListPaths: %v", err)
	}
	found := false
	for _, got := range paths {
		if got == p {
			found = true
		}
	}
	if !found {
		t.Errorf("ListPaths() = %v, missing %q", paths, p)
	}
}

func TestDeleteRemovesPathAndMetadata(t *testing.T) {
	s := openTestStore(t)
	p, err := s.AddContent([]byte("x"), "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Metadata().Register(&PathInfo{Path: p, Valid: true}); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(p); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.PathExists(p) {
		t.Error("path still exists after Delete")
	}
	info, err := s.Metadata().Query(p)
	if err != nil {
		t.Fatalf("Query after delete: %v", err)
	}
	if info != nil {
		t.Errorf("metadata still present after Delete: %v", info)
	}
}

func TestMetadataRegisterAndQuery(t *testing.T) {
	s := openTestStore(t)
	p, err := s.AddContent([]byte("x"), "x")
	if err != nil {
		t.Fatal(err)
	}
	info := &PathInfo{
		Path:       p,
		NARSize:    123,
		Valid:      true,
		References: sets.NewSorted(p),
	}
	if err := s.Metadata().Register(info); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := s.Metadata().Query(p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got == nil || got.NARSize != 123 || !got.Valid {
		t.Errorf("Query returned %+v, want NARSize=123 Valid=true", got)
	}

	valid, err := s.Metadata().IsValid(p)
	if err != nil {
		t.Fatalf("IsValid: %v", err)
	}
	if !valid {
		t.Error("IsValid() = false, want true")
	}
}
