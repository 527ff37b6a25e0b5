// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"testing"

	"neve.256lights.llc/substrate/digest"
)

func TestNewAndParse(t *testing.T) {
	dir := DefaultDirectory
	h := digest.Of([]byte("hello world"))
	p, err := New(dir, "hello-2.12.1", h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := ParsePath(string(p))
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", p, err)
	}
	if got != p {
		t.Errorf("ParsePath round trip = %q, want %q", got, p)
	}
	if got.Name() != "hello-2.12.1" {
		t.Errorf("Name() = %q, want %q", got.Name(), "hello-2.12.1")
	}
	if got.ShortHex() != h.Base16Short() {
		t.Errorf("ShortHex() = %q, want %q", got.ShortHex(), h.Base16Short())
	}
	if got.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", got.Dir(), dir)
	}
}

func TestParsePathRejectsRelative(t *testing.T) {
	if _, err := ParsePath("relative/path"); err == nil {
		t.Error("ParsePath of relative path did not return an error")
	}
}

func TestParsePathRejectsShortBase(t *testing.T) {
	if _, err := ParsePath("/neve/store/ab-x"); err == nil {
		t.Error("ParsePath of too-short base did not return an error")
	}
}

func TestParsePathRejectsMissingDash(t *testing.T) {
	h := digest.Of([]byte("x"))
	bogus := "/neve/store/" + h.Base16Short() + "nodash"
	if _, err := ParsePath(bogus); err == nil {
		t.Error("ParsePath of base without dash separator did not return an error")
	}
}

func TestIsDerivationPath(t *testing.T) {
	h := digest.Of([]byte("drv"))
	p, err := New(DefaultDirectory, "hello-2.12.1"+DerivationExt, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.IsDerivationPath() {
		t.Errorf("IsDerivationPath() = false for %q, want true", p)
	}
}

func TestNewRejectsSlashInName(t *testing.T) {
	h := digest.Of([]byte("x"))
	if _, err := New(DefaultDirectory, "a/b", h); err == nil {
		t.Error("New with slash in name did not return an error")
	}
}
