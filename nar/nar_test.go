// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTripExecutable(t *testing.T) {
	src := t.TempDir()
	scriptPath := filepath.Join(src, "script.sh")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\necho hi"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := DumpPath(&buf, scriptPath); err != nil {
		t.Fatalf("DumpPath: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out")
	if err := ExtractPath(&buf, dst); err != nil {
		t.Fatalf("ExtractPath: %v", err)
	}

	gotBytes, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(gotBytes) != "#!/bin/sh\necho hi" {
		t.Errorf("extracted contents = %q, want %q", gotBytes, "#!/bin/sh\necho hi")
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0o111 == 0 {
		t.Error("extracted file is not executable")
	}
}

func TestDirectorySortingIsOrderIndependent(t *testing.T) {
	build := func(order []string) string {
		dir := t.TempDir()
		for _, name := range order {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(name[:1]), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		return dir
	}

	d1 := build([]string{"z.txt", "a.txt", "m.txt"})
	d2 := build([]string{"a.txt", "m.txt", "z.txt"})

	h1, _, err := HashPath(d1)
	if err != nil {
		t.Fatalf("HashPath(d1): %v", err)
	}
	h2, _, err := HashPath(d2)
	if err != nil {
		t.Fatalf("HashPath(d2): %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash_path differs based on creation order: %v != %v", h1, h2)
	}
}

func TestEmptyDirectoryRoundTrip(t *testing.T) {
	src := t.TempDir()
	emptyDir := filepath.Join(src, "empty")
	if err := os.Mkdir(emptyDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := DumpPath(&buf, emptyDir); err != nil {
		t.Fatalf("DumpPath: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out")
	if err := ExtractPath(&buf, dst); err != nil {
		t.Fatalf("ExtractPath: %v", err)
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("extracted empty directory has %d entries, want 0", len(entries))
	}
}

func TestSymlinkRoundTrip(t *testing.T) {
	src := t.TempDir()
	linkPath := filepath.Join(src, "link")
	if err := os.Symlink("../escape", linkPath); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := DumpPath(&buf, linkPath); err != nil {
		t.Fatalf("DumpPath: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "link-out")
	if err := ExtractPath(&buf, dst); err != nil {
		t.Fatalf("ExtractPath: %v", err)
	}
	target, err := os.Readlink(dst)
	if err != nil {
		t.Fatal(err)
	}
	if target != "../escape" {
		t.Errorf("symlink target = %q, want %q", target, "../escape")
	}
}

func TestExtractRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	bw := newWriter(&buf)
	bw.writeString("not-the-right-magic")
	bw.w.Flush()

	err := ExtractPath(&buf, t.TempDir())
	var invalidFormat *InvalidFormatError
	if err == nil {
		t.Fatal("ExtractPath accepted bad magic")
	}
	if !errorsAs(err, &invalidFormat) {
		t.Errorf("error = %v, want *InvalidFormatError", err)
	}
}

func TestHashPathDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, size1, err := HashPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	h2, size2, err := HashPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || size1 != size2 {
		t.Errorf("HashPath not deterministic: (%v,%d) != (%v,%d)", h1, size1, h2, size2)
	}
}

func errorsAs(err error, target **InvalidFormatError) bool {
	e, ok := err.(*InvalidFormatError)
	if !ok {
		return false
	}
	*target = e
	return true
}
