// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package nar implements the NAR (Neve archive) codec: a deterministic
// byte-sequence serialization of a filesystem subtree containing only
// regular files (with an optional executable bit), directories, and
// symlinks. Hardlinks, device nodes, and metadata such as mtime or uid are
// intentionally not represented.
//
// The wire grammar is length-prefixed strings, each length a little-endian
// 64-bit integer followed by that many bytes, then zero-padded to the next
// 8-byte boundary:
//
//	archive   := "nix-archive-1" entry
//	entry     := "(" "type" kind fields ")"
//	kind      := "regular" | "directory" | "symlink"
//	fields    := regular_fields | dir_fields | symlink_fields
//	regular   := ["executable" ""] "contents" <bytes>
//	directory := { "entry" "(" "name" <name> "node" entry ")" }
//	symlink   := "target" <path>
//
// Directory entries are written in ascending byte order of name. Entry
// names that are empty, ".", "..", or contain "/" or "\" are rejected on
// extraction as a path-traversal guard.
package nar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"neve.256lights.llc/substrate/digest"
)

// Magic is the mandatory archive header.
const Magic = "nix-archive-1"

// InvalidFormatError reports that an archive's bytes do not conform to the
// wire grammar.
type InvalidFormatError struct {
	Reason string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("nar: invalid format: %s", e.Reason)
}

// PathTraversalError reports a directory entry name that would escape the
// extraction root.
type PathTraversalError struct {
	Name string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("nar: path traversal attempt: entry name %q", e.Name)
}

// DumpPath serializes the filesystem tree rooted at path to w in NAR
// format.
func DumpPath(w io.Writer, path string) error {
	bw := newWriter(w)
	bw.writeString(Magic)
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("nar: dump %s: %v", path, err)
	}
	if err := bw.writeEntry(path, info); err != nil {
		return fmt.Errorf("nar: dump %s: %v", path, err)
	}
	if bw.err != nil {
		return fmt.Errorf("nar: dump %s: %v", path, bw.err)
	}
	if err := bw.w.Flush(); err != nil {
		return fmt.Errorf("nar: dump %s: %v", path, err)
	}
	return nil
}

// HashPath computes the content hash of the NAR serialization of path,
// along with the serialized size in bytes. This is the canonical content
// address for a store object's contents.
func HashPath(path string) (h digest.Hash, size int64, err error) {
	hasher := digest.New()
	cw := &countingWriter{w: hasher}
	if err := DumpPath(cw, path); err != nil {
		return digest.Hash{}, 0, err
	}
	return hasher.Sum(), cw.n, nil
}

// ExtractPath reads a NAR archive from r and materializes it as a
// filesystem tree rooted at dir. dir itself is created by the extraction;
// when the archive root is a regular file or symlink, dir's parent must
// already exist.
func ExtractPath(r io.Reader, dir string) error {
	br := newReader(r)
	magic, err := br.readString()
	if err != nil {
		return fmt.Errorf("nar: extract: %v", err)
	}
	if magic != Magic {
		return &InvalidFormatError{Reason: fmt.Sprintf("bad magic %q", magic)}
	}
	if err := br.readEntry(dir); err != nil {
		return fmt.Errorf("nar: extract: %v", err)
	}
	if br.err != nil && br.err != io.EOF {
		return fmt.Errorf("nar: extract: %v", br.err)
	}
	return nil
}

// countingWriter counts bytes written, used to compute nar_size alongside
// hashing without materializing the archive twice.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// writer accumulates the first error encountered so that callers can chain
// writes without checking every return value, mirroring the style of
// bufio.Writer error-sticking.
type writer struct {
	w   *bufio.Writer
	err error
}

func newWriter(w io.Writer) *writer {
	return &writer{w: bufio.NewWriterSize(w, 32*1024)}
}

func (w *writer) writeRaw(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *writer) writeString(s string) {
	if w.err != nil {
		return
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	w.writeRaw(lenBuf[:])
	w.writeRaw([]byte(s))
	if pad := paddingLen(len(s)); pad > 0 {
		var zeros [8]byte
		w.writeRaw(zeros[:pad])
	}
}

func paddingLen(n int) int {
	rem := n % 8
	if rem == 0 {
		return 0
	}
	return 8 - rem
}

func (w *writer) writeEntry(path string, info fs.FileInfo) error {
	w.writeRaw([]byte("("))
	w.writeString("type")
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return w.writeSymlink(path)
	case info.IsDir():
		return w.writeDirectory(path)
	case info.Mode().IsRegular():
		return w.writeRegular(path, info)
	default:
		return fmt.Errorf("unsupported file type for %s: %v", path, info.Mode())
	}
}

func (w *writer) writeRegular(path string, info fs.FileInfo) error {
	w.writeString("regular")
	if info.Mode()&0o111 != 0 {
		w.writeString("executable")
		w.writeString("")
	}
	w.writeString("contents")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	size := info.Size()
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(size))
	w.writeRaw(lenBuf[:])
	if w.err != nil {
		return w.err
	}
	n, err := io.Copy(w.w, io.LimitReader(f, size))
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("%s: size changed while reading (expected %d, read %d)", path, size, n)
	}
	if pad := paddingLen(int(size)); pad > 0 {
		var zeros [8]byte
		w.writeRaw(zeros[:pad])
	}
	w.writeRaw([]byte(")"))
	return w.err
}

func (w *writer) writeSymlink(path string) error {
	target, err := os.Readlink(path)
	if err != nil {
		return err
	}
	w.writeString("symlink")
	w.writeString("target")
	w.writeString(target)
	w.writeRaw([]byte(")"))
	return w.err
}

func (w *writer) writeDirectory(path string) error {
	w.writeString("directory")
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	for _, name := range names {
		w.writeString("entry")
		w.writeRaw([]byte("("))
		w.writeString("name")
		w.writeString(name)
		w.writeString("node")
		w.writeRaw([]byte("("))
		w.writeString("type")
		childPath := filepath.Join(path, name)
		info, err := os.Lstat(childPath)
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if err := w.writeSymlink(childPath); err != nil {
				return err
			}
		case info.IsDir():
			if err := w.writeDirectory(childPath); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := w.writeRegular(childPath, info); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported file type for %s: %v", childPath, info.Mode())
		}
		w.writeRaw([]byte(")"))
	}
	w.writeRaw([]byte(")"))
	return w.err
}

// reader parses the wire grammar, sticking the first error for the same
// reason writer does.
type reader struct {
	r   *bufio.Reader
	err error
}

func newReader(r io.Reader) *reader {
	return &reader{r: bufio.NewReaderSize(r, 32*1024)}
}

func (r *reader) readRaw(n int) []byte {
	if r.err != nil {
		return nil
	}
	buf := make([]byte, n)
	_, r.err = io.ReadFull(r.r, buf)
	if r.err != nil {
		return nil
	}
	return buf
}

func (r *reader) readString() (string, error) {
	lenBuf := r.readRaw(8)
	if r.err != nil {
		return "", r.err
	}
	n := binary.LittleEndian.Uint64(lenBuf)
	const maxStringLen = 1 << 34 // generous ceiling against corrupt length fields
	if n > maxStringLen {
		return "", &InvalidFormatError{Reason: fmt.Sprintf("string length %d exceeds sanity limit", n)}
	}
	data := r.readRaw(int(n))
	if r.err != nil {
		return "", r.err
	}
	if pad := paddingLen(int(n)); pad > 0 {
		padding := r.readRaw(pad)
		if r.err != nil {
			return "", r.err
		}
		for _, b := range padding {
			if b != 0 {
				return "", &InvalidFormatError{Reason: "non-zero padding byte"}
			}
		}
	}
	return string(data), nil
}

func (r *reader) expect(tok string) error {
	got, err := r.readString()
	if err != nil {
		return err
	}
	if got != tok {
		return &InvalidFormatError{Reason: fmt.Sprintf("expected %q, got %q", tok, got)}
	}
	return nil
}

func (r *reader) expectRaw(tok string) error {
	got := r.readRaw(len(tok))
	if r.err != nil {
		return r.err
	}
	if string(got) != tok {
		return &InvalidFormatError{Reason: fmt.Sprintf("expected %q, got %q", tok, got)}
	}
	return nil
}

// readEntry parses one NAR "entry" production and materializes it at dst,
// creating it. An existing directory at dst is reused and an existing
// regular file is truncated; a symlink entry fails if dst already exists.
func (r *reader) readEntry(dst string) error {
	if err := r.expectRaw("("); err != nil {
		return err
	}
	if err := r.expect("type"); err != nil {
		return err
	}
	kind, err := r.readString()
	if err != nil {
		return err
	}
	switch kind {
	case "regular":
		return r.readRegular(dst)
	case "directory":
		return r.readDirectory(dst)
	case "symlink":
		return r.readSymlink(dst)
	default:
		return &InvalidFormatError{Reason: fmt.Sprintf("unknown entry type %q", kind)}
	}
}

func (r *reader) readRegular(dst string) error {
	executable := false
	tok, err := r.readString()
	if err != nil {
		return err
	}
	if tok == "executable" {
		if _, err := r.readString(); err != nil { // empty marker value
			return err
		}
		executable = true
		tok, err = r.readString()
		if err != nil {
			return err
		}
	}
	if tok != "contents" {
		return &InvalidFormatError{Reason: fmt.Sprintf("expected \"contents\", got %q", tok)}
	}
	lenBuf := r.readRaw(8)
	if r.err != nil {
		return r.err
	}
	size := binary.LittleEndian.Uint64(lenBuf)

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.CopyN(f, r.r, int64(size)); err != nil {
		return err
	}
	if pad := paddingLen(int(size)); pad > 0 {
		padding := r.readRaw(pad)
		if r.err != nil {
			return r.err
		}
		for _, b := range padding {
			if b != 0 {
				return &InvalidFormatError{Reason: "non-zero padding byte"}
			}
		}
	}
	return r.expectRaw(")")
}

func (r *reader) readSymlink(dst string) error {
	if err := r.expect("target"); err != nil {
		return err
	}
	target, err := r.readString()
	if err != nil {
		return err
	}
	if err := os.Symlink(target, dst); err != nil {
		return err
	}
	return r.expectRaw(")")
}

func (r *reader) readDirectory(dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for {
		isEntry, err := r.peekIsEntry()
		if err != nil {
			return err
		}
		if !isEntry {
			return r.expectRaw(")")
		}

		if err := r.expect("entry"); err != nil {
			return err
		}
		if err := r.expectRaw("("); err != nil {
			return err
		}
		if err := r.expect("name"); err != nil {
			return err
		}
		name, err := r.readString()
		if err != nil {
			return err
		}
		if !validEntryName(name) {
			return &PathTraversalError{Name: name}
		}
		if err := r.expect("node"); err != nil {
			return err
		}
		if err := r.readEntry(filepath.Join(dst, name)); err != nil {
			return err
		}
		if err := r.expectRaw(")"); err != nil {
			return err
		}
	}
}

// peekIsEntry reports whether the next byte in the stream begins another
// directory entry (the little-endian length prefix of the string "entry")
// as opposed to the raw byte ')' that closes the directory.
func (r *reader) peekIsEntry() (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	b, err := r.r.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] != ')', nil
}

func validEntryName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, c := range name {
		if c == '/' || c == '\\' {
			return false
		}
	}
	return true
}
