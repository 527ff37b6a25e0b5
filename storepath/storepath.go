// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package storepath implements the identifier type for store objects:
// a {hash, name} pair projected into the filesystem as
// "<store root>/<short-hex>-<name>".
package storepath

import (
	"fmt"
	"path"
	"strings"

	"neve.256lights.llc/substrate/digest"
)

// Directory is the absolute path of a store root.
type Directory string

// DefaultDirectory is the store directory used when none is configured.
const DefaultDirectory Directory = "/neve/store"

// CleanDirectory cleans an absolute path as a [Directory].
// It returns an error if the path is not absolute.
func CleanDirectory(p string) (Directory, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("store directory %q is not absolute", p)
	}
	return Directory(path.Clean(p)), nil
}

// Join joins elements onto the store directory.
func (dir Directory) Join(elem ...string) string {
	return path.Join(append([]string{string(dir)}, elem...)...)
}

// Object returns the store path for the object with the given base name,
// which must already be in "<short-hex>-<name>" form.
func (dir Directory) Object(base string) (Path, error) {
	if base == "" || base == "." || base == ".." || strings.ContainsRune(base, '/') {
		return "", fmt.Errorf("store object %q: invalid name", base)
	}
	return ParsePath(dir.Join(base))
}

// Path is the absolute filesystem path of a store object,
// for example "/neve/store/0123456789abcdef0123456789abcdef-hello-2.12.1".
type Path string

const (
	// digestLength is the length in hex characters of the short digest
	// prefix embedded in a store object's base name.
	digestLength = digest.ShortSize * 2
	maxNameLen   = digestLength + 1 + 211
)

// ParsePath parses an absolute path as an immediate child of a store
// directory, verifying the "<short-hex>-<name>" shape of its base name.
func ParsePath(p string) (Path, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("parse store path %q: not absolute", p)
	}
	cleaned := path.Clean(p)
	base := path.Base(cleaned)
	if len(base) < digestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %q: base %q too short", p, base)
	}
	if len(base) > maxNameLen {
		return "", fmt.Errorf("parse store path %q: base %q too long", p, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %q: base %q contains illegal character %q", p, base, base[i])
		}
	}
	digestPart := base[:digestLength]
	for i := 0; i < len(digestPart); i++ {
		c := digestPart[i]
		isHex := '0' <= c && c <= '9' || 'a' <= c && c <= 'f'
		if !isHex {
			return "", fmt.Errorf("parse store path %q: digest %q is not lowercase hex", p, digestPart)
		}
	}
	if base[digestLength] != '-' {
		return "", fmt.Errorf("parse store path %q: digest not separated by dash", p)
	}
	return Path(cleaned), nil
}

// New constructs the store path for a {hash, name} pair under dir.
func New(dir Directory, name string, h digest.Hash) (Path, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("store path name %q: invalid", name)
	}
	base := h.Base16Short() + "-" + name
	return dir.Object(base)
}

// Dir returns the path's containing directory.
func (p Path) Dir() Directory {
	return Directory(path.Dir(string(p)))
}

// Base returns the last path element: "<short-hex>-<name>".
func (p Path) Base() string {
	if p == "" {
		return ""
	}
	return path.Base(string(p))
}

// ShortHex returns the hex digest prefix embedded in the path's base name.
func (p Path) ShortHex() string {
	base := p.Base()
	if len(base) < digestLength {
		return ""
	}
	return base[:digestLength]
}

// Name returns the name portion of the base, after the digest and dash.
func (p Path) Name() string {
	base := p.Base()
	if len(base) <= digestLength+len("-") {
		return ""
	}
	return base[digestLength+len("-"):]
}

// IsDerivationPath reports whether the path names a derivation file.
func (p Path) IsDerivationPath() bool {
	return strings.HasSuffix(p.Base(), DerivationExt)
}

// DerivationExt is the file extension for serialized derivations.
const DerivationExt = ".drv"

// Join joins elements onto the store path, treating it as a directory.
func (p Path) Join(elem ...string) string {
	return p.Dir().Join(append([]string{p.Base()}, elem...)...)
}

// MarshalText implements [encoding.TextMarshaler].
func (p Path) MarshalText() ([]byte, error) {
	if p == "" {
		return nil, fmt.Errorf("marshal store path: empty")
	}
	return []byte(p), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Path) UnmarshalText(data []byte) error {
	parsed, err := ParsePath(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '='
}
