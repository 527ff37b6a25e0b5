// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package cache implements binary cache storage: local and HTTP-backed
// caches holding compressed NAR archives and their .narinfo manifests,
// consulted and pushed to in descending priority order.
package cache

import (
	"bytes"
	"fmt"
	"strconv"

	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/storepath"
)

// Compression identifies a NAR compression format. The zero value is
// None.
type Compression string

const (
	None Compression = ""
	Gzip Compression = "gzip"
	Xz   Compression = "xz"
	Zstd Compression = "zstd"
)

// Ext returns the file extension used for a NAR stored with this
// compression: ".nar", ".nar.gz", ".nar.xz", or ".nar.zst".
func (c Compression) Ext() string {
	switch c {
	case Gzip:
		return ".nar.gz"
	case Xz:
		return ".nar.xz"
	case Zstd:
		return ".nar.zst"
	default:
		return ".nar"
	}
}

func (c Compression) IsKnown() bool {
	switch c {
	case None, Gzip, Xz, Zstd:
		return true
	default:
		return false
	}
}

// NARInfo is the manifest accompanying one cached NAR: the fields
// needed to locate, decompress, and verify it.
type NARInfo struct {
	StorePath   storepath.Path
	URL         string
	Compression Compression
	FileHash    digest.Hash
	FileSize    int64
	NARHash     digest.Hash
	NARSize     int64
	References  []storepath.Path
	Deriver     storepath.Path
}

func (info *NARInfo) validate() error {
	if info.StorePath == "" {
		return fmt.Errorf("narinfo: store path empty")
	}
	if info.NARHash.IsNull() {
		return fmt.Errorf("narinfo: %s: nar hash not set", info.StorePath)
	}
	if info.NARSize <= 0 {
		return fmt.Errorf("narinfo: %s: nar size not positive", info.StorePath)
	}
	if info.URL == "" {
		return fmt.Errorf("narinfo: %s: url empty", info.StorePath)
	}
	if !info.Compression.IsKnown() {
		return fmt.Errorf("narinfo: %s: unknown compression %q", info.StorePath, info.Compression)
	}
	return nil
}

// MarshalText encodes info in the line-oriented ".narinfo" textual
// format: "Key: value" pairs, one per line.
func (info *NARInfo) MarshalText() ([]byte, error) {
	if err := info.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "StorePath: %s\n", info.StorePath)
	fmt.Fprintf(&buf, "URL: %s\n", info.URL)
	compression := info.Compression
	if compression == "" {
		compression = None
	}
	fmt.Fprintf(&buf, "Compression: %s\n", compression)
	if !info.FileHash.IsNull() {
		fmt.Fprintf(&buf, "FileHash: %s\n", info.FileHash.Base16())
	}
	if info.FileSize != 0 {
		fmt.Fprintf(&buf, "FileSize: %d\n", info.FileSize)
	}
	fmt.Fprintf(&buf, "NarHash: %s\n", info.NARHash.Base16())
	fmt.Fprintf(&buf, "NarSize: %d\n", info.NARSize)
	if len(info.References) > 0 {
		fmt.Fprint(&buf, "References:")
		for _, ref := range info.References {
			fmt.Fprintf(&buf, " %s", ref.Base())
		}
		fmt.Fprint(&buf, "\n")
	}
	if info.Deriver != "" {
		fmt.Fprintf(&buf, "Deriver: %s\n", info.Deriver.Base())
	}
	return buf.Bytes(), nil
}

// UnmarshalText decodes a ".narinfo" file. storeDir resolves
// basename-only References and Deriver entries to full store paths.
func (info *NARInfo) UnmarshalText(src []byte, storeDir storepath.Directory) error {
	*info = NARInfo{}
	lines := bytes.Split(src, []byte("\n"))
	var references, deriver string
	for lineno, raw := range lines {
		if len(raw) == 0 {
			continue
		}
		i := bytes.IndexByte(raw, ':')
		if i < 0 {
			return fmt.Errorf("narinfo: line %d: missing ':'", lineno+1)
		}
		key := string(raw[:i])
		value := string(bytes.TrimPrefix(raw[i+1:], []byte(" ")))
		switch key {
		case "StorePath":
			p, err := storeDir.Object(basename(value))
			if err != nil {
				return fmt.Errorf("narinfo: line %d: StorePath: %v", lineno+1, err)
			}
			info.StorePath = p
		case "URL":
			info.URL = value
		case "Compression":
			info.Compression = Compression(value)
			if info.Compression == "none" {
				info.Compression = None
			}
		case "FileHash":
			h, err := digest.FromHex(value)
			if err != nil {
				return fmt.Errorf("narinfo: line %d: FileHash: %v", lineno+1, err)
			}
			info.FileHash = h
		case "FileSize":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("narinfo: line %d: FileSize: %v", lineno+1, err)
			}
			info.FileSize = n
		case "NarHash":
			h, err := digest.FromHex(value)
			if err != nil {
				return fmt.Errorf("narinfo: line %d: NarHash: %v", lineno+1, err)
			}
			info.NARHash = h
		case "NarSize":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("narinfo: line %d: NarSize: %v", lineno+1, err)
			}
			info.NARSize = n
		case "References":
			references = value
		case "Deriver":
			deriver = value
		}
	}
	if references != "" {
		for _, name := range bytes.Fields([]byte(references)) {
			p, err := storeDir.Object(string(name))
			if err != nil {
				return fmt.Errorf("narinfo: References: %v", err)
			}
			info.References = append(info.References, p)
		}
	}
	if deriver != "" {
		p, err := storeDir.Object(deriver)
		if err != nil {
			return fmt.Errorf("narinfo: Deriver: %v", err)
		}
		info.Deriver = p
	}
	if info.Compression == "" {
		info.Compression = None
	}
	return info.validate()
}

func basename(storePathOrName string) string {
	for i := len(storePathOrName) - 1; i >= 0; i-- {
		if storePathOrName[i] == '/' {
			return storePathOrName[i+1:]
		}
	}
	return storePathOrName
}
