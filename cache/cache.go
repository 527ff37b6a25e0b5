// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/nar"
	"neve.256lights.llc/substrate/storepath"
)

// HashMismatchError reports that a fetched NAR's content does not hash
// to the value its manifest declared.
type HashMismatchError struct {
	Path     storepath.Path
	Expected digest.Hash
	Actual   digest.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("cache: %s: hash mismatch: expected %s, got %s", e.Path, e.Expected.Base16(), e.Actual.Base16())
}

// Backend is one configured binary cache: a place .narinfo manifests
// and compressed NARs can be queried, fetched from, and optionally
// pushed to.
type Backend interface {
	Name() string
	// Priority orders backends: higher priority is consulted first.
	Priority() int
	// Writable reports whether Push may be called on this backend.
	Writable() bool

	Query(ctx context.Context, p storepath.Path) (*NARInfo, error)
	// FetchNAR streams the (still compressed) NAR bytes for info.
	FetchNAR(ctx context.Context, info *NARInfo) (io.ReadCloser, error)
	// Push uploads a NAR (read from local disk at sourceDir) and its
	// manifest.
	Push(ctx context.Context, info *NARInfo, sourceDir string) error
}

// Cache consults a set of [Backend]s in descending priority order.
type Cache struct {
	StoreDir storepath.Directory
	Backends []Backend
}

func (c *Cache) ordered() []Backend {
	backends := append([]Backend(nil), c.Backends...)
	sort.SliceStable(backends, func(i, j int) bool { return backends[i].Priority() > backends[j].Priority() })
	return backends
}

// Query checks each configured backend in descending priority order and
// returns the first manifest found.
func (c *Cache) Query(ctx context.Context, p storepath.Path) (*NARInfo, error) {
	for _, b := range c.ordered() {
		info, err := b.Query(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("cache: query %s on %s: %v", p, b.Name(), err)
		}
		if info != nil {
			return info, nil
		}
	}
	return nil, nil
}

// Fetch realizes p into storeDir if it is not already present there: it
// downloads the NAR, decompresses it, extracts it, and verifies the
// result's hash against the manifest.
func (c *Cache) Fetch(ctx context.Context, p storepath.Path) error {
	if _, err := os.Lstat(string(p)); err == nil {
		return nil
	}

	info, err := c.Query(ctx, p)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("cache: %s not found in any configured backend", p)
	}

	var lastErr error
	for _, b := range c.ordered() {
		rc, err := b.FetchNAR(ctx, info)
		if err != nil {
			lastErr = err
			continue
		}
		err = c.extract(rc, info)
		rc.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("cache: fetch %s: %v", p, lastErr)
}

func (c *Cache) extract(compressed io.ReadCloser, info *NARInfo) error {
	r, err := decompressReader(compressed, info.Compression)
	if err != nil {
		return err
	}
	dst := string(info.StorePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := nar.ExtractPath(r, dst); err != nil {
		return err
	}
	h, _, err := nar.HashPath(dst)
	if err != nil {
		return err
	}
	if !h.Equal(info.NARHash) {
		os.RemoveAll(dst)
		return &HashMismatchError{Path: info.StorePath, Expected: info.NARHash, Actual: h}
	}
	return nil
}

// Push serializes the store path at p as a NAR, compresses it with
// format, and uploads it to every writable backend.
func (c *Cache) Push(ctx context.Context, p storepath.Path, format Compression) error {
	narHash, narSize, err := nar.HashPath(string(p))
	if err != nil {
		return fmt.Errorf("cache: push %s: %v", p, err)
	}
	info := &NARInfo{
		StorePath:   p,
		URL:         p.Base() + format.Ext(),
		Compression: format,
		NARHash:     narHash,
		NARSize:     narSize,
	}

	var lastErr error
	pushed := false
	for _, b := range c.Backends {
		if !b.Writable() {
			continue
		}
		if err := b.Push(ctx, info, string(p)); err != nil {
			lastErr = err
			continue
		}
		pushed = true
	}
	if !pushed && lastErr != nil {
		return fmt.Errorf("cache: push %s: %v", p, lastErr)
	}
	return nil
}
