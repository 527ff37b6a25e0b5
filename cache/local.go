// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"neve.256lights.llc/substrate/nar"
	"neve.256lights.llc/substrate/storepath"
)

// LocalBackend is a binary cache backed by a local directory tree:
// "<dir>/<hash>.narinfo" manifests alongside "<dir>/<hash><ext>" NAR
// blobs.
type LocalBackend struct {
	name     string
	dir      string
	storeDir storepath.Directory
	priority int
	writable bool
}

// NewLocalBackend returns a [Backend] rooted at dir.
func NewLocalBackend(name, dir string, storeDir storepath.Directory, priority int, writable bool) *LocalBackend {
	return &LocalBackend{name: name, dir: dir, storeDir: storeDir, priority: priority, writable: writable}
}

func (l *LocalBackend) Name() string   { return l.name }
func (l *LocalBackend) Priority() int  { return l.priority }
func (l *LocalBackend) Writable() bool { return l.writable }

func (l *LocalBackend) manifestPath(p storepath.Path) string {
	return filepath.Join(l.dir, p.ShortHex()+".narinfo")
}

func (l *LocalBackend) Query(ctx context.Context, p storepath.Path) (*NARInfo, error) {
	data, err := os.ReadFile(l.manifestPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	info := new(NARInfo)
	if err := info.UnmarshalText(data, l.storeDir); err != nil {
		return nil, err
	}
	return info, nil
}

func (l *LocalBackend) FetchNAR(ctx context.Context, info *NARInfo) (io.ReadCloser, error) {
	path := filepath.Join(l.dir, info.StorePath.ShortHex()+info.Compression.Ext())
	return os.Open(path)
}

func (l *LocalBackend) Push(ctx context.Context, info *NARInfo, sourceDir string) error {
	if !l.writable {
		return fmt.Errorf("local cache %s is not writable", l.name)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}

	narPath := filepath.Join(l.dir, info.StorePath.ShortHex()+info.Compression.Ext())
	f, err := os.Create(narPath)
	if err != nil {
		return err
	}
	cw, err := compressWriter(f, info.Compression)
	if err != nil {
		f.Close()
		return err
	}
	if err := nar.DumpPath(cw, sourceDir); err != nil {
		cw.Close()
		f.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	manifest, err := info.MarshalText()
	if err != nil {
		return err
	}
	return os.WriteFile(l.manifestPath(info.StorePath), manifest, 0o644)
}
