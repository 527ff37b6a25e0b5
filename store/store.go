// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package store implements the content-addressed store: the read-only,
// immutable filesystem layout that holds store objects and derivation
// files, together with its metadata database.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"neve.256lights.llc/substrate/derivation"
	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/internal/osutil"
	"neve.256lights.llc/substrate/nar"
	"neve.256lights.llc/substrate/storepath"
)

// ErrNotFound is returned by store queries for a path that has never been
// registered.
var ErrNotFound = errors.New("store: not found")

// HashMismatchError reports that content read back from the store (or
// fetched from elsewhere) does not hash to its expected value.
type HashMismatchError struct {
	Path     storepath.Path
	Expected digest.Hash
	Actual   digest.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("store: %s: hash mismatch: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// PathExistsError reports an unrecoverable name collision: the computed
// store path already exists on disk with different content.
type PathExistsError struct {
	Path storepath.Path
}

func (e *PathExistsError) Error() string {
	return fmt.Sprintf("store: %s: already exists with different content", e.Path)
}

// Store is a handle to a content-addressed store rooted at a directory.
// The filesystem layout is:
//
//	<root>/<short-hex>-<name>[/…]        store objects
//	<root>/<short-hex>-<name>-<ver>.drv  derivation files
//	<root>/db/<hash>.json                path-info records
//	<root>/gcroots/<label>                symlinks to live paths
//	<root>/cache/                        fetcher & binary-cache staging
//
// The store is the only process-wide shared mutable resource; Store
// guards its own filesystem mutations with a mutex, but does not protect
// against another process mutating the same root concurrently.
type Store struct {
	dir storepath.Directory
	db  *MetadataDB

	mu sync.Mutex

	drvCacheMu sync.Mutex
	drvCache   map[storepath.Path]*derivation.Derivation
}

// Open creates the store root (and its db/, gcroots/, cache/
// subdirectories) if missing, and returns a handle to it.
func Open(dir storepath.Directory) (*Store, error) {
	root := string(dir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open store %s: %v", dir, err)
	}
	for _, sub := range []string{"gcroots", "cache"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("open store %s: %v", dir, err)
		}
	}
	db, err := newMetadataDB(filepath.Join(root, "db"))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %v", dir, err)
	}
	return &Store{
		dir:      dir,
		db:       db,
		drvCache: make(map[storepath.Path]*derivation.Derivation),
	}, nil
}

// Directory returns the store's root directory.
func (s *Store) Directory() storepath.Directory {
	return s.dir
}

// Metadata returns the store's metadata database.
func (s *Store) Metadata() *MetadataDB {
	return s.db
}

// ToPath returns the filesystem path corresponding to a store path. Since
// [storepath.Path] already is an absolute filesystem path under the
// store's directory, this is an identity projection; it exists so callers
// have a single named operation for "the real path on disk", matching the
// Store's public operation surface.
func (s *Store) ToPath(p storepath.Path) string {
	return string(p)
}

// PathExists reports whether p exists on disk under this store.
func (s *Store) PathExists(p storepath.Path) bool {
	_, err := os.Lstat(string(p))
	return err == nil
}

// AddContent adds a single file's bytes to the store under name, keyed by
// their content hash. Re-adding identical bytes is a no-op; if the
// resulting path already exists with different content, a
// [PathExistsError] is returned.
func (s *Store) AddContent(content []byte, name string) (storepath.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := digest.Of(content)
	p, err := storepath.New(s.dir, name, h)
	if err != nil {
		return "", fmt.Errorf("add content %s: %v", name, err)
	}
	real := string(p)

	if existing, err := os.ReadFile(real); err == nil {
		if digest.Of(existing).Equal(h) {
			return p, nil
		}
		return "", &PathExistsError{Path: p}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("add content %s: %v", name, err)
	}

	if err := writeFileAtomic(real, content, 0o444); err != nil {
		return "", fmt.Errorf("add content %s: %v", name, err)
	}
	return p, nil
}

// AddDir adds the directory tree rooted at source to the store under
// name, keyed by the NAR hash of its contents (the "recursive directory
// hash"). Contents are copied in; the copy is recursively made read-only.
func (s *Store) AddDir(source string, name string) (storepath.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, narSize, err := nar.HashPath(source)
	if err != nil {
		return "", fmt.Errorf("add dir %s: %v", name, err)
	}
	p, err := storepath.New(s.dir, name, h)
	if err != nil {
		return "", fmt.Errorf("add dir %s: %v", name, err)
	}
	real := string(p)

	if _, err := os.Lstat(real); err == nil {
		existingHash, _, err := nar.HashPath(real)
		if err != nil {
			return "", fmt.Errorf("add dir %s: verify existing: %v", name, err)
		}
		if existingHash.Equal(h) {
			return p, nil
		}
		return "", &PathExistsError{Path: p}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("add dir %s: %v", name, err)
	}

	if err := copyTree(source, real); err != nil {
		os.RemoveAll(real)
		return "", fmt.Errorf("add dir %s: %v", name, err)
	}
	if err := makeReadOnly(real); err != nil {
		return "", fmt.Errorf("add dir %s: %v", name, err)
	}

	_ = narSize
	return p, nil
}

// AddDerivation serializes drv canonically and writes it to the store
// under "<short-hex>-<name>-<version>.drv", returning its store path.
func (s *Store) AddDerivation(drv *derivation.Derivation) (storepath.Path, error) {
	if err := drv.Validate(); err != nil {
		return "", fmt.Errorf("add derivation: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := drv.StorePath(s.dir)
	if err != nil {
		return "", fmt.Errorf("add derivation %s: %v", drv.Name, err)
	}
	data, err := drv.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("add derivation %s: %v", drv.Name, err)
	}
	real := string(p)

	if existing, err := os.ReadFile(real); err == nil {
		if digest.Of(existing).Equal(digest.Of(data)) {
			s.drvCacheMu.Lock()
			s.drvCache[p] = drv
			s.drvCacheMu.Unlock()
			return p, nil
		}
		return "", &PathExistsError{Path: p}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("add derivation %s: %v", drv.Name, err)
	}

	if err := writeFileAtomic(real, data, 0o444); err != nil {
		return "", fmt.Errorf("add derivation %s: %v", drv.Name, err)
	}
	s.drvCacheMu.Lock()
	s.drvCache[p] = drv
	s.drvCacheMu.Unlock()
	return p, nil
}

// ReadDerivation reads and memoizes the derivation at path p.
func (s *Store) ReadDerivation(p storepath.Path) (*derivation.Derivation, error) {
	s.drvCacheMu.Lock()
	if drv, ok := s.drvCache[p]; ok {
		s.drvCacheMu.Unlock()
		return drv, nil
	}
	s.drvCacheMu.Unlock()

	data, err := os.ReadFile(string(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read derivation %s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("read derivation %s: %v", p, err)
	}
	drv := new(derivation.Derivation)
	if err := drv.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", p, err)
	}

	s.drvCacheMu.Lock()
	s.drvCache[p] = drv
	s.drvCacheMu.Unlock()
	return drv, nil
}

// Delete recursively makes p writable, then recursively removes it. Only
// the garbage collector may call this: deleting a live path violates the
// store's append-only discipline.
func (s *Store) Delete(p storepath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	real := string(p)
	if err := makeWritable(real); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %v", p, err)
	}
	if err := os.RemoveAll(real); err != nil {
		return fmt.Errorf("delete %s: %v", p, err)
	}
	s.drvCacheMu.Lock()
	delete(s.drvCache, p)
	s.drvCacheMu.Unlock()
	return s.db.Delete(p)
}

// ListPaths enumerates the store root's top-level entries that parse as
// store paths.
func (s *Store) ListPaths() ([]storepath.Path, error) {
	entries, err := os.ReadDir(string(s.dir))
	if err != nil {
		return nil, fmt.Errorf("list paths: %v", err)
	}
	var result []storepath.Path
	for _, e := range entries {
		name := e.Name()
		if name == "db" || name == "gcroots" || name == "cache" {
			continue
		}
		p, err := s.dir.Object(name)
		if err != nil {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, info.Mode().Perm())
		}
	})
}

// makeReadOnly strips write permission from every entry under root,
// matching the store's immutability guarantee once an object is
// registered.
func makeReadOnly(root string) error {
	return osutil.Freeze(root, time.Time{}, nil)
}

func makeWritable(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return os.Chmod(path, 0o755)
		}
		return os.Chmod(path, 0o644)
	})
}
