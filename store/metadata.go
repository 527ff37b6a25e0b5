// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsonv2 "github.com/go-json-experiment/json"

	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/sets"
	"neve.256lights.llc/substrate/storepath"
)

// PathInfo is the metadata record for one store object.
type PathInfo struct {
	Path             storepath.Path        `json:"path"`
	NARHash          digest.Hash           `json:"narHash"`
	NARSize          int64                 `json:"narSize"`
	References       *sets.Sorted[storepath.Path] `json:"references,omitzero"`
	Deriver          storepath.Path        `json:"deriver,omitzero"`
	RegistrationTime int64                 `json:"registrationTime"`
	Valid            bool                  `json:"valid"`
}

// jsonPathInfo is PathInfo's wire shape: sets.Sorted doesn't itself
// implement json.Marshaler, so references are flattened to a plain slice
// for serialization and rebuilt into a set on load.
type jsonPathInfo struct {
	Path             storepath.Path   `json:"path"`
	NARHash          digest.Hash      `json:"narHash"`
	NARSize          int64            `json:"narSize"`
	References       []storepath.Path `json:"references,omitzero"`
	Deriver          storepath.Path   `json:"deriver,omitzero"`
	RegistrationTime int64            `json:"registrationTime"`
	Valid            bool             `json:"valid"`
}

func (pi *PathInfo) MarshalJSON() ([]byte, error) {
	j := jsonPathInfo{
		Path:             pi.Path,
		NARHash:          pi.NARHash,
		NARSize:          pi.NARSize,
		Deriver:          pi.Deriver,
		RegistrationTime: pi.RegistrationTime,
		Valid:            pi.Valid,
	}
	if pi.References != nil {
		for i := 0; i < pi.References.Len(); i++ {
			j.References = append(j.References, pi.References.At(i))
		}
	}
	return jsonv2.Marshal(j)
}

func (pi *PathInfo) UnmarshalJSON(data []byte) error {
	var j jsonPathInfo
	if err := jsonv2.Unmarshal(data, &j); err != nil {
		return err
	}
	pi.Path = j.Path
	pi.NARHash = j.NARHash
	pi.NARSize = j.NARSize
	pi.Deriver = j.Deriver
	pi.RegistrationTime = j.RegistrationTime
	pi.Valid = j.Valid
	pi.References = sets.NewSorted(j.References...)
	return nil
}

// MetadataDB is the flat, per-path JSON metadata store described by the
// on-disk layout "<store>/db/<hash>.json", backed by an in-process cache
// for O(1) repeated queries.
//
// The zero value is not valid; use [newMetadataDB].
type MetadataDB struct {
	dir string // "<store>/db"

	mu    sync.Mutex
	cache map[storepath.Path]*PathInfo
}

func newMetadataDB(dir string) (*MetadataDB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open metadata db: %v", err)
	}
	return &MetadataDB{
		dir:   dir,
		cache: make(map[storepath.Path]*PathInfo),
	}, nil
}

func (db *MetadataDB) fileName(p storepath.Path) string {
	return filepath.Join(db.dir, p.ShortHex()+".json")
}

// Register writes info to durable storage and updates the in-process
// cache. The write is synchronous: once Register returns, a subsequent
// Query for the same path observes it, even from a fresh process.
func (db *MetadataDB) Register(info *PathInfo) error {
	if info.RegistrationTime == 0 {
		info.RegistrationTime = time.Now().Unix()
	}
	data, err := jsonv2.Marshal(info)
	if err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err := writeFileAtomic(db.fileName(info.Path), data, 0o644); err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}
	db.cache[info.Path] = info
	return nil
}

// Query returns the PathInfo registered for p, or nil if none exists.
func (db *MetadataDB) Query(p storepath.Path) (*PathInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryLocked(p)
}

func (db *MetadataDB) queryLocked(p storepath.Path) (*PathInfo, error) {
	if info, ok := db.cache[p]; ok {
		return info, nil
	}
	data, err := os.ReadFile(db.fileName(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s: %v", p, err)
	}
	info := new(PathInfo)
	if err := jsonv2.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("query %s: %v", p, err)
	}
	db.cache[p] = info
	return info, nil
}

// IsValid reports whether p is registered and not tombstoned.
func (db *MetadataDB) IsValid(p storepath.Path) (bool, error) {
	info, err := db.Query(p)
	if err != nil {
		return false, err
	}
	return info != nil && info.Valid, nil
}

// GetReferences returns the set of store paths that p's registered
// contents reference.
func (db *MetadataDB) GetReferences(p storepath.Path) (*sets.Sorted[storepath.Path], error) {
	info, err := db.Query(p)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("get references %s: not registered", p)
	}
	return info.References, nil
}

// GetReferrers returns every registered path whose references include p.
// This is a linear scan over all records: acceptable at moderate store
// scale, an indexed reverse map would be the natural optimization.
func (db *MetadataDB) GetReferrers(p storepath.Path) ([]storepath.Path, error) {
	all, err := db.ListAll()
	if err != nil {
		return nil, err
	}
	var referrers []storepath.Path
	for _, info := range all {
		if info.References != nil && info.References.Has(p) {
			referrers = append(referrers, info.Path)
		}
	}
	return referrers, nil
}

// Invalidate marks p's record as a tombstone without removing the file.
func (db *MetadataDB) Invalidate(p storepath.Path) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	info, err := db.queryLocked(p)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	info.Valid = false
	data, err := jsonv2.Marshal(info)
	if err != nil {
		return fmt.Errorf("invalidate %s: %v", p, err)
	}
	if err := writeFileAtomic(db.fileName(p), data, 0o644); err != nil {
		return fmt.Errorf("invalidate %s: %v", p, err)
	}
	return nil
}

// Delete removes p's record entirely, evicting it from the cache.
func (db *MetadataDB) Delete(p storepath.Path) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.cache, p)
	if err := os.Remove(db.fileName(p)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete metadata for %s: %v", p, err)
	}
	return nil
}

// ListAll returns every registered record, valid or tombstoned.
func (db *MetadataDB) ListAll() ([]*PathInfo, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %v", err)
	}
	var result []*PathInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(db.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("list metadata: %v", err)
		}
		info := new(PathInfo)
		if err := jsonv2.Unmarshal(data, info); err != nil {
			return nil, fmt.Errorf("list metadata: %s: %v", e.Name(), err)
		}
		result = append(result, info)
	}
	return result, nil
}

// writeFileAtomic writes data to a temporary file in the same directory as
// name, then renames it into place, so that readers never observe a
// partially-written record.
func writeFileAtomic(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return closeErr
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
