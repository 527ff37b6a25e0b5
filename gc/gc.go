// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package gc implements the garbage collector: GC roots as symlinks,
// live-set reachability from those roots through the derivation input
// graph, and collection of everything else in the store.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"neve.256lights.llc/substrate/internal/logging"
	"neve.256lights.llc/substrate/sets"
	"neve.256lights.llc/substrate/store"
	"neve.256lights.llc/substrate/storepath"
)

// Root is one named GC root: a symlink under "<store>/gcroots/<name>"
// pointing at a live store path.
type Root struct {
	Name string
	Path storepath.Path
}

// Collector finds and removes unreachable store paths.
type Collector struct {
	Store *store.Store
}

func (c *Collector) rootsDir() string {
	return filepath.Join(string(c.Store.Directory()), "gcroots")
}

// AddRoot creates (or replaces) a named root pointing at p.
func (c *Collector) AddRoot(name string, p storepath.Path) error {
	link := filepath.Join(c.rootsDir(), name)
	os.Remove(link)
	if err := os.Symlink(string(p), link); err != nil {
		return fmt.Errorf("gc: add root %s: %v", name, err)
	}
	return nil
}

// RemoveRoot deletes a named root. It is not an error if the root does
// not exist.
func (c *Collector) RemoveRoot(name string) error {
	link := filepath.Join(c.rootsDir(), name)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("gc: remove root %s: %v", name, err)
	}
	return nil
}

// ListRoots returns every registered root.
func (c *Collector) ListRoots() ([]Root, error) {
	entries, err := os.ReadDir(c.rootsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gc: list roots: %v", err)
	}
	var roots []Root
	for _, e := range entries {
		link := filepath.Join(c.rootsDir(), e.Name())
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		roots = append(roots, Root{Name: e.Name(), Path: storepath.Path(target)})
	}
	return roots, nil
}

// visitState tracks a path's position in the reachability state machine
// described by the collection contract: unvisited, in-frontier (pushed on
// the traversal stack but not yet expanded), or live. A path is never
// demoted from live during a single pass.
type visitState int8

const (
	unvisited visitState = iota
	inFrontier
	live
)

// FindLivePaths returns the set of store paths reachable from any GC
// root: a root itself is live, and if a live path is a derivation file,
// its input derivations and input sources are live too, transitively.
func (c *Collector) FindLivePaths() (*sets.Sorted[storepath.Path], error) {
	roots, err := c.ListRoots()
	if err != nil {
		return nil, err
	}

	state := make(map[storepath.Path]visitState)
	var frontier []storepath.Path
	for _, r := range roots {
		if state[r.Path] == unvisited {
			state[r.Path] = inFrontier
			frontier = append(frontier, r.Path)
		}
	}

	liveSet := sets.NewSorted[storepath.Path]()
	for len(frontier) > 0 {
		p := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if state[p] == live {
			continue
		}
		state[p] = live
		liveSet.Add(p)

		if !p.IsDerivationPath() {
			continue
		}
		drv, err := c.Store.ReadDerivation(p)
		if err != nil {
			// A root or reference pointing at a derivation file that no
			// longer parses is itself garbage from the collector's
			// perspective; it contributes no further liveness.
			continue
		}
		for dep := range drv.InputDrvs {
			if state[dep] == unvisited {
				state[dep] = inFrontier
				frontier = append(frontier, dep)
			}
		}
		for _, src := range drv.InputSrcs {
			if state[src] == unvisited {
				state[src] = inFrontier
				frontier = append(frontier, src)
			}
		}
	}
	return liveSet, nil
}

// Result is the outcome of a collection pass.
type Result struct {
	Deleted    []storepath.Path
	FreedBytes int64
}

// Collect deletes every store path not in the live set, returning what
// was removed and how many bytes were freed.
func (c *Collector) Collect() (*Result, error) {
	return c.run(true)
}

// DryRun reports what Collect would delete, without deleting anything.
func (c *Collector) DryRun() (*Result, error) {
	return c.run(false)
}

func (c *Collector) run(delete bool) (*Result, error) {
	live, err := c.FindLivePaths()
	if err != nil {
		return nil, err
	}
	all, err := c.Store.ListPaths()
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, p := range all {
		if live.Has(p) {
			continue
		}
		size, err := dirSize(string(p))
		if err != nil {
			return nil, fmt.Errorf("gc: measure %s: %v", p, err)
		}
		result.Deleted = append(result.Deleted, p)
		result.FreedBytes += size
		if delete {
			if err := c.Store.Delete(p); err != nil {
				return nil, fmt.Errorf("gc: delete %s: %v", p, err)
			}
			logging.Debugf(context.Background(), "gc: deleted %s (%d bytes)", p, size)
		} else {
			logging.Debugf(context.Background(), "gc: would delete %s (%d bytes)", p, size)
		}
	}
	return result, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
