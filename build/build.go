// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package build implements the build coordinator: given a derivation,
// recursively ensure its input derivations are built, invoke the
// sandboxed executor, then validate, hash, and register the resulting
// outputs in the store.
package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"neve.256lights.llc/substrate/derivation"
	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/nar"
	"neve.256lights.llc/substrate/sandbox"
	"neve.256lights.llc/substrate/store"
	"neve.256lights.llc/substrate/storepath"
)

// MissingInputError reports that a derivation references an input
// derivation path that does not exist in the store.
type MissingInputError struct {
	Path storepath.Path
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("build: missing input derivation %s", e.Path)
}

// MissingSourceError reports that a derivation references an input
// source path that does not exist in the store.
type MissingSourceError struct {
	Path storepath.Path
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("build: missing input source %s", e.Path)
}

// BuildFailedError reports that the builder process itself failed.
type BuildFailedError struct {
	Path storepath.Path
	Log  string
	Err  error
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build: %s: builder failed: %v", e.Path, e.Err)
}

func (e *BuildFailedError) Unwrap() error { return e.Err }

// OutputHashMismatchError reports that a completed build's output
// content does not match the derivation's declared fixed output hash.
type OutputHashMismatchError struct {
	Path     storepath.Path
	Output   string
	Expected digest.Hash
	Actual   digest.Hash
}

func (e *OutputHashMismatchError) Error() string {
	return fmt.Sprintf("build: %s output %q: expected hash %s, got %s", e.Path, e.Output, e.Expected.Base16(), e.Actual.Base16())
}

// Result is the outcome of building one derivation: the resolved store
// path of each declared output, the combined build log, and wall-clock
// duration. A Result for an already-valid derivation has a zero
// Duration and empty Log.
type Result struct {
	Derivation storepath.Path
	Outputs    map[string]storepath.Path
	Log        string
	Duration   time.Duration
}

// Coordinator drives builds: it owns the store the outputs land in and
// the executor that runs builder processes.
type Coordinator struct {
	Store    *store.Store
	Executor sandbox.Executor
	// Cores is the NIX_BUILD_CORES-equivalent hint passed to builders.
	Cores int
	// Network, if true, permits builders network access. Per-derivation
	// overrides are a future extension; today this is coordinator-wide.
	Network bool
	// Timeout bounds each individual builder invocation. Zero means no
	// timeout.
	Timeout time.Duration
	// KeepFailed preserves the scratch tree of a failed build for
	// inspection instead of deleting it.
	KeepFailed bool
	// ScratchBase is the directory new build scratch trees are created
	// under. Empty means the system default temporary directory.
	ScratchBase string
}

// Build ensures root and its full input-derivation closure are built,
// returning root's result. Input derivations are visited with an
// explicit work stack rather than naive recursion so that deep
// dependency graphs do not exhaust the goroutine stack; this is safe
// because a derivation's store path is a hash of its inputs, so the
// input graph can never contain a cycle.
func (c *Coordinator) Build(ctx context.Context, root storepath.Path) (*Result, error) {
	order, err := c.closureOrder(root)
	if err != nil {
		return nil, err
	}

	results := make(map[storepath.Path]*Result, len(order))
	for _, p := range order {
		r, err := c.buildOne(ctx, p, results)
		if err != nil {
			return nil, err
		}
		results[p] = r
	}
	return results[root], nil
}

type frame struct {
	path     storepath.Path
	children []storepath.Path
	next     int
}

// closureOrder returns root and its transitive input-derivation closure
// in dependency-first order (every input before the derivation that
// needs it), computed with an explicit stack rather than recursion.
func (c *Coordinator) closureOrder(root storepath.Path) ([]storepath.Path, error) {
	visited := make(map[storepath.Path]bool)
	var order []storepath.Path
	var stack []*frame

	newFrame := func(p storepath.Path) (*frame, error) {
		drv, err := c.Store.ReadDerivation(p)
		if err != nil {
			return nil, &MissingInputError{Path: p}
		}
		children := make([]storepath.Path, 0, len(drv.InputDrvs))
		for dp := range drv.InputDrvs {
			children = append(children, dp)
		}
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		return &frame{path: p, children: children}, nil
	}

	f, err := newFrame(root)
	if err != nil {
		return nil, err
	}
	visited[root] = true
	stack = append(stack, f)

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next < len(top.children) {
			child := top.children[top.next]
			top.next++
			if visited[child] {
				continue
			}
			visited[child] = true
			cf, err := newFrame(child)
			if err != nil {
				return nil, err
			}
			stack = append(stack, cf)
			continue
		}
		order = append(order, top.path)
		stack = stack[:len(stack)-1]
	}
	return order, nil
}

// buildOne runs step 1-5 of the build operation for a single derivation,
// assuming every input derivation in results has already been built.
func (c *Coordinator) buildOne(ctx context.Context, path storepath.Path, results map[storepath.Path]*Result) (*Result, error) {
	drv, err := c.Store.ReadDerivation(path)
	if err != nil {
		return nil, &MissingInputError{Path: path}
	}

	if existing, ok, err := c.existingValidOutputs(drv); err != nil {
		return nil, err
	} else if ok {
		return &Result{Derivation: path, Outputs: existing}, nil
	}

	for srcPath := range drv.InputDrvs {
		if _, ok := results[srcPath]; !ok {
			return nil, &MissingInputError{Path: srcPath}
		}
	}
	for _, src := range drv.InputSrcs {
		if !c.Store.PathExists(src) {
			return nil, &MissingSourceError{Path: src}
		}
	}

	inputs, err := c.inputLinks(drv, results)
	if err != nil {
		return nil, err
	}

	outputNames := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		outputNames = append(outputNames, name)
	}
	sort.Strings(outputNames)

	scratch, err := os.MkdirTemp(c.ScratchBase, "neve-build-*")
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var logW logBuffer
	opts := &sandbox.Options{
		Scratch:    scratch,
		StoreDir:   string(c.Store.Directory()),
		Builder:    drv.Builder,
		Args:       drv.Args,
		Env:        drv.Env,
		Name:       drv.Name,
		Version:    drv.Version,
		System:     drv.System,
		Outputs:    outputNames,
		Inputs:     inputs,
		Cores:      c.Cores,
		Network:    c.Network,
		Timeout:    c.Timeout,
		Stdout:     &logW,
		Stderr:     &logW,
		KeepFailed: c.KeepFailed,
	}

	start := time.Now()
	execResult, err := c.Executor.Execute(execCtx, opts)
	duration := time.Since(start)
	if err != nil {
		return nil, &BuildFailedError{Path: path, Log: logW.String(), Err: err}
	}

	outputs, err := c.collectOutputs(path, drv, execResult)
	if err != nil {
		return nil, err
	}

	return &Result{Derivation: path, Outputs: outputs, Log: logW.String(), Duration: duration}, nil
}

// existingValidOutputs reports whether every declared output of drv is
// already a valid path in the store, returning their resolved paths if
// so.
func (c *Coordinator) existingValidOutputs(drv *derivation.Derivation) (map[string]storepath.Path, bool, error) {
	outputs := make(map[string]storepath.Path, len(drv.Outputs))
	for name := range drv.Outputs {
		// Only a fixed output's store path is derivable without
		// actually building it; a floating output's path depends on
		// content produced by the build, so a derivation with any
		// floating output is rebuilt on every call.
		p := outputStorePath(c.Store.Directory(), drv, name)
		if p == "" {
			return nil, false, nil
		}
		valid, err := c.Store.Metadata().IsValid(p)
		if err != nil {
			return nil, false, err
		}
		if !valid {
			return nil, false, nil
		}
		outputs[name] = p
	}
	return outputs, true, nil
}

// inputLinks resolves each input derivation's declared output names
// into [sandbox.InputLink]s the executor materializes under
// build/inputs/.
func (c *Coordinator) inputLinks(drv *derivation.Derivation, results map[storepath.Path]*Result) ([]sandbox.InputLink, error) {
	var links []sandbox.InputLink
	drvPaths := make([]storepath.Path, 0, len(drv.InputDrvs))
	for p := range drv.InputDrvs {
		drvPaths = append(drvPaths, p)
	}
	sort.Slice(drvPaths, func(i, j int) bool { return drvPaths[i] < drvPaths[j] })

	for _, drvPath := range drvPaths {
		outNames := drv.InputDrvs[drvPath]
		res, ok := results[drvPath]
		if !ok {
			return nil, &MissingInputError{Path: drvPath}
		}
		sorted := append([]string(nil), outNames...)
		sort.Strings(sorted)
		for _, outName := range sorted {
			outPath, ok := res.Outputs[outName]
			if !ok {
				return nil, fmt.Errorf("build: %s has no output %q", drvPath, outName)
			}
			links = append(links, sandbox.InputLink{
				Name:   fmt.Sprintf("%s-%s", drvPath.ShortHex(), outName),
				Target: c.Store.ToPath(outPath),
			})
		}
	}
	for _, src := range drv.InputSrcs {
		links = append(links, sandbox.InputLink{
			Name:   src.Base(),
			Target: c.Store.ToPath(src),
		})
	}
	return links, nil
}

// collectOutputs implements §4.8: validate, hash, add to the store, and
// register metadata for every declared output of drv, in the order the
// spec's ordering guarantees require (filesystem object before metadata
// record).
func (c *Coordinator) collectOutputs(drvPath storepath.Path, drv *derivation.Derivation, exec *sandbox.Result) (map[string]storepath.Path, error) {
	results := make(map[string]storepath.Path, len(drv.Outputs))
	for name, output := range drv.Outputs {
		scratchPath, ok := exec.OutputPaths[name]
		if !ok {
			return nil, fmt.Errorf("build: executor did not report output %q", name)
		}
		if err := rejectOutOfStoreSymlinks(scratchPath, c.Store.Directory()); err != nil {
			return nil, err
		}

		var contentHash digest.Hash
		if output.HashMode == derivation.Flat {
			data, err := flatContent(scratchPath)
			if err != nil {
				return nil, err
			}
			contentHash = digest.Of(data)
		} else {
			h, _, err := nar.HashPath(scratchPath)
			if err != nil {
				return nil, err
			}
			contentHash = h
		}

		if output.IsFixed() && !contentHash.Equal(output.ExpectedHash) {
			return nil, &OutputHashMismatchError{
				Path: drvPath, Output: name,
				Expected: output.ExpectedHash, Actual: contentHash,
			}
		}

		destName := outputDirName(drv, name)
		storedPath, err := c.Store.AddDir(scratchPath, destName)
		if err != nil {
			return nil, err
		}

		narHash, narSize, err := nar.HashPath(c.Store.ToPath(storedPath))
		if err != nil {
			return nil, err
		}
		if err := c.Store.Metadata().Register(&store.PathInfo{
			Path:     storedPath,
			NARHash:  narHash,
			NARSize:  narSize,
			Deriver:  drvPath,
			Valid:    true,
		}); err != nil {
			return nil, err
		}

		results[name] = storedPath
	}
	return results, nil
}

func outputDirName(drv *derivation.Derivation, output string) string {
	if output == derivation.DefaultOutputName {
		return fmt.Sprintf("%s-%s", drv.Name, drv.Version)
	}
	return fmt.Sprintf("%s-%s-%s", drv.Name, drv.Version, output)
}

func outputStorePath(dir storepath.Directory, drv *derivation.Derivation, output string) storepath.Path {
	// Only fixed outputs can be resolved without building: their path
	// follows from the expected hash. A floating output's content hash is
	// not derivable from the derivation alone, so it yields "" and no
	// lookup of previously built outputs is made.
	if o := drv.Outputs[output]; o != nil && o.IsFixed() {
		p, err := storepath.New(dir, outputDirName(drv, output), o.ExpectedHash)
		if err == nil {
			return p
		}
	}
	return ""
}

// flatContent reads a single regular file's bytes for Flat-mode
// hashing. Flat outputs are expected to be exactly one file.
func flatContent(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 || entries[0].IsDir() {
		return nil, fmt.Errorf("build: flat output %s must contain exactly one file", path)
	}
	return os.ReadFile(filepath.Join(path, entries[0].Name()))
}

// rejectOutOfStoreSymlinks walks dir and fails if any symlink resolves
// to an absolute path outside storeDir.
func rejectOutOfStoreSymlinks(dir string, storeDir storepath.Directory) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if filepath.IsAbs(target) && !isWithinDir(target, string(storeDir)) {
			return fmt.Errorf("build: output symlink %s points outside the store: %s", path, target)
		}
		return nil
	})
}

func isWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasDotDotPrefix(rel)
}

func filepathHasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[:2] == ".." && (len(rel) == 2 || rel[2] == filepath.Separator)
}

// logBuffer is an io.Writer accumulating a builder's combined
// stdout/stderr for inclusion in a failed or successful [Result].
type logBuffer struct {
	data []byte
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *logBuffer) String() string { return string(b.data) }

var _ io.Writer = (*logBuffer)(nil)
