// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package derivation implements the immutable build recipe at the heart of
// the store: its canonical serialization and its content-addressed identity.
package derivation

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"

	"neve.256lights.llc/substrate/digest"
	"neve.256lights.llc/substrate/storepath"
)

// DefaultOutputName is the name of the primary output of a derivation.
const DefaultOutputName = "out"

// HashMode selects how a fixed-output derivation's realized content is
// hashed to verify it against its expected hash.
type HashMode int8

const (
	// Flat hashes the raw bytes of a single output file.
	Flat HashMode = 1 + iota
	// Recursive hashes the NAR serialization of an output directory tree.
	Recursive
)

// String implements [fmt.Stringer].
func (m HashMode) String() string {
	switch m {
	case Flat:
		return "flat"
	case Recursive:
		return "recursive"
	default:
		return "invalid"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (m HashMode) MarshalText() ([]byte, error) {
	switch m {
	case Flat, Recursive:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("marshal hash mode: invalid value %d", m)
	}
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *HashMode) UnmarshalText(data []byte) error {
	switch string(data) {
	case "flat":
		*m = Flat
	case "recursive":
		*m = Recursive
	default:
		return fmt.Errorf("parse hash mode: unknown value %q", data)
	}
	return nil
}

// Output is one expected result slot of a [Derivation].
// If ExpectedHash is not [digest.Null], the output is fixed-output:
// its realized content must hash exactly to that value.
type Output struct {
	Name         string      `json:"name"`
	HashMode     HashMode    `json:"hashMode,omitzero"`
	ExpectedHash digest.Hash `json:"expectedHash,omitzero"`
}

// IsFixed reports whether the output carries an expected content hash.
func (o *Output) IsFixed() bool {
	return o != nil && !o.ExpectedHash.IsNull()
}

// Derivation is the canonical build recipe: an immutable description of how
// to produce one or more outputs from a builder program, its arguments, and
// its declared inputs.
type Derivation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	System  string `json:"system"`
	Builder string `json:"builder"`
	Args    []string          `json:"args,omitzero"`
	Env     map[string]string `json:"env,omitzero"`

	// InputDrvs maps each input derivation's store path to the set of
	// output names of that derivation consumed by this one.
	InputDrvs map[storepath.Path][]string `json:"inputDrvs,omitzero"`
	// InputSrcs is the ordered set of source store paths this derivation
	// depends on directly (not produced by another derivation).
	InputSrcs []storepath.Path `json:"inputSrcs,omitzero"`

	Outputs map[string]*Output `json:"outputs"`
}

// StorePath computes the derivation's own store path:
// {Hash(drv), "<name>-<version>.drv"}, under dir.
func (drv *Derivation) StorePath(dir storepath.Directory) (storepath.Path, error) {
	h := drv.Hash()
	return storepath.New(dir, drv.fileName(), h)
}

func (drv *Derivation) fileName() string {
	base := drv.Name
	if drv.Version != "" {
		base += "-" + drv.Version
	}
	return base + storepath.DerivationExt
}

// Hash computes the derivation's content-addressed identity: a digest of
// its fields fed into the hasher in a fixed, deterministic order so that
// reordering any map field in memory never changes the result.
func (drv *Derivation) Hash() digest.Hash {
	h := digest.New()
	writeField(h, drv.Name)
	writeField(h, drv.Version)
	writeField(h, drv.System)
	writeField(h, drv.Builder)

	for _, arg := range drv.Args {
		writeField(h, arg)
	}

	for _, k := range sortedKeys(drv.Env) {
		writeField(h, k)
		writeField(h, drv.Env[k])
	}

	for _, p := range sortedPathKeys(drv.InputDrvs) {
		writeField(h, string(p))
		outs := slices.Clone(drv.InputDrvs[p])
		slices.Sort(outs)
		for _, o := range outs {
			writeField(h, o)
		}
	}

	srcs := slices.Clone(drv.InputSrcs)
	slices.SortFunc(srcs, func(a, b storepath.Path) int { return cmp.Compare(a, b) })
	for _, p := range srcs {
		writeField(h, string(p))
	}

	for _, name := range sortedKeys(drv.Outputs) {
		writeField(h, name)
		out := drv.Outputs[name]
		if out.IsFixed() {
			writeField(h, out.ExpectedHash.Base16())
		} else {
			writeField(h, "")
		}
	}

	return h.Sum()
}

// writeField writes a length-delimited field into the hasher so that field
// boundaries cannot be confused by concatenation (e.g. "ab"+"c" vs "a"+"bc").
func writeField(h *digest.Hasher, s string) {
	var lenBuf [8]byte
	n := uint64(len(s))
	for i := range lenBuf {
		lenBuf[i] = byte(n >> (8 * i))
	}
	h.Write(lenBuf[:])
	h.WriteString(s)
}

// MarshalJSON implements [json.Marshaler], producing the canonical JSON
// serialization described by the derivation wire format: map-typed fields
// are rendered with sorted keys, making the JSON bytes (and thus their hash)
// stable across runs regardless of in-memory map iteration order.
func (drv *Derivation) MarshalJSON() ([]byte, error) {
	return jsonv2.Marshal(jsonDerivation{
		Name:      drv.Name,
		Version:   drv.Version,
		System:    drv.System,
		Builder:   drv.Builder,
		Args:      drv.Args,
		Env:       drv.Env,
		InputDrvs: drv.InputDrvs,
		InputSrcs: drv.InputSrcs,
		Outputs:   drv.Outputs,
	}, jsonv2.Deterministic(true))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (drv *Derivation) UnmarshalJSON(data []byte) error {
	var jd jsonDerivation
	if err := jsonv2.Unmarshal(data, &jd); err != nil {
		return fmt.Errorf("unmarshal derivation: %v", err)
	}
	drv.Name = jd.Name
	drv.Version = jd.Version
	drv.System = jd.System
	drv.Builder = jd.Builder
	drv.Args = jd.Args
	drv.Env = jd.Env
	drv.InputDrvs = jd.InputDrvs
	drv.InputSrcs = jd.InputSrcs
	drv.Outputs = jd.Outputs
	return nil
}

// jsonDerivation mirrors Derivation's exported shape. MarshalJSON encodes it
// with go-json-experiment's Deterministic option, which sorts Go map keys
// when marshaling; that is what gives the JSON
// encoding (and thus its hash) a stable byte representation; this type
// exists only so Derivation can define its own Marshal/Unmarshal methods
// without infinite recursion.
type jsonDerivation struct {
	Name      string                       `json:"name"`
	Version   string                       `json:"version"`
	System    string                       `json:"system"`
	Builder   string                       `json:"builder"`
	Args      []string                     `json:"args,omitzero"`
	Env       map[string]string            `json:"env,omitzero"`
	InputDrvs map[storepath.Path][]string  `json:"inputDrvs,omitzero"`
	InputSrcs []storepath.Path             `json:"inputSrcs,omitzero"`
	Outputs   map[string]*Output           `json:"outputs"`
}

// Validate checks structural invariants that are not enforced by the type
// system: a non-empty name, no path separators in name or version, a
// builder, at least one output, and non-empty output names. Output hash
// modes are not checked.
func (drv *Derivation) Validate() error {
	if drv.Name == "" {
		return fmt.Errorf("derivation: missing name")
	}
	if strings.ContainsRune(drv.Name, '/') {
		return fmt.Errorf("derivation %s: name contains path separator", drv.Name)
	}
	if strings.ContainsRune(drv.Version, '/') {
		return fmt.Errorf("derivation %s: version contains path separator", drv.Name)
	}
	if drv.Builder == "" {
		return fmt.Errorf("derivation %s: missing builder", drv.Name)
	}
	if len(drv.Outputs) == 0 {
		return fmt.Errorf("derivation %s: no outputs declared", drv.Name)
	}
	for name := range drv.Outputs {
		if name == "" {
			return fmt.Errorf("derivation %s: output with empty name", drv.Name)
		}
	}
	return nil
}

func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedPathKeys[V any](m map[storepath.Path]V) []storepath.Path {
	keys := make([]storepath.Path, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b storepath.Path) int { return cmp.Compare(a, b) })
	return keys
}
