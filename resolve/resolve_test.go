// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package resolve

import (
	"slices"
	"testing"
)

type memRegistry map[string][]Metadata

func (r memRegistry) Versions(name string) ([]Metadata, error) {
	return r[name], nil
}

func mustConstraint(t *testing.T, s string) Constraint {
	t.Helper()
	c, err := ParseConstraint(s)
	if err != nil {
		t.Fatalf("ParseConstraint(%q): %v", s, err)
	}
	return c
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"1", Version{Major: 1}, false},
		{"1.2", Version{Major: 1, Minor: 2}, false},
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3}, false},
		{"1.2.3-beta", Version{Major: 1, Minor: 2, Patch: 3, Pre: "beta"}, false},
		{"1.2.3.4", Version{}, true},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseVersion(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestPreReleaseOrdersBeforeRelease(t *testing.T) {
	rel := Version{Major: 1, Minor: 0, Patch: 0}
	pre := Version{Major: 1, Minor: 0, Patch: 0, Pre: "beta"}
	if !pre.Less(rel) {
		t.Errorf("%v is not less than %v", pre, rel)
	}
}

func TestResolverDiamond(t *testing.T) {
	registry := memRegistry{
		"d": {
			{Version: Version{Major: 1, Minor: 0, Patch: 0}},
			{Version: Version{Major: 1, Minor: 1, Patch: 0}},
			{Version: Version{Major: 1, Minor: 2, Patch: 0}},
		},
		"b": {
			{Version: Version{Major: 1, Minor: 0, Patch: 0}, Dependencies: []Dependency{
				{Name: "d", Constraint: mustConstraint(t, "^1.0")},
			}},
		},
		"c": {
			{Version: Version{Major: 1, Minor: 0, Patch: 0}, Dependencies: []Dependency{
				{Name: "d", Constraint: mustConstraint(t, "^1.1")},
			}},
		},
		"a": {
			{Version: Version{Major: 1, Minor: 0, Patch: 0}, Dependencies: []Dependency{
				{Name: "b", Constraint: mustConstraint(t, "^1.0")},
				{Name: "c", Constraint: mustConstraint(t, "^1.0")},
			}},
		},
	}

	res, err := Resolve(registry, []Root{{Name: "a", Constraint: mustConstraint(t, "^1.0")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	wantD := Version{Major: 1, Minor: 2, Patch: 0}
	if res.Resolved["d"].Version != wantD {
		t.Errorf("d resolved to %v, want %v", res.Resolved["d"].Version, wantD)
	}

	idx := func(name string) int { return slices.Index(res.BuildOrder, name) }
	if idx("d") > idx("b") || idx("d") > idx("c") {
		t.Errorf("build order %v does not place d before b and c", res.BuildOrder)
	}
	if idx("b") > idx("a") || idx("c") > idx("a") {
		t.Errorf("build order %v does not place b and c before a", res.BuildOrder)
	}
}

func TestResolverCycleDetection(t *testing.T) {
	registry := memRegistry{
		"a": {{Version: Version{Major: 1}, Dependencies: []Dependency{
			{Name: "b", Constraint: mustConstraint(t, "^1")},
		}}},
		"b": {{Version: Version{Major: 1}, Dependencies: []Dependency{
			{Name: "c", Constraint: mustConstraint(t, "^1")},
		}}},
		"c": {{Version: Version{Major: 1}, Dependencies: []Dependency{
			{Name: "a", Constraint: mustConstraint(t, "^1")},
		}}},
	}

	_, err := Resolve(registry, []Root{{Name: "a", Constraint: mustConstraint(t, "^1")}})
	if err == nil {
		t.Fatal("Resolve did not detect the cycle")
	}
	var cycleErr *CyclicDependencyError
	if e, ok := err.(*CyclicDependencyError); ok {
		cycleErr = e
	} else {
		t.Fatalf("error = %v, want *CyclicDependencyError", err)
	}
	if len(cycleErr.Cycle) == 0 {
		t.Error("CyclicDependencyError has an empty cycle path")
	}
}

func TestResolverSingleDependency(t *testing.T) {
	registry := memRegistry{
		"only": {{Version: Version{Major: 1, Minor: 0, Patch: 0}}},
	}
	res, err := Resolve(registry, []Root{{Name: "only", Constraint: mustConstraint(t, "=1.0.0")}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Resolved["only"].Version != (Version{Major: 1, Minor: 0, Patch: 0}) {
		t.Errorf("resolved = %v, want 1.0.0", res.Resolved["only"].Version)
	}
}

func TestResolverNoMatchingVersion(t *testing.T) {
	registry := memRegistry{
		"pkg": {{Version: Version{Major: 1, Minor: 0, Patch: 0}}},
	}
	_, err := Resolve(registry, []Root{{Name: "pkg", Constraint: mustConstraint(t, "^2.0")}})
	if err == nil {
		t.Fatal("Resolve did not report NoMatchingVersionError")
	}
	if _, ok := err.(*NoMatchingVersionError); !ok {
		t.Errorf("error = %v, want *NoMatchingVersionError", err)
	}
}

func TestResolverPackageNotFound(t *testing.T) {
	registry := memRegistry{}
	_, err := Resolve(registry, []Root{{Name: "missing", Constraint: Any{}}})
	if err == nil {
		t.Fatal("Resolve did not report PackageNotFoundError")
	}
	if _, ok := err.(*PackageNotFoundError); !ok {
		t.Errorf("error = %v, want *PackageNotFoundError", err)
	}
}
