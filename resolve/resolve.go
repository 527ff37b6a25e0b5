// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

package resolve

import (
	"fmt"
	"slices"
)

// PackageID identifies a specific resolved version of a named package.
type PackageID struct {
	Name    string
	Version Version
}

func (id PackageID) String() string {
	return id.Name + "@" + id.Version.String()
}

// Dependency is one edge in a package's dependency list: a named
// constraint that, unless Optional, must be satisfiable for resolution to
// succeed.
type Dependency struct {
	Name       string
	Constraint Constraint
	Optional   bool
}

// Metadata is everything the registry knows about one version of a
// package: its dependency list.
type Metadata struct {
	Version      Version
	Dependencies []Dependency
}

// Registry answers "what versions of this package exist, and what do
// they depend on".
type Registry interface {
	// Versions returns every known version of name along with its
	// metadata. Order is not significant.
	Versions(name string) ([]Metadata, error)
}

// PackageNotFoundError reports that the registry has no versions at all
// for a referenced package name.
type PackageNotFoundError struct {
	Name string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("resolve: package not found: %s", e.Name)
}

// NoMatchingVersionError reports that every known version of a package
// was filtered out by the accumulated constraints.
type NoMatchingVersionError struct {
	Name        string
	Constraints []Constraint
	Candidates  []Version
}

func (e *NoMatchingVersionError) Error() string {
	return fmt.Sprintf("resolve: no version of %s satisfies %s (candidates: %v)", e.Name, joinConstraints(e.Constraints, " AND "), e.Candidates)
}

// VersionConflictError reports that a package was already resolved to a
// version that a later constraint rejects.
type VersionConflictError struct {
	Name     string
	Resolved Version
	Rejected Constraint
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("resolve: %s resolved to %s, which does not satisfy %s", e.Name, e.Resolved, e.Rejected)
}

// CyclicDependencyError reports a cycle discovered during the topological
// sort, with the cycle path in traversal order.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("resolve: cyclic dependency: %v", e.Cycle)
}

// Resolution is the result of a successful resolve: the chosen version of
// every package, the direct dependency graph, and a topological build
// order (dependencies before dependents).
type Resolution struct {
	Resolved  map[string]PackageID
	Graph     map[string][]string
	BuildOrder []string
}

// Root is a root dependency to resolve from, analogous to [Dependency]
// but without an owning package.
type Root struct {
	Name       string
	Constraint Constraint
	Optional   bool
}

type pendingEdge struct {
	name       string
	constraint Constraint
	optional   bool
}

// Resolve turns roots into a [Resolution] by iteratively narrowing the
// candidate version set for each named package until every accumulated
// constraint is satisfied, then topologically sorting the resulting
// dependency graph.
//
// Determinism: given identical registry state and roots, the result is
// identical regardless of queue processing order, because version
// selection for a name is a pure function of the constraints accumulated
// for that name (greatest satisfying version wins), not of arrival order.
func Resolve(registry Registry, roots []Root) (*Resolution, error) {
	resolved := make(map[string]PackageID)
	constraints := make(map[string][]Constraint)
	graph := make(map[string][]string)

	queue := make([]pendingEdge, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, pendingEdge{name: r.Name, constraint: r.Constraint, optional: r.Optional})
	}

	for len(queue) > 0 {
		edge := queue[0]
		queue = queue[1:]

		constraints[edge.name] = append(constraints[edge.name], edge.constraint)

		if existing, ok := resolved[edge.name]; ok {
			if !edge.constraint.Satisfies(existing.Version) {
				if edge.optional {
					continue
				}
				return nil, &VersionConflictError{
					Name:     edge.name,
					Resolved: existing.Version,
					Rejected: edge.constraint,
				}
			}
			continue
		}

		versions, err := registry.Versions(edge.name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %v", edge.name, err)
		}
		if len(versions) == 0 {
			if edge.optional {
				continue
			}
			return nil, &PackageNotFoundError{Name: edge.name}
		}

		all := And(constraints[edge.name])
		var best *Metadata
		var candidates []Version
		for i := range versions {
			candidates = append(candidates, versions[i].Version)
			if !all.Satisfies(versions[i].Version) {
				continue
			}
			if best == nil || versions[i].Version.Compare(best.Version) > 0 {
				best = &versions[i]
			}
		}
		if best == nil {
			if edge.optional {
				continue
			}
			return nil, &NoMatchingVersionError{
				Name:        edge.name,
				Constraints: constraints[edge.name],
				Candidates:  candidates,
			}
		}

		resolved[edge.name] = PackageID{Name: edge.name, Version: best.Version}
		var deps []string
		for _, dep := range best.Dependencies {
			if dep.Optional {
				continue
			}
			deps = append(deps, dep.Name)
			queue = append(queue, pendingEdge{name: dep.Name, constraint: dep.Constraint, optional: dep.Optional})
		}
		graph[edge.name] = deps
	}

	order, err := topoSort(graph)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Resolved:   resolved,
		Graph:      graph,
		BuildOrder: order,
	}, nil
}

type visitState int8

const (
	unvisited visitState = iota
	inProgress
	done
)

// topoSort performs a depth-first post-order traversal of graph, so that
// build order lists every dependency before its dependents. Encountering a
// node already "in progress" on the current DFS stack indicates a cycle.
func topoSort(graph map[string][]string) ([]string, error) {
	state := make(map[string]visitState)
	var order []string
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case inProgress:
			cycle := append(append([]string{}, stack...), name)
			return &CyclicDependencyError{Cycle: cycle}
		}
		state[name] = inProgress
		stack = append(stack, name)
		for _, dep := range graph[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	// Iterate names in a stable order so that, for graphs without
	// ambiguity, the emitted order is reproducible across runs even
	// though Go map iteration order is not.
	names := sortedStringKeys(graph)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func sortedStringKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
