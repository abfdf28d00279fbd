// Package graph builds the module graph for a set of entry points.
//
// Modules are keyed by canonical path. Traversal is breadth first in waves:
// every module discovered in one wave is read and transformed in parallel,
// then the wave's results are inserted in discovery order, which keeps the
// graph (and everything serialized from it) reproducible.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/wolfeidau/modpack/internal/loader"
)

// Dependency is one specifier written in a module and what it resolved to
type Dependency struct {
	Specifier string
	// Path is the canonical path of the dependency, empty for externals
	Path     string
	External bool
	// Global names the runtime variable providing an external dependency
	Global string
}

// Module is immutable once inserted into a Graph; rebuilds replace it rather
// than modifying it.
type Module struct {
	Path        string
	ID          string
	Raw         []byte
	Code        []byte
	Deps        []Dependency
	Side        []loader.SideOutput
	Fingerprint string
}

// Entry is a named root module
type Entry struct {
	Name string
	Path string
}

// CycleWarning reports a dependency cycle. It never fails a build.
type CycleWarning struct {
	// Cycle lists module ids, starting and ending with the same module
	Cycle []string
}

func (w CycleWarning) String() string {
	return "dependency cycle: " + strings.Join(w.Cycle, " -> ")
}

// Graph maps canonical paths to modules
type Graph struct {
	Modules map[string]*Module
	// Order is the discovery order of every module in the graph
	Order   []string
	Entries []Entry
	Cycles  []CycleWarning

	// Transformed and Reused record, in discovery order, which modules were
	// run through the loader pipeline in this build and which were carried
	// over from the previous graph.
	Transformed []string
	Reused      []string
}

func newGraph(entries []Entry) *Graph {
	return &Graph{
		Modules: map[string]*Module{},
		Entries: entries,
	}
}

// Module returns the module stored under path
func (g *Graph) Module(path string) (*Module, bool) {
	m, ok := g.Modules[path]
	return m, ok
}

// Dependents returns, for every module, the modules that depend on it directly.
// Importers are listed in discovery order.
func (g *Graph) Dependents() map[string][]string {
	rev := map[string][]string{}
	for _, path := range g.Order {
		for _, dep := range g.Modules[path].Deps {
			if dep.External {
				continue
			}
			if !slices.Contains(rev[dep.Path], path) {
				rev[dep.Path] = append(rev[dep.Path], path)
			}
		}
	}
	return rev
}

// Affected returns the changed paths plus every module transitively depending
// on any of them. Changed paths not in the graph are still included.
func (g *Graph) Affected(changed []string) map[string]bool {
	rev := g.Dependents()
	affected := map[string]bool{}

	queue := append([]string{}, changed...)
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		if affected[path] {
			continue
		}
		affected[path] = true
		queue = append(queue, rev[path]...)
	}
	return affected
}

// Reachable returns the modules reachable from root in depth-first pre-order,
// following dependencies in the order they were written.
func (g *Graph) Reachable(root string) []string {
	var (
		out  []string
		seen = map[string]bool{}
		walk func(path string)
	)
	walk = func(path string) {
		if seen[path] {
			return
		}
		m, ok := g.Modules[path]
		if !ok {
			return
		}
		seen[path] = true
		out = append(out, path)
		for _, dep := range m.Deps {
			if !dep.External {
				walk(dep.Path)
			}
		}
	}
	walk(root)
	return out
}

// SameTopology reports whether both graphs contain the same modules with the
// same resolved edges. Content may differ.
func (g *Graph) SameTopology(other *Graph) bool {
	if other == nil || len(g.Modules) != len(other.Modules) || len(g.Entries) != len(other.Entries) {
		return false
	}
	for i, e := range g.Entries {
		if other.Entries[i] != e {
			return false
		}
	}
	for path, m := range g.Modules {
		om, ok := other.Modules[path]
		if !ok || len(m.Deps) != len(om.Deps) {
			return false
		}
		for i, dep := range m.Deps {
			if om.Deps[i] != dep {
				return false
			}
		}
	}
	return true
}

// detectCycles walks from each entry and records every back edge as a cycle
func (g *Graph) detectCycles() {
	const (
		white = iota
		grey
		black
	)

	color := map[string]int{}
	var (
		stack []string
		visit func(path string)
	)
	visit = func(path string) {
		color[path] = grey
		stack = append(stack, path)

		for _, dep := range g.Modules[path].Deps {
			if dep.External {
				continue
			}
			switch color[dep.Path] {
			case white:
				visit(dep.Path)
			case grey:
				start := slices.Index(stack, dep.Path)
				cycle := make([]string, 0, len(stack)-start+1)
				for _, p := range stack[start:] {
					cycle = append(cycle, g.Modules[p].ID)
				}
				cycle = append(cycle, g.Modules[dep.Path].ID)
				g.Cycles = append(g.Cycles, CycleWarning{Cycle: cycle})
			}
		}

		stack = stack[:len(stack)-1]
		color[path] = black
	}

	for _, e := range g.Entries {
		if color[e.Path] == white {
			if _, ok := g.Modules[e.Path]; ok {
				visit(e.Path)
			}
		}
	}
}

// Fingerprint returns the content fingerprint used to detect changes
func Fingerprint(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}
