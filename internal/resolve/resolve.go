// Package resolve maps module specifiers to canonical file paths.
//
// Resolution tries, in order: a relative or absolute path with the configured
// extension fallbacks (and directory index files), the alias table, and
// finally treats any remaining bare specifier as an external package that is
// provided at runtime and never read from disk.
package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UnresolvedModuleError is returned when no candidate file exists for a specifier.
type UnresolvedModuleError struct {
	Specifier string
	Importer  string
}

func (e *UnresolvedModuleError) Error() string {
	if e.Importer == "" {
		return fmt.Sprintf("cannot resolve %q", e.Specifier)
	}
	return fmt.Sprintf("cannot resolve %q from %q", e.Specifier, e.Importer)
}

// Result is the outcome of a successful resolution. External results carry
// no path; they are recorded on the importing module and skipped by the graph.
type Result struct {
	Path     string
	External bool
	// Global is the runtime global that provides an external module
	Global string
}

type alias struct {
	prefix string
	target string
}

// Resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	root       string
	extensions []string
	aliases    []alias
	externals  map[string]string
}

// New creates a resolver rooted at root. Alias targets are resolved against root.
func New(root string, extensions []string, aliases, externals map[string]string) *Resolver {
	r := &Resolver{
		root:       filepath.Clean(root),
		extensions: extensions,
		externals:  externals,
	}

	for prefix, target := range aliases {
		if !filepath.IsAbs(target) {
			target = filepath.Join(r.root, target)
		}
		r.aliases = append(r.aliases, alias{prefix: prefix, target: target})
	}

	// longest prefix wins, ties broken by name for stable behaviour
	sort.Slice(r.aliases, func(i, j int) bool {
		if len(r.aliases[i].prefix) != len(r.aliases[j].prefix) {
			return len(r.aliases[i].prefix) > len(r.aliases[j].prefix)
		}
		return r.aliases[i].prefix < r.aliases[j].prefix
	})

	return r
}

// Resolve maps specifier, as written in the module at fromPath, to a canonical
// path. An empty fromPath resolves relative to the root (used for entries).
func (r *Resolver) Resolve(specifier, fromPath string) (Result, error) {
	if isPath(specifier) {
		base := r.root
		if fromPath != "" {
			base = filepath.Dir(fromPath)
		}

		candidate := specifier
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(base, specifier)
		}

		if p, ok := r.probe(candidate); ok {
			return Result{Path: p}, nil
		}
		return Result{}, &UnresolvedModuleError{Specifier: specifier, Importer: fromPath}
	}

	for _, a := range r.aliases {
		rest, ok := matchAlias(specifier, a.prefix)
		if !ok {
			continue
		}
		if p, ok := r.probe(filepath.Join(a.target, rest)); ok {
			return Result{Path: p}, nil
		}
		return Result{}, &UnresolvedModuleError{Specifier: specifier, Importer: fromPath}
	}

	global, ok := r.externals[specifier]
	if !ok {
		global = specifier
	}
	return Result{External: true, Global: global}, nil
}

// probe checks the exact path, then each extension, then directory index files.
func (r *Resolver) probe(name string) (string, bool) {
	name = filepath.Clean(name)

	st, err := os.Stat(name)
	if err == nil && !st.IsDir() {
		return name, true
	}

	for _, ext := range r.extensions {
		if st, err := os.Stat(name + ext); err == nil && !st.IsDir() {
			return name + ext, true
		}
	}

	if err == nil && st.IsDir() {
		for _, ext := range r.extensions {
			index := filepath.Join(name, "index"+ext)
			if st, err := os.Stat(index); err == nil && !st.IsDir() {
				return index, true
			}
		}
	}

	return "", false
}

func isPath(specifier string) bool {
	return strings.HasPrefix(specifier, "./") ||
		strings.HasPrefix(specifier, "../") ||
		specifier == "." || specifier == ".." ||
		filepath.IsAbs(specifier)
}

func matchAlias(specifier, prefix string) (string, bool) {
	if specifier == prefix {
		return "", true
	}
	if rest, ok := strings.CutPrefix(specifier, prefix+"/"); ok {
		return rest, true
	}
	return "", false
}

// ResolveEntry resolves an entry path relative to the root. Entry paths are
// always file paths, so bare names like "src/app.js" are not treated as packages.
func (r *Resolver) ResolveEntry(path string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(r.root, path)
	}
	if p, ok := r.probe(candidate); ok {
		return p, nil
	}
	return "", &UnresolvedModuleError{Specifier: path}
}

// ID returns the root-relative, slash separated identifier for a canonical path
func (r *Resolver) ID(path string) string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
