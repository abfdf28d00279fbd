package graph

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/modpack/internal/loader"
	"github.com/wolfeidau/modpack/internal/resolve"
	"golang.org/x/sync/errgroup"
)

// Resolver maps specifiers to canonical paths
type Resolver interface {
	Resolve(specifier, fromPath string) (resolve.Result, error)
	ID(path string) string
}

// Transformer runs the loader pipeline for one file
type Transformer interface {
	Transform(ctx context.Context, path string, raw []byte) (loader.Result, error)
}

// ModuleHook is called for every freshly transformed module before its
// dependencies are extracted. It may return a replacement module.
type ModuleHook func(ctx context.Context, m *Module) (*Module, error)

// Builder constructs module graphs
type Builder struct {
	Resolver    Resolver
	Transformer Transformer
	// Extract defaults to ExtractRequires
	Extract ExtractFunc
	// OnModule is optional
	OnModule ModuleHook
	// Concurrency bounds parallel reads and transforms, defaults to 1
	Concurrency int
	// ReadFile defaults to os.ReadFile
	ReadFile func(name string) ([]byte, error)
}

// Options control incremental builds
type Options struct {
	// Previous is the last successful graph. Modules in it that are not
	// invalidated are reused without being read or transformed.
	Previous *Graph
	// Invalidated lists canonical paths that must be transformed again
	Invalidated map[string]bool
}

// Build walks every entry and returns the completed graph. It fails on the
// first resolution, transform or hook error; no partial graph is returned.
func (b *Builder) Build(ctx context.Context, entries []Entry, opts Options) (*Graph, error) {
	g := newGraph(entries)

	claimed := map[string]bool{}
	var frontier []string
	for _, e := range entries {
		if !claimed[e.Path] {
			claimed[e.Path] = true
			frontier = append(frontier, e.Path)
		}
	}

	for len(frontier) > 0 {
		mods, reused, err := b.wave(ctx, frontier, opts)
		if err != nil {
			return nil, err
		}

		var next []string
		for i, path := range frontier {
			m := mods[i]

			if reused[i] {
				g.Reused = append(g.Reused, path)
			} else {
				m, err = b.link(ctx, m)
				if err != nil {
					return nil, err
				}
				g.Transformed = append(g.Transformed, path)
			}

			g.Modules[path] = m
			g.Order = append(g.Order, path)

			for _, dep := range m.Deps {
				if dep.External || claimed[dep.Path] {
					continue
				}
				claimed[dep.Path] = true
				next = append(next, dep.Path)
			}
		}
		frontier = next
	}

	g.detectCycles()
	for _, c := range g.Cycles {
		log.Warn().Strs("cycle", c.Cycle).Msg("Dependency cycle detected")
	}

	return g, nil
}

// wave loads every path in the frontier, in parallel. Each path is claimed by
// exactly one worker because the frontier never holds duplicates.
func (b *Builder) wave(ctx context.Context, frontier []string, opts Options) ([]*Module, []bool, error) {
	mods := make([]*Module, len(frontier))
	reused := make([]bool, len(frontier))
	errs := make([]error, len(frontier))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(b.Concurrency, 1))

	for i, path := range frontier {
		if prev, ok := b.reusable(path, opts); ok {
			mods[i] = prev
			reused[i] = true
			continue
		}

		eg.Go(func() error {
			m, err := b.load(egctx, path)
			mods[i], errs[i] = m, err
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		// report the first real failure in discovery order
		for _, e := range errs {
			if e != nil && !errors.Is(e, context.Canceled) {
				return nil, nil, e
			}
		}
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	return mods, reused, nil
}

func (b *Builder) reusable(path string, opts Options) (*Module, bool) {
	if opts.Previous == nil || opts.Invalidated[path] {
		return nil, false
	}
	return opts.Previous.Module(path)
}

// load reads and transforms one file
func (b *Builder) load(ctx context.Context, path string) (*Module, error) {
	read := b.ReadFile
	if read == nil {
		read = os.ReadFile
	}

	raw, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", path, err)
	}

	res, err := b.Transformer.Transform(ctx, path, raw)
	if err != nil {
		return nil, err
	}

	return &Module{
		Path:        path,
		ID:          b.Resolver.ID(path),
		Raw:         raw,
		Code:        res.Content,
		Side:        res.Side,
		Fingerprint: Fingerprint(raw),
	}, nil
}

// link runs the module hook, then extracts and resolves dependencies
func (b *Builder) link(ctx context.Context, m *Module) (*Module, error) {
	if b.OnModule != nil {
		hooked, err := b.OnModule(ctx, m)
		if err != nil {
			return nil, err
		}
		if hooked != nil {
			m = hooked
		}
	}

	extract := b.Extract
	if extract == nil {
		extract = ExtractRequires
	}

	specs, err := extract(m)
	if err != nil {
		return nil, fmt.Errorf("failed to extract dependencies of %s: %w", m.ID, err)
	}

	deps := make([]Dependency, 0, len(specs))
	seen := map[string]bool{}
	for _, spec := range specs {
		if seen[spec] {
			continue
		}
		seen[spec] = true

		res, err := b.Resolver.Resolve(spec, m.Path)
		if err != nil {
			return nil, err
		}
		deps = append(deps, Dependency{
			Specifier: spec,
			Path:      res.Path,
			External:  res.External,
			Global:    res.Global,
		})
	}

	linked := *m
	linked.Deps = deps
	return &linked, nil
}
