// Package bundler runs one build end to end: resolve entries, build the
// module graph, assemble chunks, and fire plugin hooks at every boundary.
// Each build produces an immutable Snapshot.
package bundler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/modpack/internal/chunk"
	"github.com/wolfeidau/modpack/internal/config"
	"github.com/wolfeidau/modpack/internal/graph"
	"github.com/wolfeidau/modpack/internal/hooks"
	"github.com/wolfeidau/modpack/internal/loader"
	"github.com/wolfeidau/modpack/internal/resolve"
	"github.com/wolfeidau/modpack/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is the immutable result of one successful build
type Snapshot struct {
	ID       string
	Config   *config.Config
	Graph    *graph.Graph
	Chunks   []*chunk.Chunk
	Warnings []graph.CycleWarning
	Started  time.Time
	Duration time.Duration
}

// File returns the chunk emitted under filename
func (s *Snapshot) File(filename string) (*chunk.Chunk, bool) {
	for _, c := range s.Chunks {
		if c.Filename == filename {
			return c, true
		}
	}
	return nil, false
}

// Bundler builds a configuration. The hook bus and loader registry are fixed
// once the first build starts.
type Bundler struct {
	cfg      *config.Config
	registry *loader.Registry
	bus      *hooks.Bus
	extract  graph.ExtractFunc
	logger   zerolog.Logger
}

type Option func(*Bundler)

// WithRegistry replaces the default stage registry, typically one with
// custom stages registered.
func WithRegistry(r *loader.Registry) Option {
	return func(b *Bundler) {
		b.registry = r
	}
}

// WithExtractor replaces the dependency extraction hook
func WithExtractor(fn graph.ExtractFunc) Option {
	return func(b *Bundler) {
		b.extract = fn
	}
}

// WithLogger sets the logger, defaulting to the global logger
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bundler) {
		b.logger = logger
	}
}

// New creates a bundler for cfg, which must already be validated
func New(cfg *config.Config, opts ...Option) *Bundler {
	b := &Bundler{
		cfg:      cfg,
		registry: loader.NewRegistry(),
		bus:      hooks.NewBus(),
		extract:  graph.ExtractRequires,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the configuration the bundler was created with
func (b *Bundler) Config() *config.Config {
	return b.cfg
}

// Bus exposes the hook bus for direct subscriptions
func (b *Bundler) Bus() *hooks.Bus {
	return b.bus
}

// Use subscribes plugins to the events they implement
func (b *Bundler) Use(plugins ...Plugin) error {
	for _, p := range plugins {
		if !register(b.bus, p) {
			return fmt.Errorf("plugin %s implements no lifecycle hooks", p.Name())
		}
		b.logger.Debug().Str("plugin", p.Name()).Msg("Plugin registered")
	}
	return nil
}

// Build runs a complete build. When prev is set and changed is non-nil only
// the changed files and their transitive dependents are transformed again;
// everything else is reused from prev. Nothing is written to disk.
func (b *Bundler) Build(ctx context.Context, prev *Snapshot, changed []string) (snap *Snapshot, err error) {
	started := time.Now()
	id := uuid.NewString()
	metrics := telemetry.GetMetrics()

	ctx, span := telemetry.Tracer().Start(ctx, "bundler.build", trace.WithAttributes(
		attribute.String("build_id", id),
		attribute.Bool("incremental", prev != nil && changed != nil),
	))
	defer func() {
		elapsed := time.Since(started)
		metrics.BuildsTotal.Add(ctx, 1)
		metrics.BuildDuration.Record(ctx, float64(elapsed.Milliseconds()))
		if err != nil {
			metrics.BuildErrorsTotal.Add(ctx, 1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := b.logger.With().Str("build_id", id).Logger()

	cfgCopy := *b.cfg
	cfg, err := hooks.Emit(ctx, b.bus, BeforeBuild, &cfgCopy)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%s hook returned no configuration", BeforeBuild.Name)
	}

	pipeline, err := loader.Compile(cfg.Root, cfg.Rules, b.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to compile loader rules: %w", err)
	}
	resolver := resolve.New(cfg.Root, cfg.Resolve.Extensions, cfg.Resolve.Alias, cfg.Resolve.Externals)

	entries := make([]graph.Entry, 0, len(cfg.Entry))
	for _, name := range cfg.EntryNames() {
		path, err := resolver.ResolveEntry(cfg.Entry[name])
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", name, err)
		}
		entries = append(entries, graph.Entry{Name: name, Path: path})
	}

	builder := &graph.Builder{
		Resolver:    resolver,
		Transformer: pipeline,
		Extract:     b.extract,
		Concurrency: cfg.Concurrency,
		OnModule: func(ctx context.Context, m *graph.Module) (*graph.Module, error) {
			return hooks.Emit(ctx, b.bus, ModuleTransformed, m)
		},
	}

	var opts graph.Options
	if prev != nil && prev.Graph != nil && changed != nil {
		opts.Previous = prev.Graph
		opts.Invalidated = prev.Graph.Affected(changed)
	}

	gctx, gspan := telemetry.Tracer().Start(ctx, "graph.build")
	g, err := builder.Build(gctx, entries, opts)
	gspan.End()
	if err != nil {
		return nil, err
	}

	metrics.ModulesTransformed.Add(ctx, int64(len(g.Transformed)))
	metrics.ModulesReused.Add(ctx, int64(len(g.Reused)))

	_, cspan := telemetry.Tracer().Start(ctx, "chunk.assemble")
	chunks, err := chunk.Assemble(g, chunk.PolicyFromConfig(cfg))
	cspan.End()
	if err != nil {
		return nil, err
	}

	chunks, err = hooks.Emit(ctx, b.bus, ChunkAssembled, chunks)
	if err != nil {
		return nil, err
	}

	snap = &Snapshot{
		ID:       id,
		Config:   cfg,
		Graph:    g,
		Chunks:   chunks,
		Warnings: g.Cycles,
		Started:  started,
		Duration: time.Since(started),
	}

	snap, err = hooks.Emit(ctx, b.bus, AfterBuild, snap)
	if err != nil {
		return nil, err
	}

	metrics.ChunksEmitted.Add(ctx, int64(len(snap.Chunks)))

	logger.Info().
		Int("modules", len(g.Modules)).
		Int("transformed", len(g.Transformed)).
		Int("reused", len(g.Reused)).
		Int("chunks", len(snap.Chunks)).
		Int("warnings", len(snap.Warnings)).
		Dur("duration", snap.Duration).
		Msg("Build complete")

	return snap, nil
}
