package bundler

import (
	"context"

	"github.com/wolfeidau/modpack/internal/chunk"
	"github.com/wolfeidau/modpack/internal/config"
	"github.com/wolfeidau/modpack/internal/graph"
	"github.com/wolfeidau/modpack/internal/hooks"
)

// Lifecycle events, in the order they fire during a build
var (
	BeforeBuild       = hooks.NewEvent[*config.Config]("before-build")
	ModuleTransformed = hooks.NewEvent[*graph.Module]("module-transformed")
	ChunkAssembled    = hooks.NewEvent[[]*chunk.Chunk]("chunk-assembled")
	AfterBuild        = hooks.NewEvent[*Snapshot]("after-build")
)

// Plugin is anything with a name. It subscribes to the events matching the
// capability interfaces it implements.
type Plugin interface {
	Name() string
}

// BeforeBuildPlugin may adjust the configuration for one build. It receives a
// shallow copy: top level fields may be reassigned freely, maps and slices
// must be replaced rather than modified.
type BeforeBuildPlugin interface {
	BeforeBuild(ctx context.Context, cfg *config.Config) (*config.Config, error)
}

// ModuleTransformedPlugin sees every module after its loader chain ran and
// before its dependencies are extracted.
type ModuleTransformedPlugin interface {
	ModuleTransformed(ctx context.Context, m *graph.Module) (*graph.Module, error)
}

// ChunkAssembledPlugin may add, drop or rewrite chunks
type ChunkAssembledPlugin interface {
	ChunkAssembled(ctx context.Context, chunks []*chunk.Chunk) ([]*chunk.Chunk, error)
}

// AfterBuildPlugin sees the completed snapshot
type AfterBuildPlugin interface {
	AfterBuild(ctx context.Context, snap *Snapshot) (*Snapshot, error)
}

// register subscribes p to every event it has a capability for. It returns
// false when p implements none of them.
func register(bus *hooks.Bus, p Plugin) bool {
	subscribed := false

	if h, ok := p.(BeforeBuildPlugin); ok {
		hooks.On(bus, BeforeBuild, p.Name(), h.BeforeBuild)
		subscribed = true
	}
	if h, ok := p.(ModuleTransformedPlugin); ok {
		hooks.On(bus, ModuleTransformed, p.Name(), h.ModuleTransformed)
		subscribed = true
	}
	if h, ok := p.(ChunkAssembledPlugin); ok {
		hooks.On(bus, ChunkAssembled, p.Name(), h.ChunkAssembled)
		subscribed = true
	}
	if h, ok := p.(AfterBuildPlugin); ok {
		hooks.On(bus, AfterBuild, p.Name(), h.AfterBuild)
		subscribed = true
	}

	return subscribed
}
