package bundler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/modpack/internal/chunk"
	"github.com/wolfeidau/modpack/internal/config"
	"github.com/wolfeidau/modpack/internal/graph"
	"github.com/wolfeidau/modpack/internal/hooks"
	"github.com/wolfeidau/modpack/internal/loader"
	"github.com/wolfeidau/modpack/internal/resolve"
)

func project(t *testing.T, files map[string]string, entries map[string]string) *config.Config {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}

	cfg := config.Default()
	cfg.Root = root
	cfg.Entry = entries
	cfg.HTML.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func filenames(snap *Snapshot) []string {
	var out []string
	for _, c := range snap.Chunks {
		out = append(out, c.Filename)
	}
	return out
}

func TestBuildSharedChunk(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":      "import shared from './shared';\nconsole.log('app', shared);\n",
		"c.js":      "import shared from './shared';\nconsole.log('contact', shared);\n",
		"shared.js": "export default 'shared';\n",
	}, map[string]string{"app": "a.js", "contact": "c.js"})

	snap, err := New(cfg).Build(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, snap.ID)
	require.Equal(t, []string{"shared.bundle.js", "app.bundle.js", "contact.bundle.js"}, filenames(snap))

	shared, ok := snap.File("shared.bundle.js")
	require.True(t, ok)
	require.Equal(t, []string{"shared.js"}, shared.Modules)

	for _, name := range []string{"app.bundle.js", "contact.bundle.js"} {
		c, ok := snap.File(name)
		require.True(t, ok)
		require.Equal(t, []string{"shared.bundle.js"}, c.Requires)
		require.NotContains(t, c.Modules, "shared.js")
	}
}

func TestBuildExtractedStylesheet(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":  "import './a.css';\n",
		"a.css": "body { color: red }\n",
	}, map[string]string{"app": "a.js"})

	snap, err := New(cfg).Build(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"app.bundle.js", "app.css"}, filenames(snap))

	css, _ := snap.File("app.css")
	require.Contains(t, string(css.Content), "color: red")
}

func TestBuildInlineStylesheet(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":  "import './a.css';\n",
		"a.css": "body { color: red }\n",
	}, map[string]string{"app": "a.js"})
	cfg.ExtractCSS = false

	snap, err := New(cfg).Build(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"app.bundle.js"}, filenames(snap))

	js, _ := snap.File("app.bundle.js")
	require.Contains(t, string(js.Content), `runtime.style("a.css"`)
	require.Contains(t, string(js.Content), "color: red")
}

func TestBuildMissingImport(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js": "import './missing';\n",
	}, map[string]string{"app": "a.js"})

	_, err := New(cfg).Build(context.Background(), nil, nil)

	var unresolved *resolve.UnresolvedModuleError
	require.True(t, errors.As(err, &unresolved))
	require.Equal(t, "./missing", unresolved.Specifier)
	require.Equal(t, filepath.Join(cfg.Root, "a.js"), unresolved.Importer)

	_, statErr := os.Stat(cfg.OutputDir())
	require.True(t, os.IsNotExist(statErr))
}

func TestBuildIdempotent(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":      "import s from './shared';\nimport './a.css';\nexport const x = s;\n",
		"c.js":      "import s from './shared';\nexport const y = s;\n",
		"shared.js": "export default 42;\n",
		"a.css":     ".a { margin: 0 }\n",
	}, map[string]string{"app": "a.js", "contact": "c.js"})

	b := New(cfg)
	first, err := b.Build(context.Background(), nil, nil)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, filenames(first), filenames(second))
	require.Empty(t, chunk.Changed(first.Chunks, second.Chunks))
}

func TestBuildIncremental(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":     "require('./leaf');\nrequire('./other');\n",
		"leaf.js":  "module.exports = 1;\n",
		"other.js": "module.exports = 2;\n",
	}, map[string]string{"app": "a.js"})

	b := New(cfg)
	prev, err := b.Build(context.Background(), nil, nil)
	require.NoError(t, err)

	leaf := filepath.Join(cfg.Root, "leaf.js")
	require.NoError(t, os.WriteFile(leaf, []byte("module.exports = 3;\n"), 0o600))

	next, err := b.Build(context.Background(), prev, []string{leaf})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{filepath.Join(cfg.Root, "a.js"), leaf}, next.Graph.Transformed)
	require.Equal(t, []string{filepath.Join(cfg.Root, "other.js")}, next.Graph.Reused)

	js, _ := next.File("app.bundle.js")
	require.Contains(t, string(js.Content), "module.exports = 3;")
}

func TestBuildCycleWarning(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js": "require('./b');\n",
		"b.js": "require('./a');\n",
	}, map[string]string{"app": "a.js"})

	snap, err := New(cfg).Build(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, snap.Warnings, 1)
	require.Equal(t, []string{"a.js", "b.js", "a.js"}, snap.Warnings[0].Cycle)
}

func TestBuildCustomStage(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":    "require('./note.md');\n",
		"note.md": "hello",
	}, map[string]string{"app": "a.js"})
	cfg.Rules = append([]config.Rule{{Test: "**/*.md", Use: []string{"markdown"}}}, cfg.Rules...)

	reg := loader.NewRegistry()
	require.NoError(t, reg.Register("markdown", func(_ context.Context, src loader.Source) (loader.Output, error) {
		return loader.Output{Content: []byte("module.exports = " + `"<p>` + string(src.Content) + `</p>"` + ";\n")}, nil
	}))

	snap, err := New(cfg, WithRegistry(reg)).Build(context.Background(), nil, nil)
	require.NoError(t, err)

	js, _ := snap.File("app.bundle.js")
	require.Contains(t, string(js.Content), "<p>hello</p>")
}

// recorder implements every lifecycle capability and records the order calls arrive in
type recorder struct {
	name  string
	calls *[]string
	fail  string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) record(event string) error {
	*r.calls = append(*r.calls, r.name+":"+event)
	if r.fail == event {
		return errors.New("failed in " + event)
	}
	return nil
}

func (r *recorder) BeforeBuild(_ context.Context, cfg *config.Config) (*config.Config, error) {
	return cfg, r.record("before")
}

func (r *recorder) ModuleTransformed(_ context.Context, m *graph.Module) (*graph.Module, error) {
	return m, r.record("module:" + m.ID)
}

func (r *recorder) ChunkAssembled(_ context.Context, chunks []*chunk.Chunk) ([]*chunk.Chunk, error) {
	return chunks, r.record("chunks")
}

func (r *recorder) AfterBuild(_ context.Context, snap *Snapshot) (*Snapshot, error) {
	return snap, r.record("after")
}

func TestBuildPluginLifecycle(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js": "module.exports = 1;\n",
	}, map[string]string{"app": "a.js"})

	var calls []string
	b := New(cfg)
	require.NoError(t, b.Use(&recorder{name: "one", calls: &calls}, &recorder{name: "two", calls: &calls}))

	_, err := b.Build(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"one:before", "two:before",
		"one:module:a.js", "two:module:a.js",
		"one:chunks", "two:chunks",
		"one:after", "two:after",
	}, calls)
}

func TestBuildPluginFailure(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js": "module.exports = 1;\n",
	}, map[string]string{"app": "a.js"})

	var calls []string
	b := New(cfg)
	require.NoError(t, b.Use(&recorder{name: "broken", calls: &calls, fail: "chunks"}))

	_, err := b.Build(context.Background(), nil, nil)

	var perr *hooks.PluginError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "chunk-assembled", perr.Event)
	require.Equal(t, "broken", perr.Plugin)
	require.NotContains(t, calls, "broken:after")
}

type nameOnly struct{}

func (nameOnly) Name() string { return "idle" }

func TestUseRejectsPluginWithoutHooks(t *testing.T) {
	err := New(config.Default()).Use(nameOnly{})
	require.Error(t, err)
}

func TestBeforeBuildDoesNotLeak(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js": "module.exports = 1;\n",
	}, map[string]string{"app": "a.js"})

	b := New(cfg)
	hooks.On(b.Bus(), BeforeBuild, "rename", func(_ context.Context, c *config.Config) (*config.Config, error) {
		c.Output.Filename = "[name].renamed.js"
		return c, nil
	})

	snap, err := b.Build(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"app.renamed.js"}, filenames(snap))
	require.Equal(t, "[name].bundle.js", cfg.Output.Filename)
}

func TestWrite(t *testing.T) {
	cfg := project(t, map[string]string{
		"a.js":  "import './a.css';\n",
		"a.css": "p { margin: 0 }\n",
	}, map[string]string{"app": "a.js"})

	snap, err := New(cfg).Build(context.Background(), nil, nil)
	require.NoError(t, err)

	stale := filepath.Join(cfg.OutputDir(), "stale.js")
	require.NoError(t, os.MkdirAll(cfg.OutputDir(), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	written, err := Write(snap, cfg.OutputDir(), true)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(cfg.OutputDir(), "app.bundle.js"),
		filepath.Join(cfg.OutputDir(), "app.css"),
	}, written)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	js, _ := snap.File("app.bundle.js")
	require.Equal(t, js.Content, data)

	entries, err := os.ReadDir(cfg.OutputDir())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), "."), "temporary file left behind: %s", e.Name())
	}
}
