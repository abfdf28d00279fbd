package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Config is the resolved build configuration consumed by the bundler core.
type Config struct {
	// Root directory that relative paths (entries, aliases, output) are resolved against
	Root string `yaml:"root" json:"root"`
	// Entry maps an entry name to its root module path
	Entry map[string]string `yaml:"entry" json:"entry"`

	Output  Output  `yaml:"output" json:"output"`
	Resolve Resolve `yaml:"resolve" json:"resolve"`
	Rules   []Rule  `yaml:"rules" json:"rules"`

	// ExtractCSS writes style fragments to a side-asset file per chunk instead
	// of injecting them at module load time.
	ExtractCSS bool `yaml:"extractCss" json:"extractCss"`
	// SplitShared moves modules reachable from more than one entry into a
	// shared chunk. When false they are duplicated into every entry chunk.
	SplitShared bool `yaml:"splitShared" json:"splitShared"`
	// Concurrency bounds the number of parallel module transforms
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	HTML      HTML      `yaml:"html" json:"html"`
	DevServer DevServer `yaml:"devServer" json:"devServer"`
}

type Output struct {
	Dir string `yaml:"dir" json:"dir"`
	// Filename template for script chunks, supports [name] and [hash]
	Filename string `yaml:"filename" json:"filename"`
	// CSSFilename template for extracted stylesheets, supports [name] and [hash].
	// Without [name] every extracted fragment goes into one stylesheet.
	CSSFilename string `yaml:"cssFilename" json:"cssFilename"`
	// SharedName is substituted for [name] in the implicit shared chunk
	SharedName string `yaml:"sharedName" json:"sharedName"`
	// PublicPath is prefixed to asset URLs in generated documents
	PublicPath string `yaml:"publicPath" json:"publicPath"`
	// Clean removes the output directory before writing
	Clean bool `yaml:"clean" json:"clean"`
}

type Resolve struct {
	Extensions []string          `yaml:"extensions" json:"extensions"`
	Alias      map[string]string `yaml:"alias" json:"alias"`
	// Externals maps a bare specifier to the global variable that provides it at runtime
	Externals map[string]string `yaml:"externals" json:"externals"`
}

// Rule matches files by a doublestar pattern and names the stages run over them,
// in the order listed.
type Rule struct {
	Test    string   `yaml:"test" json:"test"`
	Exclude []string `yaml:"exclude" json:"exclude"`
	Use     []string `yaml:"use" json:"use"`
}

type HTML struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Template string `yaml:"template" json:"template"`
	Filename string `yaml:"filename" json:"filename"`
	Title    string `yaml:"title" json:"title"`
	Minify   bool   `yaml:"minify" json:"minify"`
	Hash     bool   `yaml:"hash" json:"hash"`
}

// DevServer configures the serve command. Debounce accepts a duration string
// such as "250ms" in both YAML and JSON; JSON also accepts integer nanoseconds.
type DevServer struct {
	WatchRoot   string        `yaml:"watchRoot" json:"watchRoot"`
	Listen      string        `yaml:"listen" json:"listen"`
	Hot         bool          `yaml:"hot" json:"hot"`
	Open        bool          `yaml:"open" json:"open"`
	Debounce    time.Duration `yaml:"debounce" json:"debounce"`
	WriteToDisk bool          `yaml:"writeToDisk" json:"writeToDisk"`
	CORSOrigins []string      `yaml:"corsOrigins" json:"corsOrigins"`
}

// Default returns a configuration with sensible defaults and no entries
func Default() *Config {
	return &Config{
		Root:  ".",
		Entry: map[string]string{},
		Output: Output{
			Dir:         "dist",
			Filename:    "[name].bundle.js",
			CSSFilename: "[name].css",
			SharedName:  "shared",
		},
		Resolve: Resolve{
			Extensions: []string{".js", ".jsx", ".ts", ".tsx", ".json", ".css"},
		},
		Rules: []Rule{
			{Test: "**/*.{js,mjs,cjs}", Exclude: []string{"**/node_modules/**"}, Use: []string{"js"}},
			{Test: "**/*.jsx", Use: []string{"jsx"}},
			{Test: "**/*.ts", Use: []string{"ts"}},
			{Test: "**/*.tsx", Use: []string{"tsx"}},
			{Test: "**/*.css", Use: []string{"css", "style"}},
			{Test: "**/*.json", Use: []string{"json"}},
			{Test: "**/*.{html,txt}", Use: []string{"text"}},
		},
		ExtractCSS:  true,
		SplitShared: true,
		Concurrency: 8,
		HTML: HTML{
			Enabled: true,
		},
		DevServer: DevServer{
			Listen:   "127.0.0.1:8080",
			Hot:      true,
			Debounce: 100 * time.Millisecond,
		},
	}
}

// EntryNames returns the entry names in ascending order, which is the order
// entries are traversed and chunks are emitted.
func (c *Config) EntryNames() []string {
	names := make([]string, 0, len(c.Entry))
	for name := range c.Entry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path resolves p against the configuration root
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Root, p)
}

// OutputDir returns the absolute-or-root-relative output directory
func (c *Config) OutputDir() string {
	return c.Path(c.Output.Dir)
}

// WatchRoot returns the directory watched by the dev server, defaulting to Root
func (c *Config) WatchRoot() string {
	if c.DevServer.WatchRoot == "" {
		return c.Root
	}
	return c.Path(c.DevServer.WatchRoot)
}

// Validate checks the configuration can drive a build
func (c *Config) Validate() error {
	if len(c.Entry) == 0 {
		return ErrNoEntries
	}
	for name, path := range c.Entry {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(path) == "" {
			return fmt.Errorf("entry %q: name and path are required", name)
		}
	}
	if c.Output.Filename == "" || c.Output.CSSFilename == "" {
		return fmt.Errorf("%w: filename templates are required", ErrInvalidOutput)
	}
	if c.SplitShared {
		if c.Output.SharedName == "" {
			return fmt.Errorf("%w: shared chunk name is required", ErrInvalidOutput)
		}
		if _, ok := c.Entry[c.Output.SharedName]; ok {
			return fmt.Errorf("%w: entry %q collides with the shared chunk name", ErrInvalidOutput, c.Output.SharedName)
		}
	}
	if !strings.Contains(c.Output.Filename, "[name]") && len(c.Entry) > 1 {
		return fmt.Errorf("%w: filename %q must contain [name] with multiple entries", ErrInvalidOutput, c.Output.Filename)
	}
	if c.HTML.Enabled && c.HTML.Filename != "" && !strings.Contains(c.HTML.Filename, "[name]") && len(c.Entry) > 1 {
		return fmt.Errorf("%w: html filename %q must contain [name] with multiple entries", ErrInvalidOutput, c.HTML.Filename)
	}
	for i, rule := range c.Rules {
		if !doublestar.ValidatePattern(rule.Test) {
			return fmt.Errorf("%w: rule %d: bad pattern %q", ErrInvalidRule, i, rule.Test)
		}
		for _, ex := range rule.Exclude {
			if !doublestar.ValidatePattern(ex) {
				return fmt.Errorf("%w: rule %d: bad exclude pattern %q", ErrInvalidRule, i, ex)
			}
		}
		if len(rule.Use) == 0 {
			return fmt.Errorf("%w: rule %d (%s) has no stages", ErrInvalidRule, i, rule.Test)
		}
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	return nil
}
