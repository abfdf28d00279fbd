package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

// Kind identifies the built-in stage implementations. Custom stages registered
// at startup use KindCustom.
type Kind int

const (
	KindCustom Kind = iota
	KindScript
	KindStyle
	KindStyleExtract
	KindJSON
	KindText
	KindMinify
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindStyle:
		return "style"
	case KindStyleExtract:
		return "style-extract"
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	case KindMinify:
		return "minify"
	default:
		return "custom"
	}
}

// SideKindCSS marks a side-output holding stylesheet rules
const SideKindCSS = "css"

// SideOutput is content produced next to the module's main output, such as an
// extracted style fragment. It is collected later by the chunk assembler.
type SideOutput struct {
	Kind    string
	Content []byte
}

// Source is the input handed to a stage: the previous stage's output, or the
// raw file content for the first stage.
type Source struct {
	Path    string
	Content []byte
}

// Output is a stage result
type Output struct {
	Content []byte
	Side    []SideOutput
}

// Func transforms one file's content
type Func func(ctx context.Context, src Source) (Output, error)

// Stage is a named transform resolved from the registry
type Stage struct {
	Name string
	Kind Kind
	Run  Func
}

// Registry maps stage names to implementations. It is populated at startup and
// read when rules are compiled; stages are never looked up per file.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry creates a registry with the built-in stages
func NewRegistry() *Registry {
	r := &Registry{stages: map[string]Stage{}}

	r.add(Stage{Name: "js", Kind: KindScript, Run: esbuildStage(api.LoaderJS)})
	r.add(Stage{Name: "jsx", Kind: KindScript, Run: esbuildStage(api.LoaderJSX)})
	r.add(Stage{Name: "ts", Kind: KindScript, Run: esbuildStage(api.LoaderTS)})
	r.add(Stage{Name: "tsx", Kind: KindScript, Run: esbuildStage(api.LoaderTSX)})
	r.add(Stage{Name: "json", Kind: KindJSON, Run: esbuildStage(api.LoaderJSON)})
	r.add(Stage{Name: "text", Kind: KindText, Run: esbuildStage(api.LoaderText)})
	r.add(Stage{Name: "css", Kind: KindStyle, Run: cssStage})
	r.add(Stage{Name: "style", Kind: KindStyleExtract, Run: styleStage})
	r.add(Stage{Name: "minify", Kind: KindMinify, Run: minifyStage})

	return r
}

func (r *Registry) add(s Stage) {
	r.stages[s.Name] = s
}

// Register adds a custom stage
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stages[name]; ok {
		return fmt.Errorf("%w: %s", ErrStageExists, name)
	}
	r.stages[name] = Stage{Name: name, Kind: KindCustom, Run: fn}
	return nil
}

// Lookup returns the stage registered under name
func (r *Registry) Lookup(name string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[name]
	if !ok {
		return Stage{}, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	return s, nil
}

// Names lists registered stage names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// esbuildStage converts a file into a CommonJS module using esbuild's transform API
func esbuildStage(loader api.Loader) Func {
	return func(ctx context.Context, src Source) (Output, error) {
		result := api.Transform(string(src.Content), api.TransformOptions{
			Loader:     loader,
			Format:     api.FormatCommonJS,
			Sourcefile: src.Path,
			LogLevel:   api.LogLevelSilent,
		})
		if len(result.Errors) > 0 {
			return Output{}, messagesError(result.Errors)
		}
		return Output{Content: result.Code}, nil
	}
}

// cssStage parses and normalises stylesheet rules; the output is still CSS
func cssStage(ctx context.Context, src Source) (Output, error) {
	result := api.Transform(string(src.Content), api.TransformOptions{
		Loader:     api.LoaderCSS,
		Sourcefile: src.Path,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return Output{}, messagesError(result.Errors)
	}
	return Output{Content: result.Code}, nil
}

// styleStage moves stylesheet rules into a side-output and leaves an empty
// module behind. The chunk assembler decides between extraction and injection.
func styleStage(ctx context.Context, src Source) (Output, error) {
	return Output{
		Content: []byte("module.exports = {};\n"),
		Side:    []SideOutput{{Kind: SideKindCSS, Content: src.Content}},
	}, nil
}

func minifyStage(ctx context.Context, src Source) (Output, error) {
	result := api.Transform(string(src.Content), api.TransformOptions{
		Loader:            api.LoaderJS,
		Format:            api.FormatCommonJS,
		Sourcefile:        src.Path,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		LogLevel:          api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return Output{}, messagesError(result.Errors)
	}
	return Output{Content: result.Code}, nil
}

func messagesError(msgs []api.Message) error {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text))
			continue
		}
		lines = append(lines, msg.Text)
	}
	return errors.New(strings.Join(lines, "\n"))
}
