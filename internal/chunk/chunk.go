// Package chunk partitions a module graph into output chunks and serializes
// them. The same graph and policy always produce byte-identical output.
package chunk

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/mr-tron/base58"
	"github.com/wolfeidau/modpack/internal/config"
	"github.com/wolfeidau/modpack/internal/graph"
	"github.com/wolfeidau/modpack/internal/loader"
)

// Kind is the serialization target of a chunk
type Kind int

const (
	KindScript Kind = iota
	KindStyle
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindStyle:
		return "style"
	case KindDocument:
		return "document"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Chunk is one emitted output file
type Chunk struct {
	Name     string
	Kind     Kind
	Filename string
	// Entry is set on script chunks that start an entry module
	Entry bool
	// Modules lists module ids in serialization order
	Modules []string
	// Requires lists script filenames that must load before this chunk
	Requires []string
	// Styles lists the extracted stylesheet filenames that belong with this chunk
	Styles  []string
	Content []byte
	// Patch re-registers the chunk's modules without starting anything. It is
	// only set on script chunks.
	Patch []byte
	Hash  string
}

// Policy controls chunk placement and naming
type Policy struct {
	Filename    string
	CSSFilename string
	SharedName  string
	SplitShared bool
	ExtractCSS  bool
}

// PolicyFromConfig derives the chunk policy from the build configuration
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Filename:    cfg.Output.Filename,
		CSSFilename: cfg.Output.CSSFilename,
		SharedName:  cfg.Output.SharedName,
		SplitShared: cfg.SplitShared,
		ExtractCSS:  cfg.ExtractCSS,
	}
}

// CombinedStyleName names the single stylesheet emitted when the CSS filename
// template has no [name] placeholder
const CombinedStyleName = "styles"

// Assemble partitions g into chunks. Shared chunks come first, followed by
// each entry's script chunk in entry order; extracted stylesheets follow the
// script chunk they belong to. When the CSS filename template has no [name]
// every extracted fragment lands in one combined stylesheet, emitted last and
// linked from every entry.
func Assemble(g *graph.Graph, p Policy) ([]*Chunk, error) {
	reach := make([][]string, len(g.Entries))
	owners := map[string]int{}
	for i, e := range g.Entries {
		if _, ok := g.Module(e.Path); !ok {
			return nil, fmt.Errorf("entry %s (%s) is missing from the graph", e.Name, e.Path)
		}
		reach[i] = g.Reachable(e.Path)
		for _, path := range reach[i] {
			owners[path]++
		}
	}

	var (
		chunks   []*Chunk
		shared   []string
		seen     = map[string]bool{}
		sheet    []styled
		inSheet  = map[string]bool{}
		combined = p.ExtractCSS && !strings.Contains(p.CSSFilename, "[name]")
	)

	emit := func(sc *Chunk, css []styled) {
		chunks = append(chunks, sc)
		if len(css) == 0 {
			return
		}
		if combined {
			for _, s := range css {
				if !inSheet[s.id] {
					inSheet[s.id] = true
					sheet = append(sheet, s)
				}
			}
			return
		}
		style := stylesheet(p, sc.Name, css)
		sc.Styles = []string{style.Filename}
		chunks = append(chunks, style)
	}

	if p.SplitShared {
		for _, paths := range reach {
			for _, path := range paths {
				if owners[path] > 1 && !seen[path] {
					seen[path] = true
					shared = append(shared, path)
				}
			}
		}
	}

	var sharedFile string
	if len(shared) > 0 {
		sc, css := script(g, p, p.SharedName, shared, nil, "")
		sharedFile = sc.Filename
		emit(sc, css)
	}

	for i, e := range g.Entries {
		var (
			own      []string
			requires []string
		)
		for _, path := range reach[i] {
			if !seen[path] {
				own = append(own, path)
			}
		}
		if sharedFile != "" && len(own) < len(reach[i]) {
			requires = []string{sharedFile}
		}

		sc, css := script(g, p, e.Name, own, requires, e.Path)
		emit(sc, css)
	}

	if len(sheet) > 0 {
		style := stylesheet(p, CombinedStyleName, sheet)
		for _, c := range chunks {
			if c.Entry {
				c.Styles = []string{style.Filename}
			}
		}
		chunks = append(chunks, style)
	}

	if err := uniqueFilenames(chunks); err != nil {
		return nil, err
	}

	return chunks, nil
}

// styled is the extracted CSS of one module
type styled struct {
	id  string
	css []byte
}

// script serializes one script chunk and returns the CSS extracted from its
// modules, if extraction is on
func script(g *graph.Graph, p Policy, name string, paths, requires []string, entry string) (*Chunk, []styled) {
	var (
		defines bytes.Buffer
		css     []styled
		ids     = make([]string, 0, len(paths))
	)

	for _, path := range paths {
		m := g.Modules[path]
		ids = append(ids, m.ID)

		fragments := styleFragments(m)
		if p.ExtractCSS {
			for _, f := range fragments {
				css = append(css, styled{id: m.ID, css: f})
			}
			fragments = nil
		}
		writeDefine(&defines, g, m, fragments)
	}

	c := &Chunk{
		Name:     name,
		Kind:     KindScript,
		Entry:    entry != "",
		Modules:  ids,
		Requires: requires,
	}

	var content bytes.Buffer
	content.WriteString(chunkHeader)
	content.Write(defines.Bytes())
	if entry != "" {
		fmt.Fprintf(&content, "runtime.start(%s);\n", quote(g.Modules[entry].ID))
	}
	content.WriteString(chunkFooter)

	c.Content = content.Bytes()
	c.Patch = []byte(chunkHeader + defines.String() + patchFooter)
	c.Hash = Hash(c.Content)
	c.Filename = RenderName(p.Filename, name, c.Hash)

	return c, css
}

// stylesheet joins extracted fragments into a style chunk
func stylesheet(p Policy, name string, css []styled) *Chunk {
	var (
		buf bytes.Buffer
		ids []string
	)
	for _, s := range css {
		buf.Write(s.css)
		if len(s.css) > 0 && s.css[len(s.css)-1] != '\n' {
			buf.WriteByte('\n')
		}
		if len(ids) == 0 || ids[len(ids)-1] != s.id {
			ids = append(ids, s.id)
		}
	}

	style := &Chunk{
		Name:    name,
		Kind:    KindStyle,
		Modules: ids,
		Content: buf.Bytes(),
	}
	style.Hash = Hash(style.Content)
	style.Filename = RenderName(p.CSSFilename, name, style.Hash)
	return style
}

func uniqueFilenames(chunks []*Chunk) error {
	byFile := map[string]*Chunk{}
	for _, c := range chunks {
		if o, ok := byFile[c.Filename]; ok {
			return fmt.Errorf("%s chunk %s and %s chunk %s both write %s", o.Kind, o.Name, c.Kind, c.Name, c.Filename)
		}
		byFile[c.Filename] = c
	}
	return nil
}

func writeDefine(w *bytes.Buffer, g *graph.Graph, m *graph.Module, inline [][]byte) {
	fmt.Fprintf(w, "runtime.define(%s, {", quote(m.ID))
	for i, dep := range m.Deps {
		if i > 0 {
			w.WriteString(", ")
		}
		w.WriteString(quote(dep.Specifier))
		w.WriteString(": ")
		if dep.External {
			fmt.Fprintf(w, "{\"global\": %s}", quote(dep.Global))
		} else {
			w.WriteString(quote(g.Modules[dep.Path].ID))
		}
	}
	w.WriteString("}, function (module, exports, require) {\n")
	for _, css := range inline {
		fmt.Fprintf(w, "runtime.style(%s, %s);\n", quote(m.ID), quote(string(css)))
	}
	w.Write(m.Code)
	if len(m.Code) > 0 && m.Code[len(m.Code)-1] != '\n' {
		w.WriteByte('\n')
	}
	w.WriteString("});\n")
}

func styleFragments(m *graph.Module) [][]byte {
	var out [][]byte
	for _, side := range m.Side {
		if side.Kind == loader.SideKindCSS {
			out = append(out, side.Content)
		}
	}
	return out
}

// quote renders s as a JavaScript string literal
func quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// strings always marshal
		panic(err)
	}
	return string(b)
}

// Hash returns the content hash substituted for [hash]
func Hash(content []byte) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], xxhash.Sum64(content))
	return base58.Encode(b[:])
}

// RenderName substitutes [name] and [hash] in a filename template
func RenderName(tmpl, name, hash string) string {
	return strings.NewReplacer("[name]", name, "[hash]", hash).Replace(tmpl)
}

// Find returns the first chunk with the given kind and name
func Find(chunks []*Chunk, kind Kind, name string) (*Chunk, bool) {
	for _, c := range chunks {
		if c.Kind == kind && c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Changed returns the chunks in next whose filename or content differ from prev
func Changed(prev, next []*Chunk) []*Chunk {
	old := map[string]*Chunk{}
	for _, c := range prev {
		old[c.Kind.String()+"/"+c.Name] = c
	}

	var out []*Chunk
	for _, c := range next {
		o, ok := old[c.Kind.String()+"/"+c.Name]
		if !ok || o.Filename != c.Filename || !bytes.Equal(o.Content, c.Content) {
			out = append(out, c)
		}
	}
	return out
}
