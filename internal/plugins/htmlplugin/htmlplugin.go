// Package htmlplugin generates an HTML document per entry that loads the
// entry's stylesheets and scripts.
package htmlplugin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/wolfeidau/modpack/internal/chunk"
	"github.com/wolfeidau/modpack/internal/config"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const skeleton = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title></title>
</head>
<body>
</body>
</html>
`

// Plugin emits document chunks on chunk-assembled
type Plugin struct {
	opts       config.HTML
	publicPath string
	template   string
	entries    int
}

// New creates the plugin from the build configuration
func New(cfg *config.Config) *Plugin {
	p := &Plugin{
		opts:       cfg.HTML,
		publicPath: cfg.Output.PublicPath,
		entries:    len(cfg.Entry),
	}
	if cfg.HTML.Template != "" {
		p.template = cfg.Path(cfg.HTML.Template)
	}
	return p
}

func (p *Plugin) Name() string {
	return "html"
}

// ChunkAssembled appends one document chunk per entry script chunk
func (p *Plugin) ChunkAssembled(ctx context.Context, chunks []*chunk.Chunk) ([]*chunk.Chunk, error) {
	if !p.opts.Enabled {
		return chunks, nil
	}

	source := []byte(skeleton)
	if p.template != "" {
		data, err := os.ReadFile(p.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read html template: %w", err)
		}
		source = data
	}

	byFile := map[string]*chunk.Chunk{}
	for _, c := range chunks {
		byFile[c.Filename] = c
	}

	out := chunks
	for _, c := range chunks {
		if c.Kind != chunk.KindScript || !c.Entry {
			continue
		}

		var sheets []string
		for _, req := range c.Requires {
			if dep, ok := byFile[req]; ok {
				sheets = appendUnique(sheets, dep.Styles...)
			}
		}
		sheets = appendUnique(sheets, c.Styles...)
		styles := p.urls(byFile, sheets)
		scripts := append(p.urls(byFile, c.Requires), p.urls(byFile, []string{c.Filename})...)

		doc, err := p.render(source, styles, scripts)
		if err != nil {
			return nil, fmt.Errorf("failed to render document for %s: %w", c.Name, err)
		}

		filename := p.opts.Filename
		if filename == "" {
			filename = "[name].html"
			if p.entries == 1 {
				filename = "index.html"
			}
		}

		d := &chunk.Chunk{
			Name:     c.Name,
			Kind:     chunk.KindDocument,
			Modules:  c.Modules,
			Requires: append(append([]string{}, c.Requires...), c.Filename),
			Styles:   c.Styles,
			Content:  doc,
		}
		d.Hash = chunk.Hash(doc)
		d.Filename = chunk.RenderName(filename, c.Name, d.Hash)
		out = append(out, d)
	}

	return out, nil
}

// urls maps chunk filenames to the URLs written into the document
func (p *Plugin) urls(byFile map[string]*chunk.Chunk, files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		u := f
		if p.publicPath != "" {
			u = strings.TrimSuffix(p.publicPath, "/") + "/" + f
		}
		if p.opts.Hash {
			if c, ok := byFile[f]; ok {
				u += "?" + c.Hash
			}
		}
		out = append(out, u)
	}
	return out
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		if !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}

func (p *Plugin) render(source []byte, styles, scripts []string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(source))
	if err != nil {
		return nil, err
	}

	head := find(doc, atom.Head)
	body := find(doc, atom.Body)
	if head == nil || body == nil {
		return nil, fmt.Errorf("template has no head or body")
	}

	if p.opts.Title != "" {
		title := find(head, atom.Title)
		if title == nil {
			title = element(atom.Title)
			head.AppendChild(title)
		}
		for title.FirstChild != nil {
			title.RemoveChild(title.FirstChild)
		}
		title.AppendChild(&html.Node{Type: html.TextNode, Data: p.opts.Title})
	}

	for _, href := range styles {
		head.AppendChild(element(atom.Link, html.Attribute{Key: "rel", Val: "stylesheet"}, html.Attribute{Key: "href", Val: href}))
	}
	for _, src := range scripts {
		body.AppendChild(element(atom.Script, html.Attribute{Key: "src", Val: src}))
	}

	if p.opts.Minify {
		collapse(doc)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// InjectScript adds a script tag loading src at the end of the document body.
// Documents without a body are returned unchanged.
func InjectScript(document []byte, src string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(document))
	if err != nil {
		return nil, err
	}

	body := find(doc, atom.Body)
	if body == nil {
		return document, nil
	}
	body.AppendChild(element(atom.Script, html.Attribute{Key: "src", Val: src}))

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

// collapse removes comments and whitespace-only text, and squeezes runs of
// whitespace, outside of pre, textarea, script and style elements.
func collapse(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling

		switch c.Type {
		case html.CommentNode:
			n.RemoveChild(c)
		case html.TextNode:
			if preserves(n) {
				break
			}
			text := strings.Join(strings.Fields(c.Data), " ")
			if text == "" {
				n.RemoveChild(c)
				break
			}
			if strings.TrimLeft(c.Data, " \t\r\n") != c.Data {
				text = " " + text
			}
			if strings.TrimRight(c.Data, " \t\r\n") != c.Data {
				text += " "
			}
			c.Data = text
		case html.ElementNode:
			collapse(c)
		}

		c = next
	}
}

func preserves(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Pre, atom.Textarea, atom.Script, atom.Style:
		return true
	}
	return false
}
