package devserver

import (
	"bytes"
	"strings"

	"github.com/wolfeidau/modpack/internal/bundler"
	"github.com/wolfeidau/modpack/internal/chunk"
	"github.com/wolfeidau/modpack/internal/graph"
)

// Push message types
const (
	MessageReload = "reload"
	MessagePatch  = "patch"
	MessageError  = "error"
)

// Message is pushed to connected clients as JSON
type Message struct {
	Type   string       `json:"type"`
	Build  string       `json:"build,omitempty"`
	Chunks []PatchChunk `json:"chunks,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// PatchChunk carries one changed chunk. Script chunks carry code that
// re-registers their modules; Modules lists the ids whose code changed.
// Style chunks carry only the file to reload.
type PatchChunk struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	File    string   `json:"file"`
	Code    string   `json:"code,omitempty"`
	Modules []string `json:"modules,omitempty"`
}

// diff decides what clients must do to move from prev to next. A patch is
// only possible when hot replacement is on, both builds have the same module
// topology, and every changed chunk kept its filename and can be patched.
func diff(prev, next *bundler.Snapshot, hot bool) Message {
	reload := Message{Type: MessageReload, Build: next.ID}

	if !hot || prev == nil || !next.Graph.SameTopology(prev.Graph) {
		return reload
	}

	msg := Message{Type: MessagePatch, Build: next.ID, Chunks: []PatchChunk{}}
	for _, c := range chunk.Changed(prev.Chunks, next.Chunks) {
		old, ok := chunk.Find(prev.Chunks, c.Kind, c.Name)
		if !ok || old.Filename != c.Filename {
			return reload
		}

		switch c.Kind {
		case chunk.KindScript:
			msg.Chunks = append(msg.Chunks, PatchChunk{
				Name:    c.Name,
				Kind:    c.Kind.String(),
				File:    c.Filename,
				Code:    string(c.Patch),
				Modules: changedModules(prev, next, c),
			})
		case chunk.KindStyle:
			msg.Chunks = append(msg.Chunks, PatchChunk{
				Name: c.Name,
				Kind: c.Kind.String(),
				File: c.Filename,
			})
		default:
			// documents cannot be patched in place, but one that only moved
			// to the new hash queries of its chunks needs nothing
			if bytes.Equal(unhashed(old, prev.Chunks), unhashed(c, next.Chunks)) {
				continue
			}
			return reload
		}
	}

	return msg
}

// unhashed returns doc's content with the ?<hash> query of every chunk
// removed
func unhashed(doc *chunk.Chunk, chunks []*chunk.Chunk) []byte {
	var pairs []string
	for _, c := range chunks {
		if c.Kind != chunk.KindDocument && c.Hash != "" {
			pairs = append(pairs, "?"+c.Hash, "")
		}
	}
	if len(pairs) == 0 {
		return doc.Content
	}
	return []byte(strings.NewReplacer(pairs...).Replace(string(doc.Content)))
}

// changedModules lists the ids in c whose source or transformed code differs
// between builds
func changedModules(prev, next *bundler.Snapshot, c *chunk.Chunk) []string {
	old := map[string]*graph.Module{}
	for _, m := range prev.Graph.Modules {
		old[m.ID] = m
	}
	cur := map[string]*graph.Module{}
	for _, m := range next.Graph.Modules {
		cur[m.ID] = m
	}

	var out []string
	for _, id := range c.Modules {
		m, o := cur[id], old[id]
		if m == nil {
			continue
		}
		if o == nil || o.Fingerprint != m.Fingerprint || !bytes.Equal(o.Code, m.Code) {
			out = append(out, id)
		}
	}
	return out
}
