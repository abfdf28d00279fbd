// Package loader runs ordered chains of transform stages over module sources.
//
// Rules are compiled once from configuration: patterns are validated and stage
// names are resolved against a Registry. The first rule whose pattern matches
// a file (and none of its excludes) runs its whole chain, in declared order.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wolfeidau/modpack/internal/config"
)

// plainExtensions are consumable without any transform
var plainExtensions = []string{".js", ".cjs"}

// Rule is a compiled loader rule
type Rule struct {
	Test    string
	Exclude []string
	Stages  []Stage
}

// Matches reports whether the root-relative, slash separated id matches the rule
func (r *Rule) Matches(id string) bool {
	if !doublestar.MatchUnvalidated(r.Test, id) {
		return false
	}
	for _, ex := range r.Exclude {
		if doublestar.MatchUnvalidated(ex, id) {
			return false
		}
	}
	return true
}

// StageNames returns the stage names in execution order
func (r *Rule) StageNames() []string {
	names := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		names[i] = s.Name
	}
	return names
}

// Result is the transformed form of one module
type Result struct {
	Content []byte
	Side    []SideOutput
	// Rule is the matched rule's pattern, empty for passthrough
	Rule string
}

// Pipeline holds compiled rules
type Pipeline struct {
	root  string
	rules []Rule
}

// Compile validates rules and resolves their stages
func Compile(root string, rules []config.Rule, registry *Registry) (*Pipeline, error) {
	p := &Pipeline{root: filepath.Clean(root)}

	for i, cr := range rules {
		if !doublestar.ValidatePattern(cr.Test) {
			return nil, fmt.Errorf("%w: rule %d: bad pattern %q", config.ErrInvalidRule, i, cr.Test)
		}
		for _, ex := range cr.Exclude {
			if !doublestar.ValidatePattern(ex) {
				return nil, fmt.Errorf("%w: rule %d: bad exclude pattern %q", config.ErrInvalidRule, i, ex)
			}
		}

		rule := Rule{Test: cr.Test, Exclude: slices.Clone(cr.Exclude)}
		for _, name := range cr.Use {
			stage, err := registry.Lookup(name)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, cr.Test, err)
			}
			rule.Stages = append(rule.Stages, stage)
		}
		p.rules = append(p.rules, rule)
	}

	return p, nil
}

// Match returns the first rule matching path
func (p *Pipeline) Match(path string) (*Rule, bool) {
	id := p.id(path)
	for i := range p.rules {
		if p.rules[i].Matches(id) {
			return &p.rules[i], true
		}
	}
	return nil, false
}

// Transform runs the matching rule's stages over raw. Files without a rule
// pass through unchanged when they are plain scripts and fail otherwise.
func (p *Pipeline) Transform(ctx context.Context, path string, raw []byte) (Result, error) {
	rule, ok := p.Match(path)
	if !ok {
		if slices.Contains(plainExtensions, filepath.Ext(path)) {
			return Result{Content: raw}, nil
		}
		return Result{}, &NoLoaderError{ModulePath: path}
	}

	return p.Run(ctx, rule, path, raw)
}

// Run executes every stage of rule over raw, feeding each stage the previous output
func (p *Pipeline) Run(ctx context.Context, rule *Rule, path string, raw []byte) (Result, error) {
	res := Result{Content: raw, Rule: rule.Test}

	for _, stage := range rule.Stages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		out, err := stage.Run(ctx, Source{Path: path, Content: res.Content})
		if err != nil {
			return Result{}, &TransformError{ModulePath: path, StageName: stage.Name, Cause: err}
		}

		res.Content = out.Content
		res.Side = append(res.Side, out.Side...)
	}

	return res, nil
}

func (p *Pipeline) id(path string) string {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
