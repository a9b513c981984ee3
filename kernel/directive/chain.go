package directive

import (
	"context"
	"fmt"

	"github.com/leolilley/ryeos-kernel/kernel/hooks"
)

// DirectiveLoader resolves a directive id to its parsed Directive. The
// concrete implementation reads the authored file via artifact.Store and
// runs it through a ParseFunc; both are external collaborators from this
// package's point of view, so directive only depends on this interface.
type DirectiveLoader interface {
	LoadDirective(ctx context.Context, id string) (Directive, error)
}

// KnowledgeLoader resolves a knowledge-context item id (as named in a
// directive's context.system/before/after lists) to its rendered text.
type KnowledgeLoader interface {
	LoadKnowledge(ctx context.Context, id string) (string, error)
}

// Chain is the resolved result of walking a directive's extends links,
// root-first.
type Chain struct {
	// Directives holds the chain root-first, ending with the leaf
	// (the originally requested directive) last.
	Directives []Directive
	// Names is Directives' ids in the same root-first order.
	Names []string

	SystemContext []string
	BeforeContext []string
	AfterContext  []string
	Suppress      []string

	// InheritedPermissions is set only when the leaf declared no
	// permissions of its own and an ancestor did.
	InheritedPermissions []string

	// Hooks concatenates every chain directive's declared hooks,
	// root-first, feeding MergeHooks' "directive" layer.
	Hooks []hooks.Hook
}

// Leaf returns the originally requested directive: the last entry of a
// root-first chain.
func (c Chain) Leaf() Directive {
	return c.Directives[len(c.Directives)-1]
}

// ResolveChain walks leafID's extends chain to its root, detecting
// cycles, then composes context and permission inheritance root-first.
// Grounded on _resolve_directive_chain: builds leaf-to-root internally
// (appending each directive as it's loaded, walking .extends) then
// reverses to root-first before composing, since context and permission
// inheritance both need to apply ancestor-first so a leaf's own
// declarations can extend or override what it inherits.
func ResolveChain(ctx context.Context, loader DirectiveLoader, leafID string) (Chain, error) {
	var directives []Directive
	var names []string
	seen := map[string]bool{}

	id := leafID
	for id != "" {
		if seen[id] {
			return Chain{}, fmt.Errorf("directive: extends cycle detected at %q", id)
		}
		seen[id] = true

		d, err := loader.LoadDirective(ctx, id)
		if err != nil {
			return Chain{}, fmt.Errorf("directive: load %q: %w", id, err)
		}
		directives = append(directives, d)
		names = append(names, id)
		id = d.Extends
	}

	// reverse to root-first
	for i, j := 0, len(directives)-1; i < j; i, j = i+1, j-1 {
		directives[i], directives[j] = directives[j], directives[i]
		names[i], names[j] = names[j], names[i]
	}

	c := Chain{Directives: directives, Names: names}

	seenSystem := map[string]bool{}
	seenBefore := map[string]bool{}
	seenAfter := map[string]bool{}
	seenSuppress := map[string]bool{}
	for _, d := range directives {
		appendUnique(&c.SystemContext, seenSystem, d.Context.System)
		appendUnique(&c.BeforeContext, seenBefore, d.Context.Before)
		appendUnique(&c.AfterContext, seenAfter, d.Context.After)
		appendUnique(&c.Suppress, seenSuppress, d.Context.Suppress)
		c.Hooks = append(c.Hooks, d.Hooks...)
	}

	leaf := directives[len(directives)-1]
	if len(leaf.Permissions) == 0 && len(directives) > 1 {
		// Ancestors, root-first, excluding the leaf itself: first one
		// declaring permissions wins (nearest-to-root declaration, not
		// nearest-to-leaf, matching chain_directives[:-1] iterated in
		// the already-reversed root-first order).
		for _, anc := range directives[:len(directives)-1] {
			if len(anc.Permissions) > 0 {
				c.InheritedPermissions = anc.Permissions
				break
			}
		}
	}

	return c, nil
}

func appendUnique(dst *[]string, seen map[string]bool, items []string) {
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		*dst = append(*dst, it)
	}
}

// RenderKnowledge loads and concatenates a list of knowledge item ids in
// order, separated by blank lines. Missing items are skipped rather than
// failing the whole render, matching the original's best-effort context
// injection.
func RenderKnowledge(ctx context.Context, loader KnowledgeLoader, ids []string) string {
	if loader == nil || len(ids) == 0 {
		return ""
	}
	out := ""
	for _, id := range ids {
		text, err := loader.LoadKnowledge(ctx, id)
		if err != nil || text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += text
	}
	return out
}
