// Package directive implements the Thread Directive Entry: the thin
// composition layer that loads a directive,
// resolves its extends chain, builds the safety harness, resolves the
// model/provider, reserves budget, and hands off to the Runner — either
// in-process (sync) or via a detached child process (async).
package directive

import (
	"strings"

	"github.com/leolilley/ryeos-kernel/kernel/hooks"
	"github.com/leolilley/ryeos-kernel/kernel/safety"
)

// OutputField is one entry of a directive's declared structured return
// schema.
type OutputField struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// ModelRef is a directive's model declaration: either an explicit model
// id or a tier name, plus an optional provider hint that overrides
// whatever provider a tier would otherwise resolve to.
type ModelRef struct {
	ID       string
	Tier     string
	Provider string
}

// Name returns the id if set, falling back to the tier; this is what
// gets passed to model/provider resolution, matching
// directive.get("model", {}).get("id") or .get("tier", "general").
func (m ModelRef) Name() string {
	if m.ID != "" {
		return m.ID
	}
	if m.Tier != "" {
		return m.Tier
	}
	return "general"
}

// Context is a directive's knowledge-injection and hook-suppression
// declaration, keyed by position.
type Context struct {
	System   []string
	Before   []string
	After    []string
	Suppress []string
}

// Directive is the parsed unit of work.
type Directive struct {
	ID          string
	Version     string
	Extends     string
	Description string
	Body        string

	Model       ModelRef
	Limits      map[string]float64
	Permissions []string

	AcknowledgedRisks []safety.Acknowledgment
	Hooks             []hooks.Hook
	Context           Context
	Outputs           []OutputField

	// ContinuationDirective overrides the default continuation prompt
	// source used on handoff/resume; empty uses the system default.
	ContinuationDirective string
}

// ParseFunc parses a directive's raw authored text (Markdown/XML) into
// a Directive. Parsing itself is an external collaborator — out of
// scope here — so the kernel only ever consumes its
// result through this function type.
type ParseFunc func(text string) (Directive, error)

// permissionsBlock renders a directive's declared permissions as the
// <permissions> XML block the prompt expects. The original renders this
// block by regexing it back out of the directive's raw authored text;
// since Parse is out of scope here and Directive only carries the
// normalized Permissions list, this synthesizes the block from that
// list instead of recovering the author's original markup.
func permissionsBlock(perms []string) string {
	if len(perms) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<permissions>\n")
	for _, p := range perms {
		b.WriteString("  <capability>")
		b.WriteString(p)
		b.WriteString("</capability>\n")
	}
	b.WriteString("</permissions>")
	return b.String()
}
