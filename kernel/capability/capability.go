// Package capability implements the capability calculus: parsing,
// expansion over the primary-implication lattice, segment-aware matching,
// and attenuation of capability tokens across thread spawns.
//
// A capability is a dotted string of the form
// <root>.<primary>.<item_type>.<specifics...> or any prefix of it; "*" at
// any position is a wildcard. Matching is always segment-aware so that
// "*.*" can never accidentally dominate an unrelated capability.
package capability

import "strings"

// Cap is a parsed capability string.
type Cap struct {
	raw      string
	segments []string
}

// Parse splits a dotted capability string into segments, identifying
// wildcard positions. The raw string is preserved for output and
// equality checks.
func Parse(cap string) Cap {
	return Cap{raw: cap, segments: strings.Split(cap, ".")}
}

// String returns the original dotted capability string.
func (c Cap) String() string { return c.raw }

// Segments returns the dot-separated parts of the capability.
func (c Cap) Segments() []string { return c.segments }

// primaryImplications is the fixed lattice: holding a
// broader primary action implies the narrower ones that are always safe
// to exercise alongside it. Expansion is a closure: it adds capabilities
// with the same item_type/specifics under the implied primary, never
// widening item types or specifics.
var primaryImplications = map[string][]string{
	"execute": {"search", "load"},
	"sign":    {"load"},
}

// Expand applies the primary-implication lattice to every capability in
// caps, element-wise, and returns the closure (original caps plus
// implied ones, deduplicated).
func Expand(caps []string) []string {
	seen := make(map[string]struct{}, len(caps)*2)
	out := make([]string, 0, len(caps)*2)
	add := func(c string) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range caps {
		add(c)
		p := Parse(c)
		segs := p.Segments()
		if len(segs) < 2 {
			continue
		}
		primary := segs[1]
		implied, ok := primaryImplications[primary]
		if !ok {
			continue
		}
		for _, impliedPrimary := range implied {
			rewritten := make([]string, len(segs))
			copy(rewritten, segs)
			rewritten[1] = impliedPrimary
			add(strings.Join(rewritten, "."))
		}
	}
	return out
}

// Match reports whether granted (possibly containing "*" wildcard
// segments) dominates required, segment-for-segment. A granted
// capability with fewer segments than required is treated as a prefix
// match only if every one of its segments matches (prefix capabilities
// dominate everything beneath them); a granted capability with more
// segments than required never matches (it is more specific, not
// broader).
func Match(granted, required string) bool {
	g := Parse(granted).Segments()
	r := Parse(required).Segments()
	if len(g) > len(r) {
		return false
	}
	for i, gs := range g {
		if gs == "*" {
			continue
		}
		if gs != r[i] {
			return false
		}
	}
	return true
}

// CheckAll reports whether every capability in required matches some
// capability in expand(granted).
func CheckAll(granted, required []string) bool {
	expanded := Expand(granted)
	for _, req := range required {
		if !anyMatches(expanded, req) {
			return false
		}
	}
	return true
}

func anyMatches(expanded []string, required string) bool {
	for _, g := range expanded {
		if Match(g, required) {
			return true
		}
	}
	return false
}

// Attenuate computes the effective capability set for a child spawned
// under a parent holding parentCaps and declaring childCaps. Because
// capabilities are hierarchical prefixes (a shorter/wildcarded cap
// dominates everything beneath it), the effective grant for a given pair
// is always the narrower of the two: when the parent's cap dominates the
// child's declaration, the child gets exactly what it declared; when the
// child's declaration is broader than what the parent actually holds,
// the child is cut down to the parent's narrower cap. The result is, by
// construction, never a superset of the parent's effective capability
// set — this is the "no escalation" invariant exercised by the property
// tests in capability_property_test.go.
func Attenuate(parentCaps, childCaps []string) []string {
	expandedParent := Expand(parentCaps)
	seen := make(map[string]struct{})
	var out []string
	for _, d := range childCaps {
		for _, p := range expandedParent {
			overlap, ok := narrower(p, d)
			if !ok {
				continue
			}
			if _, dup := seen[overlap]; dup {
				continue
			}
			seen[overlap] = struct{}{}
			out = append(out, overlap)
		}
	}
	return out
}

// narrower returns whichever of a, b is dominated by the other (i.e. the
// more specific capability), provided one of them actually dominates the
// other. It reports false when neither relates to the other.
func narrower(a, b string) (string, bool) {
	if Match(a, b) {
		return b, true
	}
	if Match(b, a) {
		return a, true
	}
	return "", false
}

// SystemRoot is the reserved root namespace segment. System capabilities
// cannot be minted by directives without explicit acknowledgment — see
// the safety harness's risk classification.
const SystemRoot = "sys"

// SystemCap reports whether cap falls under the reserved root namespace.
func SystemCap(cap string) bool {
	segs := Parse(cap).Segments()
	return len(segs) > 0 && segs[0] == SystemRoot
}
