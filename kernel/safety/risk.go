// Package safety implements the per-thread safety harness:
// capability derivation, risk classification, limit checking, and
// hook-driven context assembly, composed from kernel/capability and
// kernel/hooks.
package safety

import (
	"strings"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
)

// Policy is the disposition a risk rule attaches to a capability
// pattern.
type Policy string

const (
	PolicyAllow              Policy = "allow"
	PolicyAcknowledgeRequired Policy = "acknowledge_required"
	PolicyBlock              Policy = "block"
)

// RiskRule maps a capability pattern to a named risk level and policy.
type RiskRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Risk    string `yaml:"risk" json:"risk"`
	Policy  Policy `yaml:"policy" json:"policy"`
}

// RiskTable is an ordered list of RiskRule used for classification.
// Ordered (table order) because ties in specificity are broken by
// table order, per the original_source resolution documented in
// DESIGN.md.
type RiskTable []RiskRule

// Acknowledgment pairs a risk name with the reason a directive author
// gave for accepting it.
type Acknowledgment struct {
	Risk   string `yaml:"risk" json:"risk"`
	Reason string `yaml:"reason" json:"reason"`
}

// Classify finds the most specific rule (by dot count in Pattern)
// matching cap, breaking ties by table order (first match among
// equally-specific patterns wins), and returns its risk/policy. A
// capability with no matching rule is implicitly PolicyAllow with an
// empty risk name.
func (t RiskTable) Classify(cap string) (risk string, policy Policy) {
	bestSpecificity := -1
	policy = PolicyAllow
	for _, rule := range t {
		if !patternMatches(rule.Pattern, cap) {
			continue
		}
		specificity := strings.Count(rule.Pattern, ".")
		if specificity > bestSpecificity {
			bestSpecificity = specificity
			risk = rule.Risk
			policy = rule.Policy
		}
	}
	return risk, policy
}

// patternMatches reports whether pattern matches cap, where pattern may
// end in a "*" segment matching any suffix, mirroring the capability
// wildcard convention used throughout the kernel.
func patternMatches(pattern, cap string) bool {
	if pattern == cap {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(cap, prefix)
	}
	if pattern == "*" {
		return true
	}
	return false
}

// CheckRisk classifies every capability in caps and fails on the first
// PolicyBlock capability whose risk is not present (by name) in acks,
// returning RiskBlocked. PolicyAcknowledgeRequired capabilities never
// fail the check (callers should log a warning); PolicyAllow is silent.
func (t RiskTable) CheckRisk(caps []string, acks []Acknowledgment) error {
	ackedRisks := make(map[string]bool, len(acks))
	for _, a := range acks {
		ackedRisks[a.Risk] = true
	}
	for _, cap := range caps {
		risk, policy := t.Classify(cap)
		if policy == PolicyBlock && !ackedRisks[risk] {
			return &kernelerrors.RiskBlocked{Capability: cap, Risk: risk}
		}
	}
	return nil
}

// Warnings returns the set of capabilities classified
// PolicyAcknowledgeRequired, for the caller to log.
func (t RiskTable) Warnings(caps []string) []string {
	var out []string
	for _, cap := range caps {
		if _, policy := t.Classify(cap); policy == PolicyAcknowledgeRequired {
			out = append(out, cap)
		}
	}
	return out
}
