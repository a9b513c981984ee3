// Package config implements the three-tier YAML configuration cascade:
// system default, user override, and project
// override are deep-merged in that order for each named configuration
// file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Tier identifies one layer of the cascade, in merge order.
type Tier int

const (
	TierSystemDefault Tier = iota
	TierUserOverride
	TierProjectOverride
)

// Loader resolves and merges the three tiers for a set of roots.
type Loader struct {
	SystemRoot  string
	UserRoot    string
	ProjectRoot string
}

// Load reads "<root>/.ai/config/<name>.yaml" from each configured root
// that has it, in cascade order, and deep-merges the result into dst (a
// pointer to a struct or map compatible with yaml.v3 unmarshaling).
func (l *Loader) Load(name string, dst any) error {
	merged, err := l.LoadMerged(name)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("config: re-marshal merged document: %w", err)
	}
	if err := yaml.Unmarshal(out, dst); err != nil {
		return fmt.Errorf("config: unmarshal merged %s: %w", name, err)
	}
	return nil
}

// LoadMerged returns the merged document as a generic tree, useful when
// the caller wants to inspect or re-merge further before a final
// unmarshal.
func (l *Loader) LoadMerged(name string) (any, error) {
	var merged any
	for _, root := range []string{l.SystemRoot, l.UserRoot, l.ProjectRoot} {
		if root == "" {
			continue
		}
		path := filepath.Join(root, ".ai", "config", name+".yaml")
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		merged = Merge(merged, doc)
	}
	return merged, nil
}

// Merge deep-merges override on top of base:
//   - map[string]any: keys merge recursively; override wins per key.
//   - []any whose elements are maps carrying an "id" key: entries with
//     the same id are replaced wholesale by the override's entry, in
//     the override's position when new, in the base's position when
//     replacing; this keeps hook/risk tables extensible and
//     deterministic by id.
//   - any other list, or type mismatch: override replaces base
//     wholesale.
func Merge(base, override any) any {
	if override == nil {
		return base
	}
	if base == nil {
		return override
	}

	baseMap, baseIsMap := base.(map[string]any)
	overrideMap, overrideIsMap := override.(map[string]any)
	if baseIsMap && overrideIsMap {
		out := make(map[string]any, len(baseMap)+len(overrideMap))
		for k, v := range baseMap {
			out[k] = v
		}
		for k, v := range overrideMap {
			if existing, ok := out[k]; ok {
				out[k] = Merge(existing, v)
			} else {
				out[k] = v
			}
		}
		return out
	}

	baseList, baseIsList := base.([]any)
	overrideList, overrideIsList := override.([]any)
	if baseIsList && overrideIsList {
		if merged, ok := mergeByID(baseList, overrideList); ok {
			return merged
		}
		return overrideList
	}

	return override
}

// mergeByID merges two lists keyed by each element's "id" field. It
// returns ok=false when either list contains an element that is not a
// map with a string "id" field, signalling the caller should fall back
// to wholesale replacement.
func mergeByID(base, override []any) ([]any, bool) {
	type entry struct {
		id  string
		val any
	}
	baseEntries := make([]entry, 0, len(base))
	for _, v := range base {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, false
		}
		baseEntries = append(baseEntries, entry{id: id, val: v})
	}
	overrideByID := make(map[string]any, len(override))
	overrideOrder := make([]string, 0, len(override))
	for _, v := range override {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := m["id"].(string)
		if !ok {
			return nil, false
		}
		overrideByID[id] = v
		overrideOrder = append(overrideOrder, id)
	}

	seen := make(map[string]bool, len(baseEntries))
	out := make([]any, 0, len(baseEntries)+len(override))
	for _, be := range baseEntries {
		seen[be.id] = true
		if ov, ok := overrideByID[be.id]; ok {
			out = append(out, ov)
		} else {
			out = append(out, be.val)
		}
	}
	for _, id := range overrideOrder {
		if !seen[id] {
			out = append(out, overrideByID[id])
		}
	}
	return out, true
}
