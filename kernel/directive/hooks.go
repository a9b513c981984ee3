package directive

import (
	"sort"
	"strconv"

	"github.com/leolilley/ryeos-kernel/kernel/hooks"
)

// layerRank maps a hook's named layer to its merge-order rank, lowest
// first. Grounded on _merge_hooks' fixed source ordering: user hooks run
// first (so a user override can veto everything downstream), then
// directive-declared, then builtin and context hooks at the same rank,
// then project, then infra last.
var layerRank = map[string]int{
	"user":      0,
	"directive": 1,
	"builtin":   2,
	"context":   2,
	"project":   3,
	"infra":     4,
}

const defaultLayerRank = 2

// rankOf resolves a hook's layer to a sort rank: a named layer from
// layerRank, a bare integer string taken literally, or the default rank
// if the layer is unset or unrecognized.
func rankOf(layer string) int {
	if layer == "" {
		return defaultLayerRank
	}
	if r, ok := layerRank[layer]; ok {
		return r
	}
	if n, err := strconv.Atoi(layer); err == nil {
		return n
	}
	return defaultLayerRank
}

// HookSources groups the hook lists that feed a thread's merged table,
// named for where each originates rather than for a layer rank, since a
// source's hooks may or may not already carry their own Layer tag.
type HookSources struct {
	User      []hooks.Hook
	Directive []hooks.Hook
	Builtin   []hooks.Hook
	Context   []hooks.Hook
	Project   []hooks.Hook
	Infra     []hooks.Hook
}

// MergeHooks concatenates hook sources in fixed order, tags each hook
// with its source's layer name only if it doesn't already declare its
// own Layer (mirroring the original's dict.setdefault semantics — an
// author can pin a hook to an explicit layer regardless of which source
// list it arrived in), then stably sorts by layer rank. The stable sort
// preserves each layer's internal concatenation order, so two hooks
// tagged to the same layer still fire in source order.
func MergeHooks(src HookSources) []hooks.Hook {
	tagged := make([]hooks.Hook, 0,
		len(src.User)+len(src.Directive)+len(src.Builtin)+len(src.Context)+len(src.Project)+len(src.Infra))

	tagged = append(tagged, tagLayer(src.User, "user")...)
	tagged = append(tagged, tagLayer(src.Directive, "directive")...)
	tagged = append(tagged, tagLayer(src.Builtin, "builtin")...)
	tagged = append(tagged, tagLayer(src.Context, "context")...)
	tagged = append(tagged, tagLayer(src.Project, "project")...)
	tagged = append(tagged, tagLayer(src.Infra, "infra")...)

	sort.SliceStable(tagged, func(i, j int) bool {
		return rankOf(tagged[i].Layer) < rankOf(tagged[j].Layer)
	})
	return tagged
}

func tagLayer(hs []hooks.Hook, layer string) []hooks.Hook {
	out := make([]hooks.Hook, len(hs))
	for i, h := range hs {
		if h.Layer == "" {
			h.Layer = layer
		}
		out[i] = h
	}
	return out
}
