package directive_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/directive"
	"github.com/leolilley/ryeos-kernel/kernel/hooks"
)

func TestMergeHooksOrdersByLayerThenPreservesSourceOrder(t *testing.T) {
	src := directive.HookSources{
		User:      []hooks.Hook{{ID: "u1"}, {ID: "u2"}},
		Directive: []hooks.Hook{{ID: "d1"}},
		Builtin:   []hooks.Hook{{ID: "b1"}},
		Project:   []hooks.Hook{{ID: "p1"}},
		Infra:     []hooks.Hook{{ID: "i1"}},
	}
	merged := directive.MergeHooks(src)

	ids := make([]string, len(merged))
	for i, h := range merged {
		ids[i] = h.ID
	}
	require.Equal(t, []string{"u1", "u2", "d1", "b1", "p1", "i1"}, ids)
}

func TestMergeHooksRespectsExplicitLayerOverride(t *testing.T) {
	src := directive.HookSources{
		User:    []hooks.Hook{{ID: "u1", Layer: "infra"}},
		Builtin: []hooks.Hook{{ID: "b1"}},
	}
	merged := directive.MergeHooks(src)
	require.Equal(t, "b1", merged[0].ID)
	require.Equal(t, "u1", merged[1].ID)
}

func TestMergeHooksStableWithinSameLayer(t *testing.T) {
	src := directive.HookSources{
		Builtin: []hooks.Hook{{ID: "b1"}, {ID: "b2"}},
		Context: []hooks.Hook{{ID: "c1"}, {ID: "c2"}},
	}
	merged := directive.MergeHooks(src)
	ids := make([]string, len(merged))
	for i, h := range merged {
		ids[i] = h.ID
	}
	require.Equal(t, []string{"b1", "b2", "c1", "c2"}, ids)
}
