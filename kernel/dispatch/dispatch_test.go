package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/capability"
	"github.com/leolilley/ryeos-kernel/kernel/dispatch"
)

// checkAll adapts capability.CheckAll's multi-capability signature to
// dispatch.CapabilityChecker's single-capability shape.
func checkAll(granted []string, required string) bool {
	return capability.CheckAll(granted, []string{required})
}

type fakeTool struct {
	invoked bool
	params  map[string]any
	env     dispatch.Envelope
	err     error
}

func (f *fakeTool) Invoke(_ context.Context, _, _ string, params map[string]any) (dispatch.Envelope, error) {
	f.invoked = true
	f.params = params
	return f.env, f.err
}

func TestDispatchDeniesMissingCapability(t *testing.T) {
	d := dispatch.New(checkAll)
	tool := &fakeTool{env: dispatch.Envelope{Status: "ok"}}
	d.Register(dispatch.PrimaryExecute, tool)

	_, err := d.Dispatch(context.Background(), dispatch.Action{
		Primary: dispatch.PrimaryExecute, ItemType: "tool", ItemID: "fs.write",
	}, dispatch.ThreadContext{EffectiveCapabilities: []string{"rye.search.*"}})
	require.Error(t, err)
	require.False(t, tool.invoked)
}

func TestDispatchAllowsAndUnwrapsSuccessEnvelope(t *testing.T) {
	d := dispatch.New(checkAll)
	tool := &fakeTool{env: dispatch.Envelope{
		Status: "ok",
		Data:   map[string]any{"content": "file body", "chain": "ignored-already-lifted"},
		Chain:  []string{"a", "b"},
	}}
	d.Register(dispatch.PrimaryLoad, tool)

	res, err := d.Dispatch(context.Background(), dispatch.Action{
		Primary: dispatch.PrimaryLoad, ItemType: "knowledge", ItemID: "readme",
	}, dispatch.ThreadContext{EffectiveCapabilities: []string{"rye.load.*"}})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	require.Equal(t, "file body", res.Fields["content"])
}

func TestDispatchSynthesizesErrorFromInnerSuccessFalse(t *testing.T) {
	d := dispatch.New(checkAll)
	failed := false
	tool := &fakeTool{env: dispatch.Envelope{
		Status:  "ok",
		Success: &failed,
		Data:    map[string]any{"error": "file not found"},
	}}
	d.Register(dispatch.PrimaryLoad, tool)

	res, err := d.Dispatch(context.Background(), dispatch.Action{
		Primary: dispatch.PrimaryLoad, ItemType: "knowledge", ItemID: "missing",
	}, dispatch.ThreadContext{EffectiveCapabilities: []string{"rye.load.*"}})
	require.NoError(t, err)
	require.Equal(t, "error", res.Status)
	require.Equal(t, "file not found", res.Error)
}

func TestDispatchInjectsParentContextOnThreadSpawn(t *testing.T) {
	d := dispatch.New(checkAll)
	tool := &fakeTool{env: dispatch.Envelope{Status: "ok"}}
	d.Register(dispatch.PrimaryExecute, tool)

	parent := &dispatch.ParentContext{ParentThreadID: "t1", Depth: 2, Capabilities: []string{"rye.execute.*"}}
	_, err := d.Dispatch(context.Background(), dispatch.Action{
		Primary: dispatch.PrimaryExecute, ItemType: "tool", ItemID: dispatch.ThreadDirectiveTool,
		Params: map[string]any{"directive_id": "sub-directive"},
	}, dispatch.ThreadContext{EffectiveCapabilities: []string{"rye.execute.*"}, Parent: parent})
	require.NoError(t, err)
	require.True(t, tool.invoked)
	require.Equal(t, "t1", tool.params["parent_thread_id"])
	require.Equal(t, "sub-directive", tool.params["directive_id"])
}

func TestDispatchAllowsInternalSubToolWithoutCapability(t *testing.T) {
	d := dispatch.New(checkAll)
	tool := &fakeTool{env: dispatch.Envelope{Status: "ok"}}
	d.Register(dispatch.PrimaryExecute, tool)

	_, err := d.Dispatch(context.Background(), dispatch.Action{
		Primary: dispatch.PrimaryExecute, ItemType: "tool", ItemID: "rye/agent/threads/internal/kill_thread",
	}, dispatch.ThreadContext{EffectiveCapabilities: nil})
	require.NoError(t, err)
	require.True(t, tool.invoked)
}

func TestDispatchReturnsErrorForUnregisteredPrimary(t *testing.T) {
	d := dispatch.New(checkAll)
	_, err := d.Dispatch(context.Background(), dispatch.Action{
		Primary: dispatch.PrimarySign, ItemType: "checkpoint", ItemID: "x",
	}, dispatch.ThreadContext{EffectiveCapabilities: []string{"rye.sign.*"}})
	require.Error(t, err)
}
