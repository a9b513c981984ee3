package safety_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
	"github.com/leolilley/ryeos-kernel/kernel/hooks"
	"github.com/leolilley/ryeos-kernel/kernel/safety"
)

func riskTable() safety.RiskTable {
	return safety.RiskTable{
		{Pattern: "rye.execute.*", Risk: "generic-execute", Policy: safety.PolicyAcknowledgeRequired},
		{Pattern: "rye.execute.tool.fs.*", Risk: "filesystem-write", Policy: safety.PolicyBlock},
	}
}

func TestClassifyMostSpecificWinsByDotCount(t *testing.T) {
	rt := riskTable()
	risk, policy := rt.Classify("rye.execute.tool.fs.write")
	require.Equal(t, "filesystem-write", risk)
	require.Equal(t, safety.PolicyBlock, policy)

	risk, policy = rt.Classify("rye.execute.tool.net.fetch")
	require.Equal(t, "generic-execute", risk)
	require.Equal(t, safety.PolicyAcknowledgeRequired, policy)
}

func TestClassifyTiesBrokenByTableOrder(t *testing.T) {
	rt := safety.RiskTable{
		{Pattern: "rye.execute.tool.*", Risk: "first", Policy: safety.PolicyAllow},
		{Pattern: "rye.execute.tool.*", Risk: "second", Policy: safety.PolicyBlock},
	}
	// Both patterns match this capability with equal specificity, so
	// the first in table order wins.
	risk, policy := rt.Classify("rye.execute.tool.x")
	require.Equal(t, "first", risk)
	require.Equal(t, safety.PolicyAllow, policy)
}

func TestCheckRiskBlocksWithoutAcknowledgment(t *testing.T) {
	rt := riskTable()
	err := rt.CheckRisk([]string{"rye.execute.tool.fs.write"}, nil)
	var blocked *kernelerrors.RiskBlocked
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "filesystem-write", blocked.Risk)
}

func TestCheckRiskAllowsWithAcknowledgment(t *testing.T) {
	rt := riskTable()
	err := rt.CheckRisk([]string{"rye.execute.tool.fs.write"},
		[]safety.Acknowledgment{{Risk: "filesystem-write", Reason: "trusted sandbox"}})
	require.NoError(t, err)
}

func TestResolveChildLimitsNeverExceedsParent(t *testing.T) {
	parent := safety.Limits{Turns: 20, Spend: 5.0, Depth: 3}
	declared := safety.Limits{Turns: 50, Spend: 1.0, Depth: 0}
	child := safety.ResolveChildLimits(parent, declared)
	require.Equal(t, 20.0, child.Turns) // declared tried to exceed parent, clamped
	require.Equal(t, 1.0, child.Spend)  // declared narrower, kept
	require.Equal(t, 2.0, child.Depth)  // parent.Depth - 1
}

func TestCheckLimitsReturnsFirstBreach(t *testing.T) {
	limits := safety.Limits{Turns: 10, Tokens: 1000}
	usage := safety.Usage{Turns: 10, Tokens: 2000}
	le := safety.Check(limits, usage)
	require.NotNil(t, le)
	require.Equal(t, kernelerrors.LimitTurns, le.Code)
}

func TestNewHarnessDerivesAttenuatedCapabilitiesAndBlocksRisk(t *testing.T) {
	rt := riskTable()
	table := hooks.NewTable(nil, nil)
	_, err := safety.NewHarness("t1", "/proj", "dir1",
		[]string{"rye.execute.tool.fs.write"}, []string{"rye.execute.tool.fs.*"},
		safety.Limits{Turns: 10}, rt, nil, table)
	var blocked *kernelerrors.RiskBlocked
	require.ErrorAs(t, err, &blocked)
}

func TestNewHarnessSucceedsWithAcknowledgment(t *testing.T) {
	rt := riskTable()
	table := hooks.NewTable(nil, nil)
	h, err := safety.NewHarness("t1", "/proj", "dir1",
		[]string{"rye.execute.tool.fs.write"}, []string{"rye.execute.tool.fs.*"},
		safety.Limits{Turns: 10}, rt,
		[]safety.Acknowledgment{{Risk: "filesystem-write", Reason: "ok"}}, table)
	require.NoError(t, err)
	require.True(t, h.CheckCapability("rye.execute.tool.fs.write"))
}

func TestNewHarnessBlocksSystemCapabilityWithoutAcknowledgment(t *testing.T) {
	table := hooks.NewTable(nil, nil)
	_, err := safety.NewHarness("t1", "/proj", "dir1",
		[]string{"sys.execute.tool.kill_thread"}, nil,
		safety.Limits{Turns: 10}, safety.RiskTable{}, nil, table)
	var blocked *kernelerrors.RiskBlocked
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, safety.SystemCapabilityRisk, blocked.Risk)
}

func TestNewHarnessAllowsSystemCapabilityWithAcknowledgment(t *testing.T) {
	table := hooks.NewTable(nil, nil)
	h, err := safety.NewHarness("t1", "/proj", "dir1",
		[]string{"sys.execute.tool.kill_thread"}, nil,
		safety.Limits{Turns: 10}, safety.RiskTable{},
		[]safety.Acknowledgment{{Risk: safety.SystemCapabilityRisk, Reason: "orchestrator-internal"}}, table)
	require.NoError(t, err)
	require.True(t, h.CheckCapability("sys.execute.tool.kill_thread"))
}

func TestHarnessDispatchHooks(t *testing.T) {
	table := hooks.NewTable([]hooks.Hook{
		{ID: "h1", Event: "thread_started", Action: hooks.Action{Content: "hi"}},
	}, nil)
	h := &safety.Harness{Hooks: table}
	results, err := h.DispatchHooks(context.Background(), "thread_started", map[string]any{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}
