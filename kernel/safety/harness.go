package safety

import (
	"context"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
	"github.com/leolilley/ryeos-kernel/kernel/capability"
	"github.com/leolilley/ryeos-kernel/kernel/hooks"
)

// SystemCapabilityRisk is the acknowledgment name that unblocks minting a
// capability under capability.SystemRoot. Unlike risk-table rules, this
// check is unconditional: a directive cannot silently allow-list its way
// past it by omitting a "sys.*" rule from the risk table.
const SystemCapabilityRisk = "system_capability"

// Harness is constructed per thread:
// {thread_id, limits, hooks, project_path, directive_name, permissions,
// parent_capabilities}. It derives effective capabilities, classifies
// risk, checks limits, and evaluates the hook table.
type Harness struct {
	ThreadID       string
	ProjectPath    string
	DirectiveName  string
	Limits         Limits
	RiskTable      RiskTable
	Hooks          *hooks.Table
	Capabilities   []string // effective, post-attenuation
}

// NewHarness derives effective capabilities from declared permissions
// and (if any) the parent's granted capabilities, classifies risk
// against acknowledgments, and returns a ready Harness. Root threads
// (no parent) take declared permissions as-is, still subject to risk
// classification.
func NewHarness(threadID, projectPath, directiveName string, declaredPermissions, parentCapabilities []string,
	limits Limits, riskTable RiskTable, acks []Acknowledgment, hookTable *hooks.Table) (*Harness, error) {

	var effective []string
	if len(parentCapabilities) == 0 {
		effective = declaredPermissions
	} else {
		effective = capability.Attenuate(parentCapabilities, declaredPermissions)
	}

	if err := checkSystemCapabilities(effective, acks); err != nil {
		return nil, err
	}

	if err := riskTable.CheckRisk(effective, acks); err != nil {
		return nil, err
	}

	return &Harness{
		ThreadID:      threadID,
		ProjectPath:   projectPath,
		DirectiveName: directiveName,
		Limits:        limits,
		RiskTable:     riskTable,
		Hooks:         hookTable,
		Capabilities:  effective,
	}, nil
}

// checkSystemCapabilities blocks minting any capability under
// capability.SystemRoot unless the caller supplied a SystemCapabilityRisk
// acknowledgment, regardless of what the risk table says about "sys.*".
func checkSystemCapabilities(effective []string, acks []Acknowledgment) error {
	for _, a := range acks {
		if a.Risk == SystemCapabilityRisk {
			return nil
		}
	}
	for _, cap := range effective {
		if capability.SystemCap(cap) {
			return &kernelerrors.RiskBlocked{Capability: cap, Risk: SystemCapabilityRisk}
		}
	}
	return nil
}

// CheckCapability reports whether required is covered by the harness's
// effective capability set.
func (h *Harness) CheckCapability(required ...string) bool {
	return capability.CheckAll(h.Capabilities, required)
}

// CheckLimits compares usage against h.Limits, returning the first
// breached limit or nil.
func (h *Harness) CheckLimits(usage Usage) error {
	if le := Check(h.Limits, usage); le != nil {
		return le
	}
	return nil
}

// DispatchHooks filters and fires the hook table for event against ctx.
func (h *Harness) DispatchHooks(ctx context.Context, event string, ambient map[string]any) ([]hooks.Result, error) {
	if h.Hooks == nil {
		return nil, nil
	}
	return h.Hooks.Dispatch(ctx, event, ambient)
}
