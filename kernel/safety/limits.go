package safety

import "github.com/leolilley/ryeos-kernel/internal/kernelerrors"

// Limits holds the resolved numeric thresholds for a thread: every
// threshold must be ≤ the parent's resolved threshold, and depth counts
// down by exactly one per spawn.
type Limits struct {
	Turns           float64
	Tokens          float64
	Spend           float64
	Spawns          float64
	DurationSeconds float64
	Depth           float64
}

// Usage holds the accumulated counters compared against Limits at turn
// boundaries.
type Usage struct {
	Turns           float64
	Tokens          float64
	Spend           float64
	Spawns          float64
	DurationSeconds float64
}

// Check compares usage against limits and returns the first breached
// limit (in the fixed order turns, tokens, spend, spawns, duration),
// or nil if none are exceeded.
func Check(limits Limits, usage Usage) *kernelerrors.LimitExceeded {
	checks := []struct {
		code      kernelerrors.LimitCode
		threshold float64
		observed  float64
	}{
		{kernelerrors.LimitTurns, limits.Turns, usage.Turns},
		{kernelerrors.LimitTokens, limits.Tokens, usage.Tokens},
		{kernelerrors.LimitSpend, limits.Spend, usage.Spend},
		{kernelerrors.LimitSpawns, limits.Spawns, usage.Spawns},
		{kernelerrors.LimitDuration, limits.DurationSeconds, usage.DurationSeconds},
	}
	for _, c := range checks {
		if c.threshold > 0 && c.observed >= c.threshold {
			return &kernelerrors.LimitExceeded{Code: c.code, Threshold: c.threshold, Observed: c.observed}
		}
	}
	return nil
}

// ResolveChildLimits computes a child thread's limits from its parent's,
// clamping every threshold to be no more permissive than the parent's
// (resolved(T.limits[k]) ≤ P.limits[k]) and decrementing Depth by one.
func ResolveChildLimits(parent, declared Limits) Limits {
	return Limits{
		Turns:           clampLimit(parent.Turns, declared.Turns),
		Tokens:          clampLimit(parent.Tokens, declared.Tokens),
		Spend:           clampLimit(parent.Spend, declared.Spend),
		Spawns:          clampLimit(parent.Spawns, declared.Spawns),
		DurationSeconds: clampLimit(parent.DurationSeconds, declared.DurationSeconds),
		Depth:           parent.Depth - 1,
	}
}

// clampLimit returns the narrower (smaller, more restrictive) of
// parent and declared; zero means "unset" and is treated as no
// constraint from that side, so the other side's value wins.
func clampLimit(parent, declared float64) float64 {
	switch {
	case parent <= 0:
		return declared
	case declared <= 0:
		return parent
	case declared < parent:
		return declared
	default:
		return parent
	}
}
