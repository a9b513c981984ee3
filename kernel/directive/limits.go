package directive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leolilley/ryeos-kernel/kernel/safety"
)

// limitKeys are the only recognized keys across defaults, a directive's
// own limits, and caller overrides.
var limitKeys = map[string]bool{
	"turns":            true,
	"tokens":           true,
	"spend":            true,
	"spawns":           true,
	"duration_seconds": true,
	"depth":            true,
}

// validateLimitKeys reports an error naming the first unrecognized key
// and the full valid set, matching _resolve_limits' ValueError.
func validateLimitKeys(m map[string]float64) error {
	for k := range m {
		if !limitKeys[k] {
			valid := make([]string, 0, len(limitKeys))
			for v := range limitKeys {
				valid = append(valid, v)
			}
			sort.Strings(valid)
			return fmt.Errorf("directive: unknown limit %q, valid keys are: %s", k, strings.Join(valid, ", "))
		}
	}
	return nil
}

// ResolveLimits merges defaults, then a directive's own declared limits,
// then caller overrides (later layers win), validating every key along
// the way, then clamps the result against parent's limits via
// safety.ResolveChildLimits. Grounded on _resolve_limits: the
// defaults<-directive<-overrides pre-merge is new composition here, but
// the actual parent-clamp (min of parent/declared per field, plus
// depth-1) is delegated rather than reimplemented, since
// safety.ResolveChildLimits already performs it.
func ResolveLimits(defaults, directiveLimits, overrides map[string]float64, parent *safety.Limits) (safety.Limits, error) {
	for _, m := range []map[string]float64{defaults, directiveLimits, overrides} {
		if err := validateLimitKeys(m); err != nil {
			return safety.Limits{}, err
		}
	}

	merged := map[string]float64{}
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range directiveLimits {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	declared := safety.Limits{
		Turns:           merged["turns"],
		Tokens:          merged["tokens"],
		Spend:           merged["spend"],
		Spawns:          merged["spawns"],
		DurationSeconds: merged["duration_seconds"],
		Depth:           merged["depth"],
	}
	if declared.Depth == 0 {
		declared.Depth = 10
	}

	if parent == nil {
		return declared, nil
	}
	return safety.ResolveChildLimits(*parent, declared), nil
}
