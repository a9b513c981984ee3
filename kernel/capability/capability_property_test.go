package capability_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/leolilley/ryeos-kernel/kernel/capability"
)

// genSegment produces one dotted-path segment: a short lowercase token or
// the wildcard "*".
func genSegment() gopter.Gen {
	return gen.OneGenOf(
		gen.OneConstOf("*"),
		gen.RegexMatch(`[a-z]{1,6}`),
	)
}

func genCap() gopter.Gen {
	return gen.SliceOfN(4, genSegment()).Map(func(segs []string) string {
		out := segs[0]
		for _, s := range segs[1:] {
			out += "." + s
		}
		return out
	})
}

func genCapSet(n int) gopter.Gen {
	return gen.SliceOfN(n, genCap())
}

// TestNoEscalation is the property: for every attenuated
// capability set, every capability in expand(child.caps) must match some
// capability in expand(parent.caps). Attenuation can only narrow, never
// widen, the effective capability set.
func TestNoEscalation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("attenuated caps never escalate beyond the parent's expanded set", prop.ForAll(
		func(parentCaps, declaredCaps []string) bool {
			attenuated := capability.Attenuate(parentCaps, declaredCaps)
			expandedParent := capability.Expand(parentCaps)
			expandedChild := capability.Expand(attenuated)
			for _, c := range expandedChild {
				matched := false
				for _, p := range expandedParent {
					if capability.Match(p, c) {
						matched = true
						break
					}
				}
				if !matched {
					return false
				}
			}
			return true
		},
		genCapSet(3),
		genCapSet(3),
	))

	properties.TestingRun(t)
}

// TestScenario1PermissionAttenuation reproduces the canonical attenuation scenario: a
// parent holding a narrow filesystem-execute capability attenuates a
// child declaring a broad execute wildcard down to the parent's actual
// grant, and a net.fetch call is correctly denied.
func TestScenario1PermissionAttenuation(t *testing.T) {
	parentCaps := []string{"rye.execute.tool.fs.*"}
	declared := []string{"rye.execute.*"}

	effective := capability.Attenuate(parentCaps, declared)
	if len(effective) != 1 || effective[0] != "rye.execute.tool.fs.*" {
		t.Fatalf("expected effective caps [rye.execute.tool.fs.*], got %v", effective)
	}

	required := "rye.execute.tool.net.fetch"
	if capability.CheckAll(effective, []string{required}) {
		t.Fatalf("expected %q to be denied for effective caps %v", required, effective)
	}

	allowed := "rye.execute.tool.fs.read"
	if !capability.CheckAll(effective, []string{allowed}) {
		t.Fatalf("expected %q to be allowed under %v", allowed, effective)
	}
}
