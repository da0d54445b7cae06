package videosend

import (
	"net"
	"testing"

	"streamtablet/internal/types"
)

func TestResolveAutoPrefersAggressiveFor10AndTetheringSubnets(t *testing.T) {
	cases := map[string]types.PacingPolicy{
		"10.1.2.3":        types.PacingAggressive,
		"192.168.42.5":    types.PacingAggressive,
		"192.168.43.200":  types.PacingAggressive,
		"203.0.113.9":     types.PacingLight,
		"192.168.1.50":    types.PacingLight,
	}
	for ip, want := range cases {
		if got := resolveAuto(net.ParseIP(ip)); got != want {
			t.Errorf("resolveAuto(%s) = %v, want %v", ip, got, want)
		}
	}
}

func TestPlanForKeyframeOnlyTiers(t *testing.T) {
	cases := []struct {
		size  int
		burst int
	}{
		{50_000, 0},
		{150_000, 6},
		{400_000, 4},
		{900_000, 2},
	}
	for _, c := range cases {
		plan := planFor(types.PacingKeyframeOnly, c.size, true)
		if plan.burst != c.burst {
			t.Errorf("planFor(keyframe, size=%d) burst = %d, want %d", c.size, plan.burst, c.burst)
		}
	}
	// non-keyframe frames are never paced under Keyframe-only
	if plan := planFor(types.PacingKeyframeOnly, 900_000, false); plan.burst != 0 {
		t.Errorf("expected no pacing for non-keyframe under PacingKeyframeOnly, got %+v", plan)
	}
}

func TestPlanForNoneIsAlwaysUnpaced(t *testing.T) {
	if plan := planFor(types.PacingNone, 10_000_000, true); plan.burst != 0 {
		t.Errorf("PacingNone must never pace, got %+v", plan)
	}
}
