package videosend

import (
	"net"
	"strings"

	"streamtablet/internal/types"
)

// burstPlan is the (burst size, inter-burst delay) a pacing policy resolves
// to for a given frame size; a zero burst means the frame is sent unpaced.
type burstPlan struct {
	burst    int
	delayUs  int
}

// planFor resolves the pacing policy and frame size/keyframe-ness into a
// burst plan.
func planFor(policy types.PacingPolicy, frameSize int, isKeyframe bool) burstPlan {
	switch policy {
	case types.PacingNone:
		return burstPlan{0, 0}
	case types.PacingLight:
		if frameSize > 50000 {
			return burstPlan{20, 50}
		}
		return burstPlan{0, 0}
	case types.PacingAggressive:
		if frameSize > 2400 {
			return burstPlan{4, 200}
		}
		return burstPlan{0, 0}
	case types.PacingKeyframeOnly:
		if !isKeyframe {
			return burstPlan{0, 0}
		}
		switch {
		case frameSize <= 100_000:
			return burstPlan{0, 0}
		case frameSize <= 300_000:
			return burstPlan{6, 150}
		case frameSize <= 500_000:
			return burstPlan{4, 200}
		default:
			return burstPlan{2, 300}
		}
	default:
		return burstPlan{0, 0}
	}
}

// resolveAuto maps a receiver IP to a concrete policy: 10.0.0.0/8 and the
// 192.168.42.x / 192.168.43.x tethering subnets are paced aggressively;
// everything else, including other 192.168.x.x and 172.16-31.x.x
// addresses, gets the lighter touch.
func resolveAuto(ip net.IP) types.PacingPolicy {
	s := ip.String()
	if strings.HasPrefix(s, "10.") || strings.HasPrefix(s, "192.168.42.") || strings.HasPrefix(s, "192.168.43.") {
		return types.PacingAggressive
	}
	return types.PacingLight
}
