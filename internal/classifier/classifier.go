package classifier

import "strings"

// Package classifier assigns a vehicle subsystem to free-text complaints by
// keyword scoring. Deliberately simple: deterministic, offline, and cheap
// enough to run on every complaint intake.

// Unknown is returned when no subsystem keyword matches.
const Unknown = "unknown"

// subsystemKeywords holds one keyword set per subsystem. Slice order is the
// tie-break order: on equal scores the earlier subsystem wins, so the order
// must stay stable across releases.
var subsystemKeywords = []struct {
	subsystem string
	keywords  []string
}{
	{"battery", []string{
		"battery", "bms", "cell", "pack", "range", "soc", "state of charge",
		"voltage sag", "swelling", "capacity",
	}},
	{"motor", []string{
		"motor", "hub", "stator", "rotor", "torque", "acceleration",
		"jerk", "stutter", "whine", "cogging",
	}},
	{"controller", []string{
		"controller", "ecu", "vcu", "mosfet", "throttle", "regen",
		"firmware", "cutoff", "error code",
	}},
	{"electrical", []string{
		"wiring", "harness", "fuse", "relay", "short circuit", "connector",
		"headlight", "horn", "indicator", "display", "instrument cluster",
	}},
	{"charging", []string{
		"charger", "charging", "charge port", "obc", "plug", "socket",
		"fast charge", "slow charge", "trickle",
	}},
	{"brakes", []string{
		"brake", "braking", "disc", "pad", "caliper", "abs", "lever",
	}},
	{"suspension", []string{
		"suspension", "shock", "fork", "damper", "wobble", "vibration",
	}},
	{"thermal", []string{
		"overheat", "overheating", "cooling", "coolant", "fan", "thermal",
		"temperature", "hot",
	}},
}

// Classify returns the subsystem whose keyword set scores highest in the
// lower-cased text. Each keyword occurrence counts once. Ties go to the
// first subsystem reaching the maximum; zero matches returns Unknown.
func Classify(text string) string {
	lower := strings.ToLower(text)

	best := Unknown
	bestScore := 0
	for _, entry := range subsystemKeywords {
		score := 0
		for _, kw := range entry.keywords {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			best = entry.subsystem
			bestScore = score
		}
	}
	return best
}

// Subsystems returns the recognized subsystem names in tie-break order.
func Subsystems() []string {
	names := make([]string, len(subsystemKeywords))
	for i, entry := range subsystemKeywords {
		names[i] = entry.subsystem
	}
	return names
}
