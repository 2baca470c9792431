// Package safety defines the membrane's process-wide operating mode.
//
// The mode is fixed at initialization and never changes at runtime. The
// decision kernel modulates enforcement strength within a mode; it does not
// switch modes.
package safety

import (
	"os"
	"strings"
)

// EnvVar is the environment variable consulted by LevelFromEnv.
const EnvVar = "MEMBRANE_MODE"

// Level is the enforced safety mode.
type Level uint8

const (
	// Hardened validates every operation and applies deterministic healing
	// for invalid or unsafe patterns. Calls always return to the caller.
	// This is the default when no mode is configured.
	Hardened Level = iota
	// Strict validates and reports but performs the requested operation
	// faithfully, including genuine faults on genuine violations. Used to
	// measure detection coverage without altering behavior.
	Strict
)

// ParseLevel parses a mode string, case-insensitive. Unrecognized values
// resolve to Hardened, the more conservative mode.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "abi", "report":
		return Strict
	case "hardened", "repair", "heal", "full":
		return Hardened
	default:
		return Hardened
	}
}

// LevelFromEnv reads the mode from MEMBRANE_MODE. Absence defaults to
// Hardened.
func LevelFromEnv() Level {
	return ParseLevel(os.Getenv(EnvVar))
}

// HealsEnabled reports whether corrective actions may replace unsafe
// operations in this mode.
func (l Level) HealsEnabled() bool { return l == Hardened }

func (l Level) String() string {
	if l == Strict {
		return "strict"
	}
	return "hardened"
}
