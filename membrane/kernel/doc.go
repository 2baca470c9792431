// Package kernel computes, once per intercepted call, how strongly the
// membrane should enforce safety.
//
// # Overview
//
// The kernel aggregates 56 independent risk signals into one saturating
// integer score in parts-per-million and compares it against two
// thresholds to pick a validation profile and an enforcement action.
// Raw counters are updated by ObserveFast on every call; severities
// (0..3 per signal) are refreshed only at resample cadence, so Decide
// reads cached atomics and never recomputes statistics inline.
//
// # Hot-path contract
//
// Decide and ObserveFast perform no heap allocation, no floating-point
// arithmetic, and no unbounded iteration. The only lock in the package
// sits behind the cadence guard: every 128th decision attempts a
// try-lock resample, every 512th additionally recomputes the thresholds
// themselves. A contended try-lock skips the cycle rather than block.
//
// # Degradation
//
// A severity read outside its 0..3 domain is treated as corrupted
// state: the decision degrades to maximum risk and the most
// conservative profile. Decide never fails and never panics.
package kernel
