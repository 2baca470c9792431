// Package membrane wires the allocation arena, pointer validator,
// healing engine, decision kernel and fragmentation monitor into one
// per-call enforcement sequence.
//
// # Overview
//
// A Membrane is constructed once per process with a fixed safety level
// and owns every collaborator explicitly; there is no package-global
// state. Each intercepted operation runs the same sequence: decide the
// enforcement posture, validate the pointer, then either report
// (strict) or heal (hardened) any violation, mutate the arena, and emit
// exactly one structured log record.
//
// # Modes
//
// Strict mode proves detection without altering behavior: violations
// are classified and flagged, but the call proceeds the way the
// underlying library faithfully would. Hardened mode guarantees the
// call returns normally: out-of-bounds lengths are clamped or
// truncated, and temporal violations are rejected with a deterministic
// errno instead of corrupting state.
package membrane
