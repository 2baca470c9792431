// Package heal converts violation verdicts into bounded corrective
// actions.
//
// # Overview
//
// The engine owns a total mapping from verdict class to exactly one
// action: an out-of-bounds write has its length clamped to the record's
// remaining bytes, an out-of-bounds read is truncated, and temporal or
// identity violations (use after free, double free, foreign pointer,
// size mismatch) reject the call with a fixed errno. There is no
// fall-through: an action that cannot be applied safely degrades to
// RejectCall, never to a pass-through.
//
// Every applied action is appended to a preallocated audit ring before
// it takes effect. The append path performs no heap allocation.
package heal
