// Package arena tracks every live allocation the membrane has handed out,
// keyed by a forgery-resistant identity: address plus generation.
//
// # Overview
//
// The arena is the single source of truth for what is currently allocated.
// Each allocation occupies a slot {address, size, generation, state} in a
// sharded table. Generations come from one process-wide counter that every
// allocate and free advances, so a pointer captured before a free can never
// be mistaken for a later allocation at the same address.
//
// # Quarantine
//
// Freeing does not make an address reusable. The slot transitions
// Live -> Quarantined and enters a bounded FIFO. Only when the queue
// exceeds its byte or entry budget is the oldest entry drained
// (Quarantined -> Freed) and its address region released for reuse. This
// delay is what gives use-after-free and double-free detection their teeth:
// a stale pointer keeps resolving to a dead slot instead of a fresh one.
//
// # Sharding
//
// The table is split into 16 shards selected by page bits of the address.
// Allocate and Free on unrelated addresses never contend; Lookup and
// RemainingFrom are safe to call concurrently with mutations on other
// addresses, and safe to call with arbitrary (foreign, stale, interior)
// addresses.
package arena
