// Package validate classifies pointer accesses against the allocation
// table without mutating it.
//
// # Overview
//
// The validator is a pure decision function: given an address, the
// generation the caller believes it holds, an access length, and the
// kind of operation being attempted, it produces exactly one Verdict.
// Every non-Valid verdict names the specific violation class so that
// downstream enforcement can pick a matching corrective action.
//
// Classification runs in bounded time independent of table size; the
// underlying lookups are hash and binary-search based, never scans.
package validate
