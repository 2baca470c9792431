package kernel

// Signal identifies one risk input. Signals are fixed at compile time;
// the decision loop iterates exactly NumSignals entries.
type Signal uint8

const (
	// Violation outcomes observed on completed calls.
	SigUseAfterFree Signal = iota
	SigDoubleFree
	SigOutOfBounds
	SigForeignPointer
	SigSizeMismatch
	SigHealApplied
	SigRejectApplied
	SigClampApplied

	// Call volume per intercepted family.
	SigAllocCalls
	SigFreeCalls
	SigReadCalls
	SigWriteCalls
	SigReallocCalls
	SigStubCalls
	SigRawSyscallCalls
	SigCallThroughCalls

	// Request-size shape.
	SigZeroSizeRequest
	SigTinyRequest
	SigSmallRequest
	SigMediumRequest
	SigLargeRequest
	SigHugeRequest
	SigOversizeRequest
	SigUnalignedRequest

	// Allocator health gauges, published by the fragmentation monitor.
	SigFragRatio
	SigReusableBytes
	SigQuarantineDepth
	SigQuarantineBytes
	SigDrainRate
	SigReuseRate
	SigPeakResident
	SigCursorGrowth

	// Call latency.
	SigFastBudgetMiss
	SigFullBudgetMiss
	SigTailLatency
	SigSlowCallRun
	SigLatencySpike
	SigTimingJitter

	// Temporal access patterns.
	SigRepeatAddress
	SigStaleGeneration
	SigFreeImbalance
	SigChurnRate
	SigBurstRate
	SigViolationRun

	// Call-site diversity.
	SigSymbolDiversity
	SigAddrDiversity
	SigSymbolChurn
	SigHotSymbolSkew
	SigNewSymbol
	SigTraceChurn

	// Kernel self-observation.
	SigResampleSkip
	SigRedesignSkip
	SigSaturatedScore
	SigDegradedDecision
	SigThresholdDrift
	SigCounterStall

	NumSignals = int(iota)
)

const maxSeverity = 3

// signalSpec fixes, per signal, the resample cuts that map a window
// delta (or gauge value) to a severity, and the ppm bonus each severity
// contributes to the risk score.
type signalSpec struct {
	name string
	// cuts are the window thresholds for severity 1, 2 and 3.
	cuts [maxSeverity]uint64
	// bonus maps severity 0..3 to a ppm contribution.
	bonus [4]uint32
	// gauge signals carry a current value rather than a cumulative count;
	// their resample input is the value itself, not a window delta.
	gauge bool
}

var signalSpecs = [NumSignals]signalSpec{
	SigUseAfterFree:   {name: "use_after_free", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 120_000, 250_000, 400_000}},
	SigDoubleFree:     {name: "double_free", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 120_000, 250_000, 400_000}},
	SigOutOfBounds:    {name: "out_of_bounds", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 100_000, 200_000, 350_000}},
	SigForeignPointer: {name: "foreign_pointer", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 80_000, 160_000, 300_000}},
	SigSizeMismatch:   {name: "size_mismatch", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 60_000, 150_000, 250_000}},
	SigHealApplied:    {name: "heal_applied", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 40_000, 100_000, 200_000}},
	SigRejectApplied:  {name: "reject_applied", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 50_000, 120_000, 220_000}},
	SigClampApplied:   {name: "clamp_applied", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 30_000, 80_000, 150_000}},

	SigAllocCalls:       {name: "alloc_calls", cuts: [3]uint64{64, 96, 120}, bonus: [4]uint32{0, 1_000, 3_000, 8_000}},
	SigFreeCalls:        {name: "free_calls", cuts: [3]uint64{64, 96, 120}, bonus: [4]uint32{0, 1_000, 3_000, 8_000}},
	SigReadCalls:        {name: "read_calls", cuts: [3]uint64{64, 96, 120}, bonus: [4]uint32{0, 500, 2_000, 5_000}},
	SigWriteCalls:       {name: "write_calls", cuts: [3]uint64{64, 96, 120}, bonus: [4]uint32{0, 1_000, 3_000, 8_000}},
	SigReallocCalls:     {name: "realloc_calls", cuts: [3]uint64{32, 64, 96}, bonus: [4]uint32{0, 1_000, 4_000, 10_000}},
	SigStubCalls:        {name: "stub_calls", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 5_000, 15_000, 40_000}},
	SigRawSyscallCalls:  {name: "raw_syscall_calls", cuts: [3]uint64{16, 48, 96}, bonus: [4]uint32{0, 1_000, 3_000, 8_000}},
	SigCallThroughCalls: {name: "call_through_calls", cuts: [3]uint64{16, 48, 96}, bonus: [4]uint32{0, 500, 1_500, 4_000}},

	SigZeroSizeRequest:  {name: "zero_size_request", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 5_000, 15_000, 35_000}},
	SigTinyRequest:      {name: "tiny_request", cuts: [3]uint64{32, 64, 112}, bonus: [4]uint32{0, 500, 2_000, 5_000}},
	SigSmallRequest:     {name: "small_request", cuts: [3]uint64{32, 64, 112}, bonus: [4]uint32{0, 0, 1_000, 3_000}},
	SigMediumRequest:    {name: "medium_request", cuts: [3]uint64{32, 64, 112}, bonus: [4]uint32{0, 0, 1_000, 3_000}},
	SigLargeRequest:     {name: "large_request", cuts: [3]uint64{8, 24, 64}, bonus: [4]uint32{0, 2_000, 6_000, 15_000}},
	SigHugeRequest:      {name: "huge_request", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 8_000, 20_000, 50_000}},
	SigOversizeRequest:  {name: "oversize_request", cuts: [3]uint64{1, 2, 8}, bonus: [4]uint32{0, 30_000, 80_000, 180_000}},
	SigUnalignedRequest: {name: "unaligned_request", cuts: [3]uint64{16, 48, 96}, bonus: [4]uint32{0, 500, 2_000, 5_000}},

	SigFragRatio:       {name: "frag_ratio", gauge: true, cuts: [3]uint64{250_000, 500_000, 750_000}, bonus: [4]uint32{0, 10_000, 30_000, 80_000}},
	SigReusableBytes:   {name: "reusable_bytes", gauge: true, cuts: [3]uint64{16 << 20, 48 << 20, 128 << 20}, bonus: [4]uint32{0, 3_000, 10_000, 25_000}},
	SigQuarantineDepth: {name: "quarantine_depth", gauge: true, cuts: [3]uint64{16_384, 40_000, 60_000}, bonus: [4]uint32{0, 5_000, 15_000, 40_000}},
	SigQuarantineBytes: {name: "quarantine_bytes", gauge: true, cuts: [3]uint64{16 << 20, 40 << 20, 60 << 20}, bonus: [4]uint32{0, 5_000, 15_000, 40_000}},
	SigDrainRate:       {name: "drain_rate", gauge: true, cuts: [3]uint64{64, 512, 4_096}, bonus: [4]uint32{0, 3_000, 10_000, 25_000}},
	SigReuseRate:       {name: "reuse_rate", gauge: true, cuts: [3]uint64{64, 512, 4_096}, bonus: [4]uint32{0, 3_000, 10_000, 25_000}},
	SigPeakResident:    {name: "peak_resident", gauge: true, cuts: [3]uint64{256 << 20, 1 << 30, 4 << 30}, bonus: [4]uint32{0, 2_000, 8_000, 20_000}},
	SigCursorGrowth:    {name: "cursor_growth", gauge: true, cuts: [3]uint64{256 << 20, 1 << 30, 8 << 30}, bonus: [4]uint32{0, 2_000, 8_000, 20_000}},

	SigFastBudgetMiss: {name: "fast_budget_miss", cuts: [3]uint64{8, 32, 96}, bonus: [4]uint32{0, 3_000, 10_000, 30_000}},
	SigFullBudgetMiss: {name: "full_budget_miss", cuts: [3]uint64{4, 16, 64}, bonus: [4]uint32{0, 5_000, 15_000, 40_000}},
	SigTailLatency:    {name: "tail_latency", gauge: true, cuts: [3]uint64{10_000, 100_000, 1_000_000}, bonus: [4]uint32{0, 3_000, 10_000, 30_000}},
	SigSlowCallRun:    {name: "slow_call_run", cuts: [3]uint64{4, 16, 64}, bonus: [4]uint32{0, 3_000, 10_000, 25_000}},
	SigLatencySpike:   {name: "latency_spike", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 5_000, 15_000, 40_000}},
	SigTimingJitter:   {name: "timing_jitter", cuts: [3]uint64{16, 48, 96}, bonus: [4]uint32{0, 1_000, 4_000, 10_000}},

	SigRepeatAddress:   {name: "repeat_address", cuts: [3]uint64{32, 64, 112}, bonus: [4]uint32{0, 2_000, 6_000, 15_000}},
	SigStaleGeneration: {name: "stale_generation", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 80_000, 180_000, 320_000}},
	SigFreeImbalance:   {name: "free_imbalance", gauge: true, cuts: [3]uint64{16, 48, 96}, bonus: [4]uint32{0, 10_000, 30_000, 80_000}},
	SigChurnRate:       {name: "churn_rate", gauge: true, cuts: [3]uint64{96, 160, 224}, bonus: [4]uint32{0, 2_000, 6_000, 15_000}},
	SigBurstRate:       {name: "burst_rate", gauge: true, cuts: [3]uint64{112, 192, 240}, bonus: [4]uint32{0, 2_000, 6_000, 15_000}},
	SigViolationRun:    {name: "violation_run", cuts: [3]uint64{2, 6, 16}, bonus: [4]uint32{0, 50_000, 140_000, 280_000}},

	SigSymbolDiversity: {name: "symbol_diversity", gauge: true, cuts: [3]uint64{12, 24, 40}, bonus: [4]uint32{0, 1_000, 4_000, 10_000}},
	SigAddrDiversity:   {name: "addr_diversity", gauge: true, cuts: [3]uint64{16, 32, 52}, bonus: [4]uint32{0, 1_000, 4_000, 10_000}},
	SigSymbolChurn:     {name: "symbol_churn", cuts: [3]uint64{48, 88, 120}, bonus: [4]uint32{0, 1_000, 3_000, 8_000}},
	SigHotSymbolSkew:   {name: "hot_symbol_skew", gauge: true, cuts: [3]uint64{1, 2, 3}, bonus: [4]uint32{0, 2_000, 6_000, 15_000}},
	SigNewSymbol:       {name: "new_symbol", cuts: [3]uint64{4, 12, 32}, bonus: [4]uint32{0, 2_000, 8_000, 20_000}},
	SigTraceChurn:      {name: "trace_churn", cuts: [3]uint64{48, 88, 120}, bonus: [4]uint32{0, 500, 2_000, 5_000}},

	SigResampleSkip:     {name: "resample_skip", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 2_000, 8_000, 20_000}},
	SigRedesignSkip:     {name: "redesign_skip", cuts: [3]uint64{1, 4, 16}, bonus: [4]uint32{0, 2_000, 8_000, 20_000}},
	SigSaturatedScore:   {name: "saturated_score", cuts: [3]uint64{1, 8, 32}, bonus: [4]uint32{0, 10_000, 30_000, 80_000}},
	SigDegradedDecision: {name: "degraded_decision", cuts: [3]uint64{1, 2, 8}, bonus: [4]uint32{0, 50_000, 120_000, 250_000}},
	SigThresholdDrift:   {name: "threshold_drift", gauge: true, cuts: [3]uint64{50_000, 150_000, 300_000}, bonus: [4]uint32{0, 3_000, 10_000, 25_000}},
	SigCounterStall:     {name: "counter_stall", gauge: true, cuts: [3]uint64{1, 2, 4}, bonus: [4]uint32{0, 5_000, 15_000, 40_000}},
}

func (s Signal) String() string {
	if int(s) < NumSignals {
		return signalSpecs[s].name
	}
	return "unknown"
}

// severityFor maps a window value to 0..3 against the signal's cuts.
func severityFor(spec *signalSpec, v uint64) uint32 {
	switch {
	case v >= spec.cuts[2]:
		return 3
	case v >= spec.cuts[1]:
		return 2
	case v >= spec.cuts[0]:
		return 1
	default:
		return 0
	}
}
