package kernel

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/membrane/membrane/safety"
	"github.com/joshuapare/membrane/membrane/validate"
)

// Profile selects how much validation work the controller performs.
type Profile uint8

const (
	ProfileFast Profile = iota
	ProfileFull
)

func (p Profile) String() string {
	if p == ProfileFull {
		return "full"
	}
	return "fast"
}

// Action is the enforcement posture the kernel recommends for one call.
type Action uint8

const (
	// Allow performs the call with fast-path validation only.
	Allow Action = iota
	// FullValidate forces the complete validation sequence.
	FullValidate
	// Repair additionally authorizes corrective substitution on violation.
	Repair
	// Deny is the degraded posture: full validation, and any violation
	// is rejected outright rather than repaired.
	Deny
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case FullValidate:
		return "full_validate"
	case Repair:
		return "repair"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Decision is the call-scoped output of Decide. It is never retained
// across calls.
type Decision struct {
	Profile  Profile
	Action   Action
	RiskPPM  uint32
	PolicyID uint32
	Degraded bool
}

// Family is the intercepted call family an event belongs to. Families
// index the call-volume signal block.
type Family uint8

const (
	FamilyAlloc Family = iota
	FamilyFree
	FamilyRead
	FamilyWrite
	FamilyRealloc
	FamilyStub
	FamilyRawSyscall
	FamilyCallThrough

	numFamilies = int(iota)
)

// Event describes one completed intercepted call for ObserveFast. All
// fields are plain values; observing never allocates.
type Event struct {
	Family    Family
	Verdict   validate.Verdict
	SymbolID  uint32
	Addr      uintptr
	Size      uint64
	LatencyNs uint64
	Healed    bool
	Clamped   bool
	Rejected  bool
	StaleGen  bool
}

const (
	MaxRiskPPM = 1_000_000

	defaultResampleEvery = 128
	defaultRedesignEvery = 512

	defaultFullTriggerPPM   = 350_000
	defaultRepairTriggerPPM = 650_000
	fullTriggerFloorPPM     = 100_000
	repairTriggerFloorPPM   = 300_000
	tightenStepPPM          = 50_000
	relaxStepPPM            = 25_000

	fastPathBudgetNs = 1_000
	fullPathBudgetNs = 10_000
	latencySpikeNs   = 1_000_000
	jitterBandNs     = 50_000
)

// SnapshotSchemaVersion versions the Snapshot layout for downstream
// tooling that persists it.
const SnapshotSchemaVersion uint32 = 1

// Config tunes the cadence gates. Zero values take the defaults.
type Config struct {
	ResampleEvery uint64
	RedesignEvery uint64
}

func (c Config) withDefaults() Config {
	if c.ResampleEvery == 0 {
		c.ResampleEvery = defaultResampleEvery
	}
	if c.RedesignEvery == 0 {
		c.RedesignEvery = defaultRedesignEvery
	}
	if c.RedesignEvery%c.ResampleEvery != 0 {
		c.RedesignEvery = c.ResampleEvery * 4
	}
	return c
}

// Kernel holds the process-wide decision state. Construct exactly one
// per membrane instance and share it by reference; there are no package
// globals.
type Kernel struct {
	cfg Config

	raw      [NumSignals]atomic.Uint64
	severity [NumSignals]atomic.Uint32

	calls atomic.Uint64

	// gateMu is the only lock in the package. It is taken with TryLock
	// behind the cadence guard and never on the per-call path.
	gateMu          sync.Mutex
	last            [NumSignals]uint64
	lastResampleSeq uint64
	lastRedesignSeq uint64
	stallStreak     uint64

	fullTrigger   atomic.Uint32
	repairTrigger atomic.Uint32
	policyID      atomic.Uint32

	resamples atomic.Uint64
	redesigns atomic.Uint64

	// Cross-call observation scratch, all relaxed atomics.
	lastAddr     atomic.Uintptr
	lastSymbol   atomic.Uint32
	lastLatency  atomic.Uint64
	violationRun atomic.Uint32
	slowRun      atomic.Uint32
	symMask      atomic.Uint64
	addrMask     atomic.Uint64
}

// New constructs a kernel with default thresholds.
func New(cfg Config) *Kernel {
	k := &Kernel{cfg: cfg.withDefaults()}
	k.fullTrigger.Store(defaultFullTriggerPPM)
	k.repairTrigger.Store(defaultRepairTriggerPPM)
	return k
}

// Decide computes the enforcement posture for the next call. It cannot
// fail: corrupted severity state degrades to the most conservative
// posture, never to a panic.
func (k *Kernel) Decide(mode safety.Level) Decision {
	seq := k.calls.Add(1)
	if seq%k.cfg.ResampleEvery == 0 {
		k.maybeResample(seq)
	}

	var risk uint32
	degraded := false
	for i := 0; i < NumSignals; i++ {
		sev := k.severity[i].Load()
		if sev > maxSeverity {
			degraded = true
			break
		}
		risk = satAdd(risk, signalSpecs[i].bonus[sev])
	}

	if degraded {
		risk = MaxRiskPPM
		k.raw[SigDegradedDecision].Add(1)
	} else if risk >= MaxRiskPPM {
		risk = MaxRiskPPM
		k.raw[SigSaturatedScore].Add(1)
	}

	d := Decision{
		RiskPPM:  risk,
		PolicyID: k.policyID.Load(),
		Degraded: degraded,
	}
	if degraded {
		d.Profile = ProfileFull
		if mode == safety.Hardened {
			d.Action = Deny
		} else {
			d.Action = FullValidate
		}
		return d
	}

	if risk >= k.fullTrigger.Load() {
		d.Profile = ProfileFull
		d.Action = FullValidate
	}
	if risk >= k.repairTrigger.Load() {
		d.Profile = ProfileFull
		if mode == safety.Hardened {
			d.Action = Repair
		} else {
			d.Action = FullValidate
		}
	}
	return d
}

func satAdd(a, b uint32) uint32 {
	s := a + b
	if s < a || s > MaxRiskPPM {
		return MaxRiskPPM
	}
	return s
}

// ObserveFast folds one completed call into the raw counters. Called
// unconditionally on every intercepted call regardless of mode.
func (k *Kernel) ObserveFast(ev Event) {
	if int(ev.Family) < numFamilies {
		k.raw[int(SigAllocCalls)+int(ev.Family)].Add(1)
	}

	violation := ev.Verdict.Violation()
	switch ev.Verdict {
	case validate.UseAfterFree:
		k.raw[SigUseAfterFree].Add(1)
	case validate.DoubleFree:
		k.raw[SigDoubleFree].Add(1)
	case validate.OutOfBounds:
		k.raw[SigOutOfBounds].Add(1)
	case validate.ForeignPointer:
		k.raw[SigForeignPointer].Add(1)
	case validate.SizeMismatch:
		k.raw[SigSizeMismatch].Add(1)
	}
	if violation {
		if k.violationRun.Add(1) >= 2 {
			k.raw[SigViolationRun].Add(1)
		}
	} else {
		k.violationRun.Store(0)
	}
	if ev.StaleGen {
		k.raw[SigStaleGeneration].Add(1)
	}

	if ev.Healed {
		k.raw[SigHealApplied].Add(1)
	}
	if ev.Clamped {
		k.raw[SigClampApplied].Add(1)
	}
	if ev.Rejected {
		k.raw[SigRejectApplied].Add(1)
	}

	if ev.Family == FamilyAlloc || ev.Family == FamilyRealloc {
		k.observeSize(ev.Size)
	}
	k.observeLatency(ev.LatencyNs)
	k.observeSite(ev.SymbolID, ev.Addr)
}

func (k *Kernel) observeSize(size uint64) {
	switch {
	case size == 0:
		k.raw[SigZeroSizeRequest].Add(1)
	case size <= 16:
		k.raw[SigTinyRequest].Add(1)
	case size <= 256:
		k.raw[SigSmallRequest].Add(1)
	case size <= 4096:
		k.raw[SigMediumRequest].Add(1)
	case size <= 1<<20:
		k.raw[SigLargeRequest].Add(1)
	default:
		k.raw[SigHugeRequest].Add(1)
	}
	if size > 1<<32 {
		k.raw[SigOversizeRequest].Add(1)
	}
	if size&7 != 0 {
		k.raw[SigUnalignedRequest].Add(1)
	}
}

func (k *Kernel) observeLatency(ns uint64) {
	if ns > fastPathBudgetNs {
		k.raw[SigFastBudgetMiss].Add(1)
	}
	if ns > fullPathBudgetNs {
		k.raw[SigFullBudgetMiss].Add(1)
		if k.slowRun.Add(1) >= 2 {
			k.raw[SigSlowCallRun].Add(1)
		}
	} else {
		k.slowRun.Store(0)
	}
	if ns > latencySpikeNs {
		k.raw[SigLatencySpike].Add(1)
	}
	prev := k.lastLatency.Swap(ns)
	if diff := absDiff(ns, prev); diff > jitterBandNs {
		k.raw[SigTimingJitter].Add(1)
	}
}

func (k *Kernel) observeSite(symbolID uint32, addr uintptr) {
	prevAddr := k.lastAddr.Swap(addr)
	if addr != 0 && addr == prevAddr {
		k.raw[SigRepeatAddress].Add(1)
	} else if addr != prevAddr {
		k.raw[SigTraceChurn].Add(1)
	}

	prevSym := k.lastSymbol.Swap(symbolID)
	if symbolID != prevSym {
		k.raw[SigSymbolChurn].Add(1)
	}

	symBit := uint64(1) << (symbolID % 64)
	if k.symMask.Or(symBit)&symBit == 0 {
		k.raw[SigNewSymbol].Add(1)
	}
	addrBit := uint64(1) << ((uint64(addr) >> 12) % 64)
	k.addrMask.Or(addrBit)
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// DecideObserve composes Decide with an observation of the previous
// call's event; used on the most latency-sensitive entry path.
func (k *Kernel) DecideObserve(mode safety.Level, ev Event) Decision {
	k.ObserveFast(ev)
	return k.Decide(mode)
}

// maybeResample runs the cadence-gated slow work: recompute severities
// from the raw counters and, on the redesign cadence, the thresholds
// themselves. Contention skips the cycle entirely.
func (k *Kernel) maybeResample(seq uint64) {
	redesignDue := seq%k.cfg.RedesignEvery == 0
	if !k.gateMu.TryLock() {
		k.raw[SigResampleSkip].Add(1)
		if redesignDue {
			k.raw[SigRedesignSkip].Add(1)
		}
		return
	}
	defer k.gateMu.Unlock()

	var cur, window [NumSignals]uint64
	for i := 0; i < NumSignals; i++ {
		cur[i] = k.raw[i].Load()
		if signalSpecs[i].gauge {
			window[i] = cur[i]
		} else {
			window[i] = cur[i] - k.last[i]
		}
	}

	k.deriveGauges(seq, &cur, &window)
	if redesignDue {
		k.redesignLocked(seq, &window)
		// Threshold drift is itself a gauge; refresh its window value
		// after the redesign wrote it.
		cur[SigThresholdDrift] = k.raw[SigThresholdDrift].Load()
		window[SigThresholdDrift] = cur[SigThresholdDrift]
	}

	for i := 0; i < NumSignals; i++ {
		k.severity[i].Store(severityFor(&signalSpecs[i], window[i]))
		k.last[i] = cur[i]
	}
	k.lastResampleSeq = seq
	k.resamples.Add(1)
}

// deriveGauges computes the signals that are functions of other
// counters' window deltas rather than direct observations.
func (k *Kernel) deriveGauges(seq uint64, cur, window *[NumSignals]uint64) {
	allocs := window[SigAllocCalls]
	frees := window[SigFreeCalls]
	burst := seq - k.lastResampleSeq

	var imbalance uint64
	if frees > allocs {
		imbalance = frees - allocs
	}
	k.setDerived(SigFreeImbalance, imbalance, cur, window)
	k.setDerived(SigChurnRate, allocs+frees, cur, window)
	k.setDerived(SigBurstRate, burst, cur, window)

	symDiv := uint64(bits.OnesCount64(k.symMask.Swap(0)))
	addrDiv := uint64(bits.OnesCount64(k.addrMask.Swap(0)))
	k.setDerived(SigSymbolDiversity, symDiv, cur, window)
	k.setDerived(SigAddrDiversity, addrDiv, cur, window)

	var skew uint64
	if burst >= 64 {
		switch {
		case symDiv <= 2:
			skew = 3
		case symDiv <= 4:
			skew = 2
		case symDiv <= 8:
			skew = 1
		}
	}
	k.setDerived(SigHotSymbolSkew, skew, cur, window)

	var observed uint64
	for f := 0; f < numFamilies; f++ {
		observed += window[int(SigAllocCalls)+f]
	}
	if burst > 0 && observed == 0 {
		k.stallStreak++
	} else {
		k.stallStreak = 0
	}
	k.setDerived(SigCounterStall, k.stallStreak, cur, window)
}

func (k *Kernel) setDerived(sig Signal, v uint64, cur, window *[NumSignals]uint64) {
	k.raw[sig].Store(v)
	cur[sig] = v
	window[sig] = v
}

// redesignLocked moves both triggers toward or away from their floors
// based on the violation mass of the window. Caller holds gateMu.
func (k *Kernel) redesignLocked(seq uint64, window *[NumSignals]uint64) {
	mass := window[SigUseAfterFree] + window[SigDoubleFree] + window[SigOutOfBounds] +
		window[SigForeignPointer] + window[SigSizeMismatch] + window[SigStaleGeneration]
	calls := seq - k.lastRedesignSeq
	k.lastRedesignSeq = seq

	oldFull := k.fullTrigger.Load()
	oldRepair := k.repairTrigger.Load()
	newFull, newRepair := oldFull, oldRepair

	if mass*8 >= calls && mass > 0 {
		newFull = tighten(oldFull, fullTriggerFloorPPM)
		newRepair = tighten(oldRepair, repairTriggerFloorPPM)
	} else {
		newFull = relax(oldFull, defaultFullTriggerPPM)
		newRepair = relax(oldRepair, defaultRepairTriggerPPM)
	}

	k.fullTrigger.Store(newFull)
	k.repairTrigger.Store(newRepair)
	k.policyID.Add(1)
	k.redesigns.Add(1)

	drift := uint64(absDiff32(newFull, oldFull)) + uint64(absDiff32(newRepair, oldRepair))
	k.raw[SigThresholdDrift].Store(drift)
}

func tighten(v, floor uint32) uint32 {
	if v <= floor+tightenStepPPM {
		return floor
	}
	return v - tightenStepPPM
}

func relax(v, ceil uint32) uint32 {
	if v+relaxStepPPM >= ceil {
		return ceil
	}
	return v + relaxStepPPM
}

func absDiff32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// SetGauge publishes an externally computed gauge value. Valid only for
// gauge signals; counters are owned by ObserveFast.
func (k *Kernel) SetGauge(sig Signal, v uint64) {
	if int(sig) < NumSignals && signalSpecs[sig].gauge {
		k.raw[sig].Store(v)
	}
}

// Snapshot is a point-in-time export of kernel state for tooling. The
// counters are read individually with no cross-counter atomicity.
type Snapshot struct {
	SchemaVersion    uint32
	CallsSeen        uint64
	FullTriggerPPM   uint32
	RepairTriggerPPM uint32
	PolicyID         uint32
	Resamples        uint64
	Redesigns        uint64
	Severities       [NumSignals]uint8
	Raw              [NumSignals]uint64
}

// Snapshot exports current state. Not a hot-path operation.
func (k *Kernel) Snapshot() Snapshot {
	s := Snapshot{
		SchemaVersion:    SnapshotSchemaVersion,
		CallsSeen:        k.calls.Load(),
		FullTriggerPPM:   k.fullTrigger.Load(),
		RepairTriggerPPM: k.repairTrigger.Load(),
		PolicyID:         k.policyID.Load(),
		Resamples:        k.resamples.Load(),
		Redesigns:        k.redesigns.Load(),
	}
	for i := 0; i < NumSignals; i++ {
		s.Severities[i] = uint8(k.severity[i].Load())
		s.Raw[i] = k.raw[i].Load()
	}
	return s
}
