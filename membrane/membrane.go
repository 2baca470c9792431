package membrane

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/membrane/internal/config"
	"github.com/joshuapare/membrane/membrane/arena"
	"github.com/joshuapare/membrane/membrane/fragmon"
	"github.com/joshuapare/membrane/membrane/heal"
	"github.com/joshuapare/membrane/membrane/kernel"
	"github.com/joshuapare/membrane/membrane/safety"
	"github.com/joshuapare/membrane/membrane/symbols"
	"github.com/joshuapare/membrane/membrane/validate"
)

// Outcome is the externally visible result class of one intercepted call.
type Outcome uint8

const (
	OutcomeOK Outcome = iota
	// OutcomeViolation is strict mode's detected-but-unaltered result.
	OutcomeViolation
	// OutcomeHealed means the call proceeded with a corrected parameter.
	OutcomeHealed
	// OutcomeRejected means the call was refused with an errno.
	OutcomeRejected
	// OutcomeStub is the deterministic ENOSYS result of a stub symbol.
	OutcomeStub
	// OutcomeError is a resource failure (allocation exhaustion).
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeViolation:
		return "violation"
	case OutcomeHealed:
		return "healed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeStub:
		return "stub"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result carries everything a caller and the log record need about one
// intercepted call.
type Result struct {
	Outcome Outcome
	Verdict validate.Verdict
	Errno   unix.Errno
	// AppliedLen is the length actually used after clamp/truncate
	// healing; equal to the request when untouched.
	AppliedLen uint64
	Action     heal.Action
	RiskPPM    uint32
	Profile    kernel.Profile
}

// Ok reports whether the call completed as requested, unhealed.
func (r Result) Ok() bool { return r.Outcome == OutcomeOK }

// Options configures a Membrane. The zero value is usable: mode from
// the environment, default budgets, a production logger contract left
// to the embedder via Logger.
type Options struct {
	// Mode fixes the safety level. When ModeFromEnv is set it is
	// overridden by MEMBRANE_MODE.
	Mode        safety.Level
	ModeFromEnv bool

	Config config.Config

	// Logger receives the one-record-per-call stream. Nil discards.
	Logger *zap.Logger

	// Symbols overrides the built-in classification matrix.
	Symbols *symbols.Table
}

// Membrane is the per-process mode controller.
type Membrane struct {
	mode    safety.Level
	table   *arena.Arena
	checker *validate.Validator
	healer  *heal.Engine
	kern    *kernel.Kernel
	mon     *fragmon.Monitor
	syms    *symbols.Table
	log     *zap.Logger
}

// New constructs the single membrane instance for a process.
func New(opts Options) *Membrane {
	mode := opts.Mode
	if opts.ModeFromEnv {
		mode = safety.LevelFromEnv()
	}
	syms := opts.Symbols
	if syms == nil {
		syms = symbols.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	table := arena.New(arena.Config{
		QuarantineMaxBytes:   opts.Config.Quarantine.MaxBytes,
		QuarantineMaxEntries: opts.Config.Quarantine.MaxEntries,
	})
	kern := kernel.New(kernel.Config{
		ResampleEvery: opts.Config.Kernel.ResampleEvery,
		RedesignEvery: opts.Config.Kernel.RedesignEvery,
	})
	return &Membrane{
		mode:    mode,
		table:   table,
		checker: validate.New(table),
		healer:  heal.NewEngine(opts.Config.Audit.RingSize),
		kern:    kern,
		mon:     fragmon.New(table, kern, fragmon.Config{}),
		syms:    syms,
		log:     logger,
	}
}

// Mode is the level fixed at construction.
func (m *Membrane) Mode() safety.Level { return m.mode }

// Malloc reserves a tracked region. The only failure is resource
// exhaustion, surfaced as ENOMEM.
func (m *Membrane) Malloc(size uint64) (arena.Handle, Result) {
	start := time.Now()
	d := m.kern.Decide(m.mode)

	h, err := m.table.Allocate(size)
	res := Result{Outcome: OutcomeOK, RiskPPM: d.RiskPPM, Profile: d.Profile}
	if err != nil {
		res.Outcome = OutcomeError
		res.Errno = unix.ENOMEM
	}

	m.finish("malloc", kernel.FamilyAlloc, start, d, res, kernel.Event{
		Size: size,
		Addr: h.Addr,
	})
	return h, res
}

// Free releases a raw address. The caller carries no generation on this
// path; identity violations are classified from the table alone.
func (m *Membrane) Free(addr uintptr) Result {
	return m.freeCommon("free", addr, 0)
}

// FreeSized additionally checks the caller's declared size against the
// record.
func (m *Membrane) FreeSized(addr uintptr, size uint64) Result {
	return m.freeCommon("free_sized", addr, size)
}

func (m *Membrane) freeCommon(sym string, addr uintptr, declared uint64) Result {
	start := time.Now()
	d := m.kern.Decide(m.mode)

	rep := m.checker.Validate(validate.Access{
		Addr:         addr,
		Op:           validate.OpFree,
		DeclaredSize: declared,
	})

	res := m.applyVerdict(sym, d, rep, validate.OpFree, addr, declared)
	if !rep.Verdict.Violation() {
		if err := m.table.Free(addr); err != nil {
			// The record died between validation and mutation; classify
			// as the temporal violation it is.
			res = m.raceOutcome(sym, d, addr, err)
		}
	}

	m.finish(sym, kernel.FamilyFree, start, d, res, kernel.Event{Addr: addr})
	return res
}

// raceOutcome handles a free that validated but lost a race with a
// concurrent free of the same address.
func (m *Membrane) raceOutcome(sym string, d kernel.Decision, addr uintptr, err error) Result {
	rep := validate.Report{Verdict: validate.DoubleFree}
	if errors.Is(err, arena.ErrForeignPointer) {
		rep.Verdict = validate.ForeignPointer
	}
	return m.applyVerdict(sym, d, rep, validate.OpFree, addr, 0)
}

// Read validates a read of length bytes through the handle's identity.
func (m *Membrane) Read(h arena.Handle, length uint64) Result {
	return m.access("read", kernel.FamilyRead, validate.OpRead, h, length)
}

// Write validates a write of length bytes through the handle's identity.
func (m *Membrane) Write(h arena.Handle, length uint64) Result {
	return m.access("write", kernel.FamilyWrite, validate.OpWrite, h, length)
}

func (m *Membrane) access(sym string, fam kernel.Family, op validate.Op, h arena.Handle, length uint64) Result {
	start := time.Now()
	d := m.kern.Decide(m.mode)

	rep := m.checker.Validate(validate.Access{
		Addr:       h.Addr,
		Generation: h.Generation,
		Len:        length,
		Op:         op,
	})
	res := m.applyVerdict(sym, d, rep, op, h.Addr, length)

	m.finish(sym, fam, start, d, res, kernel.Event{
		Addr:     h.Addr,
		Size:     length,
		StaleGen: staleGen(rep, h),
	})
	return res
}

// Realloc resizes by allocate-copy-free. A violation on the old handle
// is healed or reported without touching the table.
func (m *Membrane) Realloc(h arena.Handle, newSize uint64) (arena.Handle, Result) {
	start := time.Now()
	d := m.kern.Decide(m.mode)

	rep := m.checker.Validate(validate.Access{
		Addr:       h.Addr,
		Generation: h.Generation,
		Op:         validate.OpRealloc,
	})
	res := m.applyVerdict("realloc", d, rep, validate.OpRealloc, h.Addr, newSize)

	var out arena.Handle
	if !rep.Verdict.Violation() || res.Outcome == OutcomeViolation {
		// Valid, or strict mode proceeding faithfully on a live record.
		if rep.Verdict.Violation() && rep.Record.State != arena.Live {
			// Even faithful semantics cannot resize a dead record.
			res.Errno = unix.EINVAL
		} else {
			var err error
			out, err = m.table.Allocate(newSize)
			if err != nil {
				res = Result{Outcome: OutcomeError, Errno: unix.ENOMEM, RiskPPM: d.RiskPPM, Profile: d.Profile}
			} else if err := m.table.Free(h.Addr); err != nil {
				// Lost a race on the old record; the new region stands.
				res.Verdict = validate.DoubleFree
			}
		}
	}

	m.finish("realloc", kernel.FamilyRealloc, start, d, res, kernel.Event{
		Addr:     h.Addr,
		Size:     newSize,
		StaleGen: staleGen(rep, h),
	})
	return out, res
}

// Invoke dispatches a symbol outside the allocation fast path purely by
// its matrix classification. Stub symbols return ENOSYS, always.
func (m *Membrane) Invoke(name string) Result {
	start := time.Now()
	d := m.kern.Decide(m.mode)

	res := Result{Outcome: OutcomeOK, RiskPPM: d.RiskPPM, Profile: d.Profile}
	fam := kernel.FamilyCallThrough
	entry, known := m.syms.Lookup(name)
	switch {
	case !known:
		res.Outcome = OutcomeStub
		res.Errno = symbols.StubErrno
		fam = kernel.FamilyStub
	case entry.Class == symbols.Stub:
		res.Outcome = OutcomeStub
		res.Errno = symbols.StubErrno
		fam = kernel.FamilyStub
	case entry.Class == symbols.RawSyscall:
		fam = kernel.FamilyRawSyscall
	}

	m.finish(name, fam, start, d, res, kernel.Event{})
	return res
}

// applyVerdict turns a classification into the mode's result: strict
// reports and proceeds, hardened heals.
func (m *Membrane) applyVerdict(sym string, d kernel.Decision, rep validate.Report, op validate.Op, addr uintptr, length uint64) Result {
	res := Result{
		Outcome:    OutcomeOK,
		Verdict:    rep.Verdict,
		AppliedLen: length,
		RiskPPM:    d.RiskPPM,
		Profile:    d.Profile,
	}
	if !rep.Verdict.Violation() {
		return res
	}

	if m.mode == safety.Strict {
		res.Outcome = OutcomeViolation
		return res
	}

	out := m.healer.Record(rep.Verdict, heal.Context{
		Symbol:     sym,
		Addr:       addr,
		RequestLen: length,
		Remaining:  rep.Remaining,
		Op:         op,
	})
	res.Action = out.Action
	switch out.Action {
	case heal.ClampSize, heal.TruncateRead:
		if d.Action == kernel.Deny {
			// Degraded posture: no corrective substitution, reject.
			res.Outcome = OutcomeRejected
			res.Errno = unix.EFAULT
			res.Action = heal.RejectCall
			return res
		}
		res.Outcome = OutcomeHealed
		res.AppliedLen = out.AppliedLen
	default:
		res.Outcome = OutcomeRejected
		res.Errno = out.Errno
	}
	return res
}

func staleGen(rep validate.Report, h arena.Handle) bool {
	return rep.Verdict == validate.UseAfterFree && rep.Known &&
		rep.Record.State == arena.Live && rep.Record.Generation != h.Generation
}

// finish runs the unconditional tail of every intercepted call: kernel
// observation, fragmentation observation, and exactly one log record.
func (m *Membrane) finish(sym string, fam kernel.Family, start time.Time, d kernel.Decision, res Result, ev kernel.Event) {
	lat := uint64(time.Since(start).Nanoseconds())

	ev.Family = fam
	ev.Verdict = res.Verdict
	ev.LatencyNs = lat
	if entry, ok := m.syms.Lookup(sym); ok {
		ev.SymbolID = entry.ID
	}
	ev.Healed = res.Action.Heal()
	ev.Clamped = res.Action == heal.ClampSize || res.Action == heal.TruncateRead
	ev.Rejected = res.Action == heal.RejectCall
	m.kern.ObserveFast(ev)
	m.mon.Observe(lat)

	m.emit(sym, lat, d, res)
}

func (m *Membrane) emit(sym string, latNs uint64, d kernel.Decision, res Result) {
	fields := []zap.Field{
		zap.String("trace_id", uuid.NewString()),
		zap.String("mode", m.mode.String()),
		zap.String("symbol", sym),
		zap.String("outcome", res.Outcome.String()),
		zap.Int("errno", int(res.Errno)),
		zap.Uint64("timing_ns", latNs),
		zap.Uint32("risk_ppm", res.RiskPPM),
		zap.String("profile", res.Profile.String()),
	}
	if res.Action.Heal() {
		fields = append(fields, zap.Strings("healing_actions", []string{res.Action.String()}))
	}
	if d.Degraded {
		m.log.Warn("call", fields...)
		return
	}
	m.log.Info("call", fields...)
}

// AuditTrail drains the healing audit ring.
func (m *Membrane) AuditTrail() []heal.Entry { return m.healer.Drain() }

// FlushQuarantine force-drains the arena's quarantine; intended for
// teardown and replay tooling.
func (m *Membrane) FlushQuarantine() { m.table.FlushQuarantine() }

// Stats is the aggregate observability view consumed by tooling.
type Stats struct {
	Arena  arena.Stats
	Kernel kernel.Snapshot
	Frag   fragmon.Snapshot
	Heals  uint64
}

func (m *Membrane) Stats() Stats {
	return Stats{
		Arena:  m.table.Stats(),
		Kernel: m.kern.Snapshot(),
		Frag:   m.mon.Snapshot(),
		Heals:  m.healer.TotalHeals(),
	}
}
