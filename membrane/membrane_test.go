package membrane

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/membrane/membrane/arena"
	"github.com/joshuapare/membrane/membrane/heal"
	"github.com/joshuapare/membrane/membrane/safety"
	"github.com/joshuapare/membrane/membrane/validate"
)

func newHardened(t *testing.T) *Membrane {
	t.Helper()
	return New(Options{Mode: safety.Hardened})
}

// Test_Membrane_AllocValidateFreeReuse walks the canonical lifecycle:
// in-bounds and out-of-bounds writes on a fresh region, writes through a
// stale handle after free, and generation checking across address reuse.
func Test_Membrane_AllocValidateFreeReuse(t *testing.T) {
	m := newHardened(t)

	h1, res := m.Malloc(64)
	require.True(t, res.Ok())

	res = m.Write(h1, 64)
	require.Equal(t, OutcomeOK, res.Outcome)

	res = m.Write(h1, 65)
	require.Equal(t, OutcomeHealed, res.Outcome)
	require.Equal(t, validate.OutOfBounds, res.Verdict)
	require.Equal(t, heal.ClampSize, res.Action)
	require.Equal(t, uint64(64), res.AppliedLen)

	res = m.Free(h1.Addr)
	require.Equal(t, OutcomeOK, res.Outcome)

	res = m.Write(h1, 1)
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, validate.UseAfterFree, res.Verdict)
	require.Equal(t, unix.EFAULT, res.Errno)

	m.FlushQuarantine()
	h2, res := m.Malloc(64)
	require.True(t, res.Ok())
	require.Equal(t, h1.Addr, h2.Addr, "expected address reuse after quarantine drain")
	require.Greater(t, h2.Generation, h1.Generation)

	res = m.Write(h1, 1)
	require.Equal(t, OutcomeRejected, res.Outcome, "stale handle must not validate against the new lifetime")
	require.Equal(t, validate.UseAfterFree, res.Verdict)

	res = m.Write(h2, 64)
	require.Equal(t, OutcomeOK, res.Outcome)
}

// Test_Membrane_StrictReportsWithoutAltering tests that strict mode
// flags violations but neither substitutes parameters nor records heals.
func Test_Membrane_StrictReportsWithoutAltering(t *testing.T) {
	m := New(Options{Mode: safety.Strict})

	h, res := m.Malloc(64)
	require.True(t, res.Ok())

	res = m.Write(h, 80)
	require.Equal(t, OutcomeViolation, res.Outcome)
	require.Equal(t, validate.OutOfBounds, res.Verdict)
	require.Equal(t, uint64(80), res.AppliedLen, "strict must not clamp")
	require.Zero(t, res.Errno)

	require.Equal(t, OutcomeOK, m.Free(h.Addr).Outcome)
	res = m.Free(h.Addr)
	require.Equal(t, OutcomeViolation, res.Outcome)
	require.Equal(t, validate.DoubleFree, res.Verdict)

	require.Empty(t, m.AuditTrail(), "strict mode records no healing actions")

	st := m.Stats()
	require.Zero(t, st.Heals)
	require.Equal(t, uint64(1), st.Arena.FreeCalls, "faithful reporting must not mutate twice")
}

// Test_Membrane_HardenedNonCrashCorpus runs a corpus of genuine
// violations and requires every call to return normally with at least
// one recorded healing action.
func Test_Membrane_HardenedNonCrashCorpus(t *testing.T) {
	m := newHardened(t)

	live, res := m.Malloc(128)
	require.True(t, res.Ok())
	freed, res := m.Malloc(64)
	require.True(t, res.Ok())
	require.Equal(t, OutcomeOK, m.Free(freed.Addr).Outcome)

	corpus := []struct {
		name string
		call func() Result
	}{
		{"overflow write size+16", func() Result { return m.Write(live, 128+16) }},
		{"overflow read", func() Result { return m.Read(live, 4096) }},
		{"use after free write", func() Result { return m.Write(freed, 8) }},
		{"double free", func() Result { return m.Free(freed.Addr) }},
		{"foreign free", func() Result { return m.Free(0xdead0000) }},
		{"foreign write", func() Result { return m.Write(arena.Handle{Addr: 0xdead0000, Size: 8, Generation: 1}, 8) }},
		{"size mismatch free", func() Result { return m.FreeSized(live.Addr, 32) }},
		{"realloc of freed", func() Result { _, r := m.Realloc(freed, 256); return r }},
	}

	for _, tc := range corpus {
		res := tc.call()
		require.True(t, res.Verdict.Violation(), "%s: expected a detected violation", tc.name)
		require.NotEqual(t, OutcomeViolation, res.Outcome, "%s: hardened mode must not pass through", tc.name)
		require.True(t, res.Action.Heal(), "%s: expected a healing action", tc.name)
	}

	trail := m.AuditTrail()
	require.GreaterOrEqual(t, len(trail), len(corpus))

	// The live region survives the storm.
	require.Equal(t, OutcomeOK, m.Write(live, 128).Outcome)
}

// Test_Membrane_OneLogRecordPerCall tests the observability contract:
// exactly one structured record per intercepted call, carrying every
// required field.
func Test_Membrane_OneLogRecordPerCall(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := New(Options{Mode: safety.Hardened, Logger: zap.New(core)})

	h, _ := m.Malloc(32)
	m.Write(h, 64) // healed
	m.Free(h.Addr)
	m.Invoke("backtrace")
	m.Invoke("getenv")

	entries := logs.All()
	require.Len(t, entries, 5)

	required := []string{"trace_id", "mode", "symbol", "outcome", "errno", "timing_ns", "risk_ppm", "profile"}
	seen := map[string]bool{}
	for _, e := range entries {
		require.Equal(t, "call", e.Message)
		ctx := e.ContextMap()
		for _, f := range required {
			require.Contains(t, ctx, f, "record for %v missing %s", ctx["symbol"], f)
		}
		require.Equal(t, "hardened", ctx["mode"])
		require.NotEmpty(t, ctx["trace_id"])
		seen[ctx["symbol"].(string)] = true
	}
	require.True(t, seen["malloc"] && seen["write"] && seen["free"] && seen["backtrace"])

	// The healed write carries its action list; the clean calls do not.
	var healed int
	for _, e := range entries {
		if _, ok := e.ContextMap()["healing_actions"]; ok {
			healed++
		}
	}
	require.Equal(t, 1, healed)
}

// Test_Membrane_StubSymbolContract tests that stub and unknown symbols
// return the deterministic errno instead of undefined behavior.
func Test_Membrane_StubSymbolContract(t *testing.T) {
	m := newHardened(t)

	for _, sym := range []string{"backtrace", "dlopen", "mallinfo", "never_heard_of_it"} {
		res := m.Invoke(sym)
		require.Equal(t, OutcomeStub, res.Outcome, sym)
		require.Equal(t, unix.ENOSYS, res.Errno, sym)
	}

	res := m.Invoke("getenv")
	require.Equal(t, OutcomeOK, res.Outcome)
	require.Zero(t, res.Errno)
}

// Test_Membrane_ModeFromEnv tests load-time mode selection and the
// conservative default.
func Test_Membrane_ModeFromEnv(t *testing.T) {
	t.Setenv(safety.EnvVar, "strict")
	m := New(Options{ModeFromEnv: true})
	require.Equal(t, safety.Strict, m.Mode())

	t.Setenv(safety.EnvVar, "")
	m = New(Options{ModeFromEnv: true})
	require.Equal(t, safety.Hardened, m.Mode(), "absent mode must default conservative")
}

// Test_Membrane_ReallocMovesIdentity tests that a valid realloc retires
// the old generation and the returned handle is the only live identity.
func Test_Membrane_ReallocMovesIdentity(t *testing.T) {
	m := newHardened(t)

	h1, res := m.Malloc(64)
	require.True(t, res.Ok())

	h2, res := m.Realloc(h1, 256)
	require.True(t, res.Ok())
	require.Greater(t, h2.Generation, h1.Generation)
	require.Equal(t, uint64(256), h2.Size)

	require.Equal(t, OutcomeOK, m.Write(h2, 256).Outcome)
	require.Equal(t, OutcomeRejected, m.Write(h1, 1).Outcome, "old identity must be dead")
}
