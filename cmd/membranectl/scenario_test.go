package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/membrane/membrane"
	"github.com/joshuapare/membrane/membrane/safety"
)

const sampleScenario = `
name: uaf-replay
mode: hardened
ops:
  - {op: malloc, id: a, size: 64}
  - {op: write, id: a, len: 64}
  - {op: write, id: a, len: 80}
  - {op: free, id: a}
  - {op: write, id: a, len: 1}
  - {op: flush}
  - {op: malloc, id: a, size: 64}
  - {op: write, id: a, stale: true, len: 1}
  - {op: invoke, symbol: backtrace}
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Test_Scenario_LoadAndRun tests the YAML scenario runner end to end,
// including stale-handle replay across a rebind.
func Test_Scenario_LoadAndRun(t *testing.T) {
	sc, err := loadScenario(writeScenario(t, sampleScenario))
	require.NoError(t, err)
	require.Equal(t, "uaf-replay", sc.Name)
	require.Equal(t, safety.Hardened, sc.level())

	m := membrane.New(membrane.Options{Mode: sc.level()})
	tally, err := runScenario(m, sc, nil)
	require.NoError(t, err)

	require.Equal(t, 8, tally.Calls, "flush is not an intercepted call")
	require.Equal(t, 3, tally.Violations, "overflow, UAF, and stale-generation writes")
	require.Equal(t, 2, tally.ByOutcome["rejected"])
	require.Equal(t, 1, tally.ByOutcome["healed"])
	require.Equal(t, 1, tally.ByOutcome["stub"])
}

// Test_Scenario_RejectsUnknownOp tests runner input validation.
func Test_Scenario_RejectsUnknownOp(t *testing.T) {
	sc, err := loadScenario(writeScenario(t, "ops:\n  - {op: exploit}"))
	require.NoError(t, err)

	m := membrane.New(membrane.Options{Mode: safety.Hardened})
	_, err = runScenario(m, sc, nil)
	require.ErrorIs(t, err, errBadScenario)

	_, err = loadScenario(writeScenario(t, "name: empty"))
	require.ErrorIs(t, err, errBadScenario)
}

// Test_CheckRecord_Schema tests the call-record validator used by the
// checklog command.
func Test_CheckRecord_Schema(t *testing.T) {
	good := `{"timestamp":"2026-08-31T10:00:00Z","trace_id":"t","mode":"hardened","symbol":"malloc","outcome":"ok","errno":0,"timing_ns":120,"risk_ppm":0,"profile":"fast"}`
	require.Empty(t, checkRecord([]byte(good)))

	require.NotEmpty(t, checkRecord([]byte(`not json`)))
	require.NotEmpty(t, checkRecord([]byte(`{"mode":"hardened"}`)), "missing fields must fail")

	badMode := `{"timestamp":"x","trace_id":"t","mode":"off","symbol":"m","outcome":"ok","errno":0,"timing_ns":1,"risk_ppm":0,"profile":"fast"}`
	require.NotEmpty(t, checkRecord([]byte(badMode)))

	badRisk := `{"timestamp":"x","trace_id":"t","mode":"strict","symbol":"m","outcome":"ok","errno":0,"timing_ns":1,"risk_ppm":2000000,"profile":"fast"}`
	require.NotEmpty(t, checkRecord([]byte(badRisk)))
}
