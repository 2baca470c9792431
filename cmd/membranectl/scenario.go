package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/joshuapare/membrane/membrane"
	"github.com/joshuapare/membrane/membrane/arena"
	"github.com/joshuapare/membrane/membrane/safety"
)

var errBadScenario = errors.New("malformed scenario file")

// scenarioOp is one step of a replay. Handles are named; a step
// referencing a name uses the most recent handle bound to it, which
// lets scenarios express stale-pointer replays directly.
type scenarioOp struct {
	Op     string `koanf:"op"`
	ID     string `koanf:"id"`
	Symbol string `koanf:"symbol"`
	Size   uint64 `koanf:"size"`
	Len    uint64 `koanf:"len"`
	// Stale replays the handle as it was before the last rebind of ID.
	Stale bool `koanf:"stale"`
}

type scenario struct {
	Name string       `koanf:"name"`
	Mode string       `koanf:"mode"`
	Ops  []scenarioOp `koanf:"ops"`
}

func loadScenario(path string) (scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scenario{}, err
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return scenario{}, fmt.Errorf("%w: %v", errBadScenario, err)
	}
	var sc scenario
	if err := k.Unmarshal("", &sc); err != nil {
		return scenario{}, fmt.Errorf("%w: %v", errBadScenario, err)
	}
	if len(sc.Ops) == 0 {
		return scenario{}, fmt.Errorf("%w: no ops", errBadScenario)
	}
	return sc, nil
}

func (sc scenario) level() safety.Level {
	return safety.ParseLevel(sc.Mode)
}

type replayTally struct {
	Calls      int            `json:"calls"`
	ByOutcome  map[string]int `json:"by_outcome"`
	Violations int            `json:"violations"`
}

// runScenario drives every op through the membrane, tracking named
// handles and their previous lifetimes. each is invoked per result when
// non-nil.
func runScenario(m *membrane.Membrane, sc scenario, each func(symbol string, res membrane.Result)) (replayTally, error) {
	handles := map[string]arena.Handle{}
	prior := map[string]arena.Handle{}
	tally := replayTally{ByOutcome: map[string]int{}}

	record := func(symbol string, res membrane.Result) {
		tally.Calls++
		tally.ByOutcome[res.Outcome.String()]++
		if res.Verdict.Violation() {
			tally.Violations++
		}
		if each != nil {
			each(symbol, res)
		}
	}

	pick := func(op scenarioOp) arena.Handle {
		if op.Stale {
			return prior[op.ID]
		}
		return handles[op.ID]
	}

	for i, op := range sc.Ops {
		switch op.Op {
		case "malloc":
			h, res := m.Malloc(op.Size)
			if h2, ok := handles[op.ID]; ok {
				prior[op.ID] = h2
			}
			handles[op.ID] = h
			record("malloc", res)
		case "free":
			record("free", m.Free(pick(op).Addr))
		case "free_sized":
			record("free_sized", m.FreeSized(pick(op).Addr, op.Size))
		case "read":
			record("read", m.Read(pick(op), op.Len))
		case "write":
			record("write", m.Write(pick(op), op.Len))
		case "realloc":
			h, res := m.Realloc(pick(op), op.Size)
			if res.Ok() {
				prior[op.ID] = handles[op.ID]
				handles[op.ID] = h
			}
			record("realloc", res)
		case "invoke":
			record(op.Symbol, m.Invoke(op.Symbol))
		case "flush":
			m.FlushQuarantine()
		default:
			return tally, fmt.Errorf("%w: op %q at index %d", errBadScenario, op.Op, i)
		}
	}
	return tally, nil
}
