package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// requiredLogFields is the versioned contract of the structured call
// record. A record missing any of these is a conformance failure.
var requiredLogFields = []string{
	"timestamp", "trace_id", "mode", "symbol",
	"outcome", "errno", "timing_ns", "risk_ppm", "profile",
}

type checkReport struct {
	Records int      `json:"records"`
	Invalid int      `json:"invalid"`
	Errors  []string `json:"errors,omitempty"`
}

var checklogCmd = &cobra.Command{
	Use:   "checklog <calls.jsonl>",
	Short: "Validate a structured call log against the record schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		rep := checkReport{}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		line := 0
		for sc.Scan() {
			line++
			if len(sc.Bytes()) == 0 {
				continue
			}
			rep.Records++
			if msg := checkRecord(sc.Bytes()); msg != "" {
				rep.Invalid++
				if len(rep.Errors) < 20 {
					rep.Errors = append(rep.Errors, fmt.Sprintf("line %d: %s", line, msg))
				}
			}
		}
		if err := sc.Err(); err != nil {
			return err
		}

		if jsonOut {
			if err := printJSON(rep); err != nil {
				return err
			}
		} else {
			printInfo("%d records, %d invalid\n", rep.Records, rep.Invalid)
			for _, e := range rep.Errors {
				printInfo("  %s\n", e)
			}
		}
		if rep.Invalid > 0 {
			return fmt.Errorf("%d of %d records violate the schema", rep.Invalid, rep.Records)
		}
		return nil
	},
}

func checkRecord(raw []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "not valid JSON"
	}
	for _, field := range requiredLogFields {
		if _, ok := rec[field]; !ok {
			return fmt.Sprintf("missing field %q", field)
		}
	}
	switch rec["mode"] {
	case "strict", "hardened":
	default:
		return fmt.Sprintf("bad mode %v", rec["mode"])
	}
	if ppm, ok := rec["risk_ppm"].(float64); !ok || ppm < 0 || ppm > 1_000_000 {
		return fmt.Sprintf("risk_ppm out of range: %v", rec["risk_ppm"])
	}
	return ""
}

func init() {
	rootCmd.AddCommand(checklogCmd)
}
