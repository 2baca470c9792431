package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/membrane/membrane"
)

var statsCmd = &cobra.Command{
	Use:   "stats <scenario.yaml>",
	Short: "Replay a scenario and report arena, kernel and healing statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := loadScenario(args[0])
		if err != nil {
			return err
		}

		m := membrane.New(membrane.Options{Mode: sc.level()})
		tally, err := runScenario(m, sc, nil)
		if err != nil {
			return err
		}
		st := m.Stats()

		if jsonOut {
			return printJSON(struct {
				Tally replayTally    `json:"tally"`
				Stats membrane.Stats `json:"stats"`
			}{tally, st})
		}

		p := message.NewPrinter(language.English)
		p.Printf("scenario: %s (mode=%s)\n", sc.Name, m.Mode())
		p.Printf("calls:            %d (%d violations)\n", tally.Calls, tally.Violations)
		p.Printf("allocations:      %d (%d frees, %d reuse hits)\n",
			st.Arena.AllocCalls, st.Arena.FreeCalls, st.Arena.ReuseHits)
		p.Printf("live bytes:       %d (peak %d)\n", st.Arena.LiveBytes, st.Arena.PeakLiveBytes)
		p.Printf("quarantine:       %d records, %d bytes\n",
			st.Arena.QuarantineCount, st.Arena.QuarantineBytes)
		p.Printf("fragmentation:    %d ppm (%d reusable bytes)\n",
			st.Frag.FragRatioPPM, st.Frag.ReusableBytes)
		p.Printf("healing actions:  %d\n", st.Heals)
		p.Printf("kernel:           %d decisions, %d resamples, %d redesigns, policy %d\n",
			st.Kernel.CallsSeen, st.Kernel.Resamples, st.Kernel.Redesigns, st.Kernel.PolicyID)
		p.Printf("triggers:         full=%d ppm repair=%d ppm\n",
			st.Kernel.FullTriggerPPM, st.Kernel.RepairTriggerPPM)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
