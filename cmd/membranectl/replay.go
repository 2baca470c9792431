package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/membrane/internal/logging"
	"github.com/joshuapare/membrane/membrane"
)

var replayLogPath string

var replayCmd = &cobra.Command{
	Use:   "replay <scenario.yaml>",
	Short: "Replay a violation scenario through a fresh membrane",
	Long: `Replay runs the scenario's operations through a new membrane
instance and emits the structured call log, one JSON record per
intercepted call, to the chosen output.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := loadScenario(args[0])
		if err != nil {
			return err
		}

		logger, err := logging.New("info", "json", replayLogPath)
		if err != nil {
			return err
		}
		defer logger.Sync()

		m := membrane.New(membrane.Options{Mode: sc.level(), Logger: logger})
		tally, err := runScenario(m, sc, nil)
		if err != nil {
			return err
		}

		printVerbose("scenario %q: mode=%s ops=%d\n", sc.Name, m.Mode(), len(sc.Ops))
		if jsonOut {
			return printJSON(tally)
		}
		printInfo("replayed %d calls, %d violations detected\n", tally.Calls, tally.Violations)
		for outcome, n := range tally.ByOutcome {
			printInfo("  %-10s %d\n", outcome, n)
		}
		if trail := m.AuditTrail(); len(trail) > 0 {
			printVerbose("%d healing audit entries recorded\n", len(trail))
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayLogPath, "log", "stdout", "Call log destination (path or stdout/stderr)")
	rootCmd.AddCommand(replayCmd)
}
