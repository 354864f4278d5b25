package cli

import (
	"github.com/spf13/cobra"
)

var runNow bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled ingest, estimate and consolidate loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runNow {
			a.Config.Scheduler.RunImmediately = true
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNow, "now", false, "Run one cycle immediately before waiting for the next bucket")
}
