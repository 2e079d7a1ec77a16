package cli

import (
	"github.com/spf13/cobra"
)

var runNowPlans []int64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var runNowCmd = &cobra.Command{
	Use:   "run-now",
	Short: "Execute plans immediately, ignoring their schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().RunNow(cmd.Context(), runNowPlans)
		return err
	},
}

func init() {
	runNowCmd.Flags().Int64SliceVar(&runNowPlans, "plan", nil, "Plan IDs to execute (defaults to every enabled plan)")
}
