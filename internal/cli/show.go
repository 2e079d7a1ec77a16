package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dcabot/internal/app"
)

var (
	showLimit  int
	showPlanID int64
	showStatus string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Status: showStatus,
		}
		if showPlanID > 0 {
			opts.PlanID = &showPlanID
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of transactions to display")
	showCmd.Flags().Int64Var(&showPlanID, "plan", 0, "Only show this plan")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only show PENDING, COMPLETED, PARTIAL or FAILED")
}
