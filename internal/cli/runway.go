package cli

import (
	"github.com/spf13/cobra"
)

var runwayCmd = &cobra.Command{
	Use:   "runway",
	Short: "Project how long balances last and the monthly cost of each plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Runway(cmd.Context())
		return err
	},
}
