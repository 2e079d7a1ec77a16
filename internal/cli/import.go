package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dcabot/internal/app"
	"dcabot/internal/reconcile"
)

var (
	importPlanID int64
	importFile   string
	importFormat string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import past purchases into a plan's ledger",
}

var importCSVCmd = &cobra.Command{
	Use:   "csv",
	Short: "Import an exported trade file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importPlanID <= 0 {
			return fmt.Errorf("--plan must be provided")
		}
		_, err := getApp().ImportCSV(cmd.Context(), app.ImportOptions{
			PlanID: importPlanID,
			Path:   importFile,
			Format: importFormat,
		})
		return err
	},
}

var importAPICmd = &cobra.Command{
	Use:   "api",
	Short: "Import trade history from the plan's venue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importPlanID <= 0 {
			return fmt.Errorf("--plan must be provided")
		}
		_, err := getApp().ImportAPI(cmd.Context(), importPlanID)
		return err
	},
}

func init() {
	importCmd.PersistentFlags().Int64Var(&importPlanID, "plan", 0, "Plan the imported purchases belong to")
	importCSVCmd.Flags().StringVar(&importFile, "file", "", "Path to the CSV file")
	importCSVCmd.Flags().StringVar(&importFormat, "format", "coinmate", "File format: "+strings.Join(reconcile.FormatNames(), ", "))
	importCmd.AddCommand(importCSVCmd, importAPICmd)
}
