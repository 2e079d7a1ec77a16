package cli

import (
	"github.com/spf13/cobra"

	"dcabot/internal/alerting"
)

var simulateKind string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "向告警通道发送一条示例事件",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), alerting.EventKind(simulateKind))
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(alerting.EventPurchaseCompleted), "事件类型, 如 purchase_completed、purchase_failed、low_balance")
}
