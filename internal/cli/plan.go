package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"dcabot/internal/plans"
	"dcabot/internal/schedule"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

var (
	planVenue      string
	planCrypto     string
	planFiat       string
	planAmount     string
	planFrequency  string
	planCron       string
	planStrategy   string
	planWithdrawTo string
	planNoWithdraw bool
	planStartNow   bool
	planDisabled   bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage purchase plans",
}

var planAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(planAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}
		freq, err := schedule.ParseFrequency(planFrequency)
		if err != nil {
			return err
		}
		strat, err := strategy.ParseKind(strings.ToLower(planStrategy))
		if err != nil {
			return err
		}

		plan := storage.Plan{
			Venue:             planVenue,
			Crypto:            planCrypto,
			Fiat:              planFiat,
			Amount:            amount,
			Frequency:         freq,
			CronExpression:    planCron,
			Strategy:          strat,
			Enabled:           !planDisabled,
			WithdrawalEnabled: planWithdrawTo != "",
			WithdrawalAddress: planWithdrawTo,
		}
		_, err = getApp().AddPlan(cmd.Context(), plan, planStartNow)
		return err
	},
}

var planEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a plan's amount, schedule, strategy or withdrawal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePlanID(args[0])
		if err != nil {
			return err
		}

		var changes plans.Changes
		flags := cmd.Flags()
		if flags.Changed("amount") {
			amount, err := decimal.NewFromString(planAmount)
			if err != nil {
				return fmt.Errorf("invalid --amount value: %w", err)
			}
			changes.Amount = &amount
		}
		if flags.Changed("frequency") {
			freq, err := schedule.ParseFrequency(planFrequency)
			if err != nil {
				return err
			}
			changes.Frequency = &freq
		}
		if flags.Changed("cron") {
			changes.CronExpression = &planCron
		}
		if flags.Changed("strategy") {
			strat, err := strategy.ParseKind(strings.ToLower(planStrategy))
			if err != nil {
				return err
			}
			changes.Strategy = strat
		}
		if flags.Changed("withdraw-to") {
			enabled := true
			changes.WithdrawalEnabled = &enabled
			changes.WithdrawalAddress = &planWithdrawTo
		}
		if planNoWithdraw {
			disabled := false
			changes.WithdrawalEnabled = &disabled
		}

		_, err = getApp().EditPlan(cmd.Context(), id, changes)
		return err
	},
}

var planDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a plan, keeping its transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePlanID(args[0])
		if err != nil {
			return err
		}
		return getApp().DeletePlan(cmd.Context(), id)
	},
}

var planEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Resume a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePlanID(args[0])
		if err != nil {
			return err
		}
		return getApp().SetPlanEnabled(cmd.Context(), id, true)
	},
}

var planDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Pause a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePlanID(args[0])
		if err != nil {
			return err
		}
		return getApp().SetPlanEnabled(cmd.Context(), id, false)
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListPlans(cmd.Context())
	},
}

func parsePlanID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid plan id %q", raw)
	}
	return id, nil
}

func addPlanFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&planAmount, "amount", "", "Fiat amount per purchase")
	cmd.Flags().StringVar(&planFrequency, "frequency", "DAILY", "EVERY_15_MIN, HOURLY, EVERY_4_HOURS, EVERY_8_HOURS, DAILY, WEEKLY or CUSTOM")
	cmd.Flags().StringVar(&planCron, "cron", "", "5-field cron expression (with --frequency CUSTOM)")
	cmd.Flags().StringVar(&planStrategy, "strategy", "classic", "classic, ath_based or fear_and_greed")
	cmd.Flags().StringVar(&planWithdrawTo, "withdraw-to", "", "Withdraw purchased crypto to this address")
}

func init() {
	addPlanFlags(planAddCmd)
	planAddCmd.Flags().StringVar(&planVenue, "venue", "paper", "Venue name")
	planAddCmd.Flags().StringVar(&planCrypto, "crypto", "BTC", "Asset to buy")
	planAddCmd.Flags().StringVar(&planFiat, "fiat", "EUR", "Currency to spend")
	planAddCmd.Flags().BoolVar(&planStartNow, "start-now", false, "Make the first run due immediately")
	planAddCmd.Flags().BoolVar(&planDisabled, "disabled", false, "Create the plan paused")
	_ = planAddCmd.MarkFlagRequired("amount")

	addPlanFlags(planEditCmd)
	planEditCmd.Flags().BoolVar(&planNoWithdraw, "no-withdraw", false, "Stop withdrawing after purchases")

	planCmd.AddCommand(planAddCmd, planEditCmd, planDeleteCmd, planEnableCmd, planDisableCmd, planListCmd)
}
