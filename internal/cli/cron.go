package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	cronCount int
	cronFrom  string
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect cron expressions",
}

var cronCheckCmd = &cobra.Command{
	Use:   "check <expr>",
	Short: "Validate a 5-field cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CronCheck(args[0])
	},
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expr>",
	Short: "Print the next runs of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from := time.Now().UTC()
		if cronFrom != "" {
			parsed, err := time.Parse(time.RFC3339, cronFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			from = parsed
		}
		_, err := getApp().CronNext(args[0], from, cronCount)
		return err
	},
}

var cronDescribeCmd = &cobra.Command{
	Use:   "describe <expr>",
	Short: "Describe a cron expression in English",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CronDescribe(args[0])
	},
}

func init() {
	cronNextCmd.Flags().IntVar(&cronCount, "count", 5, "Number of runs to print")
	cronNextCmd.Flags().StringVar(&cronFrom, "from", "", "Start timestamp (RFC3339, defaults to now)")
	cronCmd.AddCommand(cronCheckCmd, cronNextCmd, cronDescribeCmd)
}
