package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fx-rate-alerts/internal/app"
)

var (
	showHistory int
	trendSource string
	trendDays   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest rate of every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showHistory < 0 {
			return fmt.Errorf("--history cannot be negative")
		}

		opts := app.ShowOptions{
			History: showHistory,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Print minute-bucketed rates as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trendDays <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}
		return getApp().Trends(cmd.Context(), trendSource, trendDays)
	},
}

func init() {
	showCmd.Flags().IntVar(&showHistory, "history", 0, "List this many recent samples per source instead of the latest")
	trendsCmd.Flags().StringVar(&trendSource, "source", "", "Restrict to one source")
	trendsCmd.Flags().IntVar(&trendDays, "days", 7, "Number of days to include")
}
