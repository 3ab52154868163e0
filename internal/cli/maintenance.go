package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var alertsLimit int

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete samples and alert records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Purge(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alert deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Alerts(cmd.Context(), alertsLimit)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
}
