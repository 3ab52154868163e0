package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled scrape and alert service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one scrape cycle synchronously and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cycle(cmd.Context())
	},
}
