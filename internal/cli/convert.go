package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var convertSource string

var convertCmd = &cobra.Command{
	Use:   "convert AMOUNT",
	Short: "Convert an amount at the latest rate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}
		if amount.IsNegative() {
			return fmt.Errorf("amount cannot be negative")
		}
		return getApp().Convert(cmd.Context(), amount, convertSource)
	},
}

func init() {
	convertCmd.Flags().StringVar(&convertSource, "source", "", "Use this source instead of the best rate")
}
