package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fx-rate-alerts/internal/app"
)

var (
	simulateRates    []string
	simulatePrevious float64
	simulatePersist  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "以静态汇率模拟一次周期并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateRates) == 0 {
			return errors.New("--rate 至少需要一个 name=rate")
		}

		rates := make(map[string]decimal.Decimal, len(simulateRates))
		for _, entry := range simulateRates {
			name, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(name) == "" {
				return fmt.Errorf("--rate 格式应为 name=rate: %q", entry)
			}
			rate, err := decimal.NewFromString(strings.TrimSpace(value))
			if err != nil || !rate.IsPositive() {
				return fmt.Errorf("--rate %q 必须为正数", entry)
			}
			rates[strings.TrimSpace(name)] = rate
		}
		if simulatePrevious < 0 {
			return errors.New("--previous 不能为负数")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Rates:    rates,
			Previous: decimal.NewFromFloat(simulatePrevious),
			Persist:  simulatePersist,
		})
	},
}

func init() {
	simulateCmd.Flags().StringSliceVar(&simulateRates, "rate", nil, "模拟来源及汇率, 如 Wise=3.15, 可重复")
	simulateCmd.Flags().Float64Var(&simulatePrevious, "previous", 0, "十分钟前的汇率, 用于模拟波动")
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "写入真实存储")
}
