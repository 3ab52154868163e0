package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fx-rate-alerts/internal/app"
)

var (
	subEndpoint      string
	subKeys          string
	subThreshold     string
	subThresholdType string
	subVolatility    bool
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Register or replace a push subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := parseKeys(subKeys)
		if err != nil {
			return err
		}

		opts := app.SubscribeOptions{
			Endpoint:      subEndpoint,
			Keys:          keys,
			ThresholdType: subThresholdType,
			Volatility:    subVolatility,
		}
		if subThreshold != "" {
			threshold, err := decimal.NewFromString(subThreshold)
			if err != nil {
				return fmt.Errorf("invalid --threshold value: %w", err)
			}
			if !threshold.IsPositive() {
				return errors.New("--threshold must be greater than zero")
			}
			opts.Threshold = &threshold
		}
		if opts.Threshold == nil && !opts.Volatility {
			return errors.New("set --threshold and/or --volatility")
		}

		return getApp().Subscribe(cmd.Context(), opts)
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe",
	Short: "Remove a push subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Unsubscribe(cmd.Context(), subEndpoint)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the alert settings of an endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), subEndpoint)
	},
}

var testPushCmd = &cobra.Command{
	Use:   "test-push",
	Short: "Send a test notification to an endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := parseKeys(subKeys)
		if err != nil {
			return err
		}
		return getApp().TestPush(cmd.Context(), subEndpoint, keys)
	},
}

func parseKeys(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("--keys is required")
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("--keys must be a JSON object with p256dh and auth")
	}
	return json.RawMessage(raw), nil
}

func init() {
	for _, cmd := range []*cobra.Command{subscribeCmd, unsubscribeCmd, statusCmd, testPushCmd} {
		cmd.Flags().StringVar(&subEndpoint, "endpoint", "", "Push service endpoint URL")
		_ = cmd.MarkFlagRequired("endpoint")
	}
	for _, cmd := range []*cobra.Command{subscribeCmd, testPushCmd} {
		cmd.Flags().StringVar(&subKeys, "keys", "", `Subscription keys JSON, e.g. {"p256dh":"...","auth":"..."}`)
	}
	subscribeCmd.Flags().StringVar(&subThreshold, "threshold", "", "One-time threshold rate")
	subscribeCmd.Flags().StringVar(&subThresholdType, "type", "above", "Threshold direction: above or below")
	subscribeCmd.Flags().BoolVar(&subVolatility, "volatility", false, "Receive volatility alerts")
}
