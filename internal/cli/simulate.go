package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	simulateTitle      string
	simulatePrice      float64
	simulateOriginal   float64
	simulatePrevious   float64
	simulateSubscriber int64
	simulateDeliver    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一条商品报价并走完整告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		opts := app.SimulateOptions{
			Title:        simulateTitle,
			Price:        decimal.NewFromFloat(simulatePrice),
			SubscriberID: simulateSubscriber,
			Deliver:      simulateDeliver,
		}
		if simulateOriginal > 0 {
			v := decimal.NewFromFloat(simulateOriginal)
			opts.OriginalPrice = &v
		}
		if simulatePrevious > 0 {
			v := decimal.NewFromFloat(simulatePrevious)
			opts.PreviousPrice = &v
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTitle, "title", "", "Listing title (drives the price-range estimate)")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Current price")
	simulateCmd.Flags().Float64Var(&simulateOriginal, "original", 0, "Advertised original price")
	simulateCmd.Flags().Float64Var(&simulatePrevious, "previous", 0, "Previously observed price")
	simulateCmd.Flags().Int64Var(&simulateSubscriber, "subscriber", 1, "Subscriber that watches the item")
	simulateCmd.Flags().BoolVar(&simulateDeliver, "deliver", false, "Send through the configured channel instead of printing")
}
