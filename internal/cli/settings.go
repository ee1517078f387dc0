package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	settingsSubscriber  int64
	settingsBigDiscount float64
	settingsPriceError  float64
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change a subscriber's alert thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		if settingsSubscriber == 0 {
			return fmt.Errorf("--subscriber is required")
		}
		var big, priceErr *decimal.Decimal
		if cmd.Flags().Changed("big-discount") {
			v := decimal.NewFromFloat(settingsBigDiscount)
			big = &v
		}
		if cmd.Flags().Changed("price-error") {
			v := decimal.NewFromFloat(settingsPriceError)
			priceErr = &v
		}
		return getApp().Settings(cmd.Context(), settingsSubscriber, big, priceErr)
	},
}

func init() {
	settingsCmd.Flags().Int64Var(&settingsSubscriber, "subscriber", 0, "Subscriber (chat) id")
	settingsCmd.Flags().Float64Var(&settingsBigDiscount, "big-discount", 0, "Minimum discount percent for big-discount alerts")
	settingsCmd.Flags().Float64Var(&settingsPriceError, "price-error", 0, "Price-error ratio against the expected range")
}
