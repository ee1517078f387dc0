package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	showKind  string
	showItem  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts or an item's price history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Kind:   showKind,
			ItemID: showItem,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showKind, "kind", "", "Only alerts of this kind (price_error, big_discount, price_drop, new_category_discount)")
	showCmd.Flags().StringVar(&showItem, "item", "", "Show price history for this item instead of alerts")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
