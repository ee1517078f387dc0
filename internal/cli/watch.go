package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	watchSubscriber int64
	watchSite       string
	watchTitle      string
	watchURL        string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage watched items",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <item-id>",
	Short: "Watch an item for price drops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSubscriber(); err != nil {
			return err
		}
		return getApp().WatchAdd(cmd.Context(), app.WatchOptions{
			SubscriberID: watchSubscriber,
			ItemID:       args[0],
			Site:         watchSite,
			Title:        watchTitle,
			URL:          watchURL,
		})
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <item-id>",
	Short: "Stop watching an item you added",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSubscriber(); err != nil {
			return err
		}
		return getApp().WatchRemove(cmd.Context(), watchSubscriber, args[0])
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched items (all of them without --subscriber)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().WatchList(cmd.Context(), watchSubscriber)
	},
}

func requireSubscriber() error {
	if watchSubscriber == 0 {
		return fmt.Errorf("--subscriber is required")
	}
	return nil
}

func init() {
	watchCmd.PersistentFlags().Int64Var(&watchSubscriber, "subscriber", 0, "Subscriber (chat) id")
	watchAddCmd.Flags().StringVar(&watchSite, "site", "", "Site the item belongs to (defaults to the first configured site)")
	watchAddCmd.Flags().StringVar(&watchTitle, "title", "", "Display title")
	watchAddCmd.Flags().StringVar(&watchURL, "url", "", "Product page URL")

	watchCmd.AddCommand(watchAddCmd, watchRemoveCmd, watchListCmd)
}
