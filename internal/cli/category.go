package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	categorySubscriber int64
	categoryQuery      string
	categorySite       string
)

var categoryCmd = &cobra.Command{
	Use:   "category",
	Short: "Manage watched categories",
}

var categoryAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a category swept for newly discounted products",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if categorySubscriber == 0 {
			return fmt.Errorf("--subscriber is required")
		}
		return getApp().CategoryAdd(cmd.Context(), categorySubscriber, args[0], categoryQuery, categorySite)
	},
}

var categorySubscribeCmd = &cobra.Command{
	Use:   "subscribe <category-id>",
	Short: "Subscribe to an existing category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if categorySubscriber == 0 {
			return fmt.Errorf("--subscriber is required")
		}
		return getApp().CategorySubscribe(cmd.Context(), categorySubscriber, args[0])
	},
}

var categoryRemoveCmd = &cobra.Command{
	Use:   "remove <category-id>",
	Short: "Delete a category you created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if categorySubscriber == 0 {
			return fmt.Errorf("--subscriber is required")
		}
		return getApp().CategoryRemove(cmd.Context(), categorySubscriber, args[0])
	},
}

var categoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List categories (all of them without --subscriber)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CategoryList(cmd.Context(), categorySubscriber)
	},
}

func init() {
	categoryCmd.PersistentFlags().Int64Var(&categorySubscriber, "subscriber", 0, "Subscriber (chat) id")
	categoryAddCmd.Flags().StringVar(&categoryQuery, "query", "", "Search query (defaults to the name)")
	categoryAddCmd.Flags().StringVar(&categorySite, "site", "", "Site to search (defaults to the first configured site)")

	categoryCmd.AddCommand(categoryAddCmd, categorySubscribeCmd, categoryRemoveCmd, categoryListCmd)
}
