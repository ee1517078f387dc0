package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	compareSubscriber int64
	compareQuery      string
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Manage cross-site price comparisons",
}

var compareAddCmd = &cobra.Command{
	Use:   "add <product>",
	Short: "Track the cheapest site for a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if compareSubscriber == 0 {
			return fmt.Errorf("--subscriber is required")
		}
		return getApp().CompareAdd(cmd.Context(), compareSubscriber, args[0], compareQuery)
	},
}

var compareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List comparisons with their best offer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CompareList(cmd.Context())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context())
	},
}

func init() {
	compareAddCmd.Flags().Int64Var(&compareSubscriber, "subscriber", 0, "Subscriber (chat) id")
	compareAddCmd.Flags().StringVar(&compareQuery, "query", "", "Search query (defaults to the product name)")

	compareCmd.AddCommand(compareAddCmd, compareListCmd)
}
