package cli

import (
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	scanJobs   []string
	scanDryRun bool
)

var scanCmd = &cobra.Command{
	Use:   "scan-now",
	Short: "Run scan jobs once and print a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ScanNow(cmd.Context(), app.ScanOptions{
			Jobs:   scanJobs,
			DryRun: scanDryRun,
		})
	},
}

func init() {
	scanCmd.Flags().StringSliceVar(&scanJobs, "job", nil, "Job to run: items, categories, global, compare (repeatable; default all enabled)")
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "Log alerts instead of delivering them")
}
