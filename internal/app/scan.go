package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"pricewatch/internal/alerting"
	"pricewatch/internal/service"
)

// ScanNow runs the selected jobs once, in order, and prints a report per job.
// With DryRun the alerts are gated and recorded but only logged.
func (a *App) ScanNow(ctx context.Context, opts ScanOptions) error {
	jobs := opts.Jobs
	if len(jobs) == 0 {
		jobs = []string{service.JobItems, service.JobCategories}
	}

	var notifier alerting.Notifier
	if opts.DryRun {
		a.Logger.Warn().Msg("scan-now dry-run: alerts are logged, not delivered")
		notifier = alerting.NewLogNotifier(a.Logger)
	}

	rt, err := a.open(ctx, notifier)
	if err != nil {
		return err
	}
	defer rt.close()

	runs := map[string]func(context.Context, time.Time) (service.Report, error){
		service.JobItems:      rt.service.ScanItems,
		service.JobCategories: rt.service.SweepCategories,
		service.JobGlobal:     rt.service.ScanGlobal,
		service.JobCompare:    rt.service.CompareSites,
	}

	reports := make([]service.Report, 0, len(jobs))
	failed := 0
	for _, job := range jobs {
		run, ok := runs[job]
		if !ok {
			return fmt.Errorf("unknown job %q", job)
		}
		rep, err := run(ctx, time.Now().UTC())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			a.Logger.Error().Err(err).Str("job", job).Msg("job failed")
			continue
		}
		reports = append(reports, rep)
	}

	printReports(os.Stdout, reports)
	if failed > 0 {
		return errors.New("some jobs failed, check the log")
	}
	return nil
}

func printReports(w io.Writer, reports []service.Report) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Job\tTargets\tObserved\tSkipped\tBlocked\tAlerts\tDelivered\tDuration")
	for _, r := range reports {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Job, r.Targets, r.Observed, r.Skipped, r.Blocked, r.Alerts, r.Delivered, r.Duration.Round(time.Millisecond))
	}
	writer.Flush()
}
