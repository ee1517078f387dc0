package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"pricewatch/internal/storage"
)

// Show prints recent alerts, or an item's price history when ItemID is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.ItemID != "" {
		history, err := store.ListHistory(ctx, opts.ItemID, time.Time{}, opts.Limit)
		if err != nil {
			return err
		}
		printHistory(os.Stdout, history)
		return nil
	}

	kind := storage.AlertKind(opts.Kind)
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("unknown alert kind %q", opts.Kind)
	}
	alerts, err := store.ListRecentAlerts(ctx, kind, opts.Limit)
	if err != nil {
		return err
	}
	printAlerts(os.Stdout, alerts)
	return nil
}

func printAlerts(w io.Writer, alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "no alerts found")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tItem\tPrice\tDiscount%\tDetail\tTitle")
	for _, rec := range alerts {
		p := rec.Payload
		discount := ""
		if p.DiscountPct != nil {
			discount = p.DiscountPct.StringFixed(1)
		}
		detail := p.ErrorKind
		if rec.Kind == storage.AlertPriceDrop && p.PreviousPrice != nil {
			detail = "from " + p.PreviousPrice.StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.DetectedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.ItemID,
			p.Price.StringFixed(2),
			discount,
			detail,
			sanitizeInline(p.Title),
		)
	}
	writer.Flush()
}

func printHistory(w io.Writer, history []storage.ObservationRecord) {
	if len(history) == 0 {
		fmt.Fprintln(w, "no observations found")
		return
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tOriginal\tIn stock\tSite")
	for _, obs := range history {
		original := ""
		if obs.OriginalPrice != nil {
			original = obs.OriginalPrice.StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t%s\n",
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.Price.StringFixed(2),
			original,
			obs.InStock,
			obs.Site,
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
