package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pricewatch/internal/storage"
)

const exportFetchLimit = 1 << 20

// Export renders an item's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ItemID == "" {
		return errors.New("--item is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -90)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	history, err := store.ListHistory(ctx, opts.ItemID, from, exportFetchLimit)
	if err != nil {
		return err
	}
	history = window(history, to)
	if len(history) == 0 {
		a.Logger.Info().Str("item_id", opts.ItemID).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsample(history, opts.MaxPoints)
	a.Logger.Info().Int("total", len(history)).Int("exported", len(downsampled)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// window drops observations after to and returns the rest oldest first.
func window(history []storage.ObservationRecord, to time.Time) []storage.ObservationRecord {
	out := make([]storage.ObservationRecord, 0, len(history))
	for _, obs := range history {
		if obs.ObservedAt.Before(to) {
			out = append(out, obs)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

func downsample(history []storage.ObservationRecord, max int) []storage.ObservationRecord {
	if max <= 0 || len(history) <= max {
		return history
	}
	if max == 1 {
		return history[len(history)-1:]
	}

	result := make([]storage.ObservationRecord, 0, max)
	step := float64(len(history)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(history) {
			idx = len(history) - 1
		}
		result = append(result, history[idx])
	}
	return result
}

func writeHistoryCSV(path string, history []storage.ObservationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"observed_at", "item_id", "site", "price", "original_price", "in_stock", "title", "url"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range history {
		original := ""
		if obs.OriginalPrice != nil {
			original = obs.OriginalPrice.String()
		}
		record := []string{
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.ItemID,
			obs.Site,
			obs.Price.String(),
			original,
			strconv.FormatBool(obs.InStock),
			obs.Title,
			obs.URL,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path string, history []storage.ObservationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(history))
	price := make([]float64, len(history))
	var origX []time.Time
	var original []float64

	for i, obs := range history {
		x[i] = obs.ObservedAt
		price[i] = obs.Price.InexactFloat64()
		if obs.OriginalPrice != nil {
			origX = append(origX, obs.ObservedAt)
			original = append(original, obs.OriginalPrice.InexactFloat64())
		}
	}
	// go-chart needs at least two points to draw a line.
	if len(x) == 1 {
		x = append(x, x[0].Add(time.Minute))
		price = append(price, price[0])
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "$%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price (CAD)",
			XValues: x,
			YValues: price,
		},
	}
	if len(origX) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "List price (CAD)",
			XValues: origX,
			YValues: original,
		})
	}

	title := history[len(history)-1].Title
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
