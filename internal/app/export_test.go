package app

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/catalog"
	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

func sampleHistory(n int, start time.Time) []storage.ObservationRecord {
	out := make([]storage.ObservationRecord, n)
	for i := range out {
		out[i] = storage.ObservationRecord{
			ItemID:     "A1",
			Site:       "shop",
			Price:      decimal.NewFromInt(int64(100 + i)),
			ObservedAt: start.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestDownsampleKeepsEnds(t *testing.T) {
	in := sampleHistory(10, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	got := downsample(in, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if !got[0].Price.Equal(in[0].Price) || !got[3].Price.Equal(in[9].Price) {
		t.Fatalf("downsample must keep first and last points: %v .. %v", got[0].Price, got[3].Price)
	}
	if len(downsample(in, 0)) != 10 || len(downsample(in, 20)) != 10 {
		t.Fatalf("downsample should be a no-op when max is unset or large")
	}
	if one := downsample(in, 1); len(one) != 1 || !one[0].Price.Equal(in[9].Price) {
		t.Fatalf("max=1 should keep the newest point, got %v", one)
	}
}

func TestWindowSortsAndCuts(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := sampleHistory(5, start)
	// newest first, as ListHistory returns it
	rev := []storage.ObservationRecord{in[4], in[3], in[2], in[1], in[0]}

	got := window(rev, start.Add(3*time.Hour))
	if len(got) != 3 {
		t.Fatalf("expected 3 observations before cutoff, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].ObservedAt.Before(got[i].ObservedAt) {
			t.Fatalf("window output not ascending at %d", i)
		}
	}
}

func TestExportWritesCSV(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "pw.db")},
		Export:   config.ExportConfig{MaxDataPoints: 100},
	}
	a := NewApp(cfg, zerolog.Nop())
	ctx := context.Background()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Now().UTC()
	for i, price := range []int64{120, 110, 95} {
		original := decimal.NewFromInt(150)
		if _, err := store.RecordObservation(ctx, catalog.Observation{
			ItemID:        "A1",
			Site:          "shop",
			Title:         "Desk lamp, brass",
			CurrentPrice:  decimal.NewFromInt(price),
			OriginalPrice: &original,
			InStock:       true,
			ObservedAt:    now.Add(time.Duration(i-3) * time.Hour),
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	closeStore()

	out := filepath.Join(dir, "out", "history.csv")
	if err := a.Export(ctx, ExportOptions{ItemID: "A1", CSVPath: out}); err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	if rows[1][3] != "120" || rows[3][3] != "95" {
		t.Fatalf("rows not in chronological order: %v", rows)
	}
	if rows[1][6] != "Desk lamp, brass" {
		t.Fatalf("title not preserved: %q", rows[1][6])
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	if err := a.Export(context.Background(), ExportOptions{ItemID: "A1"}); err == nil {
		t.Fatalf("expected error without --csv or --png")
	}
	if err := a.Export(context.Background(), ExportOptions{CSVPath: "x.csv"}); err == nil {
		t.Fatalf("expected error without --item")
	}
}
