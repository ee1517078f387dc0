package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/catalog"
	"pricewatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop()), store
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := get(t, s, "/healthz")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", rec.Code, body)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.AppendAlert(ctx, storage.AlertRecord{ItemID: "A", Kind: storage.AlertPriceDrop, DetectedAt: at, Payload: storage.AlertPayload{Title: "Lamp", Price: decimal.NewFromInt(10)}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendAlert(ctx, storage.AlertRecord{ItemID: "B", Kind: storage.AlertBigDiscount, DetectedAt: at, Payload: storage.AlertPayload{Title: "Desk", Price: decimal.NewFromInt(20)}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec, body := get(t, s, "/api/alerts?kind=big_discount")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	alerts, _ := body["alerts"].([]any)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %v", body)
	}
	first := alerts[0].(map[string]any)
	if first["item_id"] != "B" || first["kind"] != "big_discount" {
		t.Fatalf("unexpected alert: %v", first)
	}

	if rec, _ := get(t, s, "/api/alerts?kind=bogus"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus kind should be rejected, got %d", rec.Code)
	}
	if rec, _ := get(t, s, "/api/alerts?limit=0"); rec.Code != http.StatusBadRequest {
		t.Fatalf("zero limit should be rejected, got %d", rec.Code)
	}
}

func TestItemsAndHistory(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	if _, err := store.AddWatchedItem(ctx, storage.WatchedItem{ItemID: "X42", Site: "shop", Title: "GPU", AddedBy: 1, AddedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	for i, price := range []int64{700, 650} {
		if _, err := store.RecordObservation(ctx, catalog.Observation{
			ItemID:       "X42",
			Site:         "shop",
			Title:        "GPU",
			CurrentPrice: decimal.NewFromInt(price),
			ObservedAt:   time.Date(2026, 3, 1, i, 0, 0, 0, time.UTC),
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	rec, body := get(t, s, "/api/items")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["last_known_price"] != "650" {
		t.Fatalf("unexpected items: %v", body)
	}

	rec, body = get(t, s, "/api/items/X42/history?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	history, _ := body["history"].([]any)
	if len(history) != 2 || history[0].(map[string]any)["price"] != "650" {
		t.Fatalf("unexpected history: %v", body)
	}

	if rec, _ := get(t, s, "/api/items/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing item should 404, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := get(t, s, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["watched_items"] != float64(0) {
		t.Fatalf("unexpected stats: %v", body)
	}
}
