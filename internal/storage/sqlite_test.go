package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/catalog"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func observation(itemID, price string, at time.Time) catalog.Observation {
	return catalog.Observation{
		ItemID:       itemID,
		Site:         "example",
		Title:        "Item " + itemID,
		CurrentPrice: decimal.RequireFromString(price),
		InStock:      true,
		ObservedAt:   at,
	}
}

func TestRecordObservationReturnsPreviousPrice(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prev, err := store.RecordObservation(ctx, observation("X42", "300", base))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if prev != nil {
		t.Fatalf("expected no previous price, got %s", prev)
	}

	prev, err = store.RecordObservation(ctx, observation("X42", "120", base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if prev == nil || !prev.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected previous 300, got %v", prev)
	}

	last, err := store.GetLastPrice(ctx, "X42")
	if err != nil {
		t.Fatalf("last price: %v", err)
	}
	if last == nil || !last.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected last 120, got %v", last)
	}

	history, err := store.ListHistory(ctx, "X42", base.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(history))
	}
	if !history[0].ObservedAt.Equal(base.Add(time.Hour)) || !history[0].Price.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("history not newest first: %+v", history[0])
	}
}

func TestRecordObservationUpdatesWatchedItem(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	initial := decimal.NewFromInt(500)

	created, err := store.AddWatchedItem(ctx, WatchedItem{ItemID: "B1", Site: "example", Title: "GPU", AddedBy: 7, AddedAt: now, LastKnownPrice: &initial})
	if err != nil || !created {
		t.Fatalf("add watched item: created=%v err=%v", created, err)
	}

	prev, err := store.RecordObservation(ctx, observation("B1", "450", now))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if prev == nil || !prev.Equal(initial) {
		t.Fatalf("expected fallback to last known price, got %v", prev)
	}
	if _, err := store.RecordObservation(ctx, observation("B1", "480", now.Add(time.Hour))); err != nil {
		t.Fatalf("record: %v", err)
	}

	item, err := store.GetWatchedItem(ctx, "B1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.LastKnownPrice == nil || !item.LastKnownPrice.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("last known: %v", item.LastKnownPrice)
	}
	if item.LowestKnownPrice == nil || !item.LowestKnownPrice.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("lowest known: %v", item.LowestKnownPrice)
	}
	if item.LastCheckedAt == nil || !item.LastCheckedAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("last checked: %v", item.LastCheckedAt)
	}
}

func alertFor(itemID string, at time.Time) AlertRecord {
	return AlertRecord{
		ItemID:     itemID,
		Kind:       AlertBigDiscount,
		DetectedAt: at,
		Payload:    AlertPayload{Title: "RTX 4070", Price: decimal.NewFromInt(50)},
	}
}

func TestPutAlertIdempotentWithinCooldown(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 24 * time.Hour

	rec, stored, err := store.PutAlert(ctx, alertFor("X42", now), cooldown)
	if err != nil || !stored {
		t.Fatalf("first put: stored=%v err=%v", stored, err)
	}
	if rec.ID == 0 {
		t.Fatal("expected alert id")
	}

	_, stored, err = store.PutAlert(ctx, alertFor("X42", now.Add(time.Hour)), cooldown)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if stored {
		t.Fatal("duplicate alert stored inside cooldown")
	}

	active, err := store.GetActiveAlert(ctx, "X42", AlertBigDiscount, now.Add(2*time.Hour), cooldown)
	if err != nil {
		t.Fatalf("active alert: %v", err)
	}
	if active.ID != rec.ID || active.Payload.Title != "RTX 4070" {
		t.Fatalf("unexpected active alert: %+v", active)
	}

	// other kinds have their own gate
	other := alertFor("X42", now)
	other.Kind = AlertPriceError
	if _, stored, err := store.PutAlert(ctx, other, cooldown); err != nil || !stored {
		t.Fatalf("price_error put: stored=%v err=%v", stored, err)
	}
}

func TestPutAlertAfterCooldownExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 24 * time.Hour

	if _, stored, err := store.PutAlert(ctx, alertFor("X42", now), cooldown); err != nil || !stored {
		t.Fatalf("first put: stored=%v err=%v", stored, err)
	}

	if _, err := store.GetActiveAlert(ctx, "X42", AlertBigDiscount, now.Add(cooldown), cooldown); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active alert after cooldown, got %v", err)
	}

	if _, stored, err := store.PutAlert(ctx, alertFor("X42", now.Add(cooldown)), cooldown); err != nil || !stored {
		t.Fatalf("put after cooldown: stored=%v err=%v", stored, err)
	}

	alerts, err := store.ListRecentAlerts(ctx, AlertBigDiscount, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alert records, got %d", len(alerts))
	}
}

func TestPutAlertConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.PutAlert(ctx, alertFor("X42", now), 24*time.Hour)
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			if ok {
				mu.Lock()
				stored++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if stored != 1 {
		t.Fatalf("expected exactly one stored alert, got %d", stored)
	}
}

func TestAppendAlertAndRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := alertFor("X42", now.Add(time.Duration(i)*time.Hour))
		rec.Kind = AlertPriceDrop
		if _, err := store.AppendAlert(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	deleted, err := store.DeleteAlertsBefore(ctx, now.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	all, err := store.ListRecentAlerts(ctx, "", 10)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 remaining alert, got %d (%v)", len(all), err)
	}
}

func TestTrackCategoryItem(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.AddCategory(ctx, WatchedCategory{ID: "cat-1", Name: "GPUs", SearchQuery: "rtx", Site: "example", AddedBy: 1, AddedAt: now}); err != nil {
		t.Fatalf("add category: %v", err)
	}

	steps := []struct {
		name     string
		discount string
		want     bool
	}{
		{name: "unseen discounted item", discount: "10", want: true},
		{name: "same discount", discount: "10", want: false},
		{name: "discount increased", discount: "35", want: true},
		{name: "discount decreased", discount: "20", want: false},
		{name: "no discount", discount: "0", want: false},
	}
	for _, step := range steps {
		fire, err := store.TrackCategoryItem(ctx, "cat-1", KnownItem{
			ItemID:      "A1",
			Price:       decimal.NewFromInt(100),
			DiscountPct: decimal.RequireFromString(step.discount),
			LastSeen:    now,
		})
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if fire != step.want {
			t.Fatalf("%s: got %v want %v", step.name, fire, step.want)
		}
	}

	fire, err := store.TrackCategoryItem(ctx, "cat-1", KnownItem{ItemID: "A2", Price: decimal.NewFromInt(80), LastSeen: now})
	if err != nil || fire {
		t.Fatalf("unseen item without discount should not fire: %v %v", fire, err)
	}

	known, err := store.ListKnownItems(ctx, "cat-1")
	if err != nil {
		t.Fatalf("known items: %v", err)
	}
	if len(known) != 2 || !known[0].DiscountPct.IsZero() {
		t.Fatalf("unexpected known items: %+v", known)
	}
}

func TestWatchedItemsAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	item := WatchedItem{ItemID: "X42", Site: "example", Title: "CPU", AddedBy: 1, AddedAt: now}
	if created, err := store.AddWatchedItem(ctx, item); err != nil || !created {
		t.Fatalf("add: %v %v", created, err)
	}
	item.AddedBy = 2
	if created, err := store.AddWatchedItem(ctx, item); err != nil || created {
		t.Fatalf("second add should be a no-op: %v %v", created, err)
	}
	got, err := store.GetWatchedItem(ctx, "X42")
	if err != nil || got.AddedBy != 1 {
		t.Fatalf("owner changed: %+v %v", got, err)
	}

	for _, id := range []int64{3, 1, 2, 1} {
		if err := store.SubscribeItem(ctx, id, "X42"); err != nil {
			t.Fatalf("subscribe %d: %v", id, err)
		}
	}
	subs, err := store.ListSubscribersForItem(ctx, "X42")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if len(subs) != 3 || subs[0] != 1 || subs[2] != 3 {
		t.Fatalf("unexpected subscribers: %v", subs)
	}

	mine, err := store.ListWatchedItemsFor(ctx, 2)
	if err != nil || len(mine) != 1 {
		t.Fatalf("items for subscriber: %v %v", mine, err)
	}

	if err := store.DeleteWatchedItem(ctx, "X42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetWatchedItem(ctx, "X42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	subs, err = store.ListSubscribersForItem(ctx, "X42")
	if err != nil || len(subs) != 0 {
		t.Fatalf("subscriptions not removed: %v %v", subs, err)
	}
	if err := store.DeleteWatchedItem(ctx, "X42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSubscribersAndThresholds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sub, err := store.EnsureSubscriber(ctx, Subscriber{ID: 42, Username: "deals"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sub.BigDiscountThreshold != nil {
		t.Fatal("new subscriber should have no override")
	}

	big := decimal.NewFromInt(50)
	if err := store.UpdateSubscriberThresholds(ctx, 42, &big, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	sub, err = store.EnsureSubscriber(ctx, Subscriber{ID: 42})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if sub.Username != "deals" {
		t.Fatalf("username overwritten: %q", sub.Username)
	}
	if sub.BigDiscountThreshold == nil || !sub.BigDiscountThreshold.Equal(big) {
		t.Fatalf("threshold: %v", sub.BigDiscountThreshold)
	}
	if err := store.UpdateSubscriberThresholds(ctx, 99, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestComparisonsAndStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cmp, err := store.AddComparison(ctx, Comparison{SubscriberID: 1, ProductName: "RTX 4070", SearchQuery: "rtx 4070"})
	if err != nil {
		t.Fatalf("add comparison: %v", err)
	}
	best := decimal.RequireFromString("649.99")
	cmp.Offers = []SiteOffer{{Site: "example", Price: best, URL: "https://shop.example/x"}}
	cmp.BestPrice = &best
	cmp.BestSite = "example"
	cmp.LastCheckedAt = &now
	if err := store.UpdateComparison(ctx, cmp); err != nil {
		t.Fatalf("update comparison: %v", err)
	}
	list, err := store.ListComparisons(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list comparisons: %v %v", list, err)
	}
	if list[0].BestPrice == nil || !list[0].BestPrice.Equal(best) || len(list[0].Offers) != 1 {
		t.Fatalf("comparison not persisted: %+v", list[0])
	}

	p1, p2 := decimal.NewFromInt(100), decimal.NewFromInt(201)
	_, _ = store.AddWatchedItem(ctx, WatchedItem{ItemID: "A", Site: "example", AddedBy: 1, AddedAt: now, LastKnownPrice: &p1})
	_, _ = store.AddWatchedItem(ctx, WatchedItem{ItemID: "B", Site: "example", AddedBy: 1, AddedAt: now, LastKnownPrice: &p2})
	_, _ = store.EnsureSubscriber(ctx, Subscriber{ID: 1})
	_, _, _ = store.PutAlert(ctx, alertFor("A", now), time.Hour)

	st, err := store.Stats(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.WatchedItems != 2 || st.Subscribers != 1 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if !st.AvgLastKnownPrice.Equal(decimal.RequireFromString("150.5")) {
		t.Fatalf("average: %s", st.AvgLastKnownPrice)
	}
	if st.AlertsByKind[AlertBigDiscount] != 1 {
		t.Fatalf("alerts by kind: %v", st.AlertsByKind)
	}
}
